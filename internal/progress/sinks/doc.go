// Package sinks implements lifecycle event consumers: a broker forwarder,
// structured logging, and Prometheus run metrics. Each sink satisfies
// progress.Sink and is safe for repeated Consume/Close cycles.
package sinks
