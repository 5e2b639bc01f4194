// Package progress fans job lifecycle events out to sinks without blocking the
// workers that produce them. The Hub batches events on a background goroutine;
// sinks forward them to a broker, to logs, or to Prometheus.
package progress
