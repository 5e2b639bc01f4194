// Package logging builds zap loggers and the structured fields shared across components.
package logging

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, errors.Wrap(err, "build dev logger")
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build prod logger")
	}
	return logger, nil
}

// UnitFields identifies a work unit in log lines.
func UnitFields(unit harvest.WorkUnit) []zap.Field {
	fields := []zap.Field{
		zap.String("job_id", unit.JobID),
		zap.String("run_id", unit.RunID),
		zap.String("unit", string(unit.Kind)),
		zap.Int("attempt", unit.Attempt),
	}
	if unit.ItemID != "" {
		fields = append(fields, zap.String("item_id", unit.ItemID))
	}
	if unit.ProfileID != "" {
		fields = append(fields, zap.String("profile_id", unit.ProfileID))
	}
	return fields
}
