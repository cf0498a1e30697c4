package pipeline

import (
	"context"
	"errors"
	"log/slog"
)

// warnLoop logs a background loop problem unless it was caused by shutdown.
func warnLoop(logger *slog.Logger, component, msg string, attrs ...any) {
	if logger == nil {
		return
	}
	fields := []any{"component", component}
	fields = append(fields, attrs...)
	if len(attrs) >= 2 {
		var err error
		for i := 0; i+1 < len(attrs); i += 2 {
			key, ok := attrs[i].(string)
			if !ok || key != "error" {
				continue
			}
			switch v := attrs[i+1].(type) {
			case error:
				err = v
			}
		}
		if err != nil && errors.Is(err, context.Canceled) {
			return
		}
	}
	logger.Warn(msg, fields...)
}
