package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns base with whichever of trace_id, run_id and
// session_id the context carries.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	fields := map[string]interface{}{}
	for name, key := range map[string]idKey{
		"trace_id":   traceIDKey,
		"run_id":     runIDKey,
		"session_id": sessionIDKey,
	} {
		if v := value(ctx, key); v != "" {
			fields[name] = v
		}
	}

	if len(fields) == 0 {
		return base
	}
	return base.With().Fields(fields).Logger()
}
