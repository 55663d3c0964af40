package audit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"qazna.org/authcore/internal/auth"
	"qazna.org/authcore/internal/obs"
)

// secretMarkers name field keys that are never written to the audit trail.
var secretMarkers = []string{"password", "token", "secret", "fingerprint", "verifier", "code"}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return auth.ContextWithRequestID(ctx, strings.TrimSpace(requestID))
}

// LogEvent writes an audit log entry enriched with request and caller context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logEvent(obs.Logger(), ctx, event, fields)
}

func logEvent(logger *zap.Logger, ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	zf := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", event),
	}
	if rid := auth.RequestIDFromContext(ctx); rid != "" {
		zf = append(zf, zap.String("request_id", rid))
	}
	if access, ok := auth.AccessFromContext(ctx); ok {
		zf = append(zf, zap.String("principal_id", strconv.FormatInt(access.PrincipalID, 10)))
	}
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if isSecret(k) {
			continue
		}
		clean[k] = v
	}
	zf = append(zf, zap.Any("fields", clean))
	logger.Info("audit", zf...)
	return nil
}

func isSecret(key string) bool {
	key = strings.ToLower(key)
	for _, m := range secretMarkers {
		if strings.Contains(key, m) {
			return true
		}
	}
	return false
}

// Logger records authentication events through zap.
type Logger struct {
	logger *zap.Logger
}

var _ auth.Auditor = (*Logger)(nil)

// NewLogger uses the shared service logger when l is nil.
func NewLogger(l *zap.Logger) *Logger {
	if l == nil {
		l = obs.Logger()
	}
	return &Logger{logger: l.Named("audit")}
}

func (l *Logger) Record(ctx context.Context, ev auth.AuditEvent) {
	fields := map[string]any{
		"outcome": ev.Outcome,
	}
	if ev.Reason != "" {
		fields["reason"] = ev.Reason
	}
	if ev.CorrelationID != "" {
		fields["correlation_id"] = ev.CorrelationID
	}
	if ev.PrincipalID != 0 {
		fields["principal_id"] = strconv.FormatInt(ev.PrincipalID, 10)
	}
	if ev.Provider != "" {
		fields["provider"] = ev.Provider
	}
	keys := make([]string, 0, len(ev.Fields))
	for k := range ev.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, taken := fields[k]; taken {
			continue
		}
		fields[k] = ev.Fields[k]
	}
	_ = logEvent(l.logger, ctx, "auth."+ev.Operation, fields)
}
