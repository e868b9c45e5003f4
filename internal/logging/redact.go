// Package logging wraps goa.design/clue/log with a secret-redaction layer.
// Every message and every string value passes through the compiled redaction
// patterns before it reaches the underlying logger, so credentials can never
// leak through format strings or structured fields. Non-string values are
// passed through untouched so numeric fields keep their types.
package logging

import (
	"context"
	"regexp"

	"goa.design/clue/log"
)

// redacted replaces any matched secret material.
const redacted = "[REDACTED]"

// patterns is the fixed set of secret shapes scrubbed from log output.
// Order matters only for overlapping matches; each pattern is applied in turn.
var patterns = []*regexp.Regexp{
	// PEM private key blocks, including the body.
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	// Vendor-prefixed API tokens (sk-..., sk-proj-...).
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{8,}\b`),
	// JWTs: three dot-separated base64url segments.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\b`),
	// Authorization bearer values.
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// password=... in URLs, DSNs or log lines.
	regexp.MustCompile(`(?i)\bpassword=\S+`),
	// Exchange-style key identifiers (organizations/.../apiKeys/...).
	regexp.MustCompile(`organizations/[0-9a-f-]+/apiKeys/[0-9a-f-]+`),
	// Env-style assignments of keys and secrets.
	regexp.MustCompile(`(?i)\b[A-Z0-9_]*(?:API_KEY|SECRET)=\S+`),
}

// Redact scrubs all known secret shapes from s.
func Redact(s string) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return s
}

// redactKVs returns fielders with every string value scrubbed. Keys are
// assumed to be non-secret (they are code-authored constants).
func redactKVs(keyvals []any) []log.Fielder {
	fielders := make([]log.Fielder, 0, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		val := keyvals[i+1]
		if s, ok := val.(string); ok {
			val = Redact(s)
		}
		fielders = append(fielders, log.KV{K: key, V: val})
	}
	return fielders
}

// Debug logs at debug level after redaction. keyvals are alternating
// key/value pairs.
func Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, append([]log.Fielder{log.KV{K: "msg", V: Redact(msg)}}, redactKVs(keyvals)...)...)
}

// Info logs at info level after redaction.
func Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, append([]log.Fielder{log.KV{K: "msg", V: Redact(msg)}}, redactKVs(keyvals)...)...)
}

// Warn logs at warn level after redaction.
func Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, append([]log.Fielder{log.KV{K: "msg", V: Redact(msg)}}, redactKVs(keyvals)...)...)
}

// Error logs at error level after redaction.
func Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, append([]log.Fielder{log.KV{K: "msg", V: Redact(msg)}}, redactKVs(keyvals)...)...)
}

// WithRun annotates ctx with the correlation ids carried by every run-scoped
// log record.
func WithRun(ctx context.Context, runID, traceID, tenantID string) context.Context {
	return log.With(ctx,
		log.KV{K: "run_id", V: runID},
		log.KV{K: "trace_id", V: traceID},
		log.KV{K: "tenant_id", V: tenantID},
	)
}

// WithNode annotates ctx with the current node name.
func WithNode(ctx context.Context, node string) context.Context {
	return log.With(ctx, log.KV{K: "node", V: node})
}
