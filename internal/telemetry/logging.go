// Package telemetry builds the structured logger shared by the daemon and
// the CLI commands. Records are JSON lines in <home>/logs/system.jsonl.
// Correlation ids (trace, run, schedule, guardian) are read from the
// context passed to the *Context logging methods, so call sites do not
// need to thread them through With.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/basket/gatekeeper/internal/shared"
)

// Options configures NewLogger.
type Options struct {
	HomeDir string
	Level   string
	// Quiet keeps records off stdout.
	Quiet bool
	// WorkspaceRoot shortens absolute paths under it in target, path,
	// file and dir attributes.
	WorkspaceRoot string
}

// NewLogger returns the process logger and the file it writes to.
func NewLogger(opts Options) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(opts.HomeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !opts.Quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(opts.Level),
		ReplaceAttr: replaceAttr(opts.WorkspaceRoot),
	})
	return slog.New(&contextHandler{Handler: h}).With("component", "gatekeeper"), file, nil
}

// contextHandler appends the correlation ids carried by the record's
// context. trace_id is always present ("-" outside a trace); the others
// only when set and not already bound by the caller.
type contextHandler struct {
	slog.Handler
	bound []string
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	seen := slices.Clone(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		seen = append(seen, a.Key)
		return true
	})
	r = r.Clone()
	add := func(key, value string) {
		if value != "" && !slices.Contains(seen, key) {
			r.AddAttrs(slog.String(key, value))
		}
	}
	add("trace_id", shared.TraceID(ctx))
	add("run_id", shared.RunID(ctx))
	add("schedule_id", shared.ScheduleID(ctx))
	add("guardian", shared.Guardian(ctx))
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := slices.Clone(h.bound)
	for _, a := range attrs {
		bound = append(bound, a.Key)
	}
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs), bound: bound}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), bound: h.bound}
}

var pathKeys = []string{"target", "path", "file", "dir", "backup_path"}

func replaceAttr(root string) func([]string, slog.Attr) slog.Attr {
	return func(_ []string, a slog.Attr) slog.Attr {
		if a.Key == slog.TimeKey {
			a.Key = "timestamp"
			return a
		}
		if a.Value.Kind() == slog.KindGroup {
			return a
		}
		if shared.SecretKey(a.Key) {
			return slog.String(a.Key, "[REDACTED]")
		}
		if a.Value.Kind() != slog.KindString {
			return a
		}
		v := a.Value.String()
		if root != "" && slices.Contains(pathKeys, a.Key) {
			v = relativeTo(root, v)
		}
		return slog.String(a.Key, shared.Redact(v))
	}
}

func relativeTo(root, p string) string {
	if !filepath.IsAbs(p) {
		return p
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
