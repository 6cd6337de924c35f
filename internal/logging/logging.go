// Package logging provides the package-wide structured logger used across
// libcaffeine-go. Loggers obtained via L() before Init() runs still work —
// they write to a text handler on stdout until the host calls Init, at which
// point every previously-handed-out logger starts forwarding through the
// host's callback instead.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeyError     = "error"
)

type contextKey struct{}

// Callback matches the Host API's Initialize(..., logCallback) parameter: a
// function the embedding application supplies to receive log lines. The
// module never owns a local file or remote shipper — the sink is always the
// host's.
type Callback func(level slog.Level, component, message string, fields map[string]any)

// switchableHandler lets package-level loggers created before Init() pick up
// the configured handler once Init runs, without re-obtaining the logger.
type switchableHandler struct {
	state  *switchableState
	attrs  []slog.Attr
	groups []string
}

type switchableState struct {
	current atomic.Value // stores slog.Handler
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	state := &switchableState{}
	state.current.Store(h)
	return &switchableHandler{state: state}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.state.current.Store(handler)
}

func (h *switchableHandler) base() slog.Handler {
	return h.state.current.Load().(slog.Handler)
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.base()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.materialize().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	groups := make([]string, len(h.groups))
	copy(groups, h.groups)

	return &switchableHandler{state: h.state, attrs: merged, groups: groups}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)

	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)

	return &switchableHandler{state: h.state, attrs: attrs, groups: groups}
}

var (
	rootHandler   = newSwitchableHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(rootHandler)
	initOnce      sync.Once
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init installs the host's log callback as the sink for every logger handed
// out by L(), FromContext, or slog.Default(). Only the first call takes
// effect — later calls are no-ops, matching the Host API's Initialize
// being callable exactly once per process per Design Note 9.
func Init(minLevel slog.Level, callback Callback) {
	initOnce.Do(func() {
		if callback == nil {
			return
		}
		rootHandler.set(&callbackHandler{callback: callback, minLevel: minLevel})
	})
}

// callbackHandler adapts slog.Handler to the host Callback shape.
type callbackHandler struct {
	callback Callback
	minLevel slog.Level
	attrs    []slog.Attr
	groups   []string
}

func (h *callbackHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *callbackHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]any)
	for _, group := range h.groups {
		_ = group
	}
	for _, attr := range h.attrs {
		addField(fields, h.groups, attr)
	}
	record.Attrs(func(a slog.Attr) bool {
		addField(fields, h.groups, a)
		return true
	})

	component := extractComponent(fields)
	h.callback(record.Level, component, record.Message, fields)
	return nil
}

func (h *callbackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	groups := make([]string, len(h.groups))
	copy(groups, h.groups)
	return &callbackHandler{callback: h.callback, minLevel: h.minLevel, attrs: merged, groups: groups}
}

func (h *callbackHandler) WithGroup(name string) slog.Handler {
	attrs := make([]slog.Attr, len(h.attrs))
	copy(attrs, h.attrs)
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &callbackHandler{callback: h.callback, minLevel: h.minLevel, attrs: attrs, groups: groups}
}

func addField(fields map[string]any, groups []string, attr slog.Attr) {
	keyParts := make([]string, 0, len(groups)+1)
	keyParts = append(keyParts, groups...)
	if attr.Key != "" {
		keyParts = append(keyParts, attr.Key)
	}

	if attr.Value.Kind() == slog.KindGroup {
		for _, nested := range attr.Value.Group() {
			addField(fields, keyParts, nested)
		}
		return
	}

	if len(keyParts) == 0 {
		return
	}
	fields[strings.Join(keyParts, ".")] = attr.Value.Any()
}

func extractComponent(fields map[string]any) string {
	if c, ok := fields[KeyComponent].(string); ok && c != "" {
		return c
	}
	suffix := "." + KeyComponent
	for key, value := range fields {
		if strings.HasSuffix(key, suffix) {
			if c, ok := value.(string); ok && c != "" {
				return c
			}
		}
	}
	return "unknown"
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// ParseLevel maps the Host API's string log level to a slog.Level, defaulting
// to Info for anything unrecognized.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
