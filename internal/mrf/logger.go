package mrf

import (
	"context"
	"io"
	"log/slog"
	"reflect"
)

// Logger is the logging capability Mrf and its media servers write to.
// *slog.Logger satisfies it. Arguments after msg are key/value pairs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

func discardLogger() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// checkLogger rejects nil loggers, including typed nils hidden in the
// interface.
func checkLogger(l Logger) error {
	if l == nil {
		return invalidConfig("logger is nil")
	}
	v := reflect.ValueOf(l)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Func, reflect.Chan, reflect.Slice:
		if v.IsNil() {
			return invalidConfig("logger is a nil %T", l)
		}
	}
	return nil
}

// slogFrom returns l as a *slog.Logger for components that need the full
// slog API. Other implementations are wrapped so their records still reach l.
func slogFrom(l Logger) *slog.Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl
	}
	return slog.New(&loggerHandler{l: l})
}

// loggerHandler forwards slog records to a Logger. Error and above go to
// Error, Info and Warn to Info; Debug is dropped.
type loggerHandler struct {
	l      Logger
	attrs  []any
	prefix string
}

func (h *loggerHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *loggerHandler) Handle(_ context.Context, r slog.Record) error {
	args := make([]any, 0, len(h.attrs)+2*r.NumAttrs())
	args = append(args, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		args = appendAttr(args, h.prefix, a)
		return true
	})
	if r.Level >= slog.LevelError {
		h.l.Error(r.Message, args...)
	} else {
		h.l.Info(r.Message, args...)
	}
	return nil
}

func (h *loggerHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = make([]any, 0, len(h.attrs)+2*len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		nh.attrs = appendAttr(nh.attrs, h.prefix, a)
	}
	return &nh
}

func (h *loggerHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

// appendAttr flattens a into key/value pairs, joining group names with dots.
func appendAttr(args []any, prefix string, a slog.Attr) []any {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range v.Group() {
			args = appendAttr(args, p, ga)
		}
		return args
	}
	if a.Key == "" {
		return args
	}
	return append(args, prefix+a.Key, v.Any())
}
