// Package logging is the four-level logger facade the rest of the
// engine takes as a dependency, backed by zap the way nzlov/sw's
// node/client pair and goph-keeper's gRPC interceptors wire it.
package logging

import "go.uber.org/zap"

// Logger is the facade every component in this module logs through. It
// never panics on a nil field value; Extend never returns nil.
type Logger struct {
	sugar     *zap.SugaredLogger
	namespace string
}

// New wraps an existing zap logger. Pass zap.NewNop() (or call Nop
// below) in tests that don't care about log output.
func New(z *zap.Logger) *Logger {
	return &Logger{sugar: z.Sugar()}
}

// Nop returns a logger that discards everything, for tests and for
// hosts that have not wired a real sink yet.
func Nop() *Logger {
	return New(zap.NewNop())
}

// Extend returns a child logger namespaced under suffix, joined with
// the storage package's colon convention so log lines and storage keys
// read the same way for a given subscription or component.
func (l *Logger) Extend(suffix string) *Logger {
	ns := suffix
	if l.namespace != "" {
		ns = l.namespace + ":" + suffix
	}
	return &Logger{
		sugar:     l.sugar.With("component", ns),
		namespace: ns,
	}
}

func (l *Logger) Debug(msg string, kv ...any) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.sugar.Errorw(msg, kv...) }
