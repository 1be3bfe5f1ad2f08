package core

import "go.uber.org/zap"

// ZapLogger adapts a *zap.Logger to Logger.
type ZapLogger struct {
	l *zap.Logger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger wraps l. A nil l yields a no-op zap logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{l: l}
}

// Named returns a child logger with name appended to the logger name.
func (z *ZapLogger) Named(name string) *ZapLogger {
	return &ZapLogger{l: z.l.Named(name)}
}

// Zap exposes the underlying logger.
func (z *ZapLogger) Zap() *zap.Logger { return z.l }

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error { return z.l.Sync() }

func (z *ZapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, zapFields(fields)...) }
func (z *ZapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, zapFields(fields)...) }
func (z *ZapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, zapFields(fields)...) }
func (z *ZapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, zapFields(fields)...) }

func zapFields(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
