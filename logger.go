package flowcache

import "github.com/rs/zerolog"

// Logger is the leveled sink flowcache logs through. A mandatory
// collaborator: Cache construction fails without one.
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, err error, kv ...any)
}

// ZerologLogger adapts a zerolog.Logger to the Logger port. It takes an
// explicit instance rather than logging through zerolog's package-level
// global: a library must not mutate global logging state on behalf of its
// callers.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger wraps l as a Logger.
func NewZerologLogger(l zerolog.Logger) *ZerologLogger {
	return &ZerologLogger{log: l}
}

func (z *ZerologLogger) Debug(msg string, kv ...any) { z.event(z.log.Debug(), kv).Msg(msg) }
func (z *ZerologLogger) Info(msg string, kv ...any)  { z.event(z.log.Info(), kv).Msg(msg) }
func (z *ZerologLogger) Warn(msg string, kv ...any)  { z.event(z.log.Warn(), kv).Msg(msg) }

func (z *ZerologLogger) Error(msg string, err error, kv ...any) {
	e := z.log.Error()
	if err != nil {
		e = e.Err(err)
	}
	z.event(e, kv).Msg(msg)
}

func (z *ZerologLogger) event(e *zerolog.Event, kv []any) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}
