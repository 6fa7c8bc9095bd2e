package mnrt

import "github.com/joeycumines/logiface"

// logifaceLogger adapts a *logiface.Logger to the runtime's Logger
// interface, so an embedding application already standardized on logiface
// (zerolog/logrus/slog/stumpy backends) can reuse its configured logger
// instead of the runtime's built-in WriterLogger. It only touches
// logiface's generic Logger/Builder surface, so it works with any backend
// without this module depending on one directly.
type logifaceLogger[E logiface.Event] struct {
	logger *logiface.Logger[E]
}

// NewLogifaceLogger wraps a *logiface.Logger as an mnrt.Logger.
func NewLogifaceLogger[E logiface.Event](logger *logiface.Logger[E]) Logger {
	return &logifaceLogger[E]{logger: logger}
}

func (l *logifaceLogger[E]) IsEnabled(level LogLevel) bool {
	return l.logger.Level() != logiface.LevelDisabled && toLogifaceLevel(level) <= l.logger.Level()
}

func (l *logifaceLogger[E]) Log(entry LogEntry) {
	b := l.logger.Build(toLogifaceLevel(entry.Level))
	if b == nil || !b.Enabled() {
		return
	}
	if entry.ClusterID != "" {
		b = b.Str("cluster", entry.ClusterID)
	}
	if entry.TaskID != 0 {
		b = b.Int("task", int(entry.TaskID))
	}
	if entry.Err != nil {
		b = b.Err(entry.Err)
	}
	for k, v := range entry.Context {
		b = b.Any(k, v)
	}
	b.Log(entry.Message)
}

func toLogifaceLevel(l LogLevel) logiface.Level {
	switch l {
	case LevelDebug:
		return logiface.LevelDebug
	case LevelInfo:
		return logiface.LevelInformational
	case LevelWarn:
		return logiface.LevelWarning
	case LevelError:
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
