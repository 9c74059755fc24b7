package telemetry

import "log"

// Logger is the plain operational log used for messages that are not
// structured events: dial errors, shutdown problems, dropped pongs.
type Logger interface {
	Printf(format string, args ...any)
}

type LoggerFunc func(format string, args ...any)

func (f LoggerFunc) Printf(format string, args ...any) {
	if f != nil {
		f(format, args...)
	}
}

// WrapLogger adapts a standard library logger. A nil logger discards.
func WrapLogger(logger *log.Logger) Logger {
	if logger == nil {
		return NopLogger()
	}
	return LoggerFunc(logger.Printf)
}

func NopLogger() Logger {
	return LoggerFunc(func(string, ...any) {})
}

// Metrics receives mirrored counter increments. *logging.Metrics satisfies
// it.
type Metrics interface {
	Add(key string, delta uint64)
}
