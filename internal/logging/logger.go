package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a new structured logger with text output.
// app: application name (e.g., "lockstepd")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *logrus.Entry {
	return NewWithWriter(os.Stdout, app, level)
}

// NewWithWriter is New with an explicit output.
func NewWithWriter(w io.Writer, app string, level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(parseLevel(level))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:    true,
		DisableColors:    true,
		DisableQuote:     false,
		QuoteEmptyFields: true,
	})

	return logger.WithFields(logrus.Fields{
		"app": app,
		"pid": os.Getpid(),
	})
}

// Discard returns a logger that drops everything. Used as the default for
// components constructed without a logger.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}
