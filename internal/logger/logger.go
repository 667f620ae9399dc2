package logger

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Init builds the process logger: JSON lines on stderr, level from level or,
// when empty, LOG_LEVEL. Every entry carries the service name.
func Init(service, level string) *logrus.Entry {
	return New(os.Stderr, service, level)
}

func New(out io.Writer, service, level string) *logrus.Entry {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "ts",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	l.SetLevel(logrus.WarnLevel)
	if level != "" {
		if lvl, err := logrus.ParseLevel(level); err == nil {
			l.SetLevel(lvl)
		}
	}
	return l.WithField("service", service)
}
