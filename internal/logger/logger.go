package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu  sync.RWMutex
	app = logrus.New()
)

// Options controls Init. File enables a rotated log file alongside stdout.
type Options struct {
	Level  string
	Format string
	File   string
}

// Init configures the process-wide application logger.
func Init(opts Options) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.EqualFold(opts.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // MB
			MaxBackups: 7,
			MaxAge:     7,
			Compress:   true,
		})
	}
	l.SetOutput(out)

	mu.Lock()
	app = l
	mu.Unlock()
}

// Get returns the application logger.
func Get() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return app
}

// WithModule returns an entry tagged with module, e.g. "lifecycle", "dispatch", "broadcast".
func WithModule(module string) *logrus.Entry {
	return Get().WithField("module", module)
}

// WithFields returns an entry with extra fields.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return Get().WithFields(logrus.Fields(fields))
}
