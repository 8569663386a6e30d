package gossip

import (
	"bytes"
	"log"

	"github.com/sirupsen/logrus"
)

// newLogger bridges memberlist's standard library logger into logrus.
func newLogger(l logrus.FieldLogger) *log.Logger {
	return log.New(&logw{logger: l.WithField("component", "memberlist")}, "", 0)
}

type logw struct {
	logger logrus.FieldLogger
}

func (l *logw) Write(b []byte) (int, error) {
	n := len(b)
	b = bytes.TrimRight(b, "\n")
	switch {
	case bytes.HasPrefix(b, []byte("[DEBUG]")):
		l.logger.Debug(string(bytes.TrimPrefix(b, []byte("[DEBUG] "))))
	case bytes.HasPrefix(b, []byte("[INFO]")):
		l.logger.Info(string(bytes.TrimPrefix(b, []byte("[INFO] "))))
	case bytes.HasPrefix(b, []byte("[WARN]")):
		l.logger.Warn(string(bytes.TrimPrefix(b, []byte("[WARN] "))))
	case bytes.HasPrefix(b, []byte("[ERR]")), bytes.HasPrefix(b, []byte("[ERROR]")):
		b = bytes.TrimPrefix(bytes.TrimPrefix(b, []byte("[ERR] ")), []byte("[ERROR] "))
		l.logger.Error(string(b))
	default:
		l.logger.Info(string(b))
	}
	return n, nil
}
