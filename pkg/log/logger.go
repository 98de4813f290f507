package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New returns the application logger writing text lines with full timestamps to out.
// An unparsable levelName leaves the logger at info and is reported as the error.
func New(out io.Writer, levelName string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	logger.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return logger, err
	}
	logger.SetLevel(level)
	return logger, nil
}
