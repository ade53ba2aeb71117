package config

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// LoggingConfig selects the logrus level and output format.
type LoggingConfig struct {
	// Level is any level logrus.ParseLevel accepts.
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
}

func (l LoggingConfig) validate() error {
	if _, err := logrus.ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch l.Format {
	case "", "text", "json":
		return nil
	}
	return fmt.Errorf("logging.format %q must be text or json", l.Format)
}

// Apply configures logger. A nil out leaves the output unchanged.
func (l LoggingConfig) Apply(logger *logrus.Logger, out io.Writer) error {
	if err := l.validate(); err != nil {
		return err
	}
	level, _ := logrus.ParseLevel(l.Level)
	logger.SetLevel(level)

	if l.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if out != nil {
		logger.SetOutput(out)
	}
	return nil
}
