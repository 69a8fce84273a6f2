package logger

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var Logger *logrus.Logger

func init() {
	Logger = logrus.New()
	Logger.SetOutput(os.Stdout)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	Logger.SetLevel(logrus.InfoLevel)

	// LOG_LEVEL wins over the configured level, see Configure.
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if parsedLevel, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
			Logger.SetLevel(parsedLevel)
		}
	}
}

// Configure applies the configured log level unless LOG_LEVEL is set in the environment.
func Configure(level string) error {
	if os.Getenv("LOG_LEVEL") != "" || level == "" {
		return nil
	}
	parsed, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	Logger.SetLevel(parsed)
	return nil
}

// WithComponent adds a component field to the logger
func WithComponent(component string) *logrus.Entry {
	return Logger.WithField("component", component)
}

// WithEntity tags a component logger with the entity bucket it is working on.
func WithEntity(component, entityType, organizationID string) *logrus.Entry {
	fields := logrus.Fields{"component": component, "entity": entityType}
	if organizationID != "" {
		fields["organization_id"] = organizationID
	}
	return Logger.WithFields(fields)
}
