// Package logging builds the process-wide structured logger: a JSON
// formatter plus a fixed set of service-identifying fields.
package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger emitting JSON lines with timestamp,
// level, message, and a fixed set of service-identifying fields
// attached, and returns it already wrapped as a *logrus.Entry so
// callers never log without those fields.
func New(service, version string) *logrus.Entry {
	base := logrus.New()
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	base.SetLevel(levelFromEnv())

	if endpoint := GetEnv("LOKI_ENDPOINT", ""); endpoint != "" {
		base.AddHook(NewLokiHook(endpoint, map[string]string{"service": service}))
	}

	return base.WithFields(logrus.Fields{
		"service":     service,
		"version":     version,
		"environment": GetEnv("ENVIRONMENT", "development"),
	})
}

func levelFromEnv() logrus.Level {
	lvl, err := logrus.ParseLevel(GetEnv("LOG_LEVEL", "info"))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// GetEnv returns the named environment variable, or defaultValue if
// unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
