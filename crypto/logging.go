package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates the fields of one crypto log line. Key material
// only ever appears as a fingerprint.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger starts a log line for function.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

// WithField adds one field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds several fields.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithGeneration tags the line with a session generation.
func (l *LoggerHelper) WithGeneration(generation uint64) *LoggerHelper {
	l.fields["generation"] = generation
	return l
}

// WithKey adds the fingerprint of key.
func (l *LoggerHelper) WithKey(key []byte) *LoggerHelper {
	l.fields["fingerprint"] = KeyFingerprint(key)
	return l
}

// Debug logs at debug level.
func (l *LoggerHelper) Debug(message string) {
	logrus.WithFields(l.fields).Debug(message)
}

// Info logs at info level.
func (l *LoggerHelper) Info(message string) {
	logrus.WithFields(l.fields).Info(message)
}

// Warn logs at warn level.
func (l *LoggerHelper) Warn(message string) {
	logrus.WithFields(l.fields).Warn(message)
}

// Error logs at error level.
func (l *LoggerHelper) Error(message string) {
	logrus.WithFields(l.fields).Error(message)
}

// KeyFingerprint returns a short preview of key material for logging.
// Only the first four bytes are ever shown.
func KeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return "nil"
	}
	n := 4
	if len(key) < n {
		n = len(key)
	}
	return fmt.Sprintf("%x…", key[:n])
}
