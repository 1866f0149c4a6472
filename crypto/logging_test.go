package crypto

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevOut, prevLevel, prevFormatter := logrus.StandardLogger().Out, logrus.GetLevel(), logrus.StandardLogger().Formatter
	logrus.SetOutput(&buf)
	logrus.SetLevel(logrus.DebugLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{})
	t.Cleanup(func() {
		logrus.SetOutput(prevOut)
		logrus.SetLevel(prevLevel)
		logrus.SetFormatter(prevFormatter)
	})
	return &buf
}

func TestLoggerFields(t *testing.T) {
	buf := captureLogs(t)

	NewLogger("Channel.Install").
		WithGeneration(7).
		WithKey([]byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x02}).
		WithField("peer", "server").
		Info("rotated")

	out := buf.String()
	assert.Contains(t, out, `"function":"Channel.Install"`)
	assert.Contains(t, out, `"package":"crypto"`)
	assert.Contains(t, out, `"generation":7`)
	assert.Contains(t, out, `"fingerprint":"deadbeef…"`)
	assert.Contains(t, out, `"peer":"server"`)
	assert.NotContains(t, out, "0102")
}

func TestKeyFingerprint(t *testing.T) {
	tests := []struct {
		key  []byte
		want string
	}{
		{nil, "nil"},
		{[]byte{0xab}, "ab…"},
		{[]byte{1, 2, 3, 4, 5, 6, 7, 8}, "01020304…"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyFingerprint(tt.key))
	}
}
