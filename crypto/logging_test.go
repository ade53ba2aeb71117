package crypto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	std := logrus.StandardLogger()
	prevOut, prevFmt, prevLevel := std.Out, std.Formatter, std.GetLevel()
	std.SetOutput(&buf)
	std.SetFormatter(&logrus.JSONFormatter{})
	std.SetLevel(logrus.DebugLevel)
	t.Cleanup(func() {
		std.SetOutput(prevOut)
		std.SetFormatter(prevFmt)
		std.SetLevel(prevLevel)
	})
	return &buf
}

func TestDeriveKeyRefusalIsLogged(t *testing.T) {
	buf := captureLogs(t)

	_, err := DeriveKey(bytes.Repeat([]byte{1}, MasterSecretSize), "")
	require.Error(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "DeriveKey", entry["function"])
	assert.Equal(t, "crypto", entry["package"])
	assert.Equal(t, "", entry["purpose"])
	assert.Equal(t, float64(MasterSecretSize), entry["secret_size"])
	assert.Equal(t, "empty key purpose", entry["error"])
	assert.Equal(t, "warning", entry["level"])
	assert.NotContains(t, buf.String(), "0101010101")
}

func TestLogForMergesFields(t *testing.T) {
	buf := captureLogs(t)

	logFor("Probe", logrus.Fields{"a": 1}, logrus.Fields{"b": "two"}).Info("probe")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Probe", entry["function"])
	assert.Equal(t, float64(1), entry["a"])
	assert.Equal(t, "two", entry["b"])
}

func TestDeriveTopicLogsDebug(t *testing.T) {
	buf := captureLogs(t)

	topic, err := DeriveTopic(bytes.Repeat([]byte{7}, MasterSecretSize))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), topic)
	assert.Contains(t, buf.String(), `"level":"debug"`)
}

func TestSecureFieldHash(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		preview string
		size    int
	}{
		{"nil", nil, "nil", 0},
		{"short", []byte{0xde, 0xad}, "dead", 2},
		{"exactly eight", bytes.Repeat([]byte{0x01}, 8), "0101010101010101", 8},
		{"truncated", bytes.Repeat([]byte{0xff}, 32), "ffffffffffffffff...", 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := SecureFieldHash(tt.data, "nonce")
			assert.Equal(t, tt.preview, fields["nonce_preview"])
			assert.Equal(t, tt.size, fields["nonce_size"])
		})
	}
}
