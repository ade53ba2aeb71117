package pairing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/daemonlink/crypto"
)

func TestDecodeQRPayload(t *testing.T) {
	secret := bytes.Repeat([]byte{0xab}, crypto.MasterSecretSize)
	raw := fmt.Sprintf(`{"v":1,"deviceId":"phone-1","deviceName":"Pixel","secret":%q,"host":"192.168.1.20","port":8765,"relay":"https://ntfy.sh"}`,
		base64.StdEncoding.EncodeToString(secret))

	p, err := DecodeQRPayload(raw)
	require.NoError(t, err)
	assert.Equal(t, "phone-1", p.DeviceID)
	assert.Equal(t, "Pixel", p.DeviceName)
	assert.Equal(t, secret, p.Secret)
	assert.Equal(t, "192.168.1.20", p.Host)
	assert.Equal(t, 8765, p.Port)
	assert.Equal(t, "https://ntfy.sh", p.Relay)

	p.Wipe()
	assert.True(t, crypto.IsZero(p.Secret))
}

func TestDecodeQRPayload_Base64Variants(t *testing.T) {
	// 0xfb bytes produce '+' and '/' in standard base64.
	secret := bytes.Repeat([]byte{0xfb}, crypto.MasterSecretSize)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		raw := fmt.Sprintf(`{"deviceId":"d","secret":%q}`, enc.EncodeToString(secret))
		p, err := DecodeQRPayload(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, secret, p.Secret)
		assert.Equal(t, QRPayloadVersion, p.Version)
	}
}

func TestDecodeQRPayload_Invalid(t *testing.T) {
	good := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, crypto.MasterSecretSize))
	short := base64.StdEncoding.EncodeToString([]byte("too short"))

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"not json", "remote-control://pair", "invalid character"},
		{"missing device", fmt.Sprintf(`{"secret":%q}`, good), "missing device id"},
		{"missing secret", `{"deviceId":"d"}`, "missing secret"},
		{"bad base64", `{"deviceId":"d","secret":"***"}`, "not valid base64"},
		{"short secret", fmt.Sprintf(`{"deviceId":"d","secret":%q}`, short), "secret must be 32 bytes"},
		{"bad port", fmt.Sprintf(`{"deviceId":"d","secret":%q,"port":70000}`, good), "out of range"},
		{"future version", fmt.Sprintf(`{"v":9,"deviceId":"d","secret":%q}`, good), "unsupported version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeQRPayload(tt.raw)
			require.ErrorIs(t, err, ErrInvalidPayload)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
