package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// previewBytes is how much of a sensitive value may appear in a log line.
const previewBytes = 8

// logFor returns an entry tagged with the crypto package and the calling
// operation. Extra field sets are merged in order.
func logFor(function string, extra ...logrus.Fields) *logrus.Entry {
	fields := logrus.Fields{
		"package":  "crypto",
		"function": function,
	}
	for _, set := range extra {
		for k, v := range set {
			fields[k] = v
		}
	}
	return logrus.WithFields(fields)
}

// purposeFields describes a key derivation without touching the key.
func purposeFields(purpose Purpose, secretLen int) logrus.Fields {
	return logrus.Fields{
		"purpose":     string(purpose),
		"secret_size": secretLen,
	}
}

// SecureFieldHash creates a short hex preview of sensitive data for logging.
// Only the first 8 bytes are shown; never pass keys or secrets here.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		n := len(data)
		if n > previewBytes {
			n = previewBytes
		}
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
