package kv

import (
	"errors"
	"strings"

	"github.com/mr-tron/base58"
)

const keyPartPrefix = "b58:"

// EncodeKeyPart makes an opaque identifier safe to embed in a key. The result
// never contains the key separator of the caller's layout, glob characters or
// whitespace.
func EncodeKeyPart(part string) string {
	return keyPartPrefix + base58.Encode([]byte(part))
}

// DecodeKeyPart reverses EncodeKeyPart.
func DecodeKeyPart(encoded string) (string, error) {
	if !strings.HasPrefix(encoded, keyPartPrefix) {
		return "", errors.New("invalid key part encoding")
	}

	decoded, err := base58.Decode(strings.TrimPrefix(encoded, keyPartPrefix))
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}
