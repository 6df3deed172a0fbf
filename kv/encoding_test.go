package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyPart(t *testing.T) {
	for _, part := range []string{
		"amzn1.request.R1",
		"sku:with:colons",
		"star*and?brackets[]",
		"spaces and\ttabs",
	} {
		encoded := EncodeKeyPart(part)
		require.NotContains(t, encoded[len(keyPartPrefix):], ":")
		require.NotContains(t, encoded, "*")
		require.NotContains(t, encoded, " ")

		decoded, err := DecodeKeyPart(encoded)
		require.NoError(t, err)
		require.Equal(t, part, decoded)
	}
}

func TestDecodeKeyPartInvalid(t *testing.T) {
	for _, encoded := range []string{
		"invalid_format_without_prefix",
		"b64:SGVsbG8sIFdvcmxkIQ==",
		"b58:0OIl",
	} {
		_, err := DecodeKeyPart(encoded)
		require.Error(t, err)
	}
}
