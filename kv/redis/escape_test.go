package redis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeGlob(t *testing.T) {
	require.Equal(t, `iap:request:`, escapeGlob("iap:request:"))
	require.Equal(t, `odd\*key%_\[1\]\?`, escapeGlob("odd*key%_[1]?"))
	require.Equal(t, `back\\slash`, escapeGlob(`back\slash`))
}

func TestRedisKeyNamespace(t *testing.T) {
	s := &store{namespace: "iap"}

	require.Equal(t, "iap:sku:orange", s.toRedisKey("sku:orange"))
	require.Equal(t, "sku:orange", s.fromRedisKey("iap:sku:orange"))
}
