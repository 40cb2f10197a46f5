package forwarded

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEffectiveIPNoHeader(t *testing.T) {
	r, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	ip, trusted := r.EffectiveIP("203.0.113.5:443", http.Header{})
	require.Equal(t, "203.0.113.5", ip)
	require.True(t, trusted)
}

func TestEffectiveIPTrustedPeer(t *testing.T) {
	r, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.2, 10.1.1.1")
	ip, trusted := r.EffectiveIP("10.1.1.1:443", h)
	require.Equal(t, "198.51.100.2", ip)
	require.True(t, trusted)
}

func TestEffectiveIPUntrustedPeerIgnoresHeader(t *testing.T) {
	r, err := New([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Forwarded-For", "198.51.100.2")
	ip, trusted := r.EffectiveIP("203.0.113.9:443", h)
	require.Equal(t, "203.0.113.9", ip)
	require.False(t, trusted)
}

func TestEffectiveIPForcedTestIP(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)
	r.WithForcedTestIP("1.2.3.4")

	ip, trusted := r.EffectiveIP("203.0.113.9:443", http.Header{})
	require.Equal(t, "1.2.3.4", ip)
	require.True(t, trusted)
}

func TestEffectiveIPNormalizesV4InV6(t *testing.T) {
	r, err := New([]string{"::1/128", "10.0.0.0/8"})
	require.NoError(t, err)

	h := http.Header{}
	h.Set("X-Forwarded-For", "::ffff:198.51.100.2")
	ip, trusted := r.EffectiveIP("10.0.0.1:1234", h)
	require.Equal(t, "198.51.100.2", ip)
	require.True(t, trusted)
}
