package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestNewSealer(t *testing.T) {
	t.Run("accepts a 32 byte hex key", func(t *testing.T) {
		_, err := NewSealer(testKey)
		assert.NoError(t, err)
	})

	t.Run("rejects short keys", func(t *testing.T) {
		_, err := NewSealer("abcd")
		assert.Error(t, err)
	})

	t.Run("rejects non-hex keys", func(t *testing.T) {
		_, err := NewSealer(strings.Repeat("z", 64))
		assert.Error(t, err)
	})
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	sealed, err := s.Seal([]byte(`{"phoneNumber":"+15550001111"}`))
	require.NoError(t, err)
	assert.NotContains(t, sealed, "5550001111")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"phoneNumber":"+15550001111"}`, string(opened))
}

func TestSealer_UsesFreshNonce(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	a, _ := s.Seal([]byte("same"))
	b, _ := s.Seal([]byte("same"))
	assert.NotEqual(t, a, b)
}

func TestSealer_RejectsTampering(t *testing.T) {
	s, err := NewSealer(testKey)
	require.NoError(t, err)

	_, err = s.Open("not base64!")
	assert.Error(t, err)

	_, err = s.Open("AAAA")
	assert.Error(t, err)

	other, err := NewSealer(strings.Repeat("ab", 32))
	require.NoError(t, err)
	sealed, _ := other.Seal([]byte("secret"))
	_, err = s.Open(sealed)
	assert.Error(t, err)
}
