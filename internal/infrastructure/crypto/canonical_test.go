package crypto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	t.Run("sorts keys and strips whitespace", func(t *testing.T) {
		raw := []byte(`{ "b": 2,  "a": { "z": true, "y": [1, 2] } }`)
		out, err := CanonicalJSON(raw)
		require.NoError(t, err)
		assert.Equal(t, `{"a":{"y":[1,2],"z":true},"b":2}`, string(out))
	})

	t.Run("stable across equivalent inputs", func(t *testing.T) {
		a, err := CanonicalJSON([]byte(`{"x":1,"y":2}`))
		require.NoError(t, err)
		b, err := CanonicalJSON([]byte("{\n\t\"y\": 2, \"x\": 1\n}"))
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("empty input canonicalizes to null", func(t *testing.T) {
		out, err := CanonicalJSON(nil)
		require.NoError(t, err)
		assert.Equal(t, "null", string(out))
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := CanonicalJSON([]byte(`{"a":`))
		assert.Error(t, err)
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		_, err := CanonicalJSON([]byte(`{"a":1}{"b":2}`))
		assert.Error(t, err)
	})

	t.Run("preserves integers past float64 precision", func(t *testing.T) {
		// 2^53+1 is not representable as float64; it must survive
		// canonicalization byte for byte.
		out, err := CanonicalJSON([]byte(`{"sequence": 9007199254740993, "ts": 1756080000000000001}`))
		require.NoError(t, err)
		assert.Equal(t, `{"sequence":9007199254740993,"ts":1756080000000000001}`, string(out))
	})

	t.Run("preserves fractional values", func(t *testing.T) {
		out, err := CanonicalJSON([]byte(`{"confidence": 0.85}`))
		require.NoError(t, err)
		assert.Equal(t, `{"confidence":0.85}`, string(out))
	})
}

func TestSHA256Hex(t *testing.T) {
	// Known vector for "abc"
	assert.Equal(t,
		"ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA256Hex([]byte("abc")))

	// Concatenation is equivalent to a single write
	assert.Equal(t, SHA256Hex([]byte("abc")), SHA256Hex([]byte("a"), []byte("bc")))
}

func TestHMAC(t *testing.T) {
	key := []byte("shared-key")
	data := []byte("payload")

	mac := HMACSHA256Hex(key, data)
	assert.True(t, VerifyHMACSHA256(key, data, mac))
	assert.False(t, VerifyHMACSHA256(key, []byte("tampered"), mac))
	assert.False(t, VerifyHMACSHA256([]byte("other-key"), data, mac))
	assert.False(t, VerifyHMACSHA256(key, data, "not-hex"))
}

func TestLocalKMS(t *testing.T) {
	ctx := context.Background()
	kms := NewLocalKMS()

	handle, pubPEM, err := kms.GenerateKeypair(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	require.Contains(t, pubPEM, "PUBLIC KEY")

	t.Run("sign and verify", func(t *testing.T) {
		sig, err := kms.Sign(ctx, handle, []byte("decide"))
		require.NoError(t, err)

		ok, err := kms.Verify(ctx, pubPEM, []byte("decide"), sig)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = kms.Verify(ctx, pubPEM, []byte("tampered"), sig)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("unknown handle", func(t *testing.T) {
		_, err := kms.Sign(ctx, KeyHandle("missing"), []byte("x"))
		assert.Error(t, err)
	})

	t.Run("rotate invalidates old public key", func(t *testing.T) {
		sigBefore, err := kms.Sign(ctx, handle, []byte("decide"))
		require.NoError(t, err)

		newPub, err := kms.Rotate(ctx, handle)
		require.NoError(t, err)
		require.NotEqual(t, pubPEM, newPub)

		sigAfter, err := kms.Sign(ctx, handle, []byte("decide"))
		require.NoError(t, err)

		ok, err := kms.Verify(ctx, newPub, []byte("decide"), sigAfter)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = kms.Verify(ctx, newPub, []byte("decide"), sigBefore)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
