package vault

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := testKey(t)
	nonce, err := NewNonce()
	require.NoError(t, err)

	for _, plaintext := range []string{"a", "token-material", `{"access_token":"ya29.x"}`, ""} {
		ciphertext, err := Encrypt([]byte(plaintext), key, nonce)
		require.NoError(t, err)

		got, err := Decrypt(ciphertext, key, nonce)
		require.NoError(t, err)
		assert.Equal(t, plaintext, string(got))
	}
}

func TestDecryptWrongKeyFailsIntegrity(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)
	ciphertext, err := Encrypt([]byte("secret"), testKey(t), nonce)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, testKey(t), nonce)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDecryptWrongNonceFailsIntegrity(t *testing.T) {
	key := testKey(t)
	nonce, err := NewNonce()
	require.NoError(t, err)
	ciphertext, err := Encrypt([]byte("secret"), key, nonce)
	require.NoError(t, err)

	other, err := NewNonce()
	require.NoError(t, err)
	_, err = Decrypt(ciphertext, key, other)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestDecryptTamperedCiphertextFailsIntegrity(t *testing.T) {
	key := testKey(t)
	nonce, err := NewNonce()
	require.NoError(t, err)
	ciphertext, err := Encrypt([]byte("secret"), key, nonce)
	require.NoError(t, err)

	ciphertext[0] ^= 0x01
	_, err = Decrypt(ciphertext, key, nonce)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestEncryptRejectsBadKeyAndNonceSizes(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	_, err = Encrypt([]byte("x"), make([]byte, 16), nonce)
	require.Error(t, err)

	_, err = Encrypt([]byte("x"), testKey(t), make([]byte, 8))
	require.Error(t, err)
}

func TestNewNonceIsFresh(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.Len(t, a, NonceSize)
	assert.NotEqual(t, a, b)
}
