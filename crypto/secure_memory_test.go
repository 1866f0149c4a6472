package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureWipe(t *testing.T) {
	t.Parallel()
	data := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(data))
	assert.True(t, isZero(data))
	assert.Error(t, SecureWipe(nil))
	assert.NoError(t, SecureWipe([]byte{}))

	key := []byte{9, 9}
	ZeroBytes(key)
	assert.Equal(t, []byte{0, 0}, key)
}

func TestIsZero(t *testing.T) {
	t.Parallel()
	assert.True(t, isZero(make([]byte, 32)))
	assert.False(t, isZero([]byte{0, 0, 1}))
	assert.True(t, isZero(nil))
}
