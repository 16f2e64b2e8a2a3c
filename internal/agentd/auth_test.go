package agentd

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyToken(t *testing.T) {
	t.Parallel()

	hash, err := HashToken("my-api-token")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))

	assert.True(t, VerifyToken("my-api-token", hash))
	assert.False(t, VerifyToken("wrong-token", hash))
	assert.False(t, VerifyToken("", hash))
}

func TestHashToken_UniqueSalts(t *testing.T) {
	t.Parallel()

	h1, err := HashToken("same-token")
	require.NoError(t, err)
	h2, err := HashToken("same-token")
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
	assert.True(t, VerifyToken("same-token", h1))
	assert.True(t, VerifyToken("same-token", h2))
}

func TestVerifyToken_MalformedHash(t *testing.T) {
	t.Parallel()

	assert.False(t, VerifyToken("token", ""))
	assert.False(t, VerifyToken("token", "not-a-hash"))
	assert.False(t, VerifyToken("token", "$argon2id$v=19$m=65536,t=1,p=4$bad base64!$bad"))
	assert.False(t, VerifyToken("token", "$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"))
}
