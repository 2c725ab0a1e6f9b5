package authn

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ditto-gateway/gateway/config"
)

func header(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestExtractCredentialPrecedence(t *testing.T) {
	tok, ok := ExtractCredential(header("Authorization", "Bearer a", "X-Ditto-Virtual-Key", "b", "X-API-Key", "c"))
	require.True(t, ok)
	assert.Equal(t, "a", tok, "Authorization: Bearer wins")

	tok, ok = ExtractCredential(header("X-Ditto-Virtual-Key", "b", "X-API-Key", "c"))
	require.True(t, ok)
	assert.Equal(t, "b", tok)

	tok, ok = ExtractCredential(header("X-API-Key", "c"))
	require.True(t, ok)
	assert.Equal(t, "c", tok)

	_, ok = ExtractCredential(header())
	assert.False(t, ok)
}

func TestAuthenticate(t *testing.T) {
	r := NewRegistry([]config.VirtualKey{
		{ID: "vk-1", Token: "good", Enabled: true},
		{ID: "vk-2", Token: "off", Enabled: false},
	})

	id, err := r.Authenticate(header("Authorization", "Bearer good"))
	require.NoError(t, err)
	assert.Equal(t, "vk-1", id.Key.ID)
	assert.False(t, id.Anonymous)

	_, err = r.Authenticate(header("Authorization", "Bearer off"))
	assert.Error(t, err, "disabled key is rejected")

	_, err = r.Authenticate(header("Authorization", "Bearer unknown"))
	assert.Error(t, err)

	_, err = r.Authenticate(header())
	assert.Error(t, err, "missing credential when keys are configured")
}

func TestAnonymousWhenNoKeysConfigured(t *testing.T) {
	r := NewRegistry(nil)
	assert.False(t, r.Enabled())

	id, err := r.Authenticate(header())
	require.NoError(t, err)
	assert.True(t, id.Anonymous)
}

func TestScopesOrder(t *testing.T) {
	id := Identity{Key: config.VirtualKey{
		ID:        "vk-1",
		TenantID:  "t1",
		ProjectID: "p1",
		UserID:    "u1",
	}}

	scopes := Scopes(id)
	require.Len(t, scopes, 4)
	assert.Equal(t, "vk-1", scopes[0].Ref)
	assert.Equal(t, "tenant:t1", scopes[1].Ref)
	assert.Equal(t, "project:p1", scopes[2].Ref)
	assert.Equal(t, "user:u1", scopes[3].Ref)

	assert.Nil(t, Scopes(Identity{Anonymous: true}))
}
