package ice

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_HasStunAndTurn(t *testing.T) {
	servers := Default()

	require.Len(t, servers, 2)
	assert.Len(t, servers[0].URLs, 5)
	assert.Equal(t, "openrelayproject", servers[1].Username)
	assert.Contains(t, servers[1].URLs, "turn:openrelay.metered.ca:443?transport=tcp")
	assert.NoError(t, Validate(servers))
}

func TestDefault_ReturnsCopies(t *testing.T) {
	a := Default()
	a[0].URLs[0] = "stun:mutated"

	assert.Equal(t, "stun:stun.l.google.com:19302", Default()[0].URLs[0])
}

func TestParseJSON_SingleStringURL(t *testing.T) {
	servers, err := ParseJSON(`[{"urls": "stun:stun.example.com:3478"}]`)

	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
}

func TestParseJSON_RejectsTurnWithoutCredentials(t *testing.T) {
	_, err := ParseJSON(`[{"urls": ["turn:turn.example.com:3478"]}]`)

	assert.Error(t, err)
}

func TestParseJSON_RejectsUnknownScheme(t *testing.T) {
	_, err := ParseJSON(`[{"urls": ["http://example.com"]}]`)

	assert.Error(t, err)
}

func TestValidate_RequiresTurn(t *testing.T) {
	err := Validate([]Server{{URLs: []string{"stun:stun.example.com:3478"}}})

	assert.Error(t, err)
}

func TestFromConvenience(t *testing.T) {
	t.Run("empty keeps defaults", func(t *testing.T) {
		servers, err := FromConvenience(nil, nil, "", "")

		require.NoError(t, err)
		assert.Equal(t, Default(), servers)
	})

	t.Run("turn override needs credentials", func(t *testing.T) {
		_, err := FromConvenience(nil, []string{"turn:relay.example.com:3478"}, "", "")

		assert.Error(t, err)
	})

	t.Run("overrides both halves", func(t *testing.T) {
		servers, err := FromConvenience(
			[]string{"stun:stun.example.com:3478"},
			[]string{"turns:relay.example.com:5349"},
			"alice", "secret",
		)

		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
		assert.Equal(t, "alice", servers[1].Username)
	})
}

func TestLoad_FromJSONEnv(t *testing.T) {
	t.Setenv("ICE_SERVERS_JSON", `[{"urls":["turn:relay.example.com:3478"],"username":"u","credential":"p"}]`)

	servers, err := Load()

	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "p", servers[0].Credential)
}

func TestToWebRTC(t *testing.T) {
	out := ToWebRTC(Default())

	require.Len(t, out, 2)
	assert.Nil(t, out[0].Credential)
	assert.Equal(t, "openrelayproject", out[1].Credential)
	assert.Equal(t, webrtc.ICECredentialTypePassword, out[1].CredentialType)
}
