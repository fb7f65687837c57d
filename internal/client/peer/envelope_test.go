package peer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope_RoundTrip(t *testing.T) {
	env, err := NewEnvelope(KindHello, Hello{DisplayName: "Kitchen iPad", SupportsFileTransfer: true})
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.V)
	assert.False(t, env.SentAt.IsZero())

	data, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, KindHello, decoded.Type)

	var h Hello
	require.NoError(t, decoded.UnmarshalPayload(&h))
	assert.Equal(t, "Kitchen iPad", h.DisplayName)
	assert.True(t, h.SupportsFileTransfer)
}

func TestDecodeEnvelope_NewerVersionRejectedDistinctly(t *testing.T) {
	raw, err := json.Marshal(Envelope{
		V:      EnvelopeVersion + 1,
		Type:   Kind("holographicTransfer"), // a kind this build has never heard of
		SentAt: time.Now(),
	})
	require.NoError(t, err)

	_, err = DecodeEnvelope(raw)
	require.Error(t, err)

	var uve *UnsupportedVersionError
	require.ErrorAs(t, err, &uve, "must be the version condition, not a decode error")
	assert.Equal(t, EnvelopeVersion, uve.Supported)
	assert.Equal(t, EnvelopeVersion+1, uve.Received)
}

func TestDecodeEnvelope_UnknownKindRejected(t *testing.T) {
	raw, err := json.Marshal(Envelope{V: EnvelopeVersion, Type: Kind("gossip"), SentAt: time.Now()})
	require.NoError(t, err)

	_, err = DecodeEnvelope(raw)
	assert.Error(t, err)
}

func TestSanitizeDisplayName(t *testing.T) {
	assert.Equal(t, "Nursery Phone", sanitizeDisplayName("  Nursery Phone  "))
	assert.Equal(t, "evil", sanitizeDisplayName("ev\x00\x1bil"))
	assert.Equal(t, defaultDisplayName, sanitizeDisplayName("\t\n "))

	long := make([]rune, 200)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, sanitizeDisplayName(string(long)), maxDisplayNameLen)
}
