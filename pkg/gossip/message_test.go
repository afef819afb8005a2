package gossip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Kind:        KindPingReq,
		Sender:      "10.0.0.1:7946",
		Target:      "10.0.0.2:7946",
		Helper:      "10.0.0.3:7946",
		Incarnation: 4,
		Timestamp:   1234.5,
	}
	b, ok := Encode(msg)
	require.True(t, ok)

	got, ok := Decode(b)
	require.True(t, ok)
	assert.Equal(t, msg.Kind, got.Kind)
	assert.Equal(t, msg.Sender, got.Sender)
	assert.Equal(t, msg.Target, got.Target)
	assert.Equal(t, msg.Helper, got.Helper)
	assert.Equal(t, msg.Incarnation, got.Incarnation)
}

func TestEncodeNilMessage(t *testing.T) {
	_, ok := Encode(nil)
	assert.False(t, ok)
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, ok := Decode([]byte("{not json"))
	assert.False(t, ok)
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, ok := Decode([]byte(`{"kind":255,"sender":"a"}`))
	assert.False(t, ok)
}

func TestDecodeRejectsMissingSender(t *testing.T) {
	_, ok := Decode([]byte(`{"kind":1,"target":"a"}`))
	assert.False(t, ok)
}

func TestDecodeRejectsPingReqMissingHelper(t *testing.T) {
	raw := `{"kind":3,"sender":"a","target":"b"}`
	_, ok := Decode([]byte(raw))
	assert.False(t, ok, "ping_req without a helper address must be dropped")
}

func TestDecodeAcceptsMembersWithNoMembers(t *testing.T) {
	raw := `{"kind":8,"sender":"a"}`
	got, ok := Decode([]byte(raw))
	require.True(t, ok)
	assert.Empty(t, got.Members)
}

func TestDecodeRejectsStateSyncMissingSnapshot(t *testing.T) {
	raw := `{"kind":9,"sender":"a"}`
	_, ok := Decode([]byte(raw))
	assert.False(t, ok)
}

func TestDecodeRejectsStateUpdateWithNoUpdates(t *testing.T) {
	raw := `{"kind":10,"sender":"a","updates":[]}`
	_, ok := Decode([]byte(raw))
	assert.False(t, ok)
}

func TestKindStringNames(t *testing.T) {
	assert.Equal(t, "ping_req", KindPingReq.String())
	assert.Equal(t, "state_update", KindStateUpdate.String())
	assert.Equal(t, "unknown", Kind(200).String())
}

func TestStatusStringNames(t *testing.T) {
	assert.Equal(t, "alive", StatusAlive.String())
	assert.Equal(t, "suspect", StatusSuspect.String())
	assert.Equal(t, "dead", StatusDead.String())
}
