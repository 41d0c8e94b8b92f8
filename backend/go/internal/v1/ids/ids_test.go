package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParticipantIdRoundTrip(t *testing.T) {
	p := NewParticipantId()
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var out ParticipantId
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, p, out)
}

func TestParseParticipantIdInvalid(t *testing.T) {
	_, err := ParseParticipantId("not-a-uuid")
	assert.Error(t, err)
}

func TestSignalingRoomIdString(t *testing.T) {
	room := NewRoomId()
	plain := NewSignalingRoomId(room)
	assert.Equal(t, room.String(), plain.String())

	breakout := NewBreakoutId()
	withBreakout := plain.WithBreakout(breakout)
	assert.Equal(t, room.String()+":"+breakout.String(), withBreakout.String())
	assert.NotEqual(t, plain.String(), withBreakout.String())
}

func TestMediaSessionKeyString(t *testing.T) {
	key := MediaSessionKey{Participant: NewParticipantId(), Type: MediaSessionScreen}
	assert.Contains(t, key.String(), string(MediaSessionScreen))
}
