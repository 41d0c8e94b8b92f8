package runtime

import (
	"fmt"

	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
)

// participantsSetKey holds the authoritative set of participant ids
// currently in a room; cache is authoritative (a runtime never relies on
// its own publish being reflected back), per spec's ordering guarantee.
func participantsSetKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("signaling:%s:participants", room.String())
}

// roleHashKey maps participant id to its assigned Role string.
func roleHashKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("signaling:%s:roles", room.String())
}

// roomLockKey guards mutation of the participant set and role hash.
func roomLockKey(room ids.SignalingRoomId) string {
	return fmt.Sprintf("signaling:%s:lock:roster", room.String())
}

// moduleStateHashKey holds, per module namespace, every present
// participant's public state as last reported by OnJoined/InvalidateData —
// the authoritative source peers read from rather than relying on a
// runtime's own publish being reflected back to it.
func moduleStateHashKey(room ids.SignalingRoomId, ns string) string {
	return fmt.Sprintf("signaling:%s:modulestate:%s", room.String(), ns)
}
