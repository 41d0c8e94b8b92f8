package sfupool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/opentalk-go/controller/backend/go/internal/v1/ids"
	"github.com/opentalk-go/controller/backend/go/internal/v1/sfuclient"
)

// videoRoomCreateRequest mirrors the Janus videoroom plugin's "create"
// request fields the teacher's Rust SFU exercises (see
// original_source/crates/janus-media/src/mcu/mod.rs:create_publisher_handle):
// one room per publisher, bitrate capped by media type, audio-level
// detection on for speaker-focus selection, video-orientation extension
// disabled (it breaks orientation changes in some browsers).
type videoRoomCreateRequest struct {
	Request            string `json:"request"`
	Description        string `json:"description"`
	Publishers         int    `json:"publishers"`
	Bitrate            int    `json:"bitrate"`
	BitrateCap         bool   `json:"bitrate_cap"`
	AudioLevelEvent    bool   `json:"audiolevel_event"`
	AudioActivePackets int    `json:"audio_active_packets"`
	AudioLevelAverage  int    `json:"audio_level_average"`
	VideoOrientExt     bool   `json:"videoorient_ext"`
}

type videoRoomCreateResponse struct {
	VideoRoom string `json:"videoroom"`
	Room      string `json:"room"`
	Error     string `json:"error,omitempty"`
}

type videoRoomJoinRequest struct {
	Request string `json:"request"`
	Ptype   string `json:"ptype"`
	Room    string `json:"room"`
	ID      string `json:"id,omitempty"`
}

type videoRoomJoinResponse struct {
	VideoRoom string `json:"videoroom"`
	Error     string `json:"error,omitempty"`
}

func bitrateFor(cfg RoomConfig, t ids.MediaSessionType) int {
	if t == ids.MediaSessionScreen {
		return cfg.MaxScreenBitrate
	}
	return cfg.MaxVideoBitrate
}

// createPublisherRoom attaches a videoroom handle and creates a fresh room
// scoped to exactly one publisher (room publisher limit 1, per spec).
func createPublisherRoom(ctx context.Context, session *sfuclient.Session, key ids.MediaSessionKey, cfg RoomConfig) (*sfuclient.Handle, string, error) {
	handle, err := session.Attach(ctx, "videoroom")
	if err != nil {
		return nil, "", fmt.Errorf("attach videoroom handle: %w", err)
	}

	createReq := videoRoomCreateRequest{
		Request:            "create",
		Description:        key.String(),
		Publishers:         1,
		Bitrate:            bitrateFor(cfg, key.Type),
		BitrateCap:         true,
		AudioLevelEvent:    true,
		AudioActivePackets: cfg.SpeakerFocusPackets,
		AudioLevelAverage:  cfg.SpeakerFocusLevelThreshold,
		VideoOrientExt:     false,
	}
	resp, err := handle.Send(ctx, createReq, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create videoroom: %w", err)
	}

	var created videoRoomCreateResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return nil, "", fmt.Errorf("decode videoroom create response: %w", err)
	}
	if created.Error != "" {
		return nil, "", fmt.Errorf("videoroom create rejected: %s", created.Error)
	}
	roomID := created.Room
	if roomID == "" {
		roomID = uuid.New().String()
	}

	joinReq := videoRoomJoinRequest{Request: "join", Ptype: "publisher", Room: roomID, ID: key.Participant.String()}
	joinResp, err := handle.Send(ctx, joinReq, nil)
	if err != nil {
		return nil, "", fmt.Errorf("join videoroom as publisher: %w", err)
	}
	var joined videoRoomJoinResponse
	if err := json.Unmarshal(joinResp.Body, &joined); err != nil {
		return nil, "", fmt.Errorf("decode videoroom join response: %w", err)
	}
	if joined.Error != "" {
		return nil, "", fmt.Errorf("videoroom join rejected: %s", joined.Error)
	}

	return handle, roomID, nil
}

// joinSubscriberRoom joins a subscriber handle to a publisher's room. The
// videoroom plugin answers a subscriber join with a JSEP offer the caller
// must forward to its client as sdp_offer; it is returned alongside the
// handle rather than discarded.
func joinSubscriberRoom(ctx context.Context, session *sfuclient.Session, roomID string, key ids.MediaSessionKey) (*sfuclient.Handle, json.RawMessage, error) {
	handle, err := session.Attach(ctx, "videoroom")
	if err != nil {
		return nil, nil, fmt.Errorf("attach videoroom handle: %w", err)
	}

	joinReq := videoRoomJoinRequest{Request: "join", Ptype: "subscriber", Room: roomID, ID: key.Participant.String()}
	resp, err := handle.Send(ctx, joinReq, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("join videoroom as subscriber: %w", err)
	}
	var joined videoRoomJoinResponse
	if err := json.Unmarshal(resp.Body, &joined); err != nil {
		return nil, nil, fmt.Errorf("decode videoroom join response: %w", err)
	}
	if joined.Error != "" {
		return nil, nil, fmt.Errorf("videoroom join rejected: %s", joined.Error)
	}

	return handle, resp.Jsep, nil
}
