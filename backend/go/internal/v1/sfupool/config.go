package sfupool

// BackendConfig names one SFU backend's bus routing: requestExchange is where
// requests are published, responseExchange is where acks/finals/events for
// that backend arrive. ID must be stable across reloads, since Reload matches
// backends by ID to tell an unchanged backend apart from an added or removed
// one.
type BackendConfig struct {
	ID               string
	RequestExchange  string
	ResponseExchange string
}

// RoomConfig holds the per-publisher-room settings the pool applies at
// publisher-room creation time, sourced from application configuration.
type RoomConfig struct {
	MaxVideoBitrate            int
	MaxScreenBitrate           int
	SpeakerFocusPackets        int
	SpeakerFocusLevelThreshold int
}
