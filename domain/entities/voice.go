package entities

// VoiceState is the lifecycle state of the voice call
type VoiceState string

const (
	VoiceDisconnected VoiceState = "disconnected"
	VoiceConnecting   VoiceState = "connecting"
	VoiceConnected    VoiceState = "connected"
	VoiceError        VoiceState = "error"
)

// VoiceSnapshot is the UI-facing view of the voice call
type VoiceSnapshot struct {
	State       VoiceState `json:"state"`
	IsConnected bool       `json:"is_connected"`
	IsSpeaking  bool       `json:"is_speaking"`
	Volume      uint8      `json:"volume"`
	Error       *string    `json:"error"`
}

// Equal reports whether two snapshots describe the same state
func (s VoiceSnapshot) Equal(o VoiceSnapshot) bool {
	if s.State != o.State || s.IsConnected != o.IsConnected || s.IsSpeaking != o.IsSpeaking || s.Volume != o.Volume {
		return false
	}
	if (s.Error == nil) != (o.Error == nil) {
		return false
	}
	return s.Error == nil || *s.Error == *o.Error
}
