package repositories

import "context"

// Modality is the response modality requested from the live service
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// LiveConfig is the fixed configuration a live session is opened with
type LiveConfig struct {
	Model             string
	SystemInstruction string
	Voice             string
	Modality          Modality
}

// AudioFrame is one encoded capture block sent to the live service
type AudioFrame struct {
	Data     string // base64 PCM16 little-endian
	MIMEType string
}

// LiveMessage is one inbound server event. AudioChunk carries base64 PCM;
// Interrupted is set when the user talked over the assistant.
type LiveMessage struct {
	AudioChunk   string
	Interrupted  bool
	TurnComplete bool
}

// LiveCallbacks receives the remote session events. Callbacks may run on any
// goroutine; OnOpen is delivered before any OnMessage.
type LiveCallbacks struct {
	OnOpen    func()
	OnMessage func(LiveMessage)
	OnError   func(error)
	OnClose   func()
}

// LiveSession is the remote streaming connection handle. SendRealtimeInput
// must not wait on the network; it runs on the voice controller loop.
type LiveSession interface {
	SendRealtimeInput(frame AudioFrame) error
	Close() error
}

// LiveConnector opens live audio sessions
type LiveConnector interface {
	// CheckCredentials returns a *domain.ConfigError when no credential is set
	CheckCredentials() error
	Connect(ctx context.Context, cfg LiveConfig, cb LiveCallbacks) (LiveSession, error)
}
