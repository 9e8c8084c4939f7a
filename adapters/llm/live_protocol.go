package llm

import (
	"encoding/base64"

	"google.golang.org/genai"

	"github.com/satriahrh/cress/domain/repositories"
)

// newLiveConnectConfig maps the fixed session configuration onto the
// Live API setup
func newLiveConnectConfig(cfg repositories.LiveConfig) *genai.LiveConnectConfig {
	modality := cfg.Modality
	if modality == "" {
		modality = repositories.ModalityAudio
	}

	config := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.Modality(modality)},
	}
	if cfg.Voice != "" {
		config.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(cfg.SystemInstruction, genai.RoleUser)
	}
	return config
}

// newRealtimeInput turns an encoded capture frame into a media chunk. The
// SDK base64-encodes blob data itself, so the frame payload is decoded first.
func newRealtimeInput(frame repositories.AudioFrame) (genai.LiveRealtimeInput, error) {
	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return genai.LiveRealtimeInput{}, err
	}
	return genai.LiveRealtimeInput{
		Media: &genai.Blob{MIMEType: frame.MIMEType, Data: data},
	}, nil
}

// liveMessages flattens one server message into the events the session
// reports, in order: audio chunks, then the interruption and turn flags
func liveMessages(msg *genai.LiveServerMessage) []repositories.LiveMessage {
	if msg == nil || msg.ServerContent == nil {
		return nil
	}
	var out []repositories.LiveMessage
	if turn := msg.ServerContent.ModelTurn; turn != nil {
		for _, part := range turn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			out = append(out, repositories.LiveMessage{
				AudioChunk: base64.StdEncoding.EncodeToString(part.InlineData.Data),
			})
		}
	}
	if msg.ServerContent.Interrupted {
		out = append(out, repositories.LiveMessage{Interrupted: true})
	}
	if msg.ServerContent.TurnComplete {
		out = append(out, repositories.LiveMessage{TurnComplete: true})
	}
	return out
}
