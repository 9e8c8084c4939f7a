package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/satriahrh/cress/domain/entities"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server
const (
	MessageTypePing            MessageType = "ping"
	MessageTypeVoiceConnect    MessageType = "voice_connect"
	MessageTypeVoiceDisconnect MessageType = "voice_disconnect"
	MessageTypeChatSend        MessageType = "chat_send"
	MessageTypeSetMode         MessageType = "set_mode"
)

// Server to client
const (
	MessageTypePong       MessageType = "pong"
	MessageTypeVoiceState MessageType = "voice_state"
	MessageTypeChatUpdate MessageType = "chat_update"
	MessageTypeMode       MessageType = "mode"
	MessageTypeError      MessageType = "error"
)

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type" validate:"required"`
	Timestamp string      `json:"timestamp,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty" validate:"max=256"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// VoiceCommandMessage asks for the call to be connected or hung up
type VoiceCommandMessage struct {
	BaseMessage
}

// ChatSendMessage submits a text turn
type ChatSendMessage struct {
	BaseMessage
	Text string `json:"text" validate:"required,max=8000"`
}

// SetModeMessage switches between the text and voice screens
type SetModeMessage struct {
	BaseMessage
	Mode entities.Mode `json:"mode" validate:"required,oneof=text voice"`
}

// VoiceStateMessage carries a voice snapshot
type VoiceStateMessage struct {
	BaseMessage
	State entities.VoiceSnapshot `json:"state"`
}

// ChatUpdateMessage carries one chat message after a mutation
type ChatUpdateMessage struct {
	BaseMessage
	Message entities.ChatMessage `json:"message"`
}

// ModeMessage carries the current interaction mode
type ModeMessage struct {
	BaseMessage
	Mode entities.Mode `json:"mode"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct {
	validate *validator.Validate
}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	v := validator.New(validator.WithRequiredStructEnabled())

	// json names in error messages
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	return &MessageValidator{validate: v}
}

// ValidateMessage parses and validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	var msg interface{}
	switch base.Type {
	case MessageTypePing:
		msg = &PingMessage{}
	case MessageTypeVoiceConnect, MessageTypeVoiceDisconnect:
		msg = &VoiceCommandMessage{}
	case MessageTypeChatSend:
		msg = &ChatSendMessage{}
	case MessageTypeSetMode:
		msg = &SetModeMessage{}
	case "":
		return nil, errors.New("type is required")
	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}

	if err := json.Unmarshal(messageBytes, msg); err != nil {
		return nil, fmt.Errorf("invalid %s message: %w", base.Type, err)
	}
	if err := v.validate.Struct(msg); err != nil {
		return nil, formatValidationError(err)
	}
	if chat, ok := msg.(*ChatSendMessage); ok && strings.TrimSpace(chat.Text) == "" {
		return nil, errors.New("text is required")
	}

	return msg, nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	parts := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		parts = append(parts, e.Field()+" "+formatValidationMessage(e))
	}
	return errors.New(strings.Join(parts, "; "))
}

func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

func newBase(t MessageType) BaseMessage {
	id, err := gonanoid.New()
	if err != nil {
		id = ""
	}
	return BaseMessage{
		Type:      t,
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: id,
	}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{
		BaseMessage: newBase(MessageTypePong),
		Data:        data,
	}
}

// CreateVoiceStateMessage wraps a voice snapshot
func CreateVoiceStateMessage(state entities.VoiceSnapshot) *VoiceStateMessage {
	return &VoiceStateMessage{
		BaseMessage: newBase(MessageTypeVoiceState),
		State:       state,
	}
}

// CreateChatUpdateMessage wraps a chat message mutation
func CreateChatUpdateMessage(msg entities.ChatMessage) *ChatUpdateMessage {
	return &ChatUpdateMessage{
		BaseMessage: newBase(MessageTypeChatUpdate),
		Message:     msg,
	}
}

// CreateModeMessage wraps the current mode
func CreateModeMessage(mode entities.Mode) *ModeMessage {
	return &ModeMessage{
		BaseMessage: newBase(MessageTypeMode),
		Mode:        mode,
	}
}
