package domain

import "fmt"

// ConfigError reports a missing or invalid configuration value, such as an
// absent API key. It is terminal: the operator has to fix the configuration.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Key == "" {
		return "config: " + e.Message
	}
	return fmt.Sprintf("config: %s: %s", e.Key, e.Message)
}

// PermissionError reports that an audio device could not be opened, either
// because access was denied or because no device is available.
type PermissionError struct {
	Device string
	Err    error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission: %s unavailable: %v", e.Device, e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// DecodeError reports a malformed audio payload. The offending chunk is
// dropped; the session carries on.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// StreamError reports a transport failure in the middle of a stream.
type StreamError struct {
	Op  string
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream: %s: %v", e.Op, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
