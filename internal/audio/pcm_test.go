package audio_test

import (
	"encoding/base64"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/cress/domain"
	"github.com/satriahrh/cress/internal/audio"
)

func TestEncode_KnownValues(t *testing.T) {
	got := audio.Encode([]float32{0, 1, -1})

	raw, err := base64.StdEncoding.DecodeString(got)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x00, 0xff, 0x7f, 0x01, 0x80}, raw)
}

func TestEncode_ClampsOutOfRange(t *testing.T) {
	assert.Equal(t, audio.Encode([]float32{1, -1}), audio.Encode([]float32{3.5, -2}))
}

func TestEncode_Empty(t *testing.T) {
	assert.Equal(t, "", audio.Encode(nil))
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = float32(math.Sin(float64(i) / 10))
	}

	data, err := audio.DecodeBytes(audio.Encode(samples))
	require.NoError(t, err)

	buf, err := audio.DecodeAudioBuffer(data, audio.InputSampleRate, 1)
	require.NoError(t, err)
	require.Len(t, buf.Samples, len(samples))

	for i, s := range samples {
		assert.InDelta(t, s, buf.Samples[i], 1.0/32767, "sample %d", i)
	}
}

func TestDecodeBytes_Malformed(t *testing.T) {
	_, err := audio.DecodeBytes("not base64!!")

	var decodeErr *domain.DecodeError
	require.True(t, errors.As(err, &decodeErr))
}

func TestDecodeAudioBuffer(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		rate     int
		channels int
		frames   int
		wantErr  bool
	}{
		{name: "mono", data: make([]byte, 48000), rate: 24000, channels: 1, frames: 24000},
		{name: "stereo", data: make([]byte, 8), rate: 24000, channels: 2, frames: 2},
		{name: "odd length", data: make([]byte, 3), rate: 24000, channels: 1, wantErr: true},
		{name: "partial stereo frame", data: make([]byte, 6), rate: 24000, channels: 2, wantErr: true},
		{name: "zero rate", data: make([]byte, 2), rate: 0, channels: 1, wantErr: true},
		{name: "zero channels", data: make([]byte, 2), rate: 24000, channels: 0, wantErr: true},
		{name: "empty", data: nil, rate: 24000, channels: 1, frames: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := audio.DecodeAudioBuffer(tt.data, tt.rate, tt.channels)
			if tt.wantErr {
				var decodeErr *domain.DecodeError
				assert.True(t, errors.As(err, &decodeErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.frames, buf.Frames())
			assert.Equal(t, tt.rate, buf.SampleRate)
		})
	}
}

func TestBuffer_Duration(t *testing.T) {
	buf, err := audio.DecodeAudioBuffer(make([]byte, 48000), audio.OutputSampleRate, 1)
	require.NoError(t, err)
	assert.Equal(t, "1s", buf.Duration().String())
}
