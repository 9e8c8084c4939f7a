package voice

import (
	"context"
	"time"

	"github.com/satriahrh/cress/internal/audio"
	"github.com/satriahrh/cress/internal/saga"
)

const connectSagaTimeout = 10 * time.Second

// connectDefinition acquires the local audio devices for one call: the
// speaker with its scheduler first, then the microphone capture
type connectDefinition struct {
	c   *Controller
	gen uint64
}

func (d *connectDefinition) ID() string {
	return "voice_connect"
}

func (d *connectDefinition) Timeout() time.Duration {
	return connectSagaTimeout
}

func (d *connectDefinition) Steps() []saga.Step {
	return []saga.Step{
		saga.StepFunc{
			Name: "open_playback",
			Do:   d.openPlayback,
			Undo: d.closePlayback,
		},
		saga.StepFunc{
			Name: "start_capture",
			Do:   d.startCapture,
			Undo: d.stopCapture,
		},
	}
}

func (d *connectDefinition) openPlayback(ctx context.Context, data saga.SagaData) error {
	c, gen := d.c, d.gen

	out, err := c.speaker.Open(audio.OutputSampleRate, 1)
	if err != nil {
		return err
	}
	c.scheduler = audio.NewScheduler(out, c.logger,
		audio.WithDispatch(func(fn func()) { c.mailbox.post(fn) }),
		audio.WithOnFinished(func() { c.playbackFinished(gen) }),
	)
	return nil
}

func (d *connectDefinition) closePlayback(ctx context.Context, data saga.SagaData) error {
	if d.c.scheduler != nil {
		d.c.scheduler.Shutdown()
		d.c.scheduler = nil
	}
	return nil
}

func (d *connectDefinition) startCapture(ctx context.Context, data saga.SagaData) error {
	c, gen := d.c, d.gen

	capture := audio.NewCapture(c.mic, audio.CaptureConfig{
		SampleRate:     audio.InputSampleRate,
		BlockSize:      c.cfg.BlockSize,
		VolumeInterval: c.cfg.VolumeInterval,
		OnVolume: func(level uint8) {
			c.mailbox.post(func() { c.volumeChanged(gen, level) })
		},
	}, c.logger)
	if err := capture.Start(ctx); err != nil {
		return err
	}
	c.capture = capture
	return nil
}

func (d *connectDefinition) stopCapture(ctx context.Context, data saga.SagaData) error {
	if d.c.capture != nil {
		d.c.capture.Stop()
		d.c.capture = nil
	}
	return nil
}
