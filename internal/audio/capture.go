package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/satriahrh/cress/domain/repositories"
)

// DefaultVolumeInterval matches a 60 Hz display refresh
const DefaultVolumeInterval = time.Second / 60

// FrameSink receives every encoded capture block, in capture order
type FrameSink func(frame repositories.AudioFrame)

// CaptureConfig holds the capture pipeline settings
type CaptureConfig struct {
	SampleRate     int
	BlockSize      int
	VolumeInterval time.Duration
	// OnVolume is called on every display tick with the smoothed level
	OnVolume func(level uint8)
}

// Capture owns the microphone while a call is up. The graph is input only:
// microphone samples never reach an output, so there is no local echo.
type Capture struct {
	mic      Microphone
	cfg      CaptureConfig
	logger   *zap.Logger
	analyzer *Analyzer

	mu      sync.Mutex
	sink    FrameSink
	stream  InputStream
	cancel  context.CancelFunc
	group   *errgroup.Group
	running bool
}

// NewCapture creates a capture pipeline; defaults fill unset config fields
func NewCapture(mic Microphone, cfg CaptureConfig, logger *zap.Logger) *Capture {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = InputSampleRate
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.VolumeInterval == 0 {
		cfg.VolumeInterval = DefaultVolumeInterval
	}
	return &Capture{
		mic:      mic,
		cfg:      cfg,
		logger:   logger,
		analyzer: NewAnalyzer(),
	}
}

// Start opens the microphone and begins reading blocks. Frames are only
// forwarded once a sink is attached.
func (c *Capture) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("capture already running")
	}

	stream, err := c.mic.Open(ctx, c.cfg.SampleRate, 1)
	if err != nil {
		return fmt.Errorf("failed to open microphone: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, runCtx := errgroup.WithContext(runCtx)

	c.stream = stream
	c.cancel = cancel
	c.group = group
	c.running = true
	c.analyzer.Reset()

	reader := NewBlockReader(stream, c.cfg.BlockSize)
	reader.OnRead = c.analyzer.Write

	group.Go(func() error { return c.readLoop(runCtx, reader) })
	if c.cfg.OnVolume != nil {
		group.Go(func() error { return c.volumeLoop(runCtx) })
	}

	c.logger.Info("Capture started",
		zap.Int("sampleRate", c.cfg.SampleRate),
		zap.Int("blockSize", c.cfg.BlockSize))

	return nil
}

// Attach starts forwarding encoded frames to sink; nil detaches
func (c *Capture) Attach(sink FrameSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

func (c *Capture) currentSink() FrameSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

func (c *Capture) readLoop(ctx context.Context, reader *BlockReader) error {
	for {
		block, err := reader.ReadBlock()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error("Capture read failed", zap.Error(err))
			return err
		}

		sink := c.currentSink()
		if sink == nil {
			continue
		}
		sink(repositories.AudioFrame{
			Data:     Encode(block),
			MIMEType: InputMIMEType,
		})
	}
}

func (c *Capture) volumeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.VolumeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.cfg.OnVolume(c.analyzer.Level())
		}
	}
}

// Level returns the current smoothed input level
func (c *Capture) Level() uint8 {
	return c.analyzer.Level()
}

// Stop releases the microphone and waits for the pipeline goroutines.
// Stopping a stopped pipeline is a no-op.
func (c *Capture) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.sink = nil
	stream, cancel, group := c.stream, c.cancel, c.group
	c.stream, c.cancel, c.group = nil, nil, nil
	c.mu.Unlock()

	cancel()
	if err := stream.Close(); err != nil {
		c.logger.Warn("Failed to close microphone stream", zap.Error(err))
	}
	if err := group.Wait(); err != nil {
		c.logger.Debug("Capture pipeline ended with error", zap.Error(err))
	}
	c.analyzer.Reset()

	c.logger.Info("Capture stopped")
}
