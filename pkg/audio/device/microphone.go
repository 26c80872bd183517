// Package device binds the live controller to the host's audio hardware:
// miniaudio (via malgo) for capture and oto for playback.
package device

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/plantassist/pkg/audio"
	"github.com/vango-go/plantassist/pkg/live"
)

// ErrMicrophoneBusy is returned when a capture is already open.
var ErrMicrophoneBusy = errors.New("device: microphone already in use")

// FramesPerCallback matches the 4096-frame processing block of the browser
// client so latency characteristics stay comparable.
const FramesPerCallback = 4096

// Microphone opens the default capture device. Only one capture may be open
// at a time.
type Microphone struct {
	// SampleRate is the requested capture rate; miniaudio converts from the
	// hardware rate. Zero means audio.InputSampleRate.
	SampleRate int
	Logger     *slog.Logger

	mu   sync.Mutex
	busy bool
}

// Open starts capturing mono float32 audio. ctx only bounds acquisition.
func (m *Microphone) Open(ctx context.Context) (live.Capture, error) {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return nil, ErrMicrophoneBusy
	}
	m.busy = true
	m.mu.Unlock()

	c, err := m.open(ctx)
	if err != nil {
		m.release()
		return nil, err
	}
	return c, nil
}

func (m *Microphone) release() {
	m.mu.Lock()
	m.busy = false
	m.mu.Unlock()
}

func (m *Microphone) open(ctx context.Context) (*capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := m.SampleRate
	if rate <= 0 {
		rate = audio.InputSampleRate
	}
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	c := &capture{
		mctx:   mctx,
		frames: make(chan audio.Frame, 32),
		rate:   rate,
		owner:  m,
		logger: logger,
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(rate)
	cfg.PeriodSizeInFrames = FramesPerCallback

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			c.deliver(input)
		},
	}
	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	c.device = dev

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return c, nil
}

type capture struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	frames chan audio.Frame
	rate   int
	owner  *Microphone
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	dropped int
}

func (c *capture) Frames() <-chan audio.Frame { return c.frames }

// deliver runs on the audio thread and never blocks it; frames are dropped
// when the consumer falls behind.
func (c *capture) deliver(input []byte) {
	samples := DecodeF32LE(input)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.frames <- audio.Frame{Samples: samples, SampleRate: c.rate}:
	default:
		c.dropped++
	}
}

func (c *capture) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dropped := c.dropped
	c.mu.Unlock()

	c.device.Uninit()
	err := c.mctx.Uninit()
	c.mctx.Free()
	c.owner.release()
	if dropped > 0 {
		c.logger.Debug("microphone dropped frames", "count", dropped)
	}
	return err
}

// DecodeF32LE unpacks little-endian float32 samples.
func DecodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
