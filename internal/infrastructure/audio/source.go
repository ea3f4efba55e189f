package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"voicebox/internal/core/ports"
	"voicebox/pkg/config"
)

// BytesPerSample is the width of one signed 16-bit little-endian sample.
const BytesPerSample = 2

var ErrDeviceClosed = errors.New("audio device closed")

// Format describes raw PCM frames.
type Format struct {
	SampleRate      int
	Channels        int
	SamplesPerFrame int
}

func FormatFromConfig(cfg *config.Config) Format {
	return Format{
		SampleRate:      cfg.Audio.SampleRate,
		Channels:        cfg.Audio.Channels,
		SamplesPerFrame: cfg.Audio.SamplesPerFrame,
	}
}

// FrameDuration is the wall-clock length of one frame.
func (f Format) FrameDuration() time.Duration {
	return time.Duration(f.SamplesPerFrame) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) FrameBytes() int {
	return f.SamplesPerFrame * f.Channels * BytesPerSample
}

// pacer releases one frame per frame duration, like a sound card would.
type pacer struct {
	format Format

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
}

func (p *pacer) open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker != nil {
		return fmt.Errorf("audio device already open")
	}
	if p.format.SampleRate <= 0 || p.format.SamplesPerFrame <= 0 || p.format.Channels <= 0 {
		return fmt.Errorf("invalid audio format %+v", p.format)
	}
	p.ticker = time.NewTicker(p.format.FrameDuration())
	p.done = make(chan struct{})
	return nil
}

func (p *pacer) wait(ctx context.Context) error {
	p.mu.Lock()
	ticker, done := p.ticker, p.done
	p.mu.Unlock()
	if ticker == nil {
		return ErrDeviceClosed
	}

	select {
	case <-ticker.C:
		return nil
	case <-done:
		return ErrDeviceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pacer) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ticker == nil {
		return nil
	}
	p.ticker.Stop()
	close(p.done)
	p.ticker = nil
	return nil
}

// ToneSource is a capture device producing a continuous sine wave.
type ToneSource struct {
	pacer
	frequency float64
	amplitude float64
	phase     float64
}

var _ ports.CaptureDevice = (*ToneSource)(nil)

func NewToneSource(format Format, frequency float64) *ToneSource {
	return &ToneSource{
		pacer:     pacer{format: format},
		frequency: frequency,
		amplitude: 0.3 * math.MaxInt16,
	}
}

func (s *ToneSource) Open() error { return s.open() }

func (s *ToneSource) Close() error { return s.close() }

func (s *ToneSource) SamplesPerFrame() int { return s.format.SamplesPerFrame }

// Read blocks until the next frame is due and returns it.
func (s *ToneSource) Read(ctx context.Context) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.next(), nil
}

func (s *ToneSource) next() []byte {
	buf := make([]byte, s.format.FrameBytes())
	step := 2 * math.Pi * s.frequency / float64(s.format.SampleRate)

	off := 0
	for i := 0; i < s.format.SamplesPerFrame; i++ {
		sample := int16(s.amplitude * math.Sin(s.phase))
		for ch := 0; ch < s.format.Channels; ch++ {
			binary.LittleEndian.PutUint16(buf[off:], uint16(sample))
			off += BytesPerSample
		}
		s.phase += step
		if s.phase >= 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return buf
}

// SilenceSource is a capture device producing zeroed frames.
type SilenceSource struct {
	pacer
}

var _ ports.CaptureDevice = (*SilenceSource)(nil)

func NewSilenceSource(format Format) *SilenceSource {
	return &SilenceSource{pacer: pacer{format: format}}
}

func (s *SilenceSource) Open() error { return s.open() }

func (s *SilenceSource) Close() error { return s.close() }

func (s *SilenceSource) SamplesPerFrame() int { return s.format.SamplesPerFrame }

func (s *SilenceSource) Read(ctx context.Context) ([]byte, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return make([]byte, s.format.FrameBytes()), nil
}

// NewCaptureDevice builds the capture device named by audio.source.
func NewCaptureDevice(cfg *config.Config) (ports.CaptureDevice, error) {
	format := FormatFromConfig(cfg)
	switch cfg.Audio.Source {
	case "tone":
		return NewToneSource(format, cfg.Audio.ToneFrequency), nil
	case "silence":
		return NewSilenceSource(format), nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.Audio.Source)
	}
}
