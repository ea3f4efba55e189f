package audio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"voicebox/internal/core/ports"
	"voicebox/pkg/config"
)

// WriterSink is a playback device that appends raw PCM to a writer.
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	closed bool
}

var _ ports.PlaybackDevice = (*WriterSink)(nil)

// NewWriterSink wraps w. If w is also an io.Closer it is closed with the
// sink.
func NewWriterSink(w io.Writer) *WriterSink {
	s := &WriterSink{w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

func (s *WriterSink) Write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}
	_, err := s.w.Write(payload)
	return err
}

func (s *WriterSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// DiscardSink plays nothing.
type DiscardSink struct{}

var _ ports.PlaybackDevice = DiscardSink{}

func (DiscardSink) Write([]byte) error { return nil }
func (DiscardSink) Close() error       { return nil }

// FileSinkFactory opens one PCM file per peer under dir.
func FileSinkFactory(dir string) ports.PlaybackFactory {
	return func(address string) (ports.PlaybackDevice, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create playback dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(dir, PlaybackFileName(address)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open playback file: %w", err)
		}
		return NewWriterSink(f), nil
	}
}

// PlaybackFileName maps a peer address to a file name safe on every
// platform.
func PlaybackFileName(address string) string {
	r := strings.NewReplacer(":", "_", "[", "", "]", "", "/", "_", "\\", "_")
	return r.Replace(address) + ".pcm"
}

// NewPlaybackFactory builds the playback factory named by audio.playback.
func NewPlaybackFactory(cfg *config.Config) (ports.PlaybackFactory, error) {
	switch cfg.Audio.Playback {
	case "discard":
		return func(string) (ports.PlaybackDevice, error) { return DiscardSink{}, nil }, nil
	case "file":
		return FileSinkFactory(cfg.Audio.PlaybackDir), nil
	default:
		return nil, fmt.Errorf("unknown audio playback %q", cfg.Audio.Playback)
	}
}
