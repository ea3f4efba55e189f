package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"
)

// fakeCapture hands out frames pushed by the test, one per Read.
type fakeCapture struct {
	frames  chan []byte
	fail    chan error
	samples int
	opened  atomic.Int32
	closed  atomic.Int32
	openErr error
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{
		frames:  make(chan []byte, 64),
		fail:    make(chan error, 1),
		samples: 160,
	}
}

func (c *fakeCapture) Open() error {
	if c.openErr != nil {
		return c.openErr
	}
	c.opened.Add(1)
	return nil
}

func (c *fakeCapture) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case err := <-c.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeCapture) SamplesPerFrame() int { return c.samples }

func (c *fakeCapture) Close() error {
	c.closed.Add(1)
	return nil
}

func (c *fakeCapture) push(payloads ...byte) {
	for _, p := range payloads {
		c.frames <- []byte{p}
	}
}

// recordingBroadcaster stands in for the pool on the capture path.
type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []domain.AudioFrame
}

func (b *recordingBroadcaster) Broadcast(frame domain.Frame, skipIfMuted *domain.MuteState) int {
	if frame.Type == domain.FrameAudio && skipIfMuted != nil && skipIfMuted.Muted() {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, frame.Audio)
	return 1
}

func (b *recordingBroadcaster) sent() []domain.AudioFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.AudioFrame(nil), b.frames...)
}

var errSpeakerGone = errors.New("speaker unplugged")

// recordingSink keeps everything written to it.
type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
	failing  bool
	closed   bool
	gate     chan struct{}
}

func (s *recordingSink) Write(payload []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errSpeakerGone
	}
	s.payloads = append(s.payloads, append([]byte(nil), payload...))
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) written() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.payloads...)
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// sinkRecorder is a playback factory remembering the sink per address.
type sinkRecorder struct {
	mu      sync.Mutex
	sinks   map[string]*recordingSink
	failing map[string]bool
	gates   map[string]chan struct{}
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{
		sinks:   make(map[string]*recordingSink),
		failing: make(map[string]bool),
		gates:   make(map[string]chan struct{}),
	}
}

func (r *sinkRecorder) factory(address string) (ports.PlaybackDevice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &recordingSink{failing: r.failing[address], gate: r.gates[address]}
	r.sinks[address] = s
	return s, nil
}

func (r *sinkRecorder) get(address string) *recordingSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sinks[address]
}

func (r *sinkRecorder) writtenTo(address string) int {
	s := r.get(address)
	if s == nil {
		return 0
	}
	return len(s.written())
}

// recordingEvents collects published events.
type recordingEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (e *recordingEvents) Publish(event domain.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *recordingEvents) ofType(t domain.EventType) []domain.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEvents) texts() []string {
	var out []string
	for _, ev := range e.ofType(domain.EventMessageReceived) {
		out = append(out, ev.Text)
	}
	return out
}
