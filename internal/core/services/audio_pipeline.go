package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Broadcaster is the part of the connection pool the capture path uses.
type Broadcaster interface {
	Broadcast(frame domain.Frame, skipIfMuted *domain.MuteState) int
}

type PipelineState string

const (
	StateStopped   PipelineState = "stopped"
	StateCapturing PipelineState = "capturing"
)

// AudioStats is a snapshot of the pipeline counters.
type AudioStats struct {
	State           PipelineState `json:"state"`
	FramesProduced  uint64        `json:"frames_produced"`
	FramesForwarded uint64        `json:"frames_forwarded"`
	FramesMuted     uint64        `json:"frames_muted"`
	PlaybackStreams int           `json:"playback_streams"`
}

// AudioPipeline moves captured frames to the pool and inbound frames to
// one playback stream per connection. Mute only gates forwarding; the
// capture device keeps running so unmuting takes effect on the next frame.
type AudioPipeline struct {
	capture   ports.CaptureDevice
	playback  ports.PlaybackFactory
	pool      Broadcaster
	mute      *domain.MuteState
	queueSize int
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// owned by the capture goroutine
	sequence  uint64
	timestamp uint32

	produced  atomic.Uint64
	forwarded atomic.Uint64
	muted     atomic.Uint64

	streamsMu sync.RWMutex
	streams   map[string]*playbackStream
}

func NewAudioPipeline(capture ports.CaptureDevice, playback ports.PlaybackFactory, pool Broadcaster, mute *domain.MuteState, queueSize int, metrics ports.Metrics, logger *zap.SugaredLogger) *AudioPipeline {
	if queueSize <= 0 {
		queueSize = 1
	}
	return &AudioPipeline{
		capture:   capture,
		playback:  playback,
		pool:      pool,
		mute:      mute,
		queueSize: queueSize,
		metrics:   metrics,
		logger:    logger,
		streams:   make(map[string]*playbackStream),
	}
}

// Start opens the capture device and begins forwarding frames. Capture
// stops when ctx is done or Stop is called.
func (p *AudioPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return domain.ErrCaptureRunning
	}
	if err := p.capture.Open(); err != nil {
		return fmt.Errorf("open capture device: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.running = true
	p.cancel = cancel
	p.done = done

	go p.captureLoop(runCtx, done)
	p.logger.Infow("Audio capture started", "samples_per_frame", p.capture.SamplesPerFrame())
	return nil
}

// Stop ends capture and releases the device. Stopping a stopped pipeline
// is a no-op.
func (p *AudioPipeline) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *AudioPipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return StateCapturing
	}
	return StateStopped
}

func (p *AudioPipeline) captureLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer p.finishCapture(done)

	samples := uint32(p.capture.SamplesPerFrame())
	for {
		payload, err := p.capture.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Errorw("Audio capture failed", "error", err)
			}
			return
		}

		p.produced.Add(1)
		timestamp := p.timestamp
		p.timestamp += samples

		if p.mute.Muted() {
			p.muted.Add(1)
			p.metrics.FrameDropped(domain.FrameAudio, "muted")
			continue
		}

		frame := domain.AudioFrame{
			Sequence:  p.sequence,
			Timestamp: timestamp,
			Payload:   payload,
		}
		p.sequence++
		p.forwarded.Add(1)
		p.pool.Broadcast(domain.NewAudioFrame(frame), p.mute)
	}
}

func (p *AudioPipeline) finishCapture(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != done {
		return
	}
	p.cancel()
	p.running = false
	p.cancel = nil
	p.done = nil

	if err := p.capture.Close(); err != nil {
		p.logger.Warnw("Failed to close capture device", "error", err)
	}
	p.logger.Infow("Audio capture stopped",
		"produced", p.produced.Load(),
		"forwarded", p.forwarded.Load(),
		"muted", p.muted.Load(),
	)
}

// OpenPlayback creates the playback stream for a connection. Opening an
// address that already has a stream is a no-op.
func (p *AudioPipeline) OpenPlayback(address string) error {
	p.streamsMu.Lock()
	defer p.streamsMu.Unlock()

	if _, exists := p.streams[address]; exists {
		return nil
	}
	device, err := p.playback(address)
	if err != nil {
		return fmt.Errorf("open playback for %s: %w", address, err)
	}

	s := newPlaybackStream(address, device, p.queueSize, p.metrics, p.logger)
	p.streams[address] = s
	go s.run()
	return nil
}

// Deliver queues an inbound frame for the address's playback stream. It
// never blocks: a full queue drops the frame.
func (p *AudioPipeline) Deliver(address string, frame domain.AudioFrame) bool {
	p.streamsMu.RLock()
	s, ok := p.streams[address]
	p.streamsMu.RUnlock()
	if !ok {
		p.metrics.FrameDropped(domain.FrameAudio, "no_playback")
		return false
	}
	return s.enqueue(frame)
}

// ClosePlayback stops and releases the address's playback stream.
func (p *AudioPipeline) ClosePlayback(address string) error {
	p.streamsMu.Lock()
	s, ok := p.streams[address]
	delete(p.streams, address)
	p.streamsMu.Unlock()

	if !ok {
		return nil
	}
	return s.close()
}

// Close stops capture and every playback stream.
func (p *AudioPipeline) Close() error {
	p.Stop()

	p.streamsMu.Lock()
	streams := p.streams
	p.streams = make(map[string]*playbackStream)
	p.streamsMu.Unlock()

	var err error
	for address, s := range streams {
		if cerr := s.close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close playback %s: %w", address, cerr))
		}
	}
	return err
}

func (p *AudioPipeline) Stats() AudioStats {
	p.streamsMu.RLock()
	streams := len(p.streams)
	p.streamsMu.RUnlock()

	return AudioStats{
		State:           p.State(),
		FramesProduced:  p.produced.Load(),
		FramesForwarded: p.forwarded.Load(),
		FramesMuted:     p.muted.Load(),
		PlaybackStreams: streams,
	}
}

// playbackStream feeds one device from its own goroutine, so a slow or
// failing device holds up nothing but its own queue.
type playbackStream struct {
	address string
	device  ports.PlaybackDevice
	queue   chan domain.AudioFrame
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
	failed  atomic.Bool
	metrics ports.Metrics
	logger  *zap.SugaredLogger
}

func newPlaybackStream(address string, device ports.PlaybackDevice, queueSize int, metrics ports.Metrics, logger *zap.SugaredLogger) *playbackStream {
	return &playbackStream{
		address: address,
		device:  device,
		queue:   make(chan domain.AudioFrame, queueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: metrics,
		logger:  logger.With("address", address),
	}
}

func (s *playbackStream) enqueue(frame domain.AudioFrame) bool {
	if s.failed.Load() {
		s.metrics.FrameDropped(domain.FrameAudio, "playback_failed")
		return false
	}
	select {
	case <-s.stop:
		return false
	default:
	}

	select {
	case s.queue <- frame:
		return true
	default:
		s.metrics.FrameDropped(domain.FrameAudio, "playback_queue_full")
		return false
	}
}

func (s *playbackStream) run() {
	defer close(s.stopped)

	for {
		select {
		case frame := <-s.queue:
			if err := s.device.Write(frame.Payload); err != nil {
				// later frames are dropped at enqueue
				s.failed.Store(true)
				s.logger.Errorw("Playback device failed", "sequence", frame.Sequence, "error", err)
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *playbackStream) close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		<-s.stopped
		err = s.device.Close()
	})
	return err
}
