package ports

import (
	"context"
	"time"

	"voicebox/internal/core/domain"
)

type PeerDirectory interface {
	Register(ctx context.Context, username, address string) (bool, error)
	Lookup(ctx context.Context, username string) (string, error)
}

// CachingDirectory is a PeerDirectory that keeps answers locally and can
// drop one that went stale.
type CachingDirectory interface {
	PeerDirectory
	Forget(username string)
}

type Connection interface {
	RemoteAddress() string
	Username() string
	Direction() domain.ConnectionDirection
	SendText(ctx context.Context, text string) error
	SendControl(ctx context.Context, msg domain.ControlMessage) error
	Info() domain.ConnectionInfo
	Close() error
}

// ConnectionPool owns every live connection of a node, keyed by the
// peer's advertised address. Listen binds synchronously and accepts in the
// background until ctx is done or CloseAll is called.
type ConnectionPool interface {
	Listen(ctx context.Context) error
	Addr() string
	LocalAddress() string
	Connect(ctx context.Context, address string) (Connection, error)
	Remove(address string) error
	Get(address string) (Connection, bool)
	Broadcast(frame domain.Frame, skipIfMuted *domain.MuteState) int
	Addresses() []string
	Len() int
	Observe(observer ConnectionObserver)
	CloseAll() error
}

// ConnectionObserver receives connection lifecycle and inbound traffic.
// Audio and text callbacks for one connection arrive in wire order.
type ConnectionObserver interface {
	ConnectionOpened(conn Connection)
	ConnectionClosed(conn Connection, cause error)
	AudioReceived(conn Connection, frame domain.AudioFrame)
	TextReceived(conn Connection, text string)
}

// CaptureDevice produces raw audio at its own cadence. Read blocks until
// the next frame is available.
type CaptureDevice interface {
	Open() error
	Read(ctx context.Context) ([]byte, error)
	SamplesPerFrame() int
	Close() error
}

type PlaybackDevice interface {
	Write(payload []byte) error
	Close() error
}

type PlaybackFactory func(address string) (PlaybackDevice, error)

type EventPublisher interface {
	Publish(event domain.Event)
}

type Metrics interface {
	FrameSent(frameType domain.FrameType, bytes int)
	FrameReceived(frameType domain.FrameType, bytes int)
	FrameDropped(frameType domain.FrameType, reason string)
	ConnectionOpened(direction domain.ConnectionDirection)
	ConnectionClosed(direction domain.ConnectionDirection, duration time.Duration)
	DirectoryOperation(operation string, duration time.Duration, err error)
	PeerLoss(address string, ratio float64)
	ForgetPeer(address string)
	MuteChanged(muted bool)
}
