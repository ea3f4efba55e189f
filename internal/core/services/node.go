package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"
	"voicebox/pkg/utils"
	"voicebox/pkg/validation"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BroadcastTarget addresses a message to every connected peer.
const BroadcastTarget = "all"

type NodeOptions struct {
	Username          string
	PlaybackQueueSize int
}

// NodeDependencies are the collaborators a Node drives. Events is optional.
type NodeDependencies struct {
	Directory ports.PeerDirectory
	Pool      ports.ConnectionPool
	Capture   ports.CaptureDevice
	Playback  ports.PlaybackFactory
	Events    ports.EventPublisher
	Metrics   ports.Metrics
	Logger    *zap.SugaredLogger
}

// Node is one peer: it owns the connection pool and the audio pipeline,
// resolves peers through the shared directory, and holds the single mute
// flag the pipeline reads.
type Node struct {
	username  string
	directory ports.PeerDirectory
	pool      ports.ConnectionPool
	pipeline  *AudioPipeline
	mute      *domain.MuteState
	events    ports.EventPublisher
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

var (
	_ ports.NodeService        = (*Node)(nil)
	_ ports.ConnectionObserver = (*Node)(nil)
)

func NewNode(opts NodeOptions, deps NodeDependencies) (*Node, error) {
	if err := validation.ValidateUsername(opts.Username); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidUsername, err)
	}

	events := deps.Events
	if events == nil {
		events = noopPublisher{}
	}
	logger := deps.Logger.With("username", opts.Username)
	mute := &domain.MuteState{}

	n := &Node{
		username:  opts.Username,
		directory: deps.Directory,
		pool:      deps.Pool,
		pipeline:  NewAudioPipeline(deps.Capture, deps.Playback, deps.Pool, mute, opts.PlaybackQueueSize, deps.Metrics, logger),
		mute:      mute,
		events:    events,
		metrics:   deps.Metrics,
		logger:    logger,
	}
	deps.Pool.Observe(n)
	return n, nil
}

func (n *Node) Username() string { return n.username }

// Address is the host:port peers reach this node on, empty before Start.
func (n *Node) Address() string { return n.pool.LocalAddress() }

func (n *Node) Pipeline() *AudioPipeline { return n.pipeline }

// Start begins accepting peers and capturing audio.
func (n *Node) Start(ctx context.Context) error {
	if n.closed.Load() {
		return domain.ErrNodeClosed
	}
	if err := n.pool.Listen(ctx); err != nil {
		return err
	}
	if err := n.pipeline.Start(ctx); err != nil {
		return multierr.Append(err, n.pool.CloseAll())
	}
	n.logger.Infow("Node started", "address", n.Address())
	return nil
}

// Register publishes this node's username and address. A taken username
// is ErrUsernameTaken and leaves the existing record in place.
func (n *Node) Register(ctx context.Context) error {
	ok, err := n.directory.Register(ctx, n.username, n.Address())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUsernameTaken, n.username)
	}
	return nil
}

// Call resolves username and connects to it, returning the peer address.
// Calling a peer that is already connected reuses the connection.
func (n *Node) Call(ctx context.Context, username string) (string, error) {
	if n.closed.Load() {
		return "", domain.ErrNodeClosed
	}

	address, err := n.directory.Lookup(ctx, username)
	if err != nil {
		return "", err
	}
	if _, err := n.pool.Connect(ctx, address); err != nil {
		if cached, ok := n.directory.(ports.CachingDirectory); ok && errors.Is(err, domain.ErrConnectFailed) {
			// the next call asks the directory again
			cached.Forget(username)
		}
		return "", err
	}
	n.logger.Infow("Call established", "peer", username, "address", address)
	return address, nil
}

// EndCall hangs up on address. Hanging up on an address with no
// connection does nothing.
func (n *Node) EndCall(address string) error {
	return n.pool.Remove(address)
}

// ToggleMute flips the mute flag and returns the new state. The next
// captured frame observes it.
func (n *Node) ToggleMute() bool {
	muted := n.mute.Toggle()
	n.metrics.MuteChanged(muted)
	n.logger.Infow("Mute toggled", "muted", muted)
	n.publish(domain.Event{Type: domain.EventMuteChanged, Muted: &muted})
	return muted
}

func (n *Node) Muted() bool { return n.mute.Muted() }

// SendMessage sends text to one connected address, or to every connection
// when target is BroadcastTarget.
func (n *Node) SendMessage(ctx context.Context, text, target string) error {
	if err := validation.ValidateMessage(text); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	if target == BroadcastTarget {
		delivered := n.pool.Broadcast(domain.NewTextFrame(text), nil)
		n.logger.Debugw("Message broadcast", "delivered", delivered)
		return nil
	}

	conn, ok := n.pool.Get(target)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, target)
	}
	if err := conn.SendText(ctx, text); err != nil {
		if errors.Is(err, domain.ErrConnectionClosed) {
			return fmt.Errorf("%w: %s", domain.ErrPeerNotConnected, target)
		}
		return err
	}
	return nil
}

// Search resolves a username without connecting.
func (n *Node) Search(ctx context.Context, username string) (string, error) {
	return n.directory.Lookup(ctx, username)
}

// Connections lists the live connections sorted by address.
func (n *Node) Connections() []domain.ConnectionInfo {
	addresses := n.pool.Addresses()
	sort.Strings(addresses)

	out := make([]domain.ConnectionInfo, 0, len(addresses))
	for _, addr := range addresses {
		if conn, ok := n.pool.Get(addr); ok {
			out = append(out, conn.Info())
		}
	}
	return out
}

// Close stops capture, closes every playback stream and every connection.
// Safe to call more than once.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		n.closeErr = multierr.Combine(
			n.pipeline.Close(),
			n.pool.CloseAll(),
		)
		n.logger.Infow("Node closed")
	})
	return n.closeErr
}

// ConnectionObserver

func (n *Node) ConnectionOpened(conn ports.Connection) {
	if err := n.pipeline.OpenPlayback(conn.RemoteAddress()); err != nil {
		n.logger.Errorw("Failed to open playback", "address", conn.RemoteAddress(), "error", err)
	}
	n.publish(domain.Event{
		Type:     domain.EventConnectionOpened,
		Address:  conn.RemoteAddress(),
		Username: conn.Username(),
	})
}

func (n *Node) ConnectionClosed(conn ports.Connection, cause error) {
	if err := n.pipeline.ClosePlayback(conn.RemoteAddress()); err != nil {
		n.logger.Warnw("Failed to close playback", "address", conn.RemoteAddress(), "error", err)
	}
	n.metrics.ForgetPeer(conn.RemoteAddress())

	event := domain.Event{
		Type:     domain.EventConnectionClosed,
		Address:  conn.RemoteAddress(),
		Username: conn.Username(),
	}
	if cause != nil {
		event.Reason = cause.Error()
	}
	n.publish(event)
}

func (n *Node) AudioReceived(conn ports.Connection, frame domain.AudioFrame) {
	n.pipeline.Deliver(conn.RemoteAddress(), frame)
}

func (n *Node) TextReceived(conn ports.Connection, text string) {
	text = utils.SanitizeString(text)
	if utils.IsEmpty(text) {
		n.logger.Debugw("Dropping blank message", "address", conn.RemoteAddress())
		return
	}
	n.logger.Infow("Message received", "from", conn.Username(), "address", conn.RemoteAddress(), "text", utils.TruncateString(text, 80))
	n.publish(domain.Event{
		Type:     domain.EventMessageReceived,
		Address:  conn.RemoteAddress(),
		Username: conn.Username(),
		Text:     text,
	})
}

func (n *Node) publish(event domain.Event) {
	event.ID = utils.GenerateEventID()
	event.Timestamp = utils.Now()
	n.events.Publish(event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(domain.Event) {}
