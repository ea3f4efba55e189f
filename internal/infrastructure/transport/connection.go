package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrQueueFull is returned by trySend when the outbound queue has no room.
var ErrQueueFull = errors.New("send queue full")

const byeTimeout = 250 * time.Millisecond

// connHandler receives what a connection reads. Calls for one connection
// are made from its read goroutine, in wire order.
type connHandler interface {
	audioReceived(c *Connection, frame domain.AudioFrame)
	textReceived(c *Connection, text string)
	connectionClosed(c *Connection, cause error)
}

type connOptions struct {
	ssrc           uint32
	queueSize      int
	writeTimeout   time.Duration
	reportInterval time.Duration
	idleTimeout    time.Duration
	textRate       rate.Limit
	textBurst      int
}

// Connection is one framed channel to a peer. It owns the net.Conn: a
// single writer goroutine drains a bounded queue so outbound frames keep
// their enqueue order, and a single reader goroutine delivers inbound
// frames in arrival order.
type Connection struct {
	conn      net.Conn
	address   string
	username  string
	direction domain.ConnectionDirection
	openedAt  time.Time
	opts      connOptions

	handler connHandler
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	sendQ       chan []byte
	closed      chan struct{}
	writerDone  chan struct{}
	closing     atomic.Bool
	draining    atomic.Bool
	started     atomic.Bool
	textLimiter *rate.Limiter

	// nil unless the handshake agreed on encryption; set before the
	// connection is pooled
	cipher *cipherSession

	// guarded by the pool's notifyMu
	life lifecycle

	mu          sync.Mutex
	seq         sequenceTracker
	remoteStats domain.ReceptionStats
}

var _ ports.Connection = (*Connection)(nil)

// lifecycle records what the pool has announced for a connection.
type lifecycle struct {
	counted    bool // ConnectionOpened metric recorded
	observed   bool // the observer holds an open event for this address through this connection
	superseded bool // replaced by a newer connection to the same peer
	ended      bool
}

func newConnection(conn net.Conn, address, username string, direction domain.ConnectionDirection, opts connOptions, handler connHandler, metrics ports.Metrics, logger *zap.SugaredLogger) *Connection {
	if opts.queueSize <= 0 {
		opts.queueSize = 1
	}
	return &Connection{
		conn:        conn,
		address:     address,
		username:    username,
		direction:   direction,
		openedAt:    time.Now(),
		opts:        opts,
		handler:     handler,
		metrics:     metrics,
		logger:      logger.With("address", address, "username", username, "direction", direction),
		sendQ:       make(chan []byte, opts.queueSize),
		closed:      make(chan struct{}),
		writerDone:  make(chan struct{}),
		textLimiter: rate.NewLimiter(opts.textRate, opts.textBurst),
	}
}

// start launches the reader, writer and report goroutines.
func (c *Connection) start(reader *frameReader) {
	c.started.Store(true)
	go c.writeLoop()
	go c.readLoop(reader)
	if c.opts.reportInterval > 0 {
		go c.reportLoop()
	}
}

func (c *Connection) RemoteAddress() string                 { return c.address }
func (c *Connection) Username() string                      { return c.username }
func (c *Connection) Direction() domain.ConnectionDirection { return c.direction }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) Info() domain.ConnectionInfo {
	c.mu.Lock()
	stats := c.seq.stats()
	stats.RemoteLossRatio = c.remoteStats.RemoteLossRatio
	stats.RemoteTotalLost = c.remoteStats.RemoteTotalLost
	stats.RemoteReportedAt = c.remoteStats.RemoteReportedAt
	c.mu.Unlock()

	return domain.ConnectionInfo{
		Address:   c.address,
		Username:  c.username,
		Direction: c.direction,
		OpenedAt:  c.openedAt,
		Stats:     stats,
	}
}

// SendText queues a text frame, blocking until it is queued, ctx is done
// or the connection closes.
func (c *Connection) SendText(ctx context.Context, text string) error {
	encoded, err := encodeFrame(domain.NewTextFrame(text), c.opts.ssrc)
	if err != nil {
		return err
	}
	return c.send(ctx, encoded)
}

func (c *Connection) SendControl(ctx context.Context, msg domain.ControlMessage) error {
	encoded, err := encodeFrame(domain.NewControlFrame(msg.Kind, msg.Data), c.opts.ssrc)
	if err != nil {
		return err
	}
	return c.send(ctx, encoded)
}

func (c *Connection) send(ctx context.Context, encoded []byte) error {
	encoded, err := c.cipher.sealFrame(encoded)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.sendQ <- encoded:
		return nil
	case <-c.closed:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySend queues an encoded frame without blocking.
func (c *Connection) trySend(encoded []byte) error {
	encoded, err := c.cipher.sealFrame(encoded)
	if err != nil {
		return err
	}

	select {
	case <-c.closed:
		return domain.ErrConnectionClosed
	default:
	}

	select {
	case c.sendQ <- encoded:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close notifies the peer with a bye frame, then releases the transport.
// Safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	return c.shutdown(nil, true)
}

func (c *Connection) shutdown(cause error, notifyPeer bool) error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.draining.Store(notifyPeer)
	close(c.closed)

	if notifyPeer && c.started.Load() {
		<-c.writerDone
		c.writeBye()
	}
	err := c.conn.Close()

	if cause != nil {
		c.logger.Warnw("Connection closed", "error", cause)
	} else {
		c.logger.Infow("Connection closed")
	}
	if c.handler != nil {
		c.handler.connectionClosed(c, cause)
	}
	return err
}

// writeBye runs after the writer has exited, so it owns the socket.
// Frames queued before Close are flushed by the writer first.
func (c *Connection) writeBye() {
	bye, err := encodeFrame(domain.NewControlFrame(domain.ControlBye, nil), c.opts.ssrc)
	if err != nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
	if _, err := c.conn.Write(bye); err != nil {
		c.logger.Debugw("Failed to send bye", "error", err)
	}
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case encoded := <-c.sendQ:
			if c.opts.writeTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			}
			if _, err := c.conn.Write(encoded); err != nil {
				c.shutdown(fmt.Errorf("%w: write: %v", domain.ErrConnectionLost, err), false)
				return
			}
			c.metrics.FrameSent(frameType(encoded), len(encoded))
		case <-c.closed:
			if c.draining.Load() {
				c.flush()
			}
			return
		}
	}
}

// flush writes whatever is still queued, bounded by byeTimeout.
func (c *Connection) flush() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
	for {
		select {
		case encoded := <-c.sendQ:
			if _, err := c.conn.Write(encoded); err != nil {
				return
			}
			c.metrics.FrameSent(frameType(encoded), len(encoded))
		default:
			return
		}
	}
}

func (c *Connection) readLoop(reader *frameReader) {
	for {
		if c.opts.idleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
		}

		ft, body, err := reader.next()
		if err != nil {
			if !c.closing.Load() {
				c.shutdown(fmt.Errorf("%w: read: %v", domain.ErrConnectionLost, err), false)
			}
			return
		}
		c.metrics.FrameReceived(ft, len(*body)+headerSize)

		stop := c.dispatch(ft, *body)
		releaseBody(body)
		if stop {
			return
		}
	}
}

// dispatch handles one inbound frame and reports whether reading should stop.
func (c *Connection) dispatch(ft domain.FrameType, body []byte) bool {
	if c.cipher != nil && sealed(ft) {
		plain, err := c.cipher.openBody(ft, body)
		if err != nil {
			c.metrics.FrameDropped(ft, "undecryptable")
			c.logger.Warnw("Dropping frame that failed to decrypt", "type", ft, "error", err)
			return false
		}
		body = plain
	}

	switch ft {
	case domain.FrameAudio:
		c.handleAudio(body)
	case domain.FrameText:
		if !c.textLimiter.Allow() {
			c.metrics.FrameDropped(ft, "rate_limited")
			c.logger.Warnw("Dropping text frame over rate limit")
			return false
		}
		c.handler.textReceived(c, string(body))
	case domain.FrameControl:
		msg, err := decodeControl(body)
		if err != nil {
			c.metrics.FrameDropped(ft, "malformed")
			c.logger.Warnw("Malformed control frame", "error", err)
			return false
		}
		return c.handleControl(msg)
	default:
		c.metrics.FrameDropped(ft, "unknown_type")
		c.logger.Warnw("Unknown frame type", "type", ft)
	}
	return false
}

func (c *Connection) handleAudio(body []byte) {
	header, payload, err := decodeAudio(body)
	if err != nil {
		c.metrics.FrameDropped(domain.FrameAudio, "malformed")
		c.logger.Warnw("Malformed audio frame", "error", err)
		return
	}

	c.mu.Lock()
	seq, ok := c.seq.accept(header.SSRC, header.SequenceNumber, time.Now())
	c.mu.Unlock()
	if !ok {
		c.metrics.FrameDropped(domain.FrameAudio, "out_of_order")
		c.logger.Debugw("Dropping late audio frame", "sequence", header.SequenceNumber)
		return
	}

	c.handler.audioReceived(c, domain.AudioFrame{
		Sequence:  seq,
		Timestamp: header.Timestamp,
		Payload:   payload,
	})
}

func (c *Connection) handleControl(msg domain.ControlMessage) bool {
	switch msg.Kind {
	case domain.ControlBye:
		c.shutdown(fmt.Errorf("%w: by peer", domain.ErrConnectionClosed), false)
		return true
	case domain.ControlPing:
		// the read itself refreshed the idle deadline
	case domain.ControlReport:
		report, found, err := decodeReport(msg.Data, c.opts.ssrc)
		if err != nil {
			c.logger.Warnw("Malformed receiver report", "error", err)
			return false
		}
		if !found {
			return false
		}
		ratio := float64(report.FractionLost) / 256
		c.mu.Lock()
		c.remoteStats.RemoteLossRatio = ratio
		c.remoteStats.RemoteTotalLost = report.TotalLost
		c.remoteStats.RemoteReportedAt = time.Now()
		c.mu.Unlock()
		c.metrics.PeerLoss(c.address, ratio)
	default:
		c.logger.Debugw("Ignoring control frame", "kind", msg.Kind)
	}
	return false
}

// reportLoop sends a receiver report when audio arrived during the last
// interval and a ping otherwise, so the peer's idle timer stays fresh.
func (c *Connection) reportLoop() {
	ticker := time.NewTicker(c.opts.reportInterval)
	defer ticker.Stop()

	ping, _ := encodeFrame(domain.NewControlFrame(domain.ControlPing, nil), c.opts.ssrc)

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			window, ok := c.seq.window()
			remoteSSRC := c.seq.ssrc
			c.mu.Unlock()

			frame := ping
			if ok {
				report, err := encodeReport(c.opts.ssrc, remoteSSRC, window)
				if err != nil {
					c.logger.Warnw("Failed to build receiver report", "error", err)
				} else {
					frame = report
				}
			}
			if err := c.trySend(frame); err != nil && !errors.Is(err, ErrQueueFull) {
				return
			}
		case <-c.closed:
			return
		}
	}
}
