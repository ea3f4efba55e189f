package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"
	"voicebox/pkg/config"
	"voicebox/pkg/tracing"
	"voicebox/pkg/utils"
	"voicebox/pkg/validation"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Options configures a Pool.
type Options struct {
	Username         string
	ListenAddress    string
	AdvertiseAddress string
	SSRC             uint32

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueueSize    int
	ReportInterval   time.Duration

	TextRate  float64
	TextBurst int

	// Encrypt requires the key exchange after hello and seals text and
	// audio bodies.
	Encrypt bool
}

// OptionsFromConfig maps the node section of the configuration.
func OptionsFromConfig(cfg *config.Config, ssrc uint32) Options {
	return Options{
		Username:         cfg.Node.Username,
		ListenAddress:    cfg.Node.ListenAddress,
		AdvertiseAddress: cfg.Node.AdvertiseAddress,
		SSRC:             ssrc,
		DialTimeout:      cfg.Node.DialTimeout,
		HandshakeTimeout: cfg.Node.HandshakeTimeout,
		WriteTimeout:     cfg.Node.WriteTimeout,
		SendQueueSize:    cfg.Node.SendQueueSize,
		ReportInterval:   cfg.Node.ReportInterval,
		TextRate:         cfg.Node.TextRateLimit.MessagesPerSecond,
		TextBurst:        cfg.Node.TextRateLimit.Burst,
		Encrypt:          cfg.Node.Encryption,
	}
}

func (o Options) connOptions() connOptions {
	var idle time.Duration
	if o.ReportInterval > 0 {
		idle = 3 * o.ReportInterval
	}
	textRate := rate.Inf
	if o.TextRate > 0 {
		textRate = rate.Limit(o.TextRate)
	}
	return connOptions{
		ssrc:           o.SSRC,
		queueSize:      o.SendQueueSize,
		writeTimeout:   o.WriteTimeout,
		reportInterval: o.ReportInterval,
		idleTimeout:    idle,
		textRate:       textRate,
		textBurst:      o.TextBurst,
	}
}

// Dialer opens the raw transport to a peer.
type Dialer func(ctx context.Context, address string) (net.Conn, error)

// Pool keeps at most one Connection per peer address. Membership changes
// happen under the write lock; broadcast works on a snapshot taken under
// the read lock, so it never sees a half-applied change.
type Pool struct {
	opts    Options
	dial    Dialer
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu       sync.RWMutex
	conns    map[string]*Connection
	observer ports.ConnectionObserver
	listener net.Listener
	local    string
	closed   bool

	// orders observer callbacks and guards Connection.life; taken after
	// mu, never before
	notifyMu sync.Mutex

	dials    singleflight.Group
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ ports.ConnectionPool = (*Pool)(nil)

func NewPool(opts Options, metrics ports.Metrics, logger *zap.SugaredLogger) *Pool {
	p := &Pool{
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		conns:   make(map[string]*Connection),
		local:   opts.AdvertiseAddress,
		stop:    make(chan struct{}),
	}
	p.dial = p.dialTCP
	return p
}

// WithDialer replaces the TCP dialer.
func (p *Pool) WithDialer(d Dialer) *Pool {
	p.dial = d
	return p
}

func (p *Pool) dialTCP(ctx context.Context, address string) (net.Conn, error) {
	d := net.Dialer{Timeout: p.opts.DialTimeout}
	return d.DialContext(ctx, "tcp", address)
}

func (p *Pool) Observe(observer ports.ConnectionObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observer = observer
}

func (p *Pool) currentObserver() ports.ConnectionObserver {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.observer
}

// Listen binds the listen address and accepts peers in the background
// until ctx is done or CloseAll is called. The advertised address is
// derived from the bound one unless configured.
func (p *Pool) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", p.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", p.opts.ListenAddress, err)
	}

	local, err := utils.AdvertiseAddress(p.opts.AdvertiseAddress, ln.Addr().String())
	if err != nil {
		ln.Close()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ln.Close()
		return domain.ErrConnectionClosed
	}
	p.listener = ln
	p.local = local
	p.mu.Unlock()

	p.logger.Infow("Listening for peers", "bind", ln.Addr().String(), "advertise", local)

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.acceptLoop(ln)
	}()
	go func() {
		defer p.wg.Done()
		select {
		case <-ctx.Done():
		case <-p.stop:
		}
		ln.Close()
	}()
	return nil
}

// Addr is the bound listener address, empty before Listen.
func (p *Pool) Addr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// LocalAddress is the address announced to peers and published in the
// directory.
func (p *Pool) LocalAddress() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.local
}

func (p *Pool) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			p.logger.Errorw("Accept failed", "error", err)
			return
		}
		go p.handleInbound(conn)
	}
}

func (p *Pool) handleInbound(conn net.Conn) {
	reader := newFrameReader(conn)
	keys, err := p.sessionKeys()
	if err != nil {
		p.logger.Errorw("Rejected inbound connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}
	hello, session, err := p.readPeer(conn, reader, keys)
	if err != nil {
		p.logger.Warnw("Rejected inbound connection", "remote", conn.RemoteAddr().String(), "error", err)
		conn.Close()
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	existing, exists := p.conns[hello.Address]
	if exists && (existing.direction != domain.DirectionOutbound || preferOutbound(p.local, hello.Address)) {
		p.mu.Unlock()
		p.logger.Infow("Rejected duplicate inbound connection", "address", hello.Address, "username", hello.Username)
		conn.Close()
		return
	}
	c := newConnection(conn, hello.Address, hello.Username, domain.DirectionInbound, p.opts.connOptions(), p, p.metrics, p.logger)
	c.cipher = session
	p.installLocked(hello.Address, existing, c)
	p.mu.Unlock()

	if exists {
		p.logger.Infow("Replacing connection dialed by this node", "address", hello.Address)
		defer existing.Close()
	}

	if err := p.writeLocal(conn, keys); err != nil {
		p.logger.Warnw("Failed to answer hello", "address", hello.Address, "error", err)
		c.shutdown(fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err), false)
		return
	}

	p.opened(c, reader)
}

// preferOutbound reports whether the connection this node dialed to remote
// beats the one remote dialed to us. Both peers compute the same answer:
// the connection dialed by the smaller advertised address survives.
func preferOutbound(local, remote string) bool {
	return local < remote
}

func (p *Pool) localHello() domain.Hello {
	return domain.Hello{Username: p.opts.Username, Address: p.LocalAddress(), Encrypted: p.opts.Encrypt}
}

func (p *Pool) sessionKeys() (keyPair, error) {
	if !p.opts.Encrypt {
		return keyPair{}, nil
	}
	return generateKeyPair()
}

// readPeer reads the peer's hello and, on encrypted pools, its key.
func (p *Pool) readPeer(conn net.Conn, reader *frameReader, keys keyPair) (domain.Hello, *cipherSession, error) {
	hello, err := readHello(conn, reader, p.opts.HandshakeTimeout)
	if err != nil {
		return domain.Hello{}, nil, err
	}
	if err := checkEncryption(hello, p.opts.Encrypt); err != nil {
		return domain.Hello{}, nil, err
	}
	if !p.opts.Encrypt {
		return hello, nil, nil
	}
	session, err := readKey(conn, reader, keys, p.opts.HandshakeTimeout)
	if err != nil {
		return domain.Hello{}, nil, err
	}
	return hello, session, nil
}

func (p *Pool) writeLocal(conn net.Conn, keys keyPair) error {
	if err := writeHello(conn, p.localHello(), p.opts.HandshakeTimeout); err != nil {
		return err
	}
	if !p.opts.Encrypt {
		return nil
	}
	return writeKey(conn, keys, p.opts.HandshakeTimeout)
}

// installLocked pools c under address. When it replaces old, the observer
// keeps the open event it already holds for the address, so the swap is
// silent. Caller holds p.mu and closes old afterwards.
func (p *Pool) installLocked(address string, old, c *Connection) {
	p.conns[address] = c
	if old == nil {
		return
	}
	p.notifyMu.Lock()
	old.life.superseded = true
	if old.life.observed {
		old.life.observed = false
		c.life.observed = true
	}
	p.notifyMu.Unlock()
}

// opened announces a pooled connection and starts its goroutines, unless
// it was closed or replaced in the meantime. The observer runs first so
// playback exists before the first audio frame.
func (p *Pool) opened(c *Connection, reader *frameReader) {
	obs := p.currentObserver()

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if c.closing.Load() || c.life.ended || c.life.superseded {
		return
	}

	c.life.counted = true
	p.metrics.ConnectionOpened(c.direction)
	p.logger.Infow("Connection opened", "address", c.address, "username", c.username, "direction", c.direction, "encrypted", c.cipher != nil)
	if !c.life.observed {
		c.life.observed = true
		if obs != nil {
			obs.ConnectionOpened(c)
		}
	}
	c.start(reader)
}

// Connect returns the pooled connection for address, dialing if there is
// none. Concurrent calls for one address share a single dial. A failed
// dial or handshake leaves the pool unchanged.
func (p *Pool) Connect(ctx context.Context, address string) (ports.Connection, error) {
	if err := validation.ValidateAddress(address); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidAddress, err)
	}
	if c, ok := p.lookup(address); ok {
		return c, nil
	}

	ch := p.dials.DoChan(address, func() (interface{}, error) {
		return p.dialPeer(ctx, address)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Connection), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConnectFailed, address, ctx.Err())
	}
}

func (p *Pool) dialPeer(ctx context.Context, address string) (*Connection, error) {
	if c, ok := p.lookup(address); ok {
		return c, nil
	}
	if address == p.LocalAddress() {
		return nil, fmt.Errorf("%w: %s is this node", domain.ErrConnectFailed, address)
	}

	ctx, span := tracing.TraceDial(ctx, address)
	c, err := p.handshakeOutbound(ctx, address)
	tracing.EndSpan(span, err)
	if err != nil {
		// the peer may have reached us first while we were dialing
		if existing, ok := p.lookup(address); ok {
			return existing, nil
		}
		p.logger.Warnw("Connect failed", "address", address, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrConnectFailed, address, err)
	}
	return c, nil
}

func (p *Pool) handshakeOutbound(ctx context.Context, address string) (*Connection, error) {
	keys, err := p.sessionKeys()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	conn, err := p.dial(dialCtx, address)
	if err != nil {
		return nil, err
	}

	reader := newFrameReader(conn)
	if err := p.writeLocal(conn, keys); err != nil {
		conn.Close()
		return nil, err
	}
	hello, session, err := p.readPeer(conn, reader, keys)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return nil, domain.ErrConnectionClosed
	}
	existing, exists := p.conns[address]
	if exists && (existing.direction != domain.DirectionInbound || !preferOutbound(p.local, hello.Address)) {
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	c := newConnection(conn, address, hello.Username, domain.DirectionOutbound, p.opts.connOptions(), p, p.metrics, p.logger)
	c.cipher = session
	p.installLocked(address, existing, c)
	p.mu.Unlock()

	p.opened(c, reader)
	if exists {
		p.logger.Infow("Replacing connection accepted from peer", "address", address)
		existing.Close()
	}
	return c, nil
}

func (p *Pool) lookup(address string) (*Connection, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.conns[address]
	return c, ok
}

func (p *Pool) Get(address string) (ports.Connection, bool) {
	c, ok := p.lookup(address)
	if !ok {
		return nil, false
	}
	return c, true
}

// Remove closes the connection to address and forgets it. Absent
// addresses are a no-op.
func (p *Pool) Remove(address string) error {
	p.mu.Lock()
	c, ok := p.conns[address]
	if ok {
		delete(p.conns, address)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return c.Close()
}

func (p *Pool) Addresses() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.conns))
	for addr := range p.conns {
		out = append(out, addr)
	}
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

func (p *Pool) snapshot() []*Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast sends frame to every pooled connection and returns how many
// accepted it. Audio is skipped entirely while skipIfMuted reports muted,
// and an audio frame that finds a full queue is dropped for that peer.
// Text and control frames wait up to the write timeout for queue space.
// Connections that fail are closed and pruned; the rest still receive
// the frame.
func (p *Pool) Broadcast(frame domain.Frame, skipIfMuted *domain.MuteState) int {
	if frame.Type == domain.FrameAudio && skipIfMuted != nil && skipIfMuted.Muted() {
		return 0
	}

	conns := p.snapshot()
	if len(conns) == 0 {
		return 0
	}

	encoded, err := encodeFrame(frame, p.opts.SSRC)
	if err != nil {
		p.logger.Errorw("Failed to encode broadcast frame", "type", frame.Type, "error", err)
		return 0
	}

	delivered := 0
	for _, c := range conns {
		var err error
		if frame.Type == domain.FrameAudio {
			err = c.trySend(encoded)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.WriteTimeout)
			err = c.send(ctx, encoded)
			cancel()
		}

		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrQueueFull):
			p.metrics.FrameDropped(frame.Type, "queue_full")
		default:
			p.logger.Warnw("Pruning connection after failed send", "address", c.address, "error", err)
			c.shutdown(fmt.Errorf("%w: send: %v", domain.ErrConnectionLost, err), false)
		}
	}
	return delivered
}

// CloseAll stops listening and closes every connection, notifying peers.
func (p *Pool) CloseAll() error {
	p.stopOnce.Do(func() { close(p.stop) })

	p.mu.Lock()
	p.closed = true
	ln := p.listener
	conns := make([]*Connection, 0, len(p.conns))
	for addr, c := range p.conns {
		conns = append(conns, c)
		delete(p.conns, addr)
	}
	p.mu.Unlock()

	var err error
	if ln != nil {
		if cerr := ln.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	for _, c := range conns {
		if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", c.address, cerr))
		}
	}
	p.wg.Wait()
	return err
}

// connHandler

func (p *Pool) audioReceived(c *Connection, frame domain.AudioFrame) {
	if obs := p.currentObserver(); obs != nil {
		obs.AudioReceived(c, frame)
	}
}

func (p *Pool) textReceived(c *Connection, text string) {
	if obs := p.currentObserver(); obs != nil {
		obs.TextReceived(c, text)
	}
}

func (p *Pool) connectionClosed(c *Connection, cause error) {
	p.mu.Lock()
	if current, ok := p.conns[c.address]; ok && current == c {
		delete(p.conns, c.address)
	}
	obs := p.observer
	// hand over to notifyMu so a replacement cannot announce itself
	// before this close is reported
	p.notifyMu.Lock()
	p.mu.Unlock()
	defer p.notifyMu.Unlock()

	c.life.ended = true
	if c.life.counted {
		p.metrics.ConnectionClosed(c.direction, time.Since(c.openedAt))
	}
	if c.life.observed {
		c.life.observed = false
		if obs != nil {
			obs.ConnectionClosed(c, cause)
		}
	}
}
