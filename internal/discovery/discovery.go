// Package discovery implements the three cooperating tasks — listener,
// announcer, sweeper — that keep internal/peer.Registry populated from LAN
// multicast traffic, plus the HTTP-primary/UDP-supplement response an
// announcement triggers.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quietwire/lsend/internal/httpplane"
	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/netio"
	"github.com/quietwire/lsend/internal/peer"
)

// replyDelay is how long the engine waits before sending the supplementary
// multicast reply to an announcement, after the HTTP POST to /register has
// already been attempted.
const replyDelay = 500 * time.Millisecond

// sweepTickFactor makes the sweeper run twice as often as the staleness
// timeout, i.e. every TIMEOUT/2 seconds.
const sweepTickFactor = 2

// registerScheme is the URL scheme used for the outbound HTTP POST to a
// peer's /register endpoint unless the peer advertises "https", in which
// case the POST uses https.
const registerScheme = "http"

// replyWorkerCount bounds how many reply goroutines run concurrently,
// matching httpplane.Client's own outbound concurrency cap.
const replyWorkerCount = 5

// replyQueueSize bounds how many pending replies the listener can queue
// before it starts dropping announcements rather than blocking the
// receive loop.
const replyQueueSize = 64

// Engine runs the listener/announcer/sweeper loop against a single
// MulticastConn, publishing sightings into a PeerRegistry.
type Engine struct {
	conn   *netio.MulticastConn
	self   *identity.SelfInfo
	peers  *peer.Registry
	client *httpplane.Client

	announceInterval time.Duration
	timeout          time.Duration

	replyCh chan identity.DeviceInfo

	logger *slog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithAnnounceInterval overrides the default 5s announce period.
func WithAnnounceInterval(d time.Duration) Option {
	return func(e *Engine) { e.announceInterval = d }
}

// WithTimeout overrides the peer staleness window used to derive the
// sweeper's tick interval (TIMEOUT/2).
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// New constructs an Engine. conn must already be joined to the discovery
// group (see netio.DialMulticast).
func New(conn *netio.MulticastConn, self *identity.SelfInfo, peers *peer.Registry, client *httpplane.Client, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		conn:             conn,
		self:             self,
		peers:            peers,
		client:           client,
		announceInterval: 5 * time.Second,
		timeout:          peer.DefaultTimeout,
		replyCh:          make(chan identity.DeviceInfo, replyQueueSize),
		logger:           logger.With(slog.String("component", "discovery")),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Run starts the listener, announcer, and sweeper tasks and blocks until
// ctx is cancelled or one of them returns a non-context error, at which
// point the others are cancelled too. All three stop promptly on shutdown.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.runListener(ctx) })
	g.Go(func() error { return e.runAnnouncer(ctx) })
	g.Go(func() error { return e.runSweeper(ctx) })

	for i := 0; i < replyWorkerCount; i++ {
		g.Go(func() error { return e.runReplyWorker(ctx) })
	}

	return g.Wait()
}

// runReplyWorker drains replyCh until ctx is cancelled, one of
// replyWorkerCount fixed workers sharing the queue so a burst of
// announcements can never spawn unbounded goroutines.
func (e *Engine) runReplyWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case info := <-e.replyCh:
			e.reply(ctx, info)
		}
	}
}

func (e *Engine) runAnnouncer(ctx context.Context) error {
	ticker := time.NewTicker(e.announceInterval)
	defer ticker.Stop()

	e.announce()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.announce()
		}
	}
}

func (e *Engine) announce() {
	info := e.self.Snapshot(true)

	payload, err := json.Marshal(info)
	if err != nil {
		e.logger.Warn("failed to marshal self announcement", slog.Any("err", err))
		return
	}

	if err := e.conn.Send(payload); err != nil {
		e.logger.Info("announce send failed", slog.Any("err", err))
	}
}

func (e *Engine) runSweeper(ctx context.Context) error {
	interval := e.timeout / sweepTickFactor
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			evicted := e.peers.SweepExpired(time.Now())
			if len(evicted) > 0 {
				e.logger.Info("evicted stale peers", slog.Int("count", len(evicted)))
			}
		}
	}
}

func (e *Engine) runListener(ctx context.Context) error {
	for {
		dg, err := e.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Info("multicast receive failed", slog.Any("err", err))
			continue
		}

		e.handleDatagram(ctx, dg)
	}
}

// handleDatagram dispatches a decoded announcement to a reply worker.
// Posting the HTTP register and the UDP supplement happens off the
// listener goroutine, via a non-blocking send to the bounded reply queue,
// so a slow or unreachable peer can never block the next receive and a
// burst of announcements can never spawn unbounded goroutines.
func (e *Engine) handleDatagram(ctx context.Context, dg netio.Datagram) {
	var info identity.DeviceInfo
	if err := json.Unmarshal(dg.Payload, &info); err != nil {
		e.logger.Info("dropping malformed discovery datagram", slog.Any("err", err))
		return
	}

	if info.Fingerprint == e.self.Fingerprint() {
		return
	}

	observedIP := dg.SrcAddr.IP.String()

	if _, err := e.peers.Upsert(info, observedIP, time.Now()); err != nil {
		e.logger.Info("peer upsert failed", slog.Any("err", err))
		return
	}

	if !info.Announce {
		return
	}

	info.IP = observedIP

	select {
	case e.replyCh <- info:
	default:
		e.logger.Warn("reply queue full, dropping announcement reply",
			slog.String("peer_fingerprint", info.Fingerprint))
	}
}

// HandleDatagramForTest exposes handleDatagram to black-box tests in the
// discovery_test package; it is not part of the engine's operational API.
func (e *Engine) HandleDatagramForTest(ctx context.Context, dg netio.Datagram) {
	e.handleDatagram(ctx, dg)
}

// reply sends the HTTP-primary, UDP-supplement response to an
// announcement. Both paths are idempotent at the PeerRegistry level, so
// firing both unconditionally is safe even when the HTTP POST succeeds.
func (e *Engine) reply(ctx context.Context, peerInfo identity.DeviceInfo) {
	scheme := registerScheme
	if peerInfo.Protocol == "https" {
		scheme = "https"
	}
	baseURL := scheme + "://" + net.JoinHostPort(peerInfo.IP, strconv.Itoa(peerInfo.Port))

	self := e.self.Snapshot(false)

	if err := e.client.Register(ctx, baseURL, self); err != nil {
		e.logger.Info("register POST to peer failed, relying on multicast supplement",
			slog.String("peer", peerInfo.Fingerprint), slog.Any("err", err))
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(replyDelay):
	}

	payload, err := json.Marshal(self)
	if err != nil {
		return
	}

	if err := e.conn.Send(payload); err != nil {
		e.logger.Info("multicast supplement reply failed", slog.Any("err", err))
	}
}
