// Package transfer implements SessionStore and TransferCoordinator: the
// state machine that tracks an incoming offer from /send-request through
// /send to a terminal state.
package transfer

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// notifyChSize is the buffer size for the aggregated state-change channel.
const notifyChSize = 64

// MetricsReporter is implemented by internal/lsendmetrics.Collector.
type MetricsReporter interface {
	SetSessionState(state string, delta int)
	AddBytesReceived(n int64)
}

// Store is the authoritative sessionId -> TransferSession map. Writers and
// readers both serialize through mu; Sessions() returns value-copy
// snapshots, Lookup() the live *TransferSession.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc

	rawNotifyCh    chan StateChange
	publicNotifyCh chan StateChange

	opener  FileOpener
	metrics MetricsReporter
	logger  *slog.Logger
}

type entry struct {
	session *TransferSession
	cancel  context.CancelFunc
}

// FileOpener abstracts the filesystem so Store can remain independent of
// internal/httpplane's download-directory and naming logic. DeletePartial is
// called on ActionDeletePartial; ActionOpenFile needs no FileOpener call.
type FileOpener interface {
	DeletePartial(sessionID string, fileID string)
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithStoreMetrics wires a MetricsReporter into the store.
func WithStoreMetrics(m MetricsReporter) Option {
	return func(st *Store) { st.metrics = m }
}

// WithFileOpener wires the FileOpener invoked for ActionDeletePartial.
func WithFileOpener(o FileOpener) Option {
	return func(st *Store) { st.opener = o }
}

// SetFileOpener wires the FileOpener after construction, for the common
// wiring order where the Store must exist before the httpplane.Server that
// implements FileOpener can be built.
func (st *Store) SetFileOpener(o FileOpener) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.opener = o
}

// New constructs a Store bound to ctx: all session goroutines are children
// of ctx and are cancelled together when ctx is cancelled or Close is
// called.
func New(ctx context.Context, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	storeCtx, cancel := context.WithCancel(ctx)

	st := &Store{
		sessions:       make(map[string]*entry),
		ctx:            storeCtx,
		cancel:         cancel,
		rawNotifyCh:    make(chan StateChange, notifyChSize),
		publicNotifyCh: make(chan StateChange, notifyChSize),
		logger:         logger.With(slog.String("component", "transfer")),
	}

	for _, opt := range opts {
		opt(st)
	}

	return st
}

// CreateSession validates offer, mints a fresh sessionId, inserts a new
// Pending TransferSession, and starts its run loop: the "(none) --offer
// received--> Pending" transition.
func (st *Store) CreateSession(offer TransferOffer) (*TransferSession, error) {
	if err := offer.Validate(); err != nil {
		return nil, err
	}

	id := uuid.NewString()

	sess := newSession(id, offer, offer.Sender.Fingerprint, st.rawNotifyCh, st.logger)

	sessCtx, cancel := context.WithCancel(st.ctx)

	st.mu.Lock()
	if _, exists := st.sessions[id]; exists {
		st.mu.Unlock()
		cancel()
		return nil, ErrDuplicateSession
	}
	st.sessions[id] = &entry{session: sess, cancel: cancel}
	st.mu.Unlock()

	go sess.run(sessCtx, st.handleAction)

	if st.metrics != nil {
		st.metrics.SetSessionState(StatePending.String(), 1)
	}

	st.logger.Info("session created", slog.String("session_id", id), slog.String("peer", offer.Sender.Fingerprint))

	return sess, nil
}

// handleAction executes a non-ActionNotify side effect returned by the
// session's FSM. Called from the session's own goroutine.
func (st *Store) handleAction(sess *TransferSession, action Action) {
	switch action {
	case ActionOpenFile:
		// File creation happens in internal/httpplane at the point the
		// first /send byte is actually read, since only the handler knows
		// the destination directory and naming-collision state. The FSM
		// transition still fires so subscribers observe Uploading promptly.
	case ActionDeletePartial:
		if st.opener != nil {
			for fid := range sess.offer.Files {
				st.opener.DeletePartial(sess.id, fid)
			}
		}
	case ActionRemoveSession:
		st.remove(sess.id)
	}
}

func (st *Store) remove(id string) {
	st.mu.Lock()
	e, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	st.mu.Unlock()

	if !ok {
		return
	}

	e.cancel()

	if st.metrics != nil {
		st.metrics.SetSessionState(e.session.State().String(), -1)
	}

	st.logger.Info("session removed", slog.String("session_id", id), slog.String("final_state", e.session.State().String()))
}

// Lookup returns the session for id, if present.
func (st *Store) Lookup(id string) (*TransferSession, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	e, ok := st.sessions[id]
	if !ok {
		return nil, false
	}

	return e.session, true
}

// Sessions returns a value-copy snapshot of every current session, ordered
// by sessionId.
func (st *Store) Sessions() []Snapshot {
	st.mu.Lock()
	out := make([]Snapshot, 0, len(st.sessions))
	for _, e := range st.sessions {
		out = append(out, e.session.Snapshot())
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })

	return out
}

// StateChanges returns the channel external subscribers read from.
// RunDispatch must be running for notifications to reach this channel.
func (st *Store) StateChanges() <-chan StateChange {
	return st.publicNotifyCh
}

// RunDispatch forwards buffered state changes to the public channel.
// Blocks until ctx is cancelled.
func (st *Store) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-st.rawNotifyCh:
			if st.metrics != nil {
				st.metrics.SetSessionState(sc.OldState.String(), -1)
				st.metrics.SetSessionState(sc.NewState.String(), 1)
			}

			select {
			case st.publicNotifyCh <- sc:
			default:
				st.logger.Warn("public notification channel full, dropping state change",
					slog.String("session_id", sc.SessionID),
				)
			}
		}
	}
}

// Close cancels every session goroutine and releases the store's context.
func (st *Store) Close() {
	st.cancel()
}

// Accept resolves a Pending session's consent wait with Accept.
func (st *Store) Accept(id string) error {
	sess, ok := st.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}

	sess.SendEvent(EventConsentAccept)

	return nil
}

// Decline resolves a Pending session's consent wait with Decline.
func (st *Store) Decline(id string) error {
	sess, ok := st.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}

	sess.SendEvent(EventConsentDecline)

	return nil
}

// Timeout resolves a Pending session's consent wait as an expiry, distinct
// from an explicit Decline for logging/metrics purposes though both reach
// a terminal, removed state.
func (st *Store) Timeout(id string) error {
	sess, ok := st.Lookup(id)
	if !ok {
		return ErrSessionNotFound
	}

	sess.SendEvent(EventConsentTimeout)

	return nil
}

// ActiveUploadCount returns the number of sessions currently Uploading,
// used by cmd/lsendd's graceful shutdown to decide how long to wait before
// closing listeners.
func (st *Store) ActiveUploadCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for _, e := range st.sessions {
		if e.session.State() == StateUploading {
			n++
		}
	}

	return n
}
