package transfer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Timeouts governing the three session timers. Declared as vars, not
// consts, so tests can shrink them for the otherwise-minutes-long grace and
// idle paths without threading a configuration option through every
// constructor.
var (
	ConsentTimeout  = 60 * time.Second
	CompletionGrace = 30 * time.Second
	IdleTimeout     = 10 * time.Minute
)

// TransferSession owns one accepted-or-pending offer's state. The current
// state is kept in an atomic so external readers (Store.Sessions) never
// need to take the session's lock, and a single goroutine owns the
// session's timer and serializes FSM transitions.
type TransferSession struct {
	id              string
	offer           TransferOffer
	peerFingerprint string

	state atomic.Uint32

	mu       sync.Mutex
	progress map[string]int64

	timer   *time.Timer
	eventCh chan Event
	touchCh chan struct{}
	doneCh  chan struct{}

	notifyCh chan<- StateChange
	logger   *slog.Logger
}

// newSession constructs a Pending TransferSession for offer. notifyCh is
// the Store's raw notification channel; the session never closes it.
func newSession(id string, offer TransferOffer, peerFingerprint string, notifyCh chan<- StateChange, logger *slog.Logger) *TransferSession {
	progress := make(map[string]int64, len(offer.Files))
	for fid := range offer.Files {
		progress[fid] = 0
	}

	s := &TransferSession{
		id:              id,
		offer:           offer,
		peerFingerprint: peerFingerprint,
		progress:        progress,
		eventCh:         make(chan Event, 8),
		touchCh:         make(chan struct{}, 1),
		doneCh:          make(chan struct{}),
		notifyCh:        notifyCh,
		logger:          logger.With(slog.String("session_id", id)),
	}
	s.state.Store(uint32(StatePending))

	return s
}

// State returns the current state without taking a lock.
func (s *TransferSession) State() State {
	return State(s.state.Load())
}

// ID returns the session's unique identifier.
func (s *TransferSession) ID() string {
	return s.id
}

// PeerFingerprint returns the fingerprint of the offer's sender.
func (s *TransferSession) PeerFingerprint() string {
	return s.peerFingerprint
}

// Snapshot returns a value-copy view of the session's current state.
func (s *TransferSession) Snapshot() Snapshot {
	s.mu.Lock()
	progress := make(Progress, len(s.progress))
	for k, v := range s.progress {
		progress[k] = v
	}
	s.mu.Unlock()

	return Snapshot{
		SessionID:       s.id,
		Offer:           s.offer,
		PeerFingerprint: s.peerFingerprint,
		State:           s.State(),
		Progress:        progress,
	}
}

// RecordBytes updates the received byte count for fileId. Returns
// ErrUnknownFile if fileId is not part of the offer.
func (s *TransferSession) RecordBytes(fileID string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.offer.Files[fileID]; !ok {
		return ErrUnknownFile
	}

	s.progress[fileID] += n

	return nil
}

// Touch signals that a /send stream is actively making progress on this
// session, so the run loop should push the idle deadline back out rather
// than expire a transfer that is still being written. Non-blocking: if a
// touch is already pending the run loop hasn't drained yet, this one is
// redundant and dropped.
func (s *TransferSession) Touch() {
	select {
	case s.touchCh <- struct{}{}:
	default:
	}
}

// AllFilesComplete reports whether every file in the offer has received
// exactly its declared size.
func (s *TransferSession) AllFilesComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for fid, fm := range s.offer.Files {
		if s.progress[fid] != fm.Size {
			return false
		}
	}

	return true
}

// run drives the session's timer for as long as it remains non-terminal,
// applying FSM events serially and publishing StateChange notifications.
// It is launched once by Store.CreateSession and exits when the session reaches a
// terminal state and its removal grace elapses, or ctx is cancelled.
func (s *TransferSession) run(ctx context.Context, onAction func(*TransferSession, Action)) {
	defer close(s.doneCh)

	s.timer = time.NewTimer(ConsentTimeout)
	defer s.timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-s.eventCh:
			s.apply(ev, onAction)
			if s.State().IsTerminal() && s.State() != StateCompleted {
				return
			}
			if s.State() == StateCompleted {
				s.resetTimer(CompletionGrace)
				continue
			}
			s.resetTimer(IdleTimeout)

		case <-s.touchCh:
			if s.State() == StateUploading {
				s.resetTimer(IdleTimeout)
			}

		case <-s.timer.C:
			switch s.State() {
			case StatePending:
				s.apply(EventConsentTimeout, onAction)
				return
			case StateCompleted:
				s.apply(EventGraceElapsed, onAction)
				return
			default:
				s.apply(EventIdleExpired, onAction)
				return
			}
		}
	}
}

// resetTimer drains-then-resets the session timer to avoid a stale fire
// racing a fresh one.
func (s *TransferSession) resetTimer(d time.Duration) {
	if !s.timer.Stop() {
		select {
		case <-s.timer.C:
		default:
		}
	}
	s.timer.Reset(d)
}

// apply runs ev through the FSM, updates the atomic state, and invokes
// onAction for each resulting side effect before notifying subscribers.
func (s *TransferSession) apply(ev Event, onAction func(*TransferSession, Action)) {
	old := s.State()
	res := ApplyEvent(old, ev)
	if !res.Matched {
		return
	}

	if res.Changed {
		s.state.Store(uint32(res.NewState))
	}

	for _, action := range res.Actions {
		if action == ActionNotify {
			continue
		}
		onAction(s, action)
	}

	if !res.Changed {
		return
	}

	select {
	case s.notifyCh <- StateChange{SessionID: s.id, OldState: old, NewState: res.NewState}:
	default:
		s.logger.Warn("session notify channel full, dropping state change",
			slog.String("old_state", old.String()),
			slog.String("new_state", res.NewState.String()),
		)
	}
}

// SendEvent enqueues an event for the session's run loop. Non-blocking;
// the buffered channel absorbs bursts from concurrent HTTP handlers.
func (s *TransferSession) SendEvent(ev Event) {
	select {
	case s.eventCh <- ev:
	case <-s.doneCh:
	}
}

// Done returns a channel closed once the session's run loop exits.
func (s *TransferSession) Done() <-chan struct{} {
	return s.doneCh
}
