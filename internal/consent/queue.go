package consent

import (
	"context"
	"sync"

	"github.com/quietwire/lsend/internal/transfer"
)

// PendingOffer is a single offer awaiting an operator decision, exposed to
// cmd/lsendctl's shell via Queue.Pending.
type PendingOffer struct {
	SessionID string
	Offer     transfer.TransferOffer
	resultCh  chan Decision
}

// Queue is a channel-backed Provider: RequestConsent parks the offer on an
// internal map and blocks until an operator calls Resolve, the request's
// context is cancelled, or ctx is done.
type Queue struct {
	mu      sync.Mutex
	pending map[string]*PendingOffer

	newOfferCh chan PendingOffer
}

// NewQueue constructs an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		pending:    make(map[string]*PendingOffer),
		newOfferCh: make(chan PendingOffer, 16),
	}
}

// RequestConsent registers offer under sessionID (taken from the
// TransferOffer's sender fingerprint plus an incrementing discriminator is
// the caller's concern; here the session's own id, once minted, is threaded
// in by httpplane via WithSessionID) and blocks for a decision.
func (q *Queue) RequestConsent(ctx context.Context, offer transfer.TransferOffer) (Decision, error) {
	sessionID := sessionIDFromContext(ctx)

	po := &PendingOffer{SessionID: sessionID, Offer: offer, resultCh: make(chan Decision, 1)}

	q.mu.Lock()
	q.pending[sessionID] = po
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		delete(q.pending, sessionID)
		q.mu.Unlock()
	}()

	select {
	case q.newOfferCh <- *po:
	default:
	}

	select {
	case d := <-po.resultCh:
		return d, nil
	case <-ctx.Done():
		return DecisionDecline, ErrTimeout
	}
}

// Pending returns a snapshot of offers currently awaiting a decision,
// ordered by session id insertion is not guaranteed; callers sort if a
// stable display order is needed.
func (q *Queue) Pending() []PendingOffer {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingOffer, 0, len(q.pending))
	for _, po := range q.pending {
		out = append(out, *po)
	}

	return out
}

// Resolve delivers a decision for sessionID. Returns false if no request is
// currently pending for that id (already resolved, expired, or unknown).
func (q *Queue) Resolve(sessionID string, d Decision) bool {
	q.mu.Lock()
	po, ok := q.pending[sessionID]
	q.mu.Unlock()

	if !ok {
		return false
	}

	select {
	case po.resultCh <- d:
		return true
	default:
		return false
	}
}

// NewOffers returns a channel that receives a copy of every offer as it
// arrives, used by the shell to print a notification without polling.
func (q *Queue) NewOffers() <-chan PendingOffer {
	return q.newOfferCh
}

type sessionIDKey struct{}

// WithSessionID attaches a session identifier to ctx so RequestConsent can
// key its pending map without taking sessionID as a direct parameter (the
// Provider interface is shared with AutoAccept/AutoDecline, which don't
// need one).
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, id)
}

func sessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionIDKey{}).(string)
	return id
}
