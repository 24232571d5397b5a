// Package consent is the abstraction point between an incoming
// TransferOffer and the decision to accept or decline it, decoupled from
// any particular UI.
package consent

import (
	"context"
	"errors"

	"github.com/quietwire/lsend/internal/transfer"
)

// Decision is the resolved outcome of a consent request.
type Decision uint8

const (
	DecisionAccept Decision = iota
	DecisionDecline
)

func (d Decision) String() string {
	if d == DecisionAccept {
		return "accept"
	}
	return "decline"
}

// ErrTimeout is returned by RequestConsent when no decision arrives before
// ctx is cancelled; the caller treats this identically to DecisionDecline.
var ErrTimeout = errors.New("consent: request timed out")

// Provider is implemented by anything that can resolve an incoming offer to
// an accept/decline decision. The HTTP handler for /send-request blocks on
// this call, so implementations must themselves respect ctx rather than
// blocking the HTTP response indefinitely.
type Provider interface {
	RequestConsent(ctx context.Context, offer transfer.TransferOffer) (Decision, error)
}

// AutoAccept always accepts immediately. Intended for headless deployments
// and tests.
type AutoAccept struct{}

func (AutoAccept) RequestConsent(_ context.Context, _ transfer.TransferOffer) (Decision, error) {
	return DecisionAccept, nil
}

// AutoDecline always declines immediately. Intended for tests and
// lockdown deployments that never accept unattended transfers.
type AutoDecline struct{}

func (AutoDecline) RequestConsent(_ context.Context, _ transfer.TransferOffer) (Decision, error) {
	return DecisionDecline, nil
}
