package consent_test

import (
	"context"
	"testing"
	"time"

	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/transfer"
)

func TestAutoAcceptAlwaysAccepts(t *testing.T) {
	d, err := (consent.AutoAccept{}).RequestConsent(context.Background(), transfer.TransferOffer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != consent.DecisionAccept {
		t.Fatalf("decision = %v, want Accept", d)
	}
}

func TestAutoDeclineAlwaysDeclines(t *testing.T) {
	d, err := (consent.AutoDecline{}).RequestConsent(context.Background(), transfer.TransferOffer{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != consent.DecisionDecline {
		t.Fatalf("decision = %v, want Decline", d)
	}
}

func TestQueueResolveAccept(t *testing.T) {
	q := consent.NewQueue()
	ctx := consent.WithSessionID(context.Background(), "sess-1")

	resultCh := make(chan consent.Decision, 1)
	errCh := make(chan error, 1)
	go func() {
		d, err := q.RequestConsent(ctx, transfer.TransferOffer{})
		resultCh <- d
		errCh <- err
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(q.Pending()) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if !q.Resolve("sess-1", consent.DecisionAccept) {
		t.Fatal("expected Resolve to find the pending request")
	}

	select {
	case d := <-resultCh:
		if d != consent.DecisionAccept {
			t.Fatalf("decision = %v, want Accept", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestConsent to return")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueueContextCancelEquivalentToDecline(t *testing.T) {
	q := consent.NewQueue()
	ctx, cancel := context.WithTimeout(consent.WithSessionID(context.Background(), "sess-2"), 50*time.Millisecond)
	defer cancel()

	d, err := q.RequestConsent(ctx, transfer.TransferOffer{})
	if err != consent.ErrTimeout {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if d != consent.DecisionDecline {
		t.Fatalf("decision = %v, want Decline", d)
	}
}

func TestQueueResolveUnknownSessionReturnsFalse(t *testing.T) {
	q := consent.NewQueue()
	if q.Resolve("nonexistent", consent.DecisionAccept) {
		t.Fatal("expected Resolve to return false for an unknown session")
	}
}
