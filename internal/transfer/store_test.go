package transfer_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleOffer() transfer.TransferOffer {
	return transfer.TransferOffer{
		Sender: identity.DeviceInfo{Fingerprint: "peer-A", Alias: "A"},
		Files: map[string]transfer.FileMetadata{
			"f1": {ID: "f1", FileName: "x.txt", Size: 10},
		},
	}
}

func TestCreateSessionRejectsEmptyOffer(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	_, err := st.CreateSession(transfer.TransferOffer{})
	if err != transfer.ErrEmptyOffer {
		t.Fatalf("err = %v, want ErrEmptyOffer", err)
	}
}

func TestCreateSessionProducesUniqueResolvableID(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, ok := st.Lookup(sess.ID())
	if !ok {
		t.Fatal("expected session to be resolvable by its id")
	}
	if got.State() != transfer.StatePending {
		t.Fatalf("state = %s, want Pending", got.State())
	}
}

func TestAcceptTransitionsToAccepted(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.Accept(sess.ID()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == transfer.StateAccepted {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want Accepted", sess.State())
}

func TestDeclineRemovesSession(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.Decline(sess.ID()); err != nil {
		t.Fatalf("decline: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := st.Lookup(sess.ID()); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected declined session to be removed from the store")
}

func TestCompletedSessionRemovedAfterGrace(t *testing.T) {
	orig := transfer.CompletionGrace
	transfer.CompletionGrace = 20 * time.Millisecond
	defer func() { transfer.CompletionGrace = orig }()

	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.Accept(sess.ID()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sess.SendEvent(transfer.EventFirstByte)
	sess.SendEvent(transfer.EventStreamComplete)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == transfer.StateCompleted {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if sess.State() != transfer.StateCompleted {
		t.Fatalf("state = %s, want Completed", sess.State())
	}

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := st.Lookup(sess.ID()); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected completed session to be removed from the store after its grace period")
}

func TestTouchDuringUploadResetsIdleTimeout(t *testing.T) {
	origIdle := transfer.IdleTimeout
	transfer.IdleTimeout = 30 * time.Millisecond
	defer func() { transfer.IdleTimeout = origIdle }()

	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := st.Accept(sess.ID()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	sess.SendEvent(transfer.EventFirstByte)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && sess.State() != transfer.StateUploading {
		time.Sleep(time.Millisecond)
	}
	if sess.State() != transfer.StateUploading {
		t.Fatalf("state = %s, want Uploading", sess.State())
	}

	// Keep touching faster than IdleTimeout for well over one timeout
	// period; the session must still be Uploading, not idle-expired.
	stop := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(stop) {
		sess.Touch()
		time.Sleep(5 * time.Millisecond)
	}

	if sess.State() != transfer.StateUploading {
		t.Fatalf("state = %s, want Uploading (touches should have kept the idle timer from firing)", sess.State())
	}

	// Now stop touching; the session should idle-expire and be removed.
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := st.Lookup(sess.ID()); !ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("expected session to idle-expire and be removed once touches stopped")
}

func TestRecordBytesAndAllFilesComplete(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.AllFilesComplete() {
		t.Fatal("expected incomplete session before any bytes recorded")
	}

	if err := sess.RecordBytes("f1", 10); err != nil {
		t.Fatalf("record bytes: %v", err)
	}

	if !sess.AllFilesComplete() {
		t.Fatal("expected session to be complete after recording full size")
	}

	if err := sess.RecordBytes("missing", 1); err != transfer.ErrUnknownFile {
		t.Fatalf("err = %v, want ErrUnknownFile", err)
	}
}

func TestSessionsSnapshotOrderedByID(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	for i := 0; i < 3; i++ {
		if _, err := st.CreateSession(sampleOffer()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	snaps := st.Sessions()
	if len(snaps) != 3 {
		t.Fatalf("len(snapshots) = %d, want 3", len(snaps))
	}
	for i := 1; i < len(snaps); i++ {
		if snaps[i-1].SessionID >= snaps[i].SessionID {
			t.Fatalf("snapshots not sorted: %s >= %s", snaps[i-1].SessionID, snaps[i].SessionID)
		}
	}
}

func TestRunDispatchForwardsStateChanges(t *testing.T) {
	st := transfer.New(context.Background(), discardLogger())
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go st.RunDispatch(ctx)

	sess, err := st.CreateSession(sampleOffer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := st.Accept(sess.ID()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	select {
	case sc := <-st.StateChanges():
		if sc.NewState != transfer.StateAccepted {
			t.Fatalf("NewState = %s, want Accepted", sc.NewState)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state change notification")
	}
}
