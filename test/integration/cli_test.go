//go:build integration

package integration_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/httpplane"
	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
)

// cliTestEnv bundles an in-process httpplane.Server and its test HTTP
// endpoint, mirroring the daemon surface lsendctl talks to without requiring
// a running lsendd.
type cliTestEnv struct {
	ts       *httptest.Server
	peers    *peer.Registry
	sessions *transfer.Store
}

func newCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	self := identity.New(identity.WithFingerprint("self-fp"))
	peers := peer.New(self.Fingerprint(), logger)

	ctx := t.Context()
	store := transfer.New(ctx, logger)
	t.Cleanup(store.Close)

	dir := t.TempDir()
	srv := httpplane.New(self, peers, store, consent.AutoAccept{}, dir, logger)
	store.SetFileOpener(srv)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &cliTestEnv{ts: ts, peers: peers, sessions: store}
}

// registerTestPeer drives POST /register exactly as a peer announcing over
// HTTP would, the same call path "lsendctl peers list" reads back from.
func (env *cliTestEnv) registerTestPeer(t *testing.T, fingerprint, alias string, port int) {
	t.Helper()

	body, _ := json.Marshal(identity.DeviceInfo{Fingerprint: fingerprint, Alias: alias, Port: port})
	resp, err := http.Post(env.ts.URL+"/api/localsend/v1/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("register %s: %v", fingerprint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register %s status = %d, want 200", fingerprint, resp.StatusCode)
	}
}

func (env *cliTestEnv) fetchPeers(t *testing.T) []peer.Record {
	t.Helper()

	resp, err := http.Get(env.ts.URL + "/api/lsend/v1/peers")
	if err != nil {
		t.Fatalf("GET peers: %v", err)
	}
	defer resp.Body.Close()

	var records []peer.Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode peers: %v", err)
	}
	return records
}

// TestCLIPeersListReflectsRegistrations is the in-process equivalent of
// running "lsendctl peers list" after two peers have announced themselves.
func TestCLIPeersListReflectsRegistrations(t *testing.T) {
	env := newCLITestEnv(t)

	env.registerTestPeer(t, "peer-a", "laptop", 53320)
	env.registerTestPeer(t, "peer-b", "phone", 53321)

	records := env.fetchPeers(t)
	if len(records) != 2 {
		t.Fatalf("peers count = %d, want 2", len(records))
	}

	byFingerprint := make(map[string]peer.Record, len(records))
	for _, r := range records {
		byFingerprint[r.Info.Fingerprint] = r
	}

	if byFingerprint["peer-a"].Info.Alias != "laptop" {
		t.Errorf("peer-a alias = %q, want laptop", byFingerprint["peer-a"].Info.Alias)
	}
	if byFingerprint["peer-b"].Info.Port != 53321 {
		t.Errorf("peer-b port = %d, want 53321", byFingerprint["peer-b"].Info.Port)
	}
}

// TestCLITransfersListAfterAcceptedSend is the in-process equivalent of
// running "lsendctl transfers list" once a transfer has been auto-accepted.
func TestCLITransfersListAfterAcceptedSend(t *testing.T) {
	env := newCLITestEnv(t)

	offer := transfer.TransferOffer{
		Sender: identity.DeviceInfo{Fingerprint: "peer-a", Alias: "laptop"},
		Files:  map[string]transfer.FileMetadata{"f1": {ID: "f1", FileName: "notes.txt", Size: 4}},
	}
	body, _ := json.Marshal(offer)

	resp, err := http.Post(env.ts.URL+"/api/localsend/v1/send-request", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("send-request: %v", err)
	}
	resp.Body.Close()

	transfersResp, err := http.Get(env.ts.URL + "/api/lsend/v1/transfers")
	if err != nil {
		t.Fatalf("GET transfers: %v", err)
	}
	defer transfersResp.Body.Close()

	var sessions []transfer.Snapshot
	if err := json.NewDecoder(transfersResp.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode transfers: %v", err)
	}

	if len(sessions) != 1 {
		t.Fatalf("transfers count = %d, want 1", len(sessions))
	}
	if sessions[0].State != transfer.StateAccepted {
		t.Errorf("state = %s, want %s", sessions[0].State, transfer.StateAccepted)
	}
}
