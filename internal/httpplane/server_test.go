package httpplane_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/httpplane"
	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, provider consent.Provider) (*httpplane.Server, string) {
	t.Helper()

	self := identity.New(identity.WithFingerprint("self-fp"), identity.WithAlias("test-host"))
	self.SetBoundAddress("127.0.0.1", 53317)

	peers := peer.New(self.Fingerprint(), discardLogger())

	store := transfer.New(context.Background(), discardLogger())
	t.Cleanup(store.Close)

	dir := t.TempDir()

	srv := httpplane.New(self, peers, store, provider, dir, discardLogger())
	store.SetFileOpener(srv)

	return srv, dir
}

func TestHandleInfoReturnsSelfSnapshot(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, consent.AutoAccept{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/localsend/v1/info")
	if err != nil {
		t.Fatalf("GET /info: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var info identity.DeviceInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if info.Fingerprint != "self-fp" {
		t.Errorf("Fingerprint = %q, want self-fp", info.Fingerprint)
	}
}

func TestHandleRegisterRejectsMissingFingerprint(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, consent.AutoAccept{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(identity.DeviceInfo{Alias: "peer"})
	resp, err := http.Post(ts.URL+"/api/localsend/v1/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /register: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleRegisterUpsertsPeer(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, consent.AutoAccept{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body, _ := json.Marshal(identity.DeviceInfo{Alias: "peer-a", Fingerprint: "peer-fp", Port: 12345})
	resp, err := http.Post(ts.URL+"/api/localsend/v1/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /register: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	peersResp, err := http.Get(ts.URL + "/api/lsend/v1/peers")
	if err != nil {
		t.Fatalf("GET /peers: %v", err)
	}
	defer peersResp.Body.Close()

	var records []peer.Record
	if err := json.NewDecoder(peersResp.Body).Decode(&records); err != nil {
		t.Fatalf("decode peers: %v", err)
	}

	if len(records) != 1 || records[0].Info.Fingerprint != "peer-fp" {
		t.Errorf("peers = %+v, want one record for peer-fp", records)
	}
}

func TestSendRequestAndSendRoundTripAccepted(t *testing.T) {
	t.Parallel()

	srv, dir := newTestServer(t, consent.AutoAccept{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	offer := transfer.TransferOffer{
		Sender: identity.DeviceInfo{Fingerprint: "peer-fp", Alias: "peer-a"},
		Files: map[string]transfer.FileMetadata{
			"f1": {ID: "f1", FileName: "hello.txt", Size: 5},
		},
	}

	body, _ := json.Marshal(offer)
	resp, err := http.Post(ts.URL+"/api/localsend/v1/send-request", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /send-request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var result httpplane.SendRequestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != "accepted" || result.SessionID == "" {
		t.Fatalf("result = %+v, want accepted with sessionId", result)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/localsend/v1/send", bytes.NewReader([]byte("hello")))
	if err != nil {
		t.Fatalf("build send request: %v", err)
	}
	req.Header.Set("X-Session-ID", result.SessionID)
	req.Header.Set("X-File-ID", "f1")

	sendResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer sendResp.Body.Close()

	if sendResp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d, want 200", sendResp.StatusCode)
	}

	data, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("file content = %q, want hello", string(data))
	}
}

func TestSendRequestDeclined(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, consent.AutoDecline{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	offer := transfer.TransferOffer{
		Sender: identity.DeviceInfo{Fingerprint: "peer-fp"},
		Files: map[string]transfer.FileMetadata{
			"f1": {ID: "f1", FileName: "x.bin", Size: 1},
		},
	}

	body, _ := json.Marshal(offer)
	resp, err := http.Post(ts.URL+"/api/localsend/v1/send-request", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /send-request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestQueuedConsentAcceptViaAdminEndpoint(t *testing.T) {
	t.Parallel()

	queue := consent.NewQueue()
	srv, _ := newTestServer(t, queue)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	offer := transfer.TransferOffer{
		Sender: identity.DeviceInfo{Fingerprint: "peer-fp"},
		Files:  map[string]transfer.FileMetadata{"f1": {ID: "f1", FileName: "q.bin", Size: 1}},
	}
	body, _ := json.Marshal(offer)

	done := make(chan *http.Response, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/api/localsend/v1/send-request", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Error(err)
			return
		}
		done <- resp
	}()

	var sessionID string
	for i := 0; i < 50; i++ {
		resp, err := http.Get(ts.URL + "/api/lsend/v1/transfers/pending")
		if err != nil {
			t.Fatalf("GET pending: %v", err)
		}
		var pending []struct {
			SessionID string `json:"SessionID"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&pending)
		resp.Body.Close()
		if len(pending) > 0 {
			sessionID = pending[0].SessionID
			break
		}
	}
	if sessionID == "" {
		t.Fatal("offer never appeared in pending queue")
	}

	acceptResp, err := http.Post(ts.URL+"/api/lsend/v1/transfers/"+sessionID+"/accept", "application/json", nil)
	if err != nil {
		t.Fatalf("POST accept: %v", err)
	}
	defer acceptResp.Body.Close()
	if acceptResp.StatusCode != http.StatusOK {
		t.Errorf("accept status = %d, want 200", acceptResp.StatusCode)
	}

	resp := <-done
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("send-request status = %d, want 200", resp.StatusCode)
	}
}

func TestSendUnknownSessionReturns404(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, consent.AutoAccept{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/localsend/v1/send", bytes.NewReader([]byte("x")))
	req.Header.Set("X-Session-ID", "nonexistent")
	req.Header.Set("X-File-ID", "f1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /send: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
