package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
)

// adminClient talks to a running lsendd's admin JSON surface
// (/api/lsend/v1/...), the same endpoints internal/httpplane.Server wires up.
type adminClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAdminClient(addr string) *adminClient {
	return &adminClient{
		baseURL:    "http://" + addr,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *adminClient) Peers() ([]peer.Record, error) {
	var records []peer.Record
	if err := c.getJSON("/api/lsend/v1/peers", &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *adminClient) Transfers() ([]transfer.Snapshot, error) {
	var sessions []transfer.Snapshot
	if err := c.getJSON("/api/lsend/v1/transfers", &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *adminClient) Pending() ([]consent.PendingOffer, error) {
	var offers []consent.PendingOffer
	if err := c.getJSON("/api/lsend/v1/transfers/pending", &offers); err != nil {
		return nil, err
	}
	return offers, nil
}

func (c *adminClient) Resolve(sessionID string, decision consent.Decision) error {
	path := "/api/lsend/v1/transfers/" + sessionID + "/decline"
	if decision == consent.DecisionAccept {
		path = "/api/lsend/v1/transfers/" + sessionID + "/accept"
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", sessionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("resolve %s: daemon returned %s", sessionID, resp.Status)
	}
	return nil
}

func (c *adminClient) getJSON(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: daemon returned %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
