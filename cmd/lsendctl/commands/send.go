package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quietwire/lsend/internal/httpplane"
	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
)

// errPeerNotFound indicates --to named a fingerprint not in the daemon's
// current peer set.
var errPeerNotFound = errors.New("peer not found; run 'lsendctl peers list' first")

func sendCmd() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file to a known peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if to == "" {
				return errors.New("--to flag is required")
			}
			return runSend(args[0], to)
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "recipient peer fingerprint (required)")

	return cmd
}

func runSend(path, toFingerprint string) error {
	records, err := admin.Peers()
	if err != nil {
		return fmt.Errorf("list peers: %w", err)
	}

	target, ok := findPeer(records, toFingerprint)
	if !ok {
		return fmt.Errorf("%w: %s", errPeerNotFound, toFingerprint)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	fileID := uuid.NewString()
	offer := transfer.TransferOffer{
		Sender: identity.New(identity.WithAlias("lsendctl")).Snapshot(false),
		Files: map[string]transfer.FileMetadata{
			fileID: {ID: fileID, FileName: filepath.Base(path), Size: stat.Size()},
		},
	}

	baseURL := peerBaseURL(target)
	client := httpplane.NewClient(nil)
	ctx := context.Background()

	result, err := client.SendRequest(ctx, baseURL, offer)
	if err != nil {
		return fmt.Errorf("send-request to %s: %w", target.Info.Alias, err)
	}

	fmt.Printf("Offer %s by %s.\n", result.Status, target.Info.Alias)

	if err := client.Send(ctx, baseURL, result.SessionID, fileID, stat.Size(), f); err != nil {
		return fmt.Errorf("send %s: %w", path, err)
	}

	fmt.Printf("Sent %s to %s.\n", filepath.Base(path), target.Info.Alias)

	return nil
}

func findPeer(records []peer.Record, fingerprint string) (peer.Record, bool) {
	for _, r := range records {
		if r.Info.Fingerprint == fingerprint {
			return r, true
		}
	}
	return peer.Record{}, false
}

func peerBaseURL(r peer.Record) string {
	scheme := r.Info.Protocol
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + net.JoinHostPort(r.Info.IP, strconv.Itoa(r.Info.Port))
}
