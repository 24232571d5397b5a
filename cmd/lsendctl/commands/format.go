package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func formatPeers(records []peer.Record, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(records)
	case formatTable:
		return formatPeersTable(records), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPeersTable(records []peer.Record) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FINGERPRINT\tALIAS\tIP\tPORT\tDOWNLOAD\tLAST-SEEN")

	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%s\n",
			r.Info.Fingerprint, r.Info.Alias, r.Info.IP, r.Info.Port, r.Info.Download,
			r.LastSeen.Format(time.RFC3339),
		)
	}

	_ = w.Flush()

	return buf.String()
}

func formatTransfers(sessions []transfer.Snapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(sessions)
	case formatTable:
		return formatTransfersTable(sessions), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatTransfersTable(sessions []transfer.Snapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPEER\tSTATE\tFILES")

	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			s.SessionID, s.PeerFingerprint, s.State, len(s.Offer.Files),
		)
	}

	_ = w.Flush()

	return buf.String()
}

func formatPending(offers []consent.PendingOffer, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatJSONValue(offers)
	case formatTable:
		return formatPendingTable(offers), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatPendingTable(offers []consent.PendingOffer) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSENDER\tFILES")

	for _, po := range offers {
		fmt.Fprintf(w, "%s\t%s\t%d\n", po.SessionID, po.Offer.Sender.Alias, len(po.Offer.Files))
	}

	_ = w.Flush()

	return buf.String()
}

func formatJSONValue(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json: %w", err)
	}
	return string(b) + "\n", nil
}
