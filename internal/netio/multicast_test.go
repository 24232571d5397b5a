package netio_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/quietwire/lsend/internal/netio"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSelectInterfaceNeverPanics(t *testing.T) {
	// Whatever the host's interface set looks like, SelectInterface must
	// return either a usable *net.Interface or nil, never panic.
	_ = netio.SelectInterface(discardLogger())
}

func TestMulticastConnSendRecvLoopback(t *testing.T) {
	const testPort = 53298

	a, err := netio.DialMulticast("", testPort, discardLogger())
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}
	defer a.Close()

	b, err := netio.DialMulticast("", testPort, discardLogger())
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	dg, err := b.Recv(ctx)
	if err != nil {
		t.Skipf("no multicast delivery in this sandbox: %v", err)
	}

	if string(dg.Payload) != "hello" {
		t.Fatalf("payload = %q, want hello", dg.Payload)
	}
}

func TestMulticastConnCloseIsIdempotent(t *testing.T) {
	c, err := netio.DialMulticast("", 53297, discardLogger())
	if err != nil {
		t.Skipf("multicast join unavailable in this environment: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := c.Send([]byte("x")); err != netio.ErrClosed {
		t.Fatalf("send after close: err = %v, want ErrClosed", err)
	}
}
