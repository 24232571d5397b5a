package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"golang.org/x/net/ipv4"
)

// DiscoveryGroup and DiscoveryPort are the fixed LocalSend v2 multicast
// rendezvous address.
const (
	DiscoveryGroup = "224.0.0.167"
	DiscoveryPort  = 53317
)

// multicastTTL is set to 4: enough to cross a handful of switches without
// leaving the LAN's administrative boundary.
const multicastTTL = 4

// maxDatagramSize bounds a single read; LocalSend DeviceInfo payloads are a
// few hundred bytes of JSON at most, but this leaves generous headroom.
const maxDatagramSize = 65507

// ErrClosed is returned by MulticastConn operations after Close.
var ErrClosed = errors.New("netio: multicast connection closed")

// MulticastConn is a joined, TTL-bounded multicast UDP socket used by
// DiscoveryEngine to send and receive DeviceInfo datagrams over a single
// fixed multicast group.
type MulticastConn struct {
	pc     *ipv4.PacketConn
	rawUDP *net.UDPConn
	group  *net.UDPAddr
	ifi    *net.Interface
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// DialMulticast joins the LocalSend discovery group on the given port. If
// ifaceName is empty, SelectInterface is used to pick a candidate
// interface; if no candidate is found, interface selection is delegated to
// the OS (a nil *net.Interface passed to JoinGroup).
func DialMulticast(ifaceName string, port int, logger *slog.Logger) (*MulticastConn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "netio.multicast"))

	group := &net.UDPAddr{IP: net.ParseIP(DiscoveryGroup), Port: port}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("listen udp4 :%d: %w", port, err)
	}

	pc := ipv4.NewPacketConn(conn)

	var ifi *net.Interface
	if ifaceName != "" {
		ifi, err = net.InterfaceByName(ifaceName)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("lookup interface %s: %w", ifaceName, err)
		}
	} else {
		ifi = SelectInterface(logger)
	}

	if err := pc.JoinGroup(ifi, group); err != nil {
		conn.Close()
		return nil, fmt.Errorf("join group %s on %v: %w", group, ifaceName, err)
	}

	if err := pc.SetMulticastTTL(multicastTTL); err != nil {
		logger.Warn("failed to set multicast TTL, continuing with OS default", slog.Any("error", err))
	}

	if err := pc.SetMulticastLoopback(false); err != nil {
		logger.Warn("failed to disable multicast loopback", slog.Any("error", err))
	}

	return &MulticastConn{
		pc:     pc,
		rawUDP: conn,
		group:  group,
		ifi:    ifi,
		logger: logger,
	}, nil
}

// virtualIfacePrefixes names the common virtual/tunnel interface families
// (container bridges, veth pairs, VPN/tunnel devices) that are technically
// up/multicast/IPv4-capable but aren't real LAN interfaces worth announcing
// discovery traffic on.
var virtualIfacePrefixes = []string{
	"docker", "veth", "br-", "virbr", "tun", "tap", "wg", "cni", "flannel",
	"zt", "utun", "vmnet", "vboxnet",
}

func isVirtualInterface(name string) bool {
	for _, prefix := range virtualIfacePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// SelectInterface picks the first interface that is up, non-loopback,
// non-virtual, multicast-capable, and carries an IPv4 address. It returns
// nil (meaning "let the OS choose") when no interface matches, logging the
// fallback at warn level.
func SelectInterface(logger *slog.Logger) *net.Interface {
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Warn("failed to enumerate interfaces, falling back to OS default", slog.Any("error", err))
		return nil
	}

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if isVirtualInterface(ifi.Name) {
			continue
		}

		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() != nil {
				candidate := ifi
				return &candidate
			}
		}
	}

	logger.Warn("no suitable multicast interface found, delegating selection to OS")
	return nil
}

// LocalIPv4 returns the IPv4 address bound to the conn's selected
// interface, or the empty string if none was selected or found.
func (c *MulticastConn) LocalIPv4() string {
	if c.ifi == nil {
		return ""
	}

	addrs, err := c.ifi.Addrs()
	if err != nil {
		return ""
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}

	return ""
}

// Send writes payload to the multicast group.
func (c *MulticastConn) Send(payload []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	_, err := c.rawUDP.WriteToUDP(payload, c.group)
	if err != nil {
		return fmt.Errorf("send multicast datagram: %w", err)
	}

	return nil
}

// SendTo writes payload to a specific unicast address rather than the
// multicast group.
func (c *MulticastConn) SendTo(payload []byte, addr *net.UDPAddr) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	_, err := c.rawUDP.WriteToUDP(payload, addr)
	if err != nil {
		return fmt.Errorf("send unicast datagram to %s: %w", addr, err)
	}

	return nil
}

// Datagram is a single received multicast payload plus its source address.
type Datagram struct {
	Payload []byte
	SrcAddr *net.UDPAddr
}

// Recv blocks until a datagram arrives or ctx is cancelled, returning
// ctx.Err() in the latter case. A read error after Close is reported as
// ErrClosed; any other read error is returned wrapped so the caller can
// decide whether to retry.
func (c *MulticastConn) Recv(ctx context.Context) (Datagram, error) {
	buf := make([]byte, maxDatagramSize)

	type result struct {
		n    int
		addr *net.UDPAddr
		err  error
	}

	resCh := make(chan result, 1)
	go func() {
		n, addr, err := c.rawUDP.ReadFromUDP(buf)
		resCh <- result{n: n, addr: addr, err: err}
	}()

	select {
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	case res := <-resCh:
		if res.err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return Datagram{}, ErrClosed
			}
			return Datagram{}, fmt.Errorf("read multicast datagram: %w", res.err)
		}

		out := make([]byte, res.n)
		copy(out, buf[:res.n])

		return Datagram{Payload: out, SrcAddr: res.addr}, nil
	}
}

// Close leaves the multicast group and closes the underlying socket. Safe
// to call more than once.
func (c *MulticastConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.pc.LeaveGroup(c.ifi, c.group)
	return c.rawUDP.Close()
}
