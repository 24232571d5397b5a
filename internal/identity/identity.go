// Package identity holds this agent's own LocalSend identity: the immutable
// fingerprint/alias/device fields and the mutable self-view (bound address,
// transport scheme, download capability) that DiscoveryEngine and HttpPlane
// publish to the rest of the LAN.
package identity

import (
	"os"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// ProtocolVersion is the LocalSend wire protocol version advertised in every
// DeviceInfo this agent publishes.
const ProtocolVersion = "2.0"

// DeviceType enumerates the LocalSend device classes. Only the subset this
// agent can plausibly be is ever produced locally; the others are accepted
// when decoding peer DeviceInfo.
type DeviceType string

const (
	DeviceMobile   DeviceType = "mobile"
	DeviceDesktop  DeviceType = "desktop"
	DeviceWeb      DeviceType = "web"
	DeviceHeadless DeviceType = "headless"
	DeviceServer   DeviceType = "server"
)

// DeviceInfo is the wire-shape record exchanged over multicast and HTTP. JSON
// tags use the camelCase keys the LocalSend v2 protocol expects; unknown
// fields on decode are ignored by encoding/json by default.
type DeviceInfo struct {
	Alias       string     `json:"alias"`
	Version     string     `json:"version"`
	DeviceModel string     `json:"deviceModel,omitempty"`
	DeviceType  DeviceType `json:"deviceType,omitempty"`
	Fingerprint string     `json:"fingerprint"`
	IP          string     `json:"ip"`
	Port        int        `json:"port"`
	Protocol    string     `json:"protocol"`
	Download    bool       `json:"download"`
	Announce    bool       `json:"announce"`
}

// SelfInfo is the mutable half of this agent's identity: everything that can
// change after construction (bound address, transport, download capability).
// The fingerprint, alias, deviceModel and deviceType are assigned once at
// construction and never change.
type SelfInfo struct {
	mu sync.RWMutex

	fingerprint string
	alias       string
	deviceModel string
	deviceType  DeviceType

	boundIP      string
	boundPort    int
	transport    string
	downloadable bool
}

// Option configures a SelfInfo at construction time.
type Option func(*SelfInfo)

// WithAlias overrides the default alias (hostname).
func WithAlias(alias string) Option {
	return func(s *SelfInfo) { s.alias = alias }
}

// WithDeviceModel overrides the default deviceModel (hostname + GOOS/GOARCH).
func WithDeviceModel(model string) Option {
	return func(s *SelfInfo) { s.deviceModel = model }
}

// WithDeviceType overrides the default deviceType ("headless").
func WithDeviceType(t DeviceType) Option {
	return func(s *SelfInfo) { s.deviceType = t }
}

// WithFingerprint overrides the randomly generated fingerprint. Intended for
// tests that need deterministic identities.
func WithFingerprint(fp string) Option {
	return func(s *SelfInfo) { s.fingerprint = fp }
}

// New constructs a SelfInfo with a fresh random fingerprint and
// hostname-derived defaults, then applies opts.
func New(opts ...Option) *SelfInfo {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "lsend-host"
	}

	s := &SelfInfo{
		fingerprint:  uuid.NewString(),
		alias:        hostname,
		deviceModel:  hostname + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")",
		deviceType:   DeviceHeadless,
		transport:    "http",
		downloadable: true,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Fingerprint returns the immutable fingerprint assigned at construction.
func (s *SelfInfo) Fingerprint() string {
	return s.fingerprint
}

// SetBoundAddress records the IP and port this agent's HTTP plane is bound
// to. Readers observe the update only after this call returns.
func (s *SelfInfo) SetBoundAddress(ip string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.boundIP = ip
	s.boundPort = port
}

// SetTransport records the scheme ("http" or "https") this agent's HTTP
// plane is serving.
func (s *SelfInfo) SetTransport(scheme string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.transport = scheme
}

// SetDownloadable records whether this agent currently accepts incoming
// transfer offers.
func (s *SelfInfo) SetDownloadable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloadable = ok
}

// Snapshot returns a value-copy DeviceInfo reflecting the current self-view.
// announce is the wire-only signaling flag ("is this a primary
// advertisement") and is never persisted alongside the snapshot.
func (s *SelfInfo) Snapshot(announce bool) DeviceInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return DeviceInfo{
		Alias:       s.alias,
		Version:     ProtocolVersion,
		DeviceModel: s.deviceModel,
		DeviceType:  s.deviceType,
		Fingerprint: s.fingerprint,
		IP:          s.boundIP,
		Port:        s.boundPort,
		Protocol:    s.transport,
		Download:    s.downloadable,
		Announce:    announce,
	}
}
