// Package peer maintains the live set of LAN peers discovered over
// multicast or learned through /register, mirroring the mutex-guarded
// map / value-copy snapshot discipline the rest of this codebase uses for
// its other registries.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quietwire/lsend/internal/identity"
)

// DefaultTimeout is the default staleness window after which a peer record
// is evicted if no further sightings arrive.
const DefaultTimeout = 15 * time.Second

// notifyChSize is the buffer size for the aggregated change-event channel.
const notifyChSize = 64

// dispatchCoalesceWindow is how long RunDispatch batches raw change events
// before flushing them to subscribers, collapsing repeat events for the
// same fingerprint (e.g. a burst of Upserts while a peer's announce and its
// HTTP /register both land) into the latest one per tick.
const dispatchCoalesceWindow = 50 * time.Millisecond

// ErrSelfFingerprint indicates an upsert was attempted for the local
// fingerprint, which PeerRegistry never stores.
var ErrSelfFingerprint = errors.New("peer: refusing to register own fingerprint")

// ChangeType enumerates the kinds of change events delivered to subscribers.
type ChangeType uint8

const (
	ChangeAdded ChangeType = iota
	ChangeUpdated
	ChangeRemoved
)

func (c ChangeType) String() string {
	switch c {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeEvent describes a single PeerRegistry mutation delivered to
// subscribers. A burst of updates for the same fingerprint within one
// dispatch tick may be collapsed into a single ChangeUpdated event.
type ChangeEvent struct {
	Type        ChangeType
	Fingerprint string
	Record      Record
}

// Record is the value-copy view of a peer returned by Snapshot and carried
// in ChangeEvent. LastSeen is monotonic within the process and is used only
// for expiry bookkeeping, never compared across processes.
type Record struct {
	Info     identity.DeviceInfo
	LastSeen time.Time
}

// UpsertResult reports what Upsert actually did.
type UpsertResult uint8

const (
	ResultAdded UpsertResult = iota
	ResultUpdated
	ResultRefreshed
)

type entry struct {
	record Record
}

// Registry is the authoritative fingerprint -> peer mapping. Writers
// serialize through mu; readers call Snapshot for a value copy taken under
// the read lock.
type Registry struct {
	selfFingerprint string
	timeout         time.Duration
	logger          *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	rawNotifyCh    chan ChangeEvent
	publicNotifyCh chan ChangeEvent

	metrics MetricsReporter
}

// MetricsReporter is implemented by internal/lsendmetrics.Collector. It is
// an interface here so peer never imports the metrics package directly.
type MetricsReporter interface {
	SetPeerCount(n int)
	IncPeerEvents(eventType string)
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithRegistryMetrics wires a MetricsReporter into the registry.
func WithRegistryMetrics(m MetricsReporter) Option {
	return func(r *Registry) { r.metrics = m }
}

// New constructs a Registry for the given self fingerprint (which upserts
// never admit) and logger.
func New(selfFingerprint string, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		selfFingerprint: selfFingerprint,
		timeout:         DefaultTimeout,
		logger:          logger.With(slog.String("component", "peer")),
		entries:         make(map[string]*entry),
		rawNotifyCh:     make(chan ChangeEvent, notifyChSize),
		publicNotifyCh:  make(chan ChangeEvent, notifyChSize),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Upsert records a sighting of info as observed at now. The effective IP is
// observedIP (the packet's source address), overriding any IP carried in
// the payload, per the discovery protocol's trust model. Returns
// ErrSelfFingerprint if info.Fingerprint matches the local identity.
func (r *Registry) Upsert(info identity.DeviceInfo, observedIP string, now time.Time) (UpsertResult, error) {
	if info.Fingerprint == r.selfFingerprint {
		return 0, ErrSelfFingerprint
	}

	info.IP = observedIP

	r.mu.Lock()
	existing, ok := r.entries[info.Fingerprint]

	var result UpsertResult
	switch {
	case !ok:
		result = ResultAdded
	case existing.record.Info.IP != info.IP || existing.record.Info.Port != info.Port:
		result = ResultUpdated
	default:
		result = ResultRefreshed
	}

	rec := Record{Info: info, LastSeen: now}
	r.entries[info.Fingerprint] = &entry{record: rec}
	r.mu.Unlock()

	changeType := ChangeUpdated
	if result == ResultAdded {
		changeType = ChangeAdded
	}

	r.notify(ChangeEvent{Type: changeType, Fingerprint: info.Fingerprint, Record: rec})

	if r.metrics != nil {
		r.metrics.IncPeerEvents(result.String())
		r.metrics.SetPeerCount(r.Count())
	}

	return result, nil
}

func (u UpsertResult) String() string {
	switch u {
	case ResultAdded:
		return "added"
	case ResultUpdated:
		return "updated"
	case ResultRefreshed:
		return "refreshed"
	default:
		return "unknown"
	}
}

// SweepExpired removes every record whose LastSeen is older than the
// registry's timeout as of now, and returns the evicted fingerprints.
// Sweep takes a snapshot of entries up front; records that expire mid-sweep
// are deferred to the next pass so Upsert and SweepExpired never deadlock.
func (r *Registry) SweepExpired(now time.Time) []string {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.entries))
	for fp, e := range r.entries {
		if now.Sub(e.record.LastSeen) > r.timeout {
			candidates = append(candidates, fp)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil
	}

	evicted := make([]string, 0, len(candidates))

	r.mu.Lock()
	for _, fp := range candidates {
		e, ok := r.entries[fp]
		if !ok || now.Sub(e.record.LastSeen) <= r.timeout {
			continue
		}
		delete(r.entries, fp)
		evicted = append(evicted, fp)
	}
	r.mu.Unlock()

	for _, fp := range evicted {
		r.notify(ChangeEvent{Type: ChangeRemoved, Fingerprint: fp})
	}

	if r.metrics != nil && len(evicted) > 0 {
		r.metrics.SetPeerCount(r.Count())
	}

	return evicted
}

// Snapshot returns an ordered value-copy list of every current peer record,
// ordered by alias then fingerprint.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Info.Alias != out[j].Info.Alias {
			return out[i].Info.Alias < out[j].Info.Alias
		}
		return out[i].Info.Fingerprint < out[j].Info.Fingerprint
	})

	return out
}

// Count returns the current number of tracked peers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Lookup returns the record for fingerprint, if present.
func (r *Registry) Lookup(fingerprint string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[fingerprint]
	if !ok {
		return Record{}, false
	}

	return e.record, true
}

func (r *Registry) notify(ev ChangeEvent) {
	select {
	case r.rawNotifyCh <- ev:
	default:
		r.logger.Warn("raw notification channel full, dropping change event",
			slog.String("fingerprint", ev.Fingerprint),
			slog.String("type", ev.Type.String()),
		)
	}
}

// Changes returns the channel external subscribers read change events from.
// RunDispatch must be running for events to reach this channel.
func (r *Registry) Changes() <-chan ChangeEvent {
	return r.publicNotifyCh
}

// RunDispatch coalesces buffered change events from the internal channel
// into dispatchCoalesceWindow-wide batches before forwarding the latest
// event per fingerprint to the public Changes channel, so a burst of
// upserts for the same peer produces at most one event per tick. It must
// run for the lifetime of the registry; without it, rawNotifyCh fills and
// further notifications are dropped. Blocks until ctx is cancelled.
func (r *Registry) RunDispatch(ctx context.Context) {
	ticker := time.NewTicker(dispatchCoalesceWindow)
	defer ticker.Stop()

	pending := make(map[string]ChangeEvent)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.rawNotifyCh:
			pending[ev.Fingerprint] = ev
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			for fp, ev := range pending {
				select {
				case r.publicNotifyCh <- ev:
				default:
					r.logger.Warn("public notification channel full, dropping change event",
						slog.String("fingerprint", ev.Fingerprint),
					)
				}
				delete(pending, fp)
			}
		}
	}
}
