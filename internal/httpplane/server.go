// Package httpplane implements HttpPlane: the four LocalSend v2 REST
// endpoints plus a small admin JSON surface, wired as a thin adapter over
// internal/identity, internal/peer, internal/transfer, and internal/consent.
package httpplane

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/quietwire/lsend/internal/consent"
	"github.com/quietwire/lsend/internal/identity"
	"github.com/quietwire/lsend/internal/peer"
	"github.com/quietwire/lsend/internal/transfer"
)

// streamBufSize is the copy buffer size used while streaming /send bodies to
// disk.
const streamBufSize = 32 * 1024

// MetricsReporter is implemented by internal/lsendmetrics.Collector.
type MetricsReporter interface {
	AddBytesReceived(n int64)
	ObserveHTTPRequest(endpoint, statusClass string, d time.Duration)
}

// Server wires the four LocalSend v2 endpoints and the admin JSON surface
// onto a *mux.Router. It holds no transport state of its own: Self, Peers,
// Sessions and Consent are all owned elsewhere and passed in at
// construction.
type Server struct {
	router *mux.Router

	self     *identity.SelfInfo
	peers    *peer.Registry
	sessions *transfer.Store
	consent  consent.Provider

	downloadDir string
	metrics     MetricsReporter
	logger      *slog.Logger

	mu        sync.Mutex
	destPaths map[string]string // "sessionID/fileID" -> resolved path, for DeletePartial
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithMetrics wires a MetricsReporter into the server.
func WithMetrics(m MetricsReporter) Option {
	return func(s *Server) { s.metrics = m }
}

// New constructs a Server and registers its routes on a fresh router.
func New(self *identity.SelfInfo, peers *peer.Registry, sessions *transfer.Store, provider consent.Provider, downloadDir string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		self:        self,
		peers:       peers,
		sessions:    sessions,
		consent:     provider,
		downloadDir: downloadDir,
		logger:      logger.With(slog.String("component", "httpplane")),
		destPaths:   make(map[string]string),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = mux.NewRouter()
	s.routes()

	return s
}

// Handler returns the root http.Handler for this server, suitable for
// passing to http.Server.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	v1 := s.router.PathPrefix("/api/localsend/v1").Subrouter()
	v1.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)
	v1.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/send-request", s.handleSendRequest).Methods(http.MethodPost)
	v1.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)

	admin := s.router.PathPrefix("/api/lsend/v1").Subrouter()
	admin.HandleFunc("/peers", s.handleAdminPeers).Methods(http.MethodGet)
	admin.HandleFunc("/transfers", s.handleAdminTransfers).Methods(http.MethodGet)
	admin.HandleFunc("/transfers/pending", s.handleAdminPending).Methods(http.MethodGet)
	admin.HandleFunc("/transfers/{id}/accept", s.handleAdminResolve(consent.DecisionAccept)).Methods(http.MethodPost)
	admin.HandleFunc("/transfers/{id}/decline", s.handleAdminResolve(consent.DecisionDecline)).Methods(http.MethodPost)
}

func (s *Server) instrument(endpoint string, start time.Time, status int) {
	if s.metrics == nil {
		return
	}

	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	}

	s.metrics.ObserveHTTPRequest(endpoint, class, time.Since(start))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleInfo serves GET /api/localsend/v1/info: this agent's own DeviceInfo.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	writeJSON(w, http.StatusOK, s.self.Snapshot(false))
	s.instrument("info", start, http.StatusOK)
}

// handleRegister serves POST /api/localsend/v1/register: a peer announcing
// or refreshing itself directly over HTTP rather than multicast.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var info identity.DeviceInfo
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		s.instrument("register", start, http.StatusBadRequest)
		return
	}

	if info.Fingerprint == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ErrMissingFingerprint.Error()})
		s.instrument("register", start, http.StatusBadRequest)
		return
	}

	observedIP := remoteIP(r)

	if _, err := s.peers.Upsert(info, observedIP, time.Now()); err != nil && !errors.Is(err, peer.ErrSelfFingerprint) {
		s.logger.Warn("register upsert failed", slog.String("fingerprint", info.Fingerprint), slog.Any("err", err))
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
	s.instrument("register", start, http.StatusOK)
}

// handleSendRequest serves POST /api/localsend/v1/send-request: a peer
// proposing a TransferOffer. The handler blocks on the wired
// consent.Provider until a decision is reached or the consent timeout
// elapses.
func (s *Server) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var offer transfer.TransferOffer
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		s.instrument("send-request", start, http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.CreateSession(offer)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		s.instrument("send-request", start, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), transfer.ConsentTimeout)
	defer cancel()
	ctx = consent.WithSessionID(ctx, sess.ID())

	decision, err := s.consent.RequestConsent(ctx, offer)
	if err != nil || decision == consent.DecisionDecline {
		if errors.Is(err, consent.ErrTimeout) {
			_ = s.sessions.Timeout(sess.ID())
		} else {
			_ = s.sessions.Decline(sess.ID())
		}

		writeJSON(w, http.StatusForbidden, map[string]string{"status": "declined"})
		s.instrument("send-request", start, http.StatusForbidden)
		return
	}

	if err := s.sessions.Accept(sess.ID()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		s.instrument("send-request", start, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted", "sessionId": sess.ID()})
	s.instrument("send-request", start, http.StatusOK)
}

// handleSend serves POST /api/localsend/v1/send: the actual file bytes for
// one file within an already-accepted session, identified by the
// X-Session-ID and X-File-ID headers.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	sessionID := r.Header.Get("X-Session-ID")
	fileID := r.Header.Get("X-File-ID")

	if sessionID == "" || fileID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing X-Session-ID or X-File-ID"})
		s.instrument("send", start, http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.Lookup(sessionID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": transfer.ErrSessionNotFound.Error()})
		s.instrument("send", start, http.StatusNotFound)
		return
	}

	snap := sess.Snapshot()
	meta, ok := snap.Offer.Files[fileID]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": transfer.ErrUnknownFile.Error()})
		s.instrument("send", start, http.StatusNotFound)
		return
	}

	dest, err := resolveDestination(s.downloadDir, meta.FileName)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		s.instrument("send", start, http.StatusBadRequest)
		return
	}

	s.trackDest(sessionID, fileID, dest)

	sess.SendEvent(transfer.EventFirstByte)

	n, err := s.streamToFile(r.Body, dest, sess.Touch)
	if err != nil || n != meta.Size {
		sess.SendEvent(transfer.EventStreamFailed)
		s.logger.Warn("send stream failed",
			slog.String("session_id", sessionID), slog.String("file_id", fileID),
			slog.Int64("got", n), slog.Int64("want", meta.Size), slog.Any("err", err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": transfer.ErrSizeMismatch.Error()})
		s.instrument("send", start, http.StatusInternalServerError)
		return
	}

	s.untrackDest(sessionID, fileID)

	if err := sess.RecordBytes(fileID, n); err != nil {
		s.logger.Warn("record bytes failed", slog.String("session_id", sessionID), slog.Any("err", err))
	}

	if s.metrics != nil {
		s.metrics.AddBytesReceived(n)
	}

	if sess.AllFilesComplete() {
		sess.SendEvent(transfer.EventStreamComplete)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "file_received_ok"})
	s.instrument("send", start, http.StatusOK)
}

// streamToFile copies body into a newly created file at dest in
// streamBufSize chunks, returning the number of bytes written. touch is
// called after every chunk so the caller's session can push its idle
// deadline back out for as long as the stream keeps making progress,
// regardless of how long the whole transfer takes.
func (s *Server) streamToFile(body io.ReadCloser, dest string, touch func()) (int64, error) {
	defer body.Close()

	f, err := createFile(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	buf := make([]byte, streamBufSize)
	var total int64

	for {
		nr, rerr := body.Read(buf)
		if nr > 0 {
			nw, werr := f.Write(buf[:nr])
			total += int64(nw)
			touch()
			if werr != nil {
				return total, werr
			}
			if nw != nr {
				return total, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return total, nil
			}
			return total, rerr
		}
	}
}

func destKey(sessionID, fileID string) string {
	return sessionID + "/" + fileID
}

func (s *Server) trackDest(sessionID, fileID, path string) {
	s.mu.Lock()
	s.destPaths[destKey(sessionID, fileID)] = path
	s.mu.Unlock()
}

func (s *Server) untrackDest(sessionID, fileID string) {
	s.mu.Lock()
	delete(s.destPaths, destKey(sessionID, fileID))
	s.mu.Unlock()
}

// DeletePartial implements transfer.FileOpener: it removes the on-disk file
// a session was streaming into when the store tears the session down via
// ActionDeletePartial (EventStreamFailed, or idle expiry while the session
// is Uploading).
func (s *Server) DeletePartial(sessionID, fileID string) {
	s.mu.Lock()
	path, ok := s.destPaths[destKey(sessionID, fileID)]
	if ok {
		delete(s.destPaths, destKey(sessionID, fileID))
	}
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove partial file", slog.String("path", path), slog.Any("err", err))
	}
}

func (s *Server) handleAdminPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.peers.Snapshot())
}

func (s *Server) handleAdminTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Sessions())
}

// handleAdminPending serves GET /api/lsend/v1/transfers/pending: offers
// currently parked by a consent.Queue awaiting an operator decision. Any
// other Provider (AutoAccept/AutoDecline) never parks anything, so this
// always reports empty for those deployments.
func (s *Server) handleAdminPending(w http.ResponseWriter, r *http.Request) {
	q, ok := s.consent.(*consent.Queue)
	if !ok {
		writeJSON(w, http.StatusOK, []consent.PendingOffer{})
		return
	}

	writeJSON(w, http.StatusOK, q.Pending())
}

// handleAdminResolve returns a handler that resolves the pending offer
// identified by the {id} path variable with decision, for operator-driven
// consent.Queue deployments. Returns 409 if the provider isn't a Queue or
// nothing is pending under that id.
func (s *Server) handleAdminResolve(decision consent.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, ok := s.consent.(*consent.Queue)
		if !ok {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "consent provider is not a queue"})
			return
		}

		sessionID := mux.Vars(r)["id"]
		if !q.Resolve(sessionID, decision) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "no pending offer for that session"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": decision.String()})
	}
}

// remoteIP extracts the bare IP from an http.Request's RemoteAddr, falling
// back to the raw value if it carries no port.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
