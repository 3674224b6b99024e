// Package peer wires a BulkRound and its blame subsystem to a real network:
// one chi router exposing three distinct endpoints — bulk-data, main
// shuffle, and blame shuffle — mirroring api/httpserver.BaseServer's
// health-check/drain lifecycle and services/http_client.go's POST-based
// peer-to-peer client, adapted from ADCNet's client/server registration
// transport to the bulk round's three logically separate channels
// (spec.md §4.5).
package peer

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/atomic"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
	"github.com/flashbots/adcnet/metrics"
)

const (
	senderHeader    = "X-Adcnet-Sender"
	signatureHeader = "X-Adcnet-Signature"
)

// KeyLookup resolves a group member's signing public key, the narrow slice
// of group.Group that request authentication needs.
type KeyLookup interface {
	GetKey(id group.ID) crypto.PublicKey
}

// Directory resolves a group member's HTTP base URL. A real deployment
// backs this with the registry package; tests can use a plain map.
type Directory interface {
	Endpoint(id group.ID) (string, bool)
}

// RoundHandler is the narrow surface Server needs from a running
// BulkRound/blame pairing to dispatch inbound wire traffic. protocol.BulkRound
// satisfies this directly.
type RoundHandler interface {
	IncomingData(ctx context.Context, raw []byte) error
}

// ShuffleHandler is the narrow surface Server needs to dispatch inbound
// shuffle-tagged traffic, matching shuffle.Round and blame.Subsystem.
type ShuffleHandler interface {
	IncomingData(ctx context.Context, from group.ID, payload []byte) error
}

// Config configures a Server.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	Self        group.ID
	SigningKey  crypto.PrivateKey
	Roster      KeyLookup
	Log         *slog.Logger

	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
}

// Server exposes a peer's bulk-data, shuffle, and blame endpoints over
// HTTP, and provides the client half other peers' Servers are dialed
// through.
type Server struct {
	cfg Config
	log *slog.Logger

	mu        sync.RWMutex
	bulk      RoundHandler
	shuffle   ShuffleHandler
	blame     ShuffleHandler
	directory Directory

	isReady    atomic.Bool
	httpClient *http.Client
	srv        *http.Server
	metricsSrv *metrics.Server
}

// NewServer constructs a Server. Handlers are attached later via Attach,
// since a fresh BulkRound is created per round while the Server itself is
// long-lived.
func NewServer(cfg Config, directory Directory) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	metricsSrv, err := metrics.New(cfg.MetricsAddr)
	if err != nil {
		return nil, fmt.Errorf("peer: starting metrics: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		directory:  directory,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metricsSrv: metricsSrv,
	}
	s.isReady.Store(true)

	router := s.router()
	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the Server's HTTP handler, useful for tests that want to
// drive it through httptest.NewServer without binding a real listener.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Attach points a fresh round's handlers at this Server, replacing
// whatever was attached for the previous round.
func (s *Server) Attach(bulk RoundHandler, shuffleH, blameH ShuffleHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = bulk
	s.shuffle = shuffleH
	s.blame = blameH
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return httplogger.LoggingMiddlewareSlog(s.log, next)
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}))

	r.Group(func(r chi.Router) {
		r.Use(s.verifySender)
		r.Post("/bulk/data", s.handleBulkData)
		r.Post("/shuffle/{sender}", s.handleShuffle)
		r.Post("/blame/{sender}", s.handleBlame)
	})

	r.Get("/livez", s.handleLivenessCheck)
	r.Get("/readyz", s.handleReadinessCheck)
	r.Get("/drain", s.handleDrain)
	r.Get("/undrain", s.handleUndrain)

	return r
}

// verifySender checks the Ed25519 signature carried in the request headers
// against the sender's registered signing key, so a peer never dispatches
// wire traffic that didn't come from a known group member. Skipped entirely
// when the Server has no Roster configured, e.g. the in-process test
// harness which drives handlers directly rather than over HTTP.
func (s *Server) verifySender(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Roster == nil {
			next.ServeHTTP(w, r)
			return
		}

		senderHex := r.Header.Get(senderHeader)
		sigHex := r.Header.Get(signatureHeader)
		if senderHex == "" || sigHex == "" {
			http.Error(w, "missing sender authentication headers", http.StatusUnauthorized)
			return
		}

		var sender group.ID
		if err := decodeIDHex(senderHex, &sender); err != nil {
			http.Error(w, "invalid sender id", http.StatusUnauthorized)
			return
		}
		signingKey := s.cfg.Roster.GetKey(sender)
		if signingKey == nil {
			http.Error(w, "unknown sender", http.StatusUnauthorized)
			return
		}
		sig, err := hex.DecodeString(sigHex)
		if err != nil {
			http.Error(w, "invalid signature encoding", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "reading body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !crypto.Signature(sig).Verify(signingKey, body) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBulkData(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer metrics.TimeSince(metrics.HTTPRequestDuration.WithLabelValues("bulk"), start)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	h := s.bulk
	s.mu.RUnlock()
	if h == nil {
		http.Error(w, "no round attached", http.StatusServiceUnavailable)
		return
	}

	if err := h.IncomingData(r.Context(), body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleShuffle(w http.ResponseWriter, r *http.Request) {
	s.handleTagged(w, r, "shuffle", func() ShuffleHandler {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.shuffle
	})
}

func (s *Server) handleBlame(w http.ResponseWriter, r *http.Request) {
	s.handleTagged(w, r, "blame", func() ShuffleHandler {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.blame
	})
}

func (s *Server) handleTagged(w http.ResponseWriter, r *http.Request, route string, get func() ShuffleHandler) {
	start := time.Now()
	defer metrics.TimeSince(metrics.HTTPRequestDuration.WithLabelValues(route), start)

	senderHex := chi.URLParam(r, "sender")
	var sender group.ID
	if err := decodeIDHex(senderHex, &sender); err != nil {
		http.Error(w, "invalid sender id", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	h := get()
	if h == nil {
		http.Error(w, "no round attached", http.StatusServiceUnavailable)
		return
	}

	if err := h.IncomingData(r.Context(), sender, body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !s.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if s.isReady.Swap(false) {
		s.log.Info("peer: marked not ready")
		go func() {
			time.Sleep(s.cfg.DrainDuration)
			s.log.Info("peer: drain period complete")
		}()
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	s.isReady.Store(true)
	w.WriteHeader(http.StatusOK)
}

// RunInBackground starts the HTTP and metrics servers.
func (s *Server) RunInBackground() {
	if s.metricsSrv != nil {
		go func() {
			if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("peer: metrics server failed", "err", err)
			}
		}()
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("peer: http server failed", "err", err)
		}
	}()
}

// Shutdown gracefully stops the HTTP and metrics servers.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Error("peer: http shutdown failed", "err", err)
	}
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.log.Error("peer: metrics shutdown failed", "err", err)
		}
	}
}

// BulkNetwork is a protocol.Network implementation dialing peers over HTTP
// for the /bulk/data endpoint.
type BulkNetwork struct {
	s *Server
}

// NewBulkNetwork builds the transport a BulkRound sends bulk-data traffic
// through.
func (s *Server) NewBulkNetwork(g *group.Group) *BulkNetwork {
	return &BulkNetwork{s: s}
}

func (n *BulkNetwork) SendTo(ctx context.Context, to group.ID, payload []byte) error {
	endpoint, ok := n.s.directory.Endpoint(to)
	if !ok {
		return fmt.Errorf("peer: no endpoint for %x", to)
	}
	return n.s.post(ctx, endpoint+"/bulk/data", payload)
}

func (n *BulkNetwork) Broadcast(ctx context.Context, payload []byte) error {
	return n.s.broadcastAll(ctx, "/bulk/data", payload)
}

// ShuffleNetwork is a shuffle.Network implementation dialing the tagged
// shuffle/blame endpoints, parameterized by route so the same code serves
// both the main shuffle and the blame shuffle over their own paths.
type ShuffleNetwork struct {
	s     *Server
	self  group.ID
	route string
}

func (s *Server) newTaggedNetwork(self group.ID, route string) *ShuffleNetwork {
	return &ShuffleNetwork{s: s, self: self, route: route}
}

// NewShuffleNetwork builds the transport the main shuffle collaborator
// sends through.
func (s *Server) NewShuffleNetwork(self group.ID) *ShuffleNetwork {
	return s.newTaggedNetwork(self, "/shuffle/")
}

// NewBlameNetwork builds the transport the blame shuffle collaborator
// sends through, a distinct HTTP path from the main shuffle so the two
// never share a dispatch table.
func (s *Server) NewBlameNetwork(self group.ID) *ShuffleNetwork {
	return s.newTaggedNetwork(self, "/blame/")
}

func (n *ShuffleNetwork) SendTo(ctx context.Context, to group.ID, payload []byte) error {
	endpoint, ok := n.s.directory.Endpoint(to)
	if !ok {
		return fmt.Errorf("peer: no endpoint for %x", to)
	}
	return n.s.post(ctx, endpoint+n.route+encodeIDHex(n.self), payload)
}

func (n *ShuffleNetwork) Broadcast(ctx context.Context, payload []byte) error {
	return n.s.broadcastAllTagged(ctx, n.route, n.self, payload)
}

func (s *Server) broadcastAll(ctx context.Context, path string, payload []byte) error {
	endpoints, err := s.everyEndpoint()
	if err != nil {
		return err
	}
	var firstErr error
	for _, endpoint := range endpoints {
		if err := s.post(ctx, endpoint+path, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Server) broadcastAllTagged(ctx context.Context, route string, self group.ID, payload []byte) error {
	return s.broadcastAll(ctx, route+encodeIDHex(self), payload)
}

// EndpointLister is an optional Directory capability needed for Broadcast:
// the full set of peer endpoints excluding a given peer itself.
type EndpointLister interface {
	Endpoints(self group.ID) []string
}

func (s *Server) everyEndpoint() ([]string, error) {
	lister, ok := s.directory.(EndpointLister)
	if !ok {
		return nil, errors.New("peer: directory does not support broadcast enumeration")
	}
	return lister.Endpoints(s.cfg.Self), nil
}

func (s *Server) post(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	if s.cfg.SigningKey != nil {
		sig, err := crypto.Sign(s.cfg.SigningKey, payload)
		if err != nil {
			return fmt.Errorf("peer: signing outgoing request: %w", err)
		}
		req.Header.Set(senderHeader, encodeIDHex(s.cfg.Self))
		req.Header.Set(signatureHeader, hex.EncodeToString(sig.Bytes()))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("peer: %s returned %d: %s", url, resp.StatusCode, string(body))
	}
	return nil
}

func encodeIDHex(id group.ID) string {
	return hex.EncodeToString(id[:])
}

func decodeIDHex(s string, out *group.ID) error {
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("peer: invalid id hex: %w", err)
	}
	if len(decoded) != len(out) {
		return fmt.Errorf("peer: id hex has wrong length")
	}
	copy(out[:], decoded)
	return nil
}
