// Package registry persists a bulk round's group roster and serves it to
// peers at startup, adapted from services/registry.go's HTTP registration
// surface and services/postgres_store.go's Postgres-backed store — stripped
// of TEE attestation, since a DC-net round's trust model is honest-majority
// cryptographic rather than hardware-attested (spec.md's Non-goal on
// membership churn policy: this package bootstraps and persists a roster,
// it does not decide who belongs on it).
package registry

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"

	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
)

// Endpoint pairs a group member with the HTTP base URL its peer.Server
// listens on.
type Endpoint struct {
	Member  group.Member
	BaseURL string
}

// endpointRecord is the wire shape registered members are exchanged as.
type endpointRecord struct {
	SigningKey string `json:"signing_key"`
	DHKey      string `json:"dh_key"`
	BaseURL    string `json:"base_url"`
}

// Store persists registered endpoints across restarts.
type Store interface {
	Save(rec Endpoint) error
	Delete(id group.ID) error
	LoadAll() ([]Endpoint, error)
}

// Registry accumulates a set of registered endpoints in memory, backed by
// a Store for durability, and serves them over HTTP so peers can build
// their group.Group at startup without a shared config file.
type Registry struct {
	mu     sync.RWMutex
	byID   map[group.ID]Endpoint
	store  Store
	leader group.ID
}

// New constructs a Registry backed by store, loading whatever was
// previously persisted.
func New(store Store, leader group.ID) (*Registry, error) {
	r := &Registry{
		byID:   make(map[group.ID]Endpoint),
		store:  store,
		leader: leader,
	}
	if store != nil {
		existing, err := store.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("registry: loading persisted endpoints: %w", err)
		}
		for _, e := range existing {
			r.byID[e.Member.ID] = e
		}
	}
	return r, nil
}

// RegisterRoutes mounts the registry's HTTP surface, matching
// services/registry.go's public/admin route split simplified to the three
// operations this package needs: register, unregister, and list.
func (r *Registry) RegisterRoutes(router chi.Router) {
	router.Post("/registry/register", r.handleRegister)
	router.Delete("/registry/{id}", r.handleUnregister)
	router.Get("/registry/members", r.handleList)
}

// Register records member as reachable at baseURL, persisting it to the
// backing Store if one is configured. Exported so both the HTTP handler and
// out-of-band bootstrap code (tests, a seed config) can add members without
// a network round trip.
func (r *Registry) Register(member group.Member, baseURL string) error {
	endpoint := Endpoint{Member: member, BaseURL: baseURL}

	r.mu.Lock()
	r.byID[member.ID] = endpoint
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(endpoint); err != nil {
			return fmt.Errorf("registry: persisting endpoint: %w", err)
		}
	}
	return nil
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var rec endpointRecord
	if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	signingKey, err := crypto.NewPublicKeyFromString(rec.SigningKey)
	if err != nil {
		http.Error(w, "invalid signing key", http.StatusBadRequest)
		return
	}
	dhKey, err := crypto.KemPublicKeyFromString(rec.DHKey)
	if err != nil {
		http.Error(w, "invalid dh key", http.StatusBadRequest)
		return
	}

	member := group.NewMember(signingKey, dhKey)
	if err := r.Register(member, rec.BaseURL); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("%x", member.ID)})
}

func (r *Registry) handleUnregister(w http.ResponseWriter, req *http.Request) {
	raw, err := hex.DecodeString(chi.URLParam(req, "id"))
	if err != nil || len(raw) != len(group.ID{}) {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var id group.ID
	copy(id[:], raw)

	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	out := make([]endpointRecord, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, endpointRecord{
			SigningKey: e.Member.SigningKey.String(),
			DHKey:      e.Member.DHKey.String(),
			BaseURL:    e.BaseURL,
		})
	}
	r.mu.RUnlock()

	json.NewEncoder(w).Encode(out)
}

// Count returns the number of currently registered members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Group snapshots the currently registered members into an immutable
// group.Group, per spec.md §3's copy-on-write value semantics.
func (r *Registry) Group() (*group.Group, error) {
	r.mu.RLock()
	members := make([]group.Member, 0, len(r.byID))
	for _, e := range r.byID {
		members = append(members, e.Member)
	}
	r.mu.RUnlock()

	return group.New(members, r.leader, group.DisabledGroup, nil)
}

// Endpoint implements peer.Directory: it resolves a group member's
// registered base URL.
func (r *Registry) Endpoint(id group.ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e.BaseURL, ok
}

// Endpoints implements peer.EndpointLister, excluding self so a peer never
// broadcasts to its own endpoint.
func (r *Registry) Endpoints(self group.ID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id, e := range r.byID {
		if id == self {
			continue
		}
		out = append(out, e.BaseURL)
	}
	return out
}

// FetchMembers retrieves the roster from a running Registry's HTTP surface,
// the client half of handleList, used by a peer daemon to bootstrap its
// group.Group at startup without embedding a registry itself.
func FetchMembers(registryURL string) ([]group.Member, error) {
	resp, err := http.Get(registryURL + "/registry/members")
	if err != nil {
		return nil, fmt.Errorf("registry: fetching members: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry: %s returned %d", registryURL, resp.StatusCode)
	}

	var records []endpointRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("registry: decoding members: %w", err)
	}

	members := make([]group.Member, 0, len(records))
	for _, rec := range records {
		signingKey, err := crypto.NewPublicKeyFromString(rec.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("registry: invalid signing key in response: %w", err)
		}
		dhKey, err := crypto.KemPublicKeyFromString(rec.DHKey)
		if err != nil {
			return nil, fmt.Errorf("registry: invalid dh key in response: %w", err)
		}
		members = append(members, group.NewMember(signingKey, dhKey))
	}
	return members, nil
}

// RegisterSelf POSTs member's key material and baseURL to a running
// Registry's HTTP surface, the client half of handleRegister.
func RegisterSelf(registryURL string, member group.Member, baseURL string) error {
	rec := endpointRecord{
		SigningKey: member.SigningKey.String(),
		DHKey:      member.DHKey.String(),
		BaseURL:    baseURL,
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: encoding self-registration: %w", err)
	}

	resp, err := http.Post(registryURL+"/registry/register", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("registry: registering self: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: %s returned %d", registryURL, resp.StatusCode)
	}
	return nil
}

// PostgresStore implements Store with PostgreSQL persistence, adapted from
// services/postgres_store.go's schema and connection handling.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c *PostgresConfig) connectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// NewPostgresStore opens a PostgreSQL-backed Store and runs its migration.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.connectionString())
	if err != nil {
		return nil, fmt.Errorf("registry: opening database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("registry: pinging database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("registry: running migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS group_members (
		id VARCHAR(64) PRIMARY KEY,
		signing_key VARCHAR(128) NOT NULL,
		dh_key VARCHAR(128) NOT NULL,
		base_url VARCHAR(512) NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Save persists or updates a registered endpoint.
func (s *PostgresStore) Save(rec Endpoint) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `
	INSERT INTO group_members (id, signing_key, dh_key, base_url, updated_at)
	VALUES ($1, $2, $3, $4, NOW())
	ON CONFLICT (id) DO UPDATE SET
		signing_key = EXCLUDED.signing_key,
		dh_key = EXCLUDED.dh_key,
		base_url = EXCLUDED.base_url,
		updated_at = NOW()
	`
	_, err := s.db.ExecContext(ctx, query,
		fmt.Sprintf("%x", rec.Member.ID),
		rec.Member.SigningKey.String(),
		rec.Member.DHKey.String(),
		rec.BaseURL,
	)
	return err
}

// Delete removes a registered endpoint.
func (s *PostgresStore) Delete(id group.ID) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx, "DELETE FROM group_members WHERE id = $1", fmt.Sprintf("%x", id))
	return err
}

// LoadAll retrieves every persisted endpoint.
func (s *PostgresStore) LoadAll() ([]Endpoint, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, "SELECT signing_key, dh_key, base_url FROM group_members")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var signingKeyStr, dhKeyStr, baseURL string
		if err := rows.Scan(&signingKeyStr, &dhKeyStr, &baseURL); err != nil {
			return nil, fmt.Errorf("registry: scanning row: %w", err)
		}
		signingKey, err := crypto.NewPublicKeyFromString(signingKeyStr)
		if err != nil {
			continue
		}
		dhKey, err := crypto.KemPublicKeyFromString(dhKeyStr)
		if err != nil {
			continue
		}
		out = append(out, Endpoint{Member: group.NewMember(signingKey, dhKey), BaseURL: baseURL})
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InMemoryStore implements Store without a database, for tests and local
// single-process demos.
type InMemoryStore struct {
	mu   sync.Mutex
	byID map[group.ID]Endpoint
}

// NewInMemoryStore constructs an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: make(map[group.ID]Endpoint)}
}

func (s *InMemoryStore) Save(rec Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.Member.ID] = rec
	return nil
}

func (s *InMemoryStore) Delete(id group.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *InMemoryStore) LoadAll() ([]Endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Endpoint, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e)
	}
	return out, nil
}
