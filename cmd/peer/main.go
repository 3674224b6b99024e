// Command peer runs one participant in an anonymous group-broadcast round:
// it bootstraps a roster from a registry (or a static config), joins the
// shuffle and bulk-data phases over HTTP, and reports whatever cleartexts
// the round delivers.
//
// # Usage
//
//	go run ./cmd/peer --config peer.yaml
//
// A peer with no signing/DH key configured generates and prints a fresh
// pair on first run; an operator persists those back into config for
// subsequent restarts. Set --message to contribute a cleartext to the next
// round this peer starts; leave it empty to only receive.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flashbots/adcnet/blame"
	"github.com/flashbots/adcnet/config"
	"github.com/flashbots/adcnet/crypto"
	"github.com/flashbots/adcnet/group"
	"github.com/flashbots/adcnet/peer"
	"github.com/flashbots/adcnet/protocol"
	"github.com/flashbots/adcnet/registry"
	"github.com/flashbots/adcnet/shuffle"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a BulkConfig YAML file")
		message    = flag.String("message", "", "cleartext this peer contributes to the round it starts")
		roundID    = flag.Uint64("round", 1, "round identifier")
	)
	flag.Parse()

	log := slog.Default()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Error("peer: loading config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		log.Error("peer: invalid config", "err", err)
		os.Exit(1)
	}
	if len(*message) > cfg.MessageSlotBytes {
		log.Error("peer: message exceeds message_slot_bytes", "len", len(*message), "max", cfg.MessageSlotBytes)
		os.Exit(1)
	}

	signingPub, signingPriv, err := loadOrGenerateSigningKey(cfg.SigningKeyHex)
	if err != nil {
		log.Error("peer: signing key", "err", err)
		os.Exit(1)
	}
	dhPub, dhPriv, err := loadOrGenerateDHKey(cfg.DHKeyHex)
	if err != nil {
		log.Error("peer: dh key", "err", err)
		os.Exit(1)
	}
	self := group.NewMember(signingPub, dhPub)
	log.Info("peer: identity", "id", fmt.Sprintf("%x", self.ID))
	if cfg.SigningKeyHex == "" || cfg.DHKeyHex == "" {
		fmt.Printf("signing_key: %s\ndh_key: %s\n", signingPriv.String(), dhPriv.String())
	}

	reg, err := newRegistry(cfg, self)
	if err != nil {
		log.Error("peer: registry", "err", err)
		os.Exit(1)
	}
	if reg != nil {
		if err := reg.Register(self, cfg.BaseURL); err != nil {
			log.Error("peer: self-register", "err", err)
			os.Exit(1)
		}
	} else if cfg.RegistryURL != "" {
		if err := registry.RegisterSelf(cfg.RegistryURL, self, cfg.BaseURL); err != nil {
			log.Error("peer: self-register", "err", err)
			os.Exit(1)
		}
	}

	if reg != nil && cfg.GroupSize > 0 {
		log.Info("peer: waiting for roster", "want", cfg.GroupSize)
		for reg.Count() < cfg.GroupSize {
			time.Sleep(500 * time.Millisecond)
		}
	}

	g, err := buildGroup(cfg, reg, self)
	if err != nil {
		log.Error("peer: building group", "err", err)
		os.Exit(1)
	}

	var directory peer.Directory
	if reg != nil {
		directory = reg
	} else {
		directory = newStaticDirectory(cfg.Peers)
	}

	peerCfg := peer.Config{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		Self:                     self.ID,
		SigningKey:               signingPriv,
		Roster:                   g,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
	}
	srv, err := peer.NewServer(peerCfg, directory)
	if err != nil {
		log.Error("peer: starting server", "err", err)
		os.Exit(1)
	}

	source := peerDataSource{message: []byte(*message)}
	round, err := protocol.NewBulkRound(protocol.BulkRoundConfig{
		Group:        g,
		Self:         self.ID,
		RoundID:      *roundID,
		StaticDHPriv: dhPriv,
		Source:       source,
		Net:          srv.NewBulkNetwork(g),
		NewShuffle: func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) protocol.ShuffleRound {
			return shuffle.New(g, self, priv, srv.NewShuffleNetwork(self))
		},
		NewBlameShuffle: func(g *group.Group, self group.ID, priv crypto.KemPrivateKey) blame.ShuffleRound {
			return shuffle.New(g, self, priv, srv.NewBlameNetwork(self))
		},
		Logger: log,
	}, cfg.AppBroadcast)
	if err != nil {
		log.Error("peer: constructing round", "err", err)
		os.Exit(1)
	}

	round.OnFinished(func() {
		delivered := protocol.DeliveredMessages(round.GetCleartexts())
		log.Info("peer: round finished", "delivered", len(delivered))
		for _, msg := range delivered {
			fmt.Printf("%s\n", msg)
		}
	})
	round.OnAborted(func(err error) {
		log.Error("peer: round aborted", "err", err, "bad_members", round.GetBadMembers())
	})

	srv.Attach(round, shuffleAdapter{round}, blameAdapter{round})
	srv.RunInBackground()
	log.Info("peer: listening", "addr", cfg.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Every peer must submit its own descriptor to the shuffle, not just
	// the leader — BulkRound.Start is what generates a peer's anonymous
	// keypair and buildDescriptor's contribution; a peer that never calls
	// it stays in Offline forever and the shuffle can never gather all N
	// inputs. Leader-only behavior (aggregation, finalize) is gated
	// inside BulkRound itself by comparing against group.Group.Leader.
	if err := round.Start(ctx); err != nil {
		log.Error("peer: starting round", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("peer: shutting down")
	cancel()
	srv.Shutdown()
}

// peerDataSource wraps a single flag-supplied cleartext, or contributes
// nothing when --message is empty.
type peerDataSource struct {
	message []byte
}

func (s peerDataSource) Cleartext(ctx context.Context, roundID uint64) ([]byte, error) {
	return s.message, nil
}

func (s peerDataSource) Hash(data []byte) []byte {
	return crypto.Hash(data)
}

// shuffleAdapter and blameAdapter resolve the round's current shuffle/blame
// collaborator on every call, since neither exists until the round reaches
// the corresponding state and peer.Server.Attach happens once up front.
type shuffleAdapter struct{ r *protocol.BulkRound }

func (a shuffleAdapter) IncomingData(ctx context.Context, from group.ID, payload []byte) error {
	sr := a.r.GetShuffleRound()
	if sr == nil {
		return fmt.Errorf("peer: no shuffle round active")
	}
	return sr.IncomingData(ctx, from, payload)
}

type blameAdapter struct{ r *protocol.BulkRound }

func (a blameAdapter) IncomingData(ctx context.Context, from group.ID, payload []byte) error {
	br := a.r.GetBlameShuffleRound()
	if br == nil {
		return fmt.Errorf("peer: no blame round active")
	}
	return br.IncomingData(ctx, from, payload)
}

func loadOrGenerateSigningKey(hexKey string) (crypto.PublicKey, crypto.PrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKeyPair()
	}
	priv, err := crypto.NewPrivateKeyFromString(hexKey)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing signing key: %w", err)
	}
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, nil, fmt.Errorf("deriving signing public key: %w", err)
	}
	return pub, priv, nil
}

func loadOrGenerateDHKey(hexKey string) (crypto.KemPublicKey, crypto.KemPrivateKey, error) {
	if hexKey == "" {
		return crypto.GenerateKemKeyPair()
	}
	priv, err := crypto.KemPrivateKeyFromString(hexKey)
	if err != nil {
		return crypto.KemPublicKey{}, crypto.KemPrivateKey{}, fmt.Errorf("parsing dh key: %w", err)
	}
	return crypto.DerivePublicDH(priv), priv, nil
}

func newRegistry(cfg *config.BulkConfig, self group.Member) (*registry.Registry, error) {
	if cfg.RegistryURL != "" {
		// this peer is a client of a remote registry, not a host of one.
		return nil, nil
	}
	if len(cfg.Peers) > 0 {
		// static roster: no registry needed at all.
		return nil, nil
	}

	var store registry.Store
	if cfg.Postgres != nil {
		pg, err := registry.NewPostgresStore(&registry.PostgresConfig{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})
		if err != nil {
			return nil, err
		}
		store = pg
	} else {
		store = registry.NewInMemoryStore()
	}

	var leader group.ID
	if cfg.IsLeader {
		leader = self.ID
	}
	return registry.New(store, leader)
}

func buildGroup(cfg *config.BulkConfig, reg *registry.Registry, self group.Member) (*group.Group, error) {
	var members []group.Member
	switch {
	case reg != nil:
		return reg.Group()
	case cfg.RegistryURL != "":
		fetched, err := registry.FetchMembers(cfg.RegistryURL)
		if err != nil {
			return nil, err
		}
		members = fetched
	default:
		members = append(members, self)
		for _, p := range cfg.Peers {
			signingKey, err := crypto.NewPublicKeyFromString(p.SigningKey)
			if err != nil {
				return nil, fmt.Errorf("parsing peer signing key: %w", err)
			}
			dhKey, err := crypto.KemPublicKeyFromString(p.DHKey)
			if err != nil {
				return nil, fmt.Errorf("parsing peer dh key: %w", err)
			}
			members = append(members, group.NewMember(signingKey, dhKey))
		}
	}

	leader := self.ID
	if !cfg.IsLeader && len(members) > 0 {
		leader = members[0].ID
	}
	return group.New(members, leader, group.DisabledGroup, nil)
}

// staticDirectory resolves peer endpoints from config.Peers when no
// registry is in play.
type staticDirectory struct {
	byID map[group.ID]string
}

func newStaticDirectory(peers []config.PeerConfig) staticDirectory {
	d := staticDirectory{byID: make(map[group.ID]string)}
	for _, p := range peers {
		signingKey, err := crypto.NewPublicKeyFromString(p.SigningKey)
		if err != nil {
			continue
		}
		id := group.ID(crypto.DeriveID(signingKey))
		d.byID[id] = p.BaseURL
	}
	return d
}

func (d staticDirectory) Endpoint(id group.ID) (string, bool) {
	url, ok := d.byID[id]
	return url, ok
}

func (d staticDirectory) Endpoints(self group.ID) []string {
	out := make([]string, 0, len(d.byID))
	for id, url := range d.byID {
		if id == self {
			continue
		}
		out = append(out, url)
	}
	return out
}
