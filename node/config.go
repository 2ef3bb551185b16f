package node

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/facebookgo/atomicfile"
	ci "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/tidwall/jsonc"
)

// Config is the repository's JSON configuration. The file may carry
// comments; they are stripped on load.
type Config struct {
	Identity  Identity
	Addresses Addresses
	Bootstrap []string

	Datastore  DatastoreConfig
	Ipns       IpnsConfig
	Reprovider ReproviderConfig
}

type Identity struct {
	PeerID  string
	PrivKey string // base64 of the marshalled private key
}

type Addresses struct {
	Swarm   []string
	API     string
	Gateway string
}

type DatastoreConfig struct {
	EnableInlining bool
	InlineLimit    int
}

type IpnsConfig struct {
	RecordLifetime string
}

type ReproviderConfig struct {
	Interval string
}

// DefaultBootstrap mirrors the public bootstrap set.
var DefaultBootstrap = []string{
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
	"/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb",
}

// NewConfig generates a fresh identity and the default settings.
func NewConfig() (*Config, error) {
	sk, pk, err := ci.GenerateKeyPair(ci.Ed25519, -1)
	if err != nil {
		return nil, err
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return nil, err
	}
	skb, err := ci.MarshalPrivateKey(sk)
	if err != nil {
		return nil, err
	}
	return &Config{
		Identity: Identity{
			PeerID:  id.String(),
			PrivKey: base64.StdEncoding.EncodeToString(skb),
		},
		Addresses: Addresses{
			Swarm:   []string{"/ip4/0.0.0.0/tcp/4001", "/ip6/::/tcp/4001"},
			API:     "/ip4/127.0.0.1/tcp/5001",
			Gateway: "/ip4/127.0.0.1/tcp/8080",
		},
		Bootstrap: append([]string(nil), DefaultBootstrap...),
		Datastore: DatastoreConfig{EnableInlining: true, InlineLimit: 64},
		Ipns:      IpnsConfig{RecordLifetime: "24h"},
		Reprovider: ReproviderConfig{
			Interval: "12h",
		},
	}, nil
}

// PrivateKey unmarshals the identity key.
func (c *Config) PrivateKey() (ci.PrivKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Identity.PrivKey)
	if err != nil {
		return nil, fmt.Errorf("node: identity key: %w", err)
	}
	return ci.UnmarshalPrivateKey(raw)
}

// RecordLifetime parses the configured publish lifetime.
func (c *Config) RecordLifetime() time.Duration {
	d, err := time.ParseDuration(c.Ipns.RecordLifetime)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// ReproviderInterval parses the discovery walk interval; zero disables
// the walk.
func (c *Config) ReproviderInterval() time.Duration {
	d, err := time.ParseDuration(c.Reprovider.Interval)
	if err != nil {
		return 12 * time.Hour
	}
	return d
}

// LoadConfig reads a config file, tolerating comments and trailing
// commas.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(raw), &cfg); err != nil {
		return nil, fmt.Errorf("node: parsing config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the config atomically, pretty-printed for hand
// editing.
func SaveConfig(path string, cfg *Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	f, err := atomicfile.New(path, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		f.Abort()
		return err
	}
	return f.Close()
}
