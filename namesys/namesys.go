// Package namesys manages the mutable name record lifecycle: signed,
// sequence-numbered records published through the routing system and
// pub/sub, resolved with a strict replay barrier.
package namesys

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	ds "github.com/ipfs/go-datastore"
	keystore "github.com/ipfs/go-ipfs-keystore"
	golog "github.com/ipfs/go-log"
	ci "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

var log = golog.Logger("namesys")

var (
	ErrResolveFailed  = errors.New("namesys: name could not be resolved")
	ErrUnknownKeyName = errors.New("namesys: no key by that name")
	ErrResolveLoop    = errors.New("namesys: resolution depth exceeded")
)

// DefaultRecordLifetime mirrors the historical 24h publish window.
const DefaultRecordLifetime = 24 * time.Hour

// maxResolveDepth bounds recursive resolution.
const maxResolveDepth = 32

// SelfKeyName names the node identity key in every keystore call.
const SelfKeyName = "self"

// ValueStore is the slice of the routing facade the name system uses.
type ValueStore interface {
	GetValue(ctx context.Context, key string) ([]byte, error)
	PutValue(ctx context.Context, key string, value []byte) error
}

// PubSub is the external fan-out collaborator.
type PubSub interface {
	Publish(topic string, data []byte) error
	Subscribe(topic string, handler func(from peer.ID, data []byte)) error
}

// ResolveOptions steer a single resolution.
type ResolveOptions struct {
	Recursive bool
	NoCache   bool
}

// PublishResult reports where a publish landed.
type PublishResult struct {
	Name  string // /ipns/<peer id>
	Value string // the published content path
}

// NameSystem publishes and resolves mutable name records.
type NameSystem struct {
	self    ci.PrivKey
	keys    keystore.Keystore
	routing ValueStore
	pubsub  PubSub
	seqs    *seqStore
	cache   *bigcache.BigCache

	subsMu sync.Mutex
	subs   map[string]struct{} // names with a live pubsub subscription
}

func New(self ci.PrivKey, keys keystore.Keystore, routing ValueStore, psub PubSub, store ds.Datastore) (*NameSystem, error) {
	cache, err := bigcache.New(context.Background(), bigcache.DefaultConfig(30*time.Minute))
	if err != nil {
		return nil, err
	}
	return &NameSystem{
		self:    self,
		keys:    keys,
		routing: routing,
		pubsub:  psub,
		seqs:    newSeqStore(store),
		cache:   cache,
		subs:    make(map[string]struct{}),
	}, nil
}

// RecordTopic derives the pub/sub topic for a name: the routing key,
// base64url encoded, under the record prefix.
func RecordTopic(id peer.ID) string {
	return "/record/" + base64.URLEncoding.EncodeToString([]byte("/ipns/"+id.String()))
}

func routingKey(id peer.ID) string {
	return "/ipns/" + id.String()
}

func (ns *NameSystem) key(keyName string) (ci.PrivKey, error) {
	if keyName == "" || keyName == SelfKeyName {
		return ns.self, nil
	}
	sk, err := ns.keys.Get(keyName)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyName, keyName)
	}
	return sk, nil
}

// Publish signs value under the named key, advances the sequence, and
// announces the record on both the routing system and pub/sub.
func (ns *NameSystem) Publish(ctx context.Context, keyName, value string, lifetime time.Duration) (PublishResult, error) {
	sk, err := ns.key(keyName)
	if err != nil {
		return PublishResult{}, err
	}
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		return PublishResult{}, err
	}
	if lifetime <= 0 {
		lifetime = DefaultRecordLifetime
	}

	seq := ns.seqs.next(ctx, id)
	rec, err := NewRecord(sk, []byte(value), seq, time.Now().Add(lifetime), 0)
	if err != nil {
		return PublishResult{}, err
	}
	raw := rec.Marshal()

	// Admit our own record first: the local barrier and cache always
	// reflect what we just signed.
	if err := ns.seqs.admit(ctx, id, seq); err != nil {
		return PublishResult{}, err
	}
	ns.cacheRecord(id, raw)

	if err := ns.routing.PutValue(ctx, routingKey(id), raw); err != nil {
		return PublishResult{}, fmt.Errorf("namesys: publish to routing: %w", err)
	}
	if ns.pubsub != nil {
		if err := ns.pubsub.Publish(RecordTopic(id), raw); err != nil {
			log.Warnf("pubsub publish for %s: %v", id, err)
		}
	}
	log.Debugf("published %s -> %s (seq %d)", id, value, seq)
	return PublishResult{Name: routingKey(id), Value: value}, nil
}

// Resolve maps a name to a content path. Dotted names delegate to DNS
// link resolution; everything else is a peer id resolved through the
// cache, then the routing system, with pub/sub keeping the cache warm.
func (ns *NameSystem) Resolve(ctx context.Context, name string, opts ResolveOptions) (string, error) {
	value := name
	for depth := 0; ; depth++ {
		if depth >= maxResolveDepth {
			return "", ErrResolveLoop
		}
		if strings.HasPrefix(value, "/ipfs/") {
			return value, nil
		}
		next, err := ns.resolveOnce(ctx, value, opts)
		if err != nil {
			return "", err
		}
		if !opts.Recursive {
			return next, nil
		}
		value = next
	}
}

func (ns *NameSystem) resolveOnce(ctx context.Context, name string, opts ResolveOptions) (string, error) {
	trimmed := strings.TrimPrefix(name, "/ipns/")
	segments := strings.SplitN(trimmed, "/", 2)
	first := segments[0]
	var restPath string
	if len(segments) == 2 {
		restPath = "/" + segments[1]
	}

	if strings.Contains(first, ".") {
		value, err := resolveDNSLink(ctx, first)
		if err != nil {
			return "", err
		}
		return value + restPath, nil
	}

	id, err := peer.Decode(first)
	if err != nil {
		return "", fmt.Errorf("namesys: %q is not a peer id: %w", first, err)
	}
	ns.subscribe(id)

	if !opts.NoCache {
		if raw, err := ns.cache.Get(cacheKey(id)); err == nil {
			if rec, err := UnmarshalRecord(raw); err == nil && rec.Verify(id) == nil {
				return string(rec.Value) + restPath, nil
			}
		}
	}

	raw, err := ns.routing.GetValue(ctx, routingKey(id))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrResolveFailed, name, err)
	}
	rec, err := ns.admitRecord(ctx, id, raw)
	if err != nil {
		if errors.Is(err, ErrStaleRecord) {
			// The network handed back something older than what we
			// already admitted; answer from the barrier's cache.
			if cached, cerr := ns.cache.Get(cacheKey(id)); cerr == nil {
				if crec, derr := UnmarshalRecord(cached); derr == nil {
					return string(crec.Value) + restPath, nil
				}
			}
		}
		return "", err
	}
	return string(rec.Value) + restPath, nil
}

// admitRecord validates and admits one record through the replay
// barrier, caching it on success.
func (ns *NameSystem) admitRecord(ctx context.Context, id peer.ID, raw []byte) (*Record, error) {
	rec, err := UnmarshalRecord(raw)
	if err != nil {
		return nil, err
	}
	if err := rec.Verify(id); err != nil {
		return nil, err
	}
	if err := ns.seqs.admit(ctx, id, rec.Sequence); err != nil {
		return nil, err
	}
	ns.cacheRecord(id, raw)
	return rec, nil
}

func cacheKey(id peer.ID) string { return "/ipns/" + id.String() }

func (ns *NameSystem) cacheRecord(id peer.ID, raw []byte) {
	if err := ns.cache.Set(cacheKey(id), raw); err != nil {
		log.Warnf("caching record for %s: %v", id, err)
	}
}

// subscribe lazily joins the record topic for a name; incoming records
// pass through the same admission filter as routed ones.
func (ns *NameSystem) subscribe(id peer.ID) {
	if ns.pubsub == nil {
		return
	}
	ns.subsMu.Lock()
	defer ns.subsMu.Unlock()
	topic := RecordTopic(id)
	if _, ok := ns.subs[topic]; ok {
		return
	}
	err := ns.pubsub.Subscribe(topic, func(from peer.ID, data []byte) {
		if _, err := ns.admitRecord(context.Background(), id, data); err != nil {
			log.Debugf("dropping pubsub record for %s from %s: %v", id, from, err)
		}
	})
	if err != nil {
		log.Warnf("subscribing to %s: %v", topic, err)
		return
	}
	ns.subs[topic] = struct{}{}
}
