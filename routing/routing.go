// Package routing is the thin facade over the DHT: uniform find,
// provide, get and put with key-shape validation at the boundary.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	cid "github.com/ipfs/go-cid"
	golog "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p/core/peer"
	coreroute "github.com/libp2p/go-libp2p/core/routing"
)

var log = golog.Logger("routing")

var (
	ErrInvalidKey  = errors.New("routing: key must be /ipns/<id> or /pk/<id>")
	ErrNoCachedVal = errors.New("routing: no value cached for key")
)

// DHT is the external collaborator the facade dispatches to. The kad
// DHT implementation satisfies it unmodified.
type DHT interface {
	FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error)
	FindProvidersAsync(ctx context.Context, c cid.Cid, count int) <-chan peer.AddrInfo
	Provide(ctx context.Context, c cid.Cid, announce bool) error
	GetValue(ctx context.Context, key string, opts ...coreroute.Option) ([]byte, error)
	PutValue(ctx context.Context, key string, value []byte, opts ...coreroute.Option) error
}

// Facade narrows the DHT to the shapes the rest of the node consumes.
type Facade struct {
	dht DHT

	// last remembers values by key so Touch can republish without a
	// caller-supplied value.
	lastMu sync.Mutex
	last   map[string][]byte
}

func NewFacade(d DHT) *Facade {
	return &Facade{dht: d, last: make(map[string][]byte)}
}

// validateKey admits only the two key shapes this layer speaks.
func validateKey(key string) error {
	var rest string
	switch {
	case strings.HasPrefix(key, "/ipns/"):
		rest = strings.TrimPrefix(key, "/ipns/")
	case strings.HasPrefix(key, "/pk/"):
		rest = strings.TrimPrefix(key, "/pk/")
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if rest == "" || strings.Contains(rest, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}

func (f *Facade) FindPeer(ctx context.Context, id peer.ID) (peer.AddrInfo, error) {
	return f.dht.FindPeer(ctx, id)
}

// FindProviders streams up to limit providers of c into onEach.
func (f *Facade) FindProviders(ctx context.Context, c cid.Cid, limit int, onEach func(peer.AddrInfo)) error {
	ch := f.dht.FindProvidersAsync(ctx, c, limit)
	for {
		select {
		case info, ok := <-ch:
			if !ok {
				return nil
			}
			onEach(info)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (f *Facade) Provide(ctx context.Context, c cid.Cid, advertise bool) error {
	return f.dht.Provide(ctx, c, advertise)
}

func (f *Facade) GetValue(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	val, err := f.dht.GetValue(ctx, key)
	if err != nil {
		return nil, err
	}
	f.remember(key, val)
	return val, nil
}

func (f *Facade) PutValue(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := f.dht.PutValue(ctx, key, value); err != nil {
		return err
	}
	f.remember(key, value)
	return nil
}

// Touch republishes the last value seen for key. Publishing the key as
// its own value is deliberately not offered.
func (f *Facade) Touch(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	f.lastMu.Lock()
	val, ok := f.last[key]
	f.lastMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoCachedVal, key)
	}
	log.Debugf("touching %s", key)
	return f.dht.PutValue(ctx, key, val)
}

func (f *Facade) remember(key string, value []byte) {
	f.lastMu.Lock()
	f.last[key] = append([]byte(nil), value...)
	f.lastMu.Unlock()
}
