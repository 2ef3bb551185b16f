package namesys

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	keystore "github.com/ipfs/go-ipfs-keystore"
	ci "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// fakeRouting is an in-memory value store.
type fakeRouting struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newFakeRouting() *fakeRouting {
	return &fakeRouting{m: make(map[string][]byte)}
}

func (f *fakeRouting) GetValue(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.m[key]
	if !ok {
		return nil, ErrResolveFailed
	}
	return v, nil
}

func (f *fakeRouting) PutValue(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[key] = append([]byte(nil), value...)
	return nil
}

// fakePubSub delivers published records synchronously to subscribers.
type fakePubSub struct {
	mu       sync.Mutex
	handlers map[string][]func(peer.ID, []byte)
}

func newFakePubSub() *fakePubSub {
	return &fakePubSub{handlers: make(map[string][]func(peer.ID, []byte))}
}

func (f *fakePubSub) Publish(topic string, data []byte) error {
	f.mu.Lock()
	hs := append([]func(peer.ID, []byte){}, f.handlers[topic]...)
	f.mu.Unlock()
	for _, h := range hs {
		h("", data)
	}
	return nil
}

func (f *fakePubSub) Subscribe(topic string, handler func(peer.ID, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = append(f.handlers[topic], handler)
	return nil
}

func newTestNameSystem(t *testing.T) (*NameSystem, peer.ID, *fakeRouting, *fakePubSub) {
	t.Helper()
	sk, _, err := ci.GenerateKeyPair(ci.Ed25519, -1)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	id, err := peer.IDFromPrivateKey(sk)
	if err != nil {
		t.Fatalf("peer id: %v", err)
	}
	rt := newFakeRouting()
	ps := newFakePubSub()
	ns, err := New(sk, keystore.NewMemKeystore(), rt, ps, dssync.MutexWrap(ds.NewMapDatastore()))
	if err != nil {
		t.Fatalf("namesys: %v", err)
	}
	return ns, id, rt, ps
}

func TestPublishThenResolve(t *testing.T) {
	ctx := context.Background()
	ns, id, _, _ := newTestNameSystem(t)

	res, err := ns.Publish(ctx, SelfKeyName, "/ipfs/QmbFMke1KXqnYyBBWxB74N4c5SBnJMVAiMNRcGu6x1AwQH", time.Hour)
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if res.Name != "/ipns/"+id.String() {
		t.Errorf("published name = %s", res.Name)
	}

	got, err := ns.Resolve(ctx, res.Name, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != res.Value {
		t.Errorf("resolved %q, want %q", got, res.Value)
	}
}

func TestSequencesAdvance(t *testing.T) {
	ctx := context.Background()
	ns, id, rt, _ := newTestNameSystem(t)

	if _, err := ns.Publish(ctx, SelfKeyName, "/ipfs/aaa", time.Hour); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if _, err := ns.Publish(ctx, SelfKeyName, "/ipfs/bbb", time.Hour); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	raw, err := rt.GetValue(ctx, "/ipns/"+id.String())
	if err != nil {
		t.Fatalf("routing get: %v", err)
	}
	rec, err := UnmarshalRecord(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Sequence != 2 {
		t.Errorf("sequence = %d, want 2", rec.Sequence)
	}
}

func TestReplayRejected(t *testing.T) {
	ctx := context.Background()
	ns, id, _, ps := newTestNameSystem(t)

	// publish(seq=1, A)
	if _, err := ns.Publish(ctx, SelfKeyName, "/ipfs/recordA", time.Hour); err != nil {
		t.Fatalf("publish A: %v", err)
	}
	// Capture the seq=1 record bytes for replay.
	oldRaw, err := ns.cache.Get("/ipns/" + id.String())
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	replay := append([]byte(nil), oldRaw...)

	// publish(seq=2, B)
	if _, err := ns.Publish(ctx, SelfKeyName, "/ipfs/recordB", time.Hour); err != nil {
		t.Fatalf("publish B: %v", err)
	}

	// Prime the subscription, then replay the seq=1 record over pubsub.
	if _, err := ns.Resolve(ctx, "/ipns/"+id.String(), ResolveOptions{}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := ps.Publish(RecordTopic(id), replay); err != nil {
		t.Fatalf("replay publish: %v", err)
	}

	got, err := ns.Resolve(ctx, "/ipns/"+id.String(), ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve after replay: %v", err)
	}
	if got != "/ipfs/recordB" {
		t.Errorf("resolve after replay = %q, want /ipfs/recordB", got)
	}
}

func TestAdmitIsMonotonic(t *testing.T) {
	ctx := context.Background()
	ns, id, _, _ := newTestNameSystem(t)

	if err := ns.seqs.admit(ctx, id, 5); err != nil {
		t.Fatalf("admit 5: %v", err)
	}
	if err := ns.seqs.admit(ctx, id, 5); err != ErrStaleRecord {
		t.Errorf("admit equal sequence = %v, want ErrStaleRecord", err)
	}
	if err := ns.seqs.admit(ctx, id, 4); err != ErrStaleRecord {
		t.Errorf("admit lower sequence = %v, want ErrStaleRecord", err)
	}
	if err := ns.seqs.admit(ctx, id, 6); err != nil {
		t.Errorf("admit higher sequence = %v", err)
	}
}

func TestBarrierSurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	sk, _, _ := ci.GenerateKeyPair(ci.Ed25519, -1)
	id, _ := peer.IDFromPrivateKey(sk)
	store := dssync.MutexWrap(ds.NewMapDatastore())

	first := newSeqStore(store)
	if err := first.admit(ctx, id, 9); err != nil {
		t.Fatalf("admit: %v", err)
	}

	// A fresh seqStore over the same datastore models cache eviction.
	second := newSeqStore(store)
	if err := second.admit(ctx, id, 9); err != ErrStaleRecord {
		t.Errorf("barrier forgot the persisted maximum: %v", err)
	}
	if err := second.admit(ctx, id, 10); err != nil {
		t.Errorf("barrier rejects a genuine advance: %v", err)
	}
}

func TestRecordVerifyRejectsTampering(t *testing.T) {
	sk, _, _ := ci.GenerateKeyPair(ci.Ed25519, -1)
	id, _ := peer.IDFromPrivateKey(sk)

	rec, err := NewRecord(sk, []byte("/ipfs/target"), 1, time.Now().Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := rec.Verify(id); err != nil {
		t.Fatalf("verify clean record: %v", err)
	}

	tampered := *rec
	tampered.Value = []byte("/ipfs/somewhere-else")
	if err := tampered.Verify(id); err == nil {
		t.Errorf("tampered record verified")
	}

	expired, err := NewRecord(sk, []byte("/ipfs/target"), 2, time.Now().Add(-time.Hour), 0)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := expired.Verify(id); err != ErrExpiredRecord {
		t.Errorf("expired record verify = %v, want ErrExpiredRecord", err)
	}
}

func TestRecordRoundtrip(t *testing.T) {
	sk, _, _ := ci.GenerateKeyPair(ci.Ed25519, -1)
	rec, err := NewRecord(sk, []byte("/ipfs/value"), 7, time.Now().Add(time.Hour), 5*time.Minute)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	got, err := UnmarshalRecord(rec.Marshal())
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got.Value) != "/ipfs/value" || got.Sequence != 7 {
		t.Errorf("roundtrip mangled record: %+v", got)
	}
	if got.TTL != uint64(5*time.Minute) {
		t.Errorf("ttl = %d", got.TTL)
	}
}

func TestDNSLinkDelegation(t *testing.T) {
	old := lookupTXT
	defer func() { lookupTXT = old }()
	lookupTXT = func(ctx context.Context, name string) ([]string, error) {
		if name == "_dnslink.docs.example.com" {
			return []string{"dnslink=/ipfs/QmTarget"}, nil
		}
		return nil, ErrResolveFailed
	}

	ns, _, _, _ := newTestNameSystem(t)
	got, err := ns.Resolve(context.Background(), "/ipns/docs.example.com/readme", ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "/ipfs/QmTarget/readme" {
		t.Errorf("dnslink resolve = %q", got)
	}
}

func TestResolveRecursive(t *testing.T) {
	ctx := context.Background()
	ns, id, _, _ := newTestNameSystem(t)

	// A named key pointing at the self name, which points at content.
	sk2, _, err := ci.GenerateKeyPair(ci.Ed25519, -1)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := ns.keys.Put("site", sk2); err != nil {
		t.Fatalf("keystore put: %v", err)
	}
	if _, err := ns.Publish(ctx, SelfKeyName, "/ipfs/final-target", time.Hour); err != nil {
		t.Fatalf("publish self: %v", err)
	}
	res, err := ns.Publish(ctx, "site", "/ipns/"+id.String(), time.Hour)
	if err != nil {
		t.Fatalf("publish site: %v", err)
	}

	got, err := ns.Resolve(ctx, res.Name, ResolveOptions{Recursive: true})
	if err != nil {
		t.Fatalf("recursive resolve: %v", err)
	}
	if got != "/ipfs/final-target" {
		t.Errorf("recursive resolve = %q", got)
	}
	if !strings.HasPrefix(got, "/ipfs/") {
		t.Errorf("recursion stopped early at %q", got)
	}
}
