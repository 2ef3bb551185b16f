// Package bitswap is the want-driven block exchange engine: it
// broadcasts wanted cids to connected peers, answers their wantlists
// and presence probes, ingests delivered blocks and keeps a per-peer
// accounting ledger.
package bitswap

import (
	"context"
	"errors"
	"sync"

	blocks "github.com/ipfs/go-block-format"
	cid "github.com/ipfs/go-cid"
	golog "github.com/ipfs/go-log"
	metrics "github.com/ipfs/go-metrics-interface"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"

	"github.com/driftfs/driftfs/bitswap/message"
)

var log = golog.Logger("bitswap")

var ErrCancelled = errors.New("bitswap: want cancelled")

// Blockstore is the slice of the local store the engine needs.
type Blockstore interface {
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Put(ctx context.Context, blk blocks.Block) error
}

// Stat is a snapshot of engine totals.
type Stat struct {
	BlocksReceived uint64
	DupBlocks      uint64
	BytesSent      uint64
	BytesReceived  uint64
	WantlistLen    int
	Peers          int
}

// Engine coordinates many peers and many wants. One reader task runs
// per inbound stream; every outbound dispatch is its own task.
type Engine struct {
	host    host.Host
	bstore  Blockstore
	wants   *wantTable
	ledgers *ledgerBook

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	greetedMu sync.Mutex
	greeted   map[peer.ID]struct{}
	notifiee  *network.NotifyBundle

	statMu sync.Mutex
	stat   Stat

	blocksRecvd metrics.Counter
	dupsRecvd   metrics.Counter
}

func New(h host.Host, bstore Blockstore) *Engine {
	return &Engine{
		host:    h,
		bstore:  bstore,
		wants:   newWantTable(),
		ledgers: newLedgerBook(),
		greeted: make(map[peer.ID]struct{}),
	}
}

// Start registers the stream handlers and begins greeting peers with
// the current wantlist once their identity is established.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.blocksRecvd = metrics.NewCtx(e.ctx, "blocks_received", "Blocks received over the exchange.").Counter()
	e.dupsRecvd = metrics.NewCtx(e.ctx, "dup_blocks_received", "Duplicate blocks received.").Counter()

	for _, id := range protocolIDs() {
		e.host.SetStreamHandler(id, e.handleNewStream)
	}

	sub, err := e.host.EventBus().Subscribe(new(event.EvtPeerIdentificationCompleted))
	if err != nil {
		return err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer sub.Close()
		for {
			select {
			case ev, ok := <-sub.Out():
				if !ok {
					return
				}
				p := ev.(event.EvtPeerIdentificationCompleted).Peer
				e.greet(p)
			case <-e.ctx.Done():
				return
			}
		}
	}()

	// Hosts without an identify service (tests, blank hosts) still get
	// greeted on raw connection.
	e.notifiee = &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.greet(c.RemotePeer())
			}()
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			e.greetedMu.Lock()
			delete(e.greeted, c.RemotePeer())
			e.greetedMu.Unlock()
		},
	}
	e.host.Network().Notify(e.notifiee)
	return nil
}

func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.notifiee != nil {
		e.host.Network().StopNotify(e.notifiee)
	}
	for _, id := range protocolIDs() {
		e.host.RemoveStreamHandler(id)
	}
	e.wg.Wait()
}

// greet sends the full current wantlist to a newly identified peer,
// once. Inbound streams also greet first, so our wants always precede
// processing of the peer's.
func (e *Engine) greet(p peer.ID) {
	e.greetedMu.Lock()
	_, done := e.greeted[p]
	if !done {
		e.greeted[p] = struct{}{}
	}
	e.greetedMu.Unlock()
	if done {
		return
	}
	wanted := e.wants.wanted()
	if len(wanted) == 0 {
		return
	}
	msg := message.New(true)
	for _, c := range wanted {
		msg.AddEntry(c, 1, message.WantBlock, true)
	}
	e.sendAsync(p, msg)
}

// GetBlock registers a want and waits for a delivery. It fails only on
// the caller's cancellation; peer failures never surface here.
func (e *Engine) GetBlock(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	w := newWaiter()
	if first := e.wants.addWaiter(c, w); first {
		log.Debugf("block needed: %s", c)
		e.broadcastWant(c)
	}
	select {
	case blk, ok := <-w.ch:
		if !ok || blk == nil {
			return nil, ErrCancelled
		}
		return blk, nil
	case <-ctx.Done():
		w.deliver(nil)
		e.wants.dropWaiter(c, w)
		return nil, ctx.Err()
	}
}

// Unwant drops c entirely, cancelling every pending waiter.
func (e *Engine) Unwant(c cid.Cid) {
	for _, w := range e.wants.settle(c) {
		w.deliver(nil)
	}
}

// NotifyNewBlock makes a locally produced or received block visible:
// waiters are signalled, peers that asked for it are served, and
// standing want broadcasts are cancelled. Callers persist the block
// before notifying, so waiters always observe a stored block.
func (e *Engine) NotifyNewBlock(blk blocks.Block) {
	c := blk.Cid()

	e.wants.mu.Lock()
	entry, ok := e.wants.m[c]
	var peersWanting []peer.ID
	if ok {
		delete(e.wants.m, c)
		for p := range entry.peers {
			peersWanting = append(peersWanting, p)
		}
	}
	e.wants.mu.Unlock()
	if !ok {
		return
	}

	for w := range entry.waiters {
		w.deliver(blk)
	}
	for _, p := range peersWanting {
		e.sendBlockAsync(p, blk)
	}
	e.sendCancels(c)
}

// Found is the remote-delivery entry point; same settlement path.
func (e *Engine) Found(blk blocks.Block) {
	e.NotifyNewBlock(blk)
}

func (e *Engine) Wantlist() []cid.Cid { return e.wants.wanted() }

func (e *Engine) LedgerForPeer(p peer.ID) Ledger {
	return e.ledgers.ledger(p).Snapshot()
}

func (e *Engine) Stat() Stat {
	e.statMu.Lock()
	defer e.statMu.Unlock()
	s := e.stat
	s.WantlistLen = e.wants.len()
	s.Peers = len(e.ledgers.peers())
	return s
}

// broadcastWant tells every connected peer about a fresh want: one
// dispatch task per peer, fire and forget. A dial failure kills only
// that peer's branch.
func (e *Engine) broadcastWant(c cid.Cid) {
	msg := message.New(false)
	msg.AddEntry(c, 1, message.WantBlock, true)
	for _, p := range e.host.Network().Peers() {
		e.sendAsync(p, msg)
	}
}

// sendCancels retracts a want from every connected peer.
func (e *Engine) sendCancels(c cid.Cid) {
	msg := message.New(false)
	msg.AddCancel(c)
	for _, p := range e.host.Network().Peers() {
		e.sendAsync(p, msg)
	}
}

func (e *Engine) sendAsync(p peer.ID, msg *message.Message) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.send(p, msg); err != nil {
			log.Debugf("send to %s failed: %v", p, err)
		}
	}()
}

// send negotiates the newest protocol the peer accepts and writes one
// message on a fresh stream. Want-have entries are downgraded for
// revisions that predate presences.
func (e *Engine) send(p peer.ID, msg *message.Message) error {
	if e.ctx == nil {
		return errors.New("bitswap: engine not started")
	}
	s, err := e.host.NewStream(e.ctx, p, protocolIDs()...)
	if err != nil {
		return err
	}
	defer s.Close()
	v := variantFor(s.Protocol())
	out := msg
	if !v.supportsHave {
		out = downgrade(msg)
		if out.Empty() {
			return nil
		}
	}
	if err := out.WriteTo(s, v.legacyBlocks); err != nil {
		s.Reset()
		return err
	}

	l := e.ledgers.ledger(p)
	for _, b := range out.Blocks() {
		l.sentBytes(len(b.RawData()))
		e.statMu.Lock()
		e.stat.BytesSent += uint64(len(b.RawData()))
		e.statMu.Unlock()
	}
	return nil
}

// downgrade strips 1.2.0-only features for older peers: want-haves are
// dropped, send-dont-have flags cleared, presences removed.
func downgrade(msg *message.Message) *message.Message {
	out := message.New(msg.Full())
	for _, en := range msg.Wantlist() {
		switch {
		case en.Cancel:
			out.AddCancel(en.Cid)
		case en.WantType == message.WantBlock:
			out.AddEntry(en.Cid, en.Priority, message.WantBlock, false)
		}
	}
	for _, b := range msg.Blocks() {
		out.AddBlock(b)
	}
	return out
}

func (e *Engine) sendBlockAsync(p peer.ID, blk blocks.Block) {
	msg := message.New(false)
	msg.AddBlock(blk)
	e.sendAsync(p, msg)
}

// handleNewStream is the per-connection reader task: decode messages
// until the peer hangs up. A decode error terminates the stream, never
// the engine.
func (e *Engine) handleNewStream(s network.Stream) {
	p := s.Conn().RemotePeer()
	e.greet(p)

	v := variantFor(s.Protocol())
	reader := msgio.NewVarintReaderSize(s, network.MessageSizeMax)
	defer s.Close()
	for {
		msg, err := message.FromReader(reader)
		if err != nil {
			if e.ctx != nil && e.ctx.Err() != nil {
				return
			}
			log.Debugf("stream from %s closed: %v", p, err)
			s.Reset()
			return
		}
		e.processMessage(p, v, msg)
	}
}

// processMessage applies one inbound message. Wantlist entries are
// handled in wire order; block and presence work is dispatched to
// separate tasks. Nothing here raises to the caller.
func (e *Engine) processMessage(p peer.ID, v variant, msg *message.Message) {
	for _, en := range msg.Wantlist() {
		switch {
		case en.Cancel:
			e.wants.dropPeerWant(en.Cid, p)
		case en.WantType == message.WantHave && v.supportsHave:
			e.wg.Add(1)
			go func(en message.Entry) {
				defer e.wg.Done()
				e.answerPresence(p, en)
			}(en)
		default:
			e.wants.addPeerWant(en.Cid, p)
			e.wg.Add(1)
			go func(c cid.Cid) {
				defer e.wg.Done()
				e.answerWant(p, c)
			}(en.Cid)
		}
	}

	for _, blk := range msg.Blocks() {
		e.receiveBlock(p, blk)
	}

	for _, pr := range msg.Presences() {
		switch pr.Type {
		case message.PresenceDontHave:
			log.Debugf("%s does not have %s", p, pr.Cid)
		case message.PresenceHave:
			// The peer holds something we may still want; ask for
			// the block directly.
			if e.stillWanted(pr.Cid) {
				req := message.New(false)
				req.AddEntry(pr.Cid, 1, message.WantBlock, false)
				e.sendAsync(p, req)
			}
		}
	}

	if msg.PendingBytes() > 0 {
		log.Debugf("%s reports %d pending bytes", p, msg.PendingBytes())
	}
}

func (e *Engine) stillWanted(c cid.Cid) bool {
	e.wants.mu.Lock()
	defer e.wants.mu.Unlock()
	en, ok := e.wants.m[c]
	return ok && len(en.waiters) > 0
}

// answerPresence probes the local store and reports HAVE, or DONT_HAVE
// when the peer asked for negative answers too.
func (e *Engine) answerPresence(p peer.ID, en message.Entry) {
	ctx := e.ctx
	have, err := e.bstore.Has(ctx, en.Cid)
	if err != nil {
		log.Warnf("presence probe for %s: %v", en.Cid, err)
		return
	}
	msg := message.New(false)
	switch {
	case have:
		msg.AddPresence(en.Cid, message.PresenceHave)
	case en.SendDontHave:
		msg.AddPresence(en.Cid, message.PresenceDontHave)
	default:
		return
	}
	if err := e.send(p, msg); err != nil {
		log.Debugf("presence reply to %s failed: %v", p, err)
	}
}

// answerWant serves a want-block from local storage on a fresh stream.
// Absent blocks are left for the want table; if the block arrives later
// the peer is served from NotifyNewBlock.
func (e *Engine) answerWant(p peer.ID, c cid.Cid) {
	blk, err := e.bstore.Get(e.ctx, c)
	if err != nil {
		log.Debugf("peer %s wants %s: not held locally", p, c)
		return
	}
	e.wants.dropPeerWant(c, p)
	if err := e.send(p, blockMessage(blk)); err != nil {
		log.Debugf("block send to %s failed: %v", p, err)
	}
}

func blockMessage(blk blocks.Block) *message.Message {
	msg := message.New(false)
	msg.AddBlock(blk)
	return msg
}

// receiveBlock ingests one delivered block: account it, persist it,
// settle waiters. A block nobody wants is still stored; a block whose
// bytes hashed to a different cid than any want simply settles nothing.
func (e *Engine) receiveBlock(p peer.ID, blk blocks.Block) {
	size := len(blk.RawData())
	e.ledgers.ledger(p).receivedBytes(size)

	dup := false
	if have, err := e.bstore.Has(e.ctx, blk.Cid()); err == nil && have {
		dup = true
	}

	e.statMu.Lock()
	e.stat.BlocksReceived++
	e.stat.BytesReceived += uint64(size)
	if dup {
		e.stat.DupBlocks++
	}
	e.statMu.Unlock()
	e.blocksRecvd.Inc()
	if dup {
		e.dupsRecvd.Inc()
	} else if err := e.bstore.Put(e.ctx, blk); err != nil {
		log.Errorf("persisting block %s from %s: %v", blk.Cid(), p, err)
		return
	}
	// Settle even duplicates: a waiter may have registered between the
	// local-store check and the want registration.
	e.NotifyNewBlock(blk)
}
