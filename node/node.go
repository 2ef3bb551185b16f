// Package node is the engine core: it assembles the repository, the
// swarm, the exchange, the DHT, pub/sub and the name system, and owns
// their lifecycle.
package node

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	keystore "github.com/ipfs/go-ipfs-keystore"
	golog "github.com/ipfs/go-log"
	libp2p "github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/driftfs/driftfs/bitswap"
	"github.com/driftfs/driftfs/blockservice"
	"github.com/driftfs/driftfs/blockstore"
	"github.com/driftfs/driftfs/car"
	"github.com/driftfs/driftfs/importer"
	"github.com/driftfs/driftfs/namesys"
	"github.com/driftfs/driftfs/pin"
	"github.com/driftfs/driftfs/routing"
	"github.com/driftfs/driftfs/unixfs"
)

var log = golog.Logger("node")

// Options select which subsystems come up.
type Options struct {
	// Online starts the swarm, DHT, exchange and pub/sub. An offline
	// node still serves every local operation.
	Online bool
}

// Node owns the subsystems and their startup and shutdown order.
type Node struct {
	repo *Repo

	bstore *blockstore.Blockstore
	pins   *pin.Pinner
	blocks *blockservice.BlockService
	keys   keystore.Keystore

	host   host.Host
	dht    *dht.IpfsDHT
	exch   *bitswap.Engine
	router *routing.Facade
	names  *namesys.NameSystem

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles a node over an opened repository.
func New(ctx context.Context, repo *Repo, opts Options) (*Node, error) {
	n := &Node{repo: repo}
	n.ctx, n.cancel = context.WithCancel(ctx)

	var err error
	n.bstore, err = blockstore.Open(repo.BlocksPath())
	if err != nil {
		return nil, err
	}
	n.keys, err = keystore.NewFSKeystore(repo.KeystorePath())
	if err != nil {
		return nil, err
	}

	sk, err := repo.Config().PrivateKey()
	if err != nil {
		return nil, err
	}

	svcOpts := []blockservice.Option{}
	if repo.Config().Datastore.EnableInlining {
		svcOpts = append(svcOpts, blockservice.WithInlining(repo.Config().Datastore.InlineLimit))
	}

	if opts.Online {
		n.host, err = libp2p.New(
			libp2p.Identity(sk),
			libp2p.ListenAddrStrings(repo.Config().Addresses.Swarm...),
		)
		if err != nil {
			return nil, fmt.Errorf("node: building host: %w", err)
		}

		n.dht, err = dht.New(n.ctx, n.host,
			dht.Mode(dht.ModeAuto),
			dht.Datastore(dssync.MutexWrap(ds.NewMapDatastore())),
			dht.Validator(record.NamespacedValidator{
				"pk":   record.PublicKeyValidator{},
				"ipns": routing.NameRecordValidator{},
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("node: building dht: %w", err)
		}
		n.router = routing.NewFacade(n.dht)

		n.exch = bitswap.New(n.host, n.bstore)

		ps, err := pubsub.NewGossipSub(n.ctx, n.host)
		if err != nil {
			return nil, fmt.Errorf("node: building pubsub: %w", err)
		}
		n.names, err = namesys.New(sk, n.keys, n.router, newPubsubAdapter(n.ctx, ps), dssync.MutexWrap(ds.NewMapDatastore()))
		if err != nil {
			return nil, err
		}

		svcOpts = append(svcOpts,
			blockservice.WithExchange(n.exch),
			blockservice.WithRouter(n.router),
			blockservice.WithConnector(n.host),
		)
	}

	n.blocks = blockservice.New(n.bstore, svcOpts...)
	n.pins, err = pin.Open(repo.PinsPath(), n.bstore, n.blocks)
	if err != nil {
		return nil, err
	}
	// The pinner needs the block service for fetches and the block
	// service needs the pinner for put/remove; wire the back edge.
	blockservice.WithPinner(n.pins)(n.blocks)

	return n, nil
}

// Start brings the online subsystems up: exchange stream handlers,
// bootstrap dials, and the discovery walk.
func (n *Node) Start() error {
	if n.host == nil {
		log.Infof("node started offline")
		return nil
	}
	if err := n.exch.Start(n.ctx); err != nil {
		return err
	}
	if err := n.dht.Bootstrap(n.ctx); err != nil {
		return err
	}
	for _, addr := range n.repo.Config().Bootstrap {
		go n.connectBootstrap(addr)
	}
	if interval := n.repo.Config().ReproviderInterval(); interval > 0 {
		go n.reprovideLoop(interval)
	}
	log.Infof("node online as %s", n.host.ID())
	return nil
}

func (n *Node) connectBootstrap(addr string) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		log.Warnf("bad bootstrap address %q: %v", addr, err)
		return
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		log.Warnf("bad bootstrap address %q: %v", addr, err)
		return
	}
	ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
	defer cancel()
	if err := n.host.Connect(ctx, *info); err != nil {
		log.Debugf("bootstrap dial %s: %v", info.ID, err)
	}
}

// reprovideLoop re-announces stored blocks on a fixed cadence. Errors
// are logged and swallowed; the walk is best-effort by design.
func (n *Node) reprovideLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n.reprovide()
		case <-n.ctx.Done():
			return
		}
	}
}

func (n *Node) reprovide() {
	ch, err := n.bstore.AllKeysChan(n.ctx)
	if err != nil {
		log.Warnf("reprovide: %v", err)
		return
	}
	count := 0
	for c := range ch {
		ctx, cancel := context.WithTimeout(n.ctx, time.Minute)
		err := n.router.Provide(ctx, c, true)
		cancel()
		if err != nil {
			log.Debugf("reprovide %s: %v", c, err)
			continue
		}
		count++
	}
	log.Debugf("reprovided %d blocks", count)
}

// Close shuts subsystems down in reverse start order.
func (n *Node) Close() error {
	n.cancel()
	if n.exch != nil {
		n.exch.Close()
	}
	if n.dht != nil {
		if err := n.dht.Close(); err != nil {
			log.Warnf("closing dht: %v", err)
		}
	}
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Accessors used by the CLI and tests.
func (n *Node) Blocks() *blockservice.BlockService { return n.blocks }
func (n *Node) Pins() *pin.Pinner                  { return n.pins }
func (n *Node) Names() *namesys.NameSystem         { return n.names }
func (n *Node) Routing() *routing.Facade           { return n.router }
func (n *Node) Exchange() *bitswap.Engine          { return n.exch }
func (n *Node) Host() host.Host                    { return n.host }

// AddFile chunks r into the repository and optionally pins the root.
func (n *Node) AddFile(ctx context.Context, r io.Reader, opts importer.Options, pinRoot bool) (importer.Result, error) {
	res, err := importer.Add(ctx, n.blocks.BlockPutter(), r, opts)
	if err != nil {
		return importer.Result{}, err
	}
	if pinRoot {
		if err := n.pins.Pin(ctx, res.Cid, true); err != nil {
			return importer.Result{}, err
		}
	}
	log.Infof("added %s (%s)", res.Cid, humanize.Bytes(res.Size))
	return res, nil
}

// CatFile streams the file at path back as bytes.
func (n *Node) CatFile(ctx context.Context, path string) ([]byte, error) {
	c, err := n.ResolvePath(ctx, path)
	if err != nil {
		return nil, err
	}
	return unixfs.ReadAll(ctx, n.blocks, c)
}

// ExportArchive writes the DAGs under roots to w.
func (n *Node) ExportArchive(ctx context.Context, roots []string, w io.Writer) error {
	cids, err := parseCids(roots)
	if err != nil {
		return err
	}
	return car.WriteCar(ctx, n.blocks, cids, w)
}

// ImportArchive reads an archive into the repository, pinning its
// declared roots when asked.
func (n *Node) ImportArchive(ctx context.Context, r io.Reader, pinRoots bool) ([]string, error) {
	roots, err := car.ReadCar(ctx, n.blocks.BlockPutter(), r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(roots))
	for _, c := range roots {
		if pinRoots {
			if err := n.pins.Pin(ctx, c, true); err != nil {
				return nil, err
			}
		}
		out = append(out, c.String())
	}
	return out, nil
}
