// Command bpad runs a bundle processing agent: it loads a TOML
// configuration file, wires the RIB, stores, dispatcher, CLA manager and
// service registry together, and runs until interrupted.
//
// Grounded on the teacher's cmd/dtnd/main.go: a single config-file
// argument, a parse step that builds the running node, then a block on
// SIGINT before a graceful shutdown.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/dtnstack/bpcore/internal/config"
	"github.com/dtnstack/bpcore/pkg/agent"
	"github.com/dtnstack/bpcore/pkg/bpv7"
	"github.com/dtnstack/bpcore/pkg/cla"
	"github.com/dtnstack/bpcore/pkg/dispatch"
	"github.com/dtnstack/bpcore/pkg/rib"
	"github.com/dtnstack/bpcore/pkg/store"
	"github.com/dtnstack/bpcore/pkg/task"
)

// node is everything main needs to hold onto for a clean shutdown.
type node struct {
	pool    *task.Pool
	manager *cla.Manager
	meta    io.Closer
	bundles io.Closer
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s configuration.toml\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("bpad: loading configuration")
	}
	setupLogging(cfg.Logging)

	n, err := run(cfg)
	if err != nil {
		log.WithError(err).Fatal("bpad: starting")
	}

	waitSigint()

	log.Info("bpad: shutting down")
	n.shutdown()
}

func setupLogging(c config.LoggingConfig) {
	if lvl, err := log.ParseLevel(c.Level); err == nil {
		log.SetLevel(lvl)
	}
	if c.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	log.SetReportCaller(c.ReportCaller)
}

// run builds the full node graph from cfg: RIB, stores, dispatcher, CLA
// manager, service registry, reaper, and (if configured) the static
// routes loader/watcher. It does not block.
func run(cfg *config.Config) (*node, error) {
	nodeID, err := resolveNodeID(cfg.Core.NodeIDs)
	if err != nil {
		return nil, fmt.Errorf("resolving node id: %w", err)
	}
	log.WithField("node", nodeID.String()).Info("bpad: starting")

	r, err := rib.New(nodeID)
	if err != nil {
		return nil, fmt.Errorf("building rib: %w", err)
	}

	metaStore, metaCloser, err := buildMetadataStore(cfg.MetadataStore)
	if err != nil {
		return nil, fmt.Errorf("building metadata store: %w", err)
	}
	bundleStore, bundleCloser, err := buildBundleStore(cfg.BundleStore)
	if err != nil {
		return nil, fmt.Errorf("building bundle store: %w", err)
	}

	d := dispatch.New(nodeID, r, metaStore, bundleStore)
	d.ReportsEnabled = cfg.Core.StatusReports

	pool := task.NewPool(context.Background())

	reaper := dispatch.NewReaper(d, cfg.Core.WaitSampleInterval())
	d.Reaper = reaper
	pool.Go(reaper.Run)

	manager := cla.NewManager(pool.Context(), d, cla.WithMaxForwardingDelay(cfg.Core.MaxForwardingDelay()))
	agent.New(d)

	if err := wireStaticRoutes(r, cfg.StaticRoutes); err != nil {
		return nil, fmt.Errorf("wiring static routes: %w", err)
	}

	for _, claCfg := range cfg.CLAs {
		log.WithField("type", claCfg.Type).WithField("address", claCfg.Address).
			Warn("bpad: no concrete CLA backend registered for this type; configured but inactive")
	}

	return &node{pool: pool, manager: manager, meta: metaCloser, bundles: bundleCloser}, nil
}

func (n *node) shutdown() {
	if n.manager != nil {
		if err := n.manager.Close(); err != nil {
			log.WithError(err).Warn("bpad: closing cla manager")
		}
	}
	if err := n.pool.Shutdown(); err != nil {
		log.WithError(err).Warn("bpad: waiting for background tasks to stop")
	}
	if n.meta != nil {
		if err := n.meta.Close(); err != nil {
			log.WithError(err).Warn("bpad: closing metadata store")
		}
	}
	if n.bundles != nil {
		if err := n.bundles.Close(); err != nil {
			log.WithError(err).Warn("bpad: closing bundle store")
		}
	}
}

// nopCloser lets the memory-backed stores, which own no resources, share
// the same shutdown path as the on-disk backends.
type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func buildMetadataStore(c config.StoreConfig) (store.MetadataStore, io.Closer, error) {
	switch c.Type {
	case "badger":
		s, err := store.NewBadgerMetadataStore(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return store.NewMemoryMetadataStore(), nopCloser{}, nil
	}
}

func buildBundleStore(c config.StoreConfig) (store.BundleStore, io.Closer, error) {
	switch c.Type {
	case "localdisk":
		s, err := store.NewDiskBundleStore(c.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	default:
		return store.NewMemoryBundleStore(), nopCloser{}, nil
	}
}

// wireStaticRoutes loads and, if requested, watches the configured static
// routes file. A watcher is intentionally leaked for the process lifetime,
// matching the teacher's dtnd, which never tears discovery/CLAs down
// individually either: shutdown is the whole process exiting.
func wireStaticRoutes(r *rib.RIB, c config.StaticRoutesConfig) error {
	if c.RoutesFile == "" {
		return nil
	}
	if c.Watch {
		_, err := rib.NewStaticRoutesWatcher(r, c.RoutesFile)
		return err
	}
	entries, err := rib.LoadStaticRoutesFile(c.RoutesFile)
	if err != nil {
		return err
	}
	protocolID := c.ProtocolID
	if protocolID == "" {
		protocolID = rib.StaticProtocolID
	}
	r.ReplaceProtocolRoutes(protocolID, entries)
	return nil
}

// resolveNodeID parses the first configured admin EID, or mints a random
// ipn node number when none is configured.
func resolveNodeID(nodeIDs []string) (bpv7.EndpointID, error) {
	if len(nodeIDs) == 0 {
		return randomNodeID()
	}
	return bpv7.ParseEID(nodeIDs[0])
}

func randomNodeID() (bpv7.EndpointID, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return bpv7.EndpointID{}, fmt.Errorf("generating a random node number: %w", err)
	}
	nodeNumber := binary.BigEndian.Uint64(buf[:]) >> 1 // keep it within int64 range for every backend's arithmetic
	return bpv7.NewIpn(0, nodeNumber, 0, false), nil
}

func waitSigint() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
}
