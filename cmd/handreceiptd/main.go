// Command handreceiptd is the HandReceipt authority-node reference
// binary: it wires crypto custody (C1), the audit chain (C2), the
// transfer state machine (C3), the offline queue (C4), the sync
// resolver (C5), the mesh peer layer (C6), the transfer orchestrator
// (C7), and the storage/audit ports (C8) into one process, using a
// single-main-with-subcommand-dispatch layout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/google/uuid"

	"github.com/handreceipt/handreceipt/pkg/appctx"
	"github.com/handreceipt/handreceipt/pkg/audit"
	"github.com/handreceipt/handreceipt/pkg/chain"
	"github.com/handreceipt/handreceipt/pkg/config"
	"github.com/handreceipt/handreceipt/pkg/herrors"
	"github.com/handreceipt/handreceipt/pkg/keystore"
	"github.com/handreceipt/handreceipt/pkg/mesh"
	"github.com/handreceipt/handreceipt/pkg/metrics"
	"github.com/handreceipt/handreceipt/pkg/orchestrator"
	"github.com/handreceipt/handreceipt/pkg/ports"
	"github.com/handreceipt/handreceipt/pkg/propertystore"
	"github.com/handreceipt/handreceipt/pkg/queue"
	"github.com/handreceipt/handreceipt/pkg/transfer"
)

// Exit codes, per the CLI/service surface contract.
const (
	exitSuccess        = 0
	exitGenericFailure = 1
	exitInvalidConfig  = 2
	exitChainCorrupt   = 3
	exitMissingKey     = 4
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitGenericFailure)
	}

	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(os.Args[2:])
	case "migrate":
		err = runMigrate(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "verify-chain":
		err = runVerifyChain(os.Args[2:])
	case "export-chain":
		err = runExportChain(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(exitGenericFailure)
	}

	if err != nil {
		log.Printf("error: %v", err)
		os.Exit(exitCodeFor(err))
	}
}

func printUsage() {
	fmt.Println("handreceiptd - HandReceipt authority node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  handreceiptd init                    Generate key material and data directories")
	fmt.Println("  handreceiptd migrate                 Apply property-directory database migrations")
	fmt.Println("  handreceiptd serve --addr host:port   Run the authority node server")
	fmt.Println("  handreceiptd verify-chain             Verify the on-disk audit chain")
	fmt.Println("  handreceiptd export-chain --from <index>  Dump sealed blocks as JSON from index")
}

// exitCodeFor maps a returned error onto the service's exit-code contract.
func exitCodeFor(err error) int {
	switch herrors.KindOf(err) {
	case herrors.KindChain:
		return exitChainCorrupt
	case herrors.KindValidation:
		return exitInvalidConfig
	case herrors.KindCrypto:
		return exitMissingKey
	default:
		return exitGenericFailure
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, herrors.New(herrors.KindValidation, "main.loadConfig", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, herrors.New(herrors.KindValidation, "main.loadConfig", err)
	}
	return cfg, nil
}

func keystorePassphrase() ([]byte, error) {
	p := os.Getenv("KEYSTORE_PASSPHRASE")
	if len(p) < 16 {
		return nil, herrors.New(herrors.KindCrypto, "main.keystorePassphrase",
			fmt.Errorf("KEYSTORE_PASSPHRASE must be set and at least 16 bytes"))
	}
	return []byte(p), nil
}

// runInit generates (or confirms) this node's signing key and lays out
// its data directories, without starting any server.
func runInit(args []string) error {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.DataDir, cfg.ChainDataDir, cfg.QueueDataDir, cfg.KeyDataDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return herrors.Wrap(herrors.KindStorage, "main.runInit", "mkdir %s: %w", dir, err)
		}
	}

	passphrase, err := keystorePassphrase()
	if err != nil {
		return err
	}

	fileStore, err := keystore.NewFileStore(cfg.KeyDataDir, passphrase, cfg.KDFIterations)
	if err != nil {
		return herrors.New(herrors.KindCrypto, "main.runInit", err)
	}

	ks, err := keystore.LoadOrGenerate(fileStore, "node-signing-key", keystore.Classified)
	if err != nil {
		return herrors.New(herrors.KindCrypto, "main.runInit", err)
	}

	log.Printf("node signing key ready: id=%s public_key=%x", ks.Current().ID, ks.Current().PublicKeyBytes())
	log.Println("handreceiptd init complete")
	return nil
}

// runMigrate applies the property-directory schema if a database is
// configured; a devnet deployment with no DATABASE_URL has nothing to
// migrate.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		log.Println("DATABASE_URL not configured - nothing to migrate")
		return nil
	}

	store, err := propertystore.New(cfg)
	if err != nil {
		return herrors.New(herrors.KindStorage, "main.runMigrate", err)
	}
	defer store.Close()

	if err := store.Migrate(context.Background()); err != nil {
		return herrors.New(herrors.KindStorage, "main.runMigrate", err)
	}
	log.Println("property directory migrations applied")
	return nil
}

// runVerifyChain walks the on-disk chain and reports whether it is
// internally consistent, exiting 3 if not.
func runVerifyChain(args []string) error {
	fs := flag.NewFlagSet("verify-chain", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := chain.NewFileChainStore(cfg.ChainDataDir)
	if err != nil {
		return herrors.New(herrors.KindStorage, "main.runVerifyChain", err)
	}

	c, err := chain.New(context.Background(), store, ports.SystemClock{}, chain.DefaultConfig())
	if err != nil {
		return herrors.New(herrors.KindChain, "main.runVerifyChain", err)
	}

	ok, badIndex := c.VerifyChain()
	if !ok {
		return herrors.New(herrors.KindChain, "main.runVerifyChain",
			fmt.Errorf("chain verification failed at block %d", badIndex))
	}

	log.Printf("chain verified ok: %d blocks", c.BlockCount())
	return nil
}

// runExportChain dumps every sealed block at or after --from as JSON to
// stdout, one block per line.
func runExportChain(args []string) error {
	fs := flag.NewFlagSet("export-chain", flag.ExitOnError)
	from := fs.Uint64("from", 0, "first block index to export")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := chain.NewFileChainStore(cfg.ChainDataDir)
	if err != nil {
		return herrors.New(herrors.KindStorage, "main.runExportChain", err)
	}

	c, err := chain.New(context.Background(), store, ports.SystemClock{}, chain.DefaultConfig())
	if err != nil {
		return herrors.New(herrors.KindChain, "main.runExportChain", err)
	}

	enc := json.NewEncoder(os.Stdout)
	for i := *from; i < c.BlockCount(); i++ {
		b := c.Block(i)
		if b == nil {
			continue
		}
		if err := enc.Encode(b); err != nil {
			return herrors.New(herrors.KindInternal, "main.runExportChain", err)
		}
	}
	return nil
}

// memPropertyStore is a minimal in-memory ports.PropertyStore for a
// devnet deployment with no DATABASE_URL configured: it lets `serve`
// run end to end without a Postgres instance, the same way an
// in-memory map substitutes for a persistent store in other local-dev
// paths.
type memPropertyStore struct {
	mu         sync.Mutex
	properties map[uuid.UUID]*ports.PropertyRecord
}

func newMemPropertyStore() *memPropertyStore {
	return &memPropertyStore{properties: make(map[uuid.UUID]*ports.PropertyRecord)}
}

func (s *memPropertyStore) Get(_ context.Context, id uuid.UUID) (*ports.PropertyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return nil, herrors.New(herrors.KindNotFound, "memPropertyStore.Get", fmt.Errorf("property %s not found", id))
	}
	cp := *p
	return &cp, nil
}

func (s *memPropertyStore) UpdateCustodian(_ context.Context, id uuid.UUID, newCustodian uuid.UUID, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.properties[id]
	if !ok {
		return herrors.New(herrors.KindNotFound, "memPropertyStore.UpdateCustodian", fmt.Errorf("property %s not found", id))
	}
	if p.Version != expectedVersion {
		return herrors.New(herrors.KindConflict, "memPropertyStore.UpdateCustodian", fmt.Errorf("version mismatch for %s", id))
	}
	p.CustodianID = newCustodian
	p.Version++
	return nil
}

func (s *memPropertyStore) ListByCustodian(_ context.Context, custodianID uuid.UUID) ([]*ports.PropertyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ports.PropertyRecord
	for _, p := range s.properties {
		if p.CustodianID == custodianID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

var _ ports.PropertyStore = (*memPropertyStore)(nil)

// runServe brings up the full authority-node server: chain, queue,
// mesh, orchestrator, metrics, and the HTTP surfaces for gossip and
// scraping.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "", "listen address (overrides LISTEN_ADDR)")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	actx := appctx.New(cfg)
	actx.Logger.Printf("starting handreceiptd on %s", cfg.ListenAddr)

	for _, dir := range []string{cfg.DataDir, cfg.ChainDataDir, cfg.QueueDataDir, cfg.KeyDataDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return herrors.Wrap(herrors.KindStorage, "main.runServe", "mkdir %s: %w", dir, err)
		}
	}

	passphrase, err := keystorePassphrase()
	if err != nil {
		return err
	}
	fileStore, err := keystore.NewFileStore(cfg.KeyDataDir, passphrase, cfg.KDFIterations)
	if err != nil {
		return herrors.New(herrors.KindCrypto, "main.runServe", err)
	}
	keys, err := keystore.LoadOrGenerate(fileStore, "node-signing-key", keystore.Classified)
	if err != nil {
		return herrors.New(herrors.KindCrypto, "main.runServe", err)
	}
	log.Printf("✅ signing key ready: %s", keys.Current().ID)

	chainStore, err := chain.NewFileChainStore(cfg.ChainDataDir)
	if err != nil {
		return herrors.New(herrors.KindStorage, "main.runServe", err)
	}

	chainCfg := chain.DefaultConfig()
	chainCfg.BlockSize = cfg.ChainBlockSize
	chainCfg.SealInterval = cfg.ChainSealInterval

	c, err := chain.New(context.Background(), chainStore, actx.Clock, chainCfg)
	if err != nil {
		return herrors.New(herrors.KindChain, "main.runServe", err)
	}
	if ok, badIndex := c.VerifyChain(); !ok {
		return herrors.New(herrors.KindChain, "main.runServe", fmt.Errorf("recovered chain fails verification at block %d", badIndex))
	}
	actx.Logger.Printf("✅ audit chain recovered: %d blocks", c.BlockCount())

	q := queue.New(queue.Config{MaxSize: cfg.QueueMaxSize, MaxRetries: cfg.QueueMaxRetries})

	var properties ports.PropertyStore
	if cfg.DatabaseURL != "" {
		store, err := propertystore.New(cfg)
		if err != nil {
			return herrors.New(herrors.KindStorage, "main.runServe", err)
		}
		defer store.Close()
		properties = store
		log.Println("✅ property directory connected (Postgres)")
	} else {
		properties = newMemPropertyStore()
		log.Println("⚠️ DATABASE_URL not configured - running with an in-memory property directory")
	}

	logSink := audit.NewLogSink(actx.SubLogger("Audit"))
	var auditSink ports.AuditSink = logSink
	if cfg.FirestoreEnabled {
		fsSink, err := audit.NewFirestoreSink(context.Background(), &audit.ClientConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsFile: cfg.FirebaseCredentialsFile,
			Enabled:         true,
		}, "handreceipt_audit_events")
		if err != nil {
			return herrors.New(herrors.KindStorage, "main.runServe", err)
		}
		defer fsSink.Close()
		auditSink = fsSink
		log.Println("✅ Firestore audit mirror enabled")
	}

	orch := orchestrator.New(orchestrator.Config{
		Properties: properties,
		Audit:      auditSink,
		Chain:      c,
		Queue:      q,
		Keys:       keys,
		Clock:      actx.Clock,
	})

	meshCfg := mesh.Config{
		BroadcastInterval: cfg.MeshBroadcastInterval,
		PeerTimeout:       cfg.MeshPeerTimeout,
		MaxPeers:          cfg.MeshMaxPeers,
		AuthTimeout:       cfg.MeshAuthTimeout,
		MaxAuthFailures:   3,
	}

	peerDB, err := dbm.NewGoLevelDB("mesh_peers", cfg.DataDir)
	if err != nil {
		return herrors.New(herrors.KindStorage, "main.runServe", err)
	}
	defer peerDB.Close()
	peerStore := mesh.NewDBPeerStore(peerDB)

	dedupDB, err := dbm.NewGoLevelDB("mesh_dedup", cfg.DataDir)
	if err != nil {
		return herrors.New(herrors.KindStorage, "main.runServe", err)
	}
	defer dedupDB.Close()
	dedup := mesh.NewGossipDedupStore(dedupDB)

	dir := mesh.NewDirectory(meshCfg, actx.Clock, peerStore)
	if err := dir.Load(); err != nil {
		return herrors.New(herrors.KindStorage, "main.runServe", err)
	}

	sender := mesh.NewHTTPSender(5*time.Second, "/gossip")
	forward := func(ctx context.Context, req mesh.TransferRequestPayload, fromPeer uuid.UUID) error {
		_, err := orch.InitiateTransfer(ctx, orchestrator.InitiateRequest{
			PropertyID:         req.PropertyID,
			ToCustodianID:      req.ToCustodianID,
			VerificationMethod: transfer.VerificationMethod(req.Method),
		}, orchestrator.AuthContext{
			CallerID:    fromPeer,
			Permissions: map[orchestrator.Permission]bool{orchestrator.PermissionTransferInitiate: true},
		})
		return err
	}
	handler := mesh.NewHandler(dir, dedup, sender, forward, nil)

	m := metrics.New()
	go reportMetrics(context.Background(), m, c, q, dir)

	mux := http.NewServeMux()
	mux.HandleFunc("/gossip", mesh.HTTPReceiverHandler(handler, mesh.PeerHeaderFromPeer))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", m.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	c.StartSealer(ctx)

	flushCfg := queue.DefaultFlushConfig(noopTransport{}, staticTier{})
	flushCfg.Tick = cfg.QueueFlushTick
	flushLoop := queue.NewFlushLoop(q, flushCfg)
	flushLoop.Start(ctx)

	go func() {
		log.Printf("🌐 HandReceipt authority node listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 shutting down")
	cancel()
	c.StopSealer()
	flushLoop.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown error: %v", err)
	}

	log.Println("✅ handreceiptd stopped")
	return nil
}

// noopTransport is the flush-loop Transport used when no peer has been
// configured to receive queue items yet; delivery always fails so items
// remain queued for retry rather than being silently dropped.
type noopTransport struct{}

func (noopTransport) Send(ctx context.Context, item *queue.Item) error {
	return fmt.Errorf("no transport configured for queue item %s", item.ID)
}

// staticTier reports a fixed network tier; a production deployment
// would swap this for one that samples actual connectivity.
type staticTier struct{}

func (staticTier) CurrentTier() queue.NetworkTier { return queue.TierHighThroughput }

func reportMetrics(ctx context.Context, m *metrics.Registry, c *chain.Chain, q *queue.Queue, dir *mesh.Directory) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ChainBlockCount.Set(float64(c.BlockCount()))
			m.QueueDepth.Set(float64(q.Len()))
			m.MeshPeerCount.Set(float64(len(dir.Snapshot())))
		}
	}
}
