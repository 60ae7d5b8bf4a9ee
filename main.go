package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"timerlink/config"
	"timerlink/crypto"
	"timerlink/dispatch"
	"timerlink/logging"
	"timerlink/models"
	"timerlink/network"
	"timerlink/role"
	"timerlink/storage"
)

func main() {
	envFile := flag.String("env", ".env", "optional environment file")
	roleFlag := flag.String("role", "", "commander or client (overrides config)")
	nameFlag := flag.String("name", "", "display name (overrides config)")
	forcePicker := flag.Bool("picker", false, "client: always show the commander picker")
	logLevel := flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	logFile := flag.String("log-file", "", "write logs to this file instead of stderr")
	listPeers := flag.Bool("known-peers", false, "print pinned peer keys and exit")
	forgetPeer := flag.String("forget-peer", "", "unpin the key of this peer ID and exit")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("startup failed while loading %s: %v", *envFile, err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}
	if *roleFlag != "" {
		cfg.Role = *roleFlag
	}
	if *nameFlag != "" {
		cfg.DeviceName = *nameFlag
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.New(cfg.LogLevel)
	if *logFile != "" {
		if logger, err = logging.NewFile(cfg.LogLevel, *logFile); err != nil {
			log.Fatalf("startup failed while opening log file: %v", err)
		}
	}
	defer func() {
		_ = logger.Sync()
	}()
	appLog := logging.For(logger, logging.ComponentApp)

	keys, err := crypto.EnsureIdentityKeys(cfg.IdentityKeyPath)
	if err != nil {
		appLog.Fatal("identity keys unavailable", zap.Error(err))
	}
	if fingerprint := keys.Fingerprint(); cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			appLog.Fatal("persist key fingerprint failed", zap.Error(err))
		}
	}

	dataDir := filepath.Dir(cfgPath)
	store, dbPath, err := storage.Open(dataDir, logger)
	if err != nil {
		appLog.Fatal("open database failed", zap.Error(err))
	}
	defer func() {
		if err := store.Close(); err != nil {
			appLog.Warn("database close failed", zap.Error(err))
		}
	}()

	switch {
	case *listPeers:
		printKnownPeers(store)
		return
	case *forgetPeer != "":
		if err := store.RemoveKnownPeer(*forgetPeer); err != nil {
			appLog.Error("forget peer failed", zap.String("peer_id", *forgetPeer), zap.Error(err))
			return
		}
		fmt.Printf("forgot %s\n", *forgetPeer)
		return
	}

	appLog.Info("starting",
		zap.String("device_id", cfg.DeviceID),
		zap.String("device_name", cfg.DeviceName),
		zap.String("role", cfg.Role),
		zap.String("service_type", cfg.ServiceType),
		zap.String("fingerprint", cfg.KeyFingerprint),
		zap.String("config", cfgPath),
		zap.String("database", dbPath),
	)

	queue := dispatch.NewQueue()
	coord := &coordinator{
		identity:   models.PeerIdentity{ID: cfg.DeviceID, DisplayName: cfg.DeviceName},
		store:      store,
		logger:     appLog,
		out:        os.Stdout,
		autoAccept: cfg.AutoAcceptClients,
	}

	common := role.Options{
		Keys:                keys,
		ServiceType:         cfg.ServiceType,
		AppID:               cfg.AppID,
		AppVersion:          cfg.AppVersion,
		InvitationTimeout:   cfg.InvitationTimeout(),
		Queue:               queue,
		Logger:              logger,
		KnownPeerKeyLookup:  store.PinnedKey,
		OnKeyChangeDecision: rejectKeyChange(store, appLog),
		OnPeerAuthenticated: coord.onPeerAuthenticated,
	}

	var manager role.Manager
	switch cfg.Role {
	case config.RoleCommander:
		adv, err := role.NewAdvertiser(role.AdvertiserOptions{
			Options:       common,
			ListenAddress: cfg.ListenAddress(),
			AutoAccept:    cfg.AutoAcceptClients,
		}, coord)
		if err != nil {
			appLog.Fatal("commander setup failed", zap.Error(err))
		}
		coord.advertiser = adv
		manager = adv
		adv.StartAdvertising()
	default:
		original, err := store.OriginalCommanderID()
		if err != nil {
			appLog.Warn("read remembered commander failed", zap.Error(err))
		}
		browser, err := role.NewBrowser(role.BrowserOptions{
			Options:             common,
			OriginalCommanderID: original,
		}, coord)
		if err != nil {
			appLog.Fatal("client setup failed", zap.Error(err))
		}
		coord.browser = browser
		manager = browser
		browser.StartBrowsing(*forcePicker)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readConsole(ctx, queue, coord)

	queue.Run(ctx)

	appLog.Info("shutting down")
	if err := manager.Close(); err != nil {
		appLog.Warn("close failed", zap.Error(err))
	}
}

// readConsole feeds stdin lines to the coordinator on the dispatch queue, one
// at a time.
func readConsole(ctx context.Context, queue *dispatch.Queue, coord *coordinator) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if err := queue.Sync(ctx, func() {
			coord.handleLine(line)
		}); err != nil {
			return
		}
	}
}

func printKnownPeers(store *storage.Store) {
	peers, err := store.ListKnownPeers()
	if err != nil {
		fmt.Fprintf(os.Stderr, "list known peers: %v\n", err)
		return
	}
	if len(peers) == 0 {
		fmt.Println("no known peers")
		return
	}
	for _, p := range peers {
		fmt.Printf("%s  %s  %s\n", p.PeerID, p.KeyFingerprint, p.DisplayName)
		events, err := store.RecentKeyChanges(p.PeerID, 3)
		if err != nil {
			continue
		}
		for _, ev := range events {
			fmt.Printf("    key change %s -> %s: %s\n", ev.OldKeyFingerprint, ev.NewKeyFingerprint, ev.Decision)
		}
	}
}

// rejectKeyChange refuses peers whose key differs from the pinned one and
// records the decision.
func rejectKeyChange(store *storage.Store, logger *zap.Logger) network.KeyChangeDecisionFunc {
	return func(peerID, existing, received string) (bool, error) {
		logger.Warn("peer presented a different identity key",
			zap.String("peer_id", peerID),
			zap.String("pinned", crypto.FingerprintBase64(existing)),
			zap.String("received", crypto.FingerprintBase64(received)),
		)
		err := store.RecordKeyChange(storage.KeyChangeEvent{
			PeerID:            peerID,
			OldKeyFingerprint: crypto.FingerprintBase64(existing),
			NewKeyFingerprint: crypto.FingerprintBase64(received),
			Decision:          storage.KeyChangeRejected,
		})
		if err != nil {
			logger.Warn("record key change failed", zap.Error(err))
		}
		return false, nil
	}
}
