// Command jaxd runs a single jaxbucket peer: it binds an identity key, a
// block store, a sqlite catalog, a libp2p peer host and the sync engine,
// and drains the event bus until terminated.
//
// Grounded on the teacher's cmd/cli/bootstrap_node.go for the
// init/start/stop cobra shape and viper/logrus wiring, generalized from a
// package-level singleton controlled by subcommands to a single foreground
// daemon command, since jaxd has exactly one long-running role rather than
// a family of node types.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jaxbucket/jaxbucket/internal/blockstore"
	"github.com/jaxbucket/jaxbucket/internal/catalog"
	"github.com/jaxbucket/jaxbucket/internal/cryptutil"
	"github.com/jaxbucket/jaxbucket/internal/eventbus"
	"github.com/jaxbucket/jaxbucket/internal/peerhost"
	"github.com/jaxbucket/jaxbucket/internal/syncengine"
	"github.com/jaxbucket/jaxbucket/internal/wire"
	pkgconfig "github.com/jaxbucket/jaxbucket/pkg/config"
)

// pullInterval bounds how often the daemon re-checks every tracked bucket
// against its peers; spec.md leaves scheduling to the embedding
// application, so this is jaxd's own policy, not a protocol constant.
const pullInterval = 30 * time.Second

func main() {
	root := &cobra.Command{Use: "jaxd", Short: "jaxbucket peer daemon"}
	root.AddCommand(runCmd(), keygenCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "start the peer daemon and block until terminated",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay to merge over config/default.yaml")
	return cmd
}

func keygenCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate an identity key file if one does not already exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pub, err := loadOrCreateIdentity(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity: %s\n", pub)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "key-path", "", "path to the identity key file (overrides config)")
	return cmd
}

func run(cmd *cobra.Command, env string) error {
	_ = godotenv.Load()

	cfg, err := pkgconfig.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lv, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		lv = logrus.InfoLevel
	}
	logrus.SetLevel(lv)
	log := logrus.NewEntry(logrus.StandardLogger())

	_, priv, err := loadOrCreateIdentityKey(cfg.Identity.KeyPath)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	store, err := blockstore.New(cfg.Storage.BlockDir, cfg.Storage.BlockCacheSize, nil, nil)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}

	cat, err := catalog.Open(cfg.Storage.CatalogDSN)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hostCfg := peerhost.Config{
		ListenAddr:     cfg.Network.ListenAddr,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		DiscoveryTag:   cfg.Network.DiscoveryTag,
	}
	host, err := peerhost.New(ctx, hostCfg, priv, store, log)
	if err != nil {
		return fmt.Errorf("start peer host: %w", err)
	}
	defer host.Close()
	store.SetPeerFetcher(host)
	host.SetBlockHandler(func(hash [32]byte) ([]byte, bool) {
		data, err := store.Get(hash)
		if err != nil {
			return nil, false
		}
		return data, true
	})

	bus := eventbus.New()
	engine := syncengine.New(cat, store, host, peerhost.PeerIDFromIdentity, priv.Public(), bus, log)

	host.SetPingHandler(engine.HandlePing)
	host.SetFetchBucketHandler(engine.HandleFetchBucket)
	host.SetAnnounceHandler(func(peerID string, msg wire.AnnounceMessage) {
		bus.Push(eventbus.Event{
			Kind:           eventbus.PeerAnnounce,
			BucketID:       msg.BucketID,
			NewLink:        msg.NewLink,
			PreviousLink:   msg.PreviousLink,
			PeerID:         peerID,
			SenderIdentity: msg.SenderIdentity,
		})
	})

	var metricsSrv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		metricsSrv = startMetricsServer(cfg.Metrics.ListenAddr, engine, log)
	}

	go engine.Run(ctx)
	go schedulePulls(ctx, cat, bus, log)

	log.WithField("peer_id", host.ID()).Info("jaxd: started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("jaxd: shutting down")

	cancel()
	bus.Close()
	if metricsSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// schedulePulls periodically re-checks every tracked bucket against its
// peers, since nothing in the wire protocol itself originates a Pull.
func schedulePulls(ctx context.Context, cat *catalog.Catalog, bus *eventbus.Bus, log *logrus.Entry) {
	ticker := time.NewTicker(pullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := cat.ListIDs(ctx)
			if err != nil {
				log.WithError(err).Warn("jaxd: list tracked buckets")
				continue
			}
			for _, id := range ids {
				bus.Push(eventbus.Event{Kind: eventbus.Pull, BucketID: id})
			}
		}
	}
}

func startMetricsServer(addr string, engine *syncengine.Engine, log *logrus.Entry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(engine.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("jaxd: metrics server")
		}
	}()
	return srv
}

// loadOrCreateIdentityKey reads the Ed25519 identity key at path, creating
// a fresh one if the file does not exist.
func loadOrCreateIdentityKey(path string) (cryptutil.PublicKey, cryptutil.PrivateKey, error) {
	if path == "" {
		path = "./jaxd.key"
	}
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return cryptutil.PublicKey{}, nil, fmt.Errorf("identity key %s has wrong length %d", path, len(data))
		}
		priv := cryptutil.PrivateKey(data)
		return priv.Public(), priv, nil
	} else if !os.IsNotExist(err) {
		return cryptutil.PublicKey{}, nil, err
	}

	pub, priv, err := cryptutil.GenerateIdentity()
	if err != nil {
		return cryptutil.PublicKey{}, nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return cryptutil.PublicKey{}, nil, err
		}
	}
	if err := os.WriteFile(path, priv, 0o600); err != nil {
		return cryptutil.PublicKey{}, nil, err
	}
	return pub, priv, nil
}

func loadOrCreateIdentity(path string) (cryptutil.PublicKey, error) {
	if path == "" {
		if cfg, err := pkgconfig.Load(""); err == nil {
			path = cfg.Identity.KeyPath
		}
	}
	pub, _, err := loadOrCreateIdentityKey(path)
	return pub, err
}
