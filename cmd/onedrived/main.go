// Command onedrived is the sync daemon entrypoint: it loads
// configuration, opens the metadata store and content cache, wires the
// Remote Port and auth collaborator, then starts the Delta Ingestor,
// Sync Processor, Status Port, and FUSE mount on the Scheduler, and
// waits for a termination signal to drain everything cooperatively.
// Wiring style grounded on the VertexToEdge-synology-file-cache
// cmd/synology-file-cache/main.go sequential-construction pattern.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/onedrived/onedrived/internal/auth"
	"github.com/onedrived/onedrived/internal/cache"
	"github.com/onedrived/onedrived/internal/config"
	"github.com/onedrived/onedrived/internal/delta"
	"github.com/onedrived/onedrived/internal/logging"
	"github.com/onedrived/onedrived/internal/metrics"
	"github.com/onedrived/onedrived/internal/remote/httpclient"
	"github.com/onedrived/onedrived/internal/retry"
	"github.com/onedrived/onedrived/internal/scheduler"
	"github.com/onedrived/onedrived/internal/status"
	"github.com/onedrived/onedrived/internal/store"
	"github.com/onedrived/onedrived/internal/sync"
	"github.com/onedrived/onedrived/internal/vfs"
)

const (
	taskDeltaIngest     = "delta_ingest"
	taskSyncCycle       = "sync_cycle"
	taskStatusBroadcast = "status_broadcast"
)

func main() {
	configDir := pflag.String("config-dir", "", "Directory containing settings.json (defaults to no file, env-only)")
	metricsAddr := pflag.String("metrics-addr", ":9090", "Bind address for the Prometheus /metrics endpoint")
	tokenEndpoint := pflag.String("token-endpoint", "https://login.microsoftonline.com/common/oauth2/v2.0/token", "OAuth2 token endpoint used to refresh the access token")
	clientID := pflag.String("client-id", "", "OAuth2 client id registered for this daemon")
	scope := pflag.String("scope", "Files.ReadWrite.All offline_access", "OAuth2 scope requested on refresh")
	baseURL := pflag.String("api-base-url", "https://graph.microsoft.com/v1.0/me/drive", "Remote drive API base URL")
	pflag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	paths, err := cfg.EnsureLayout()
	if err != nil {
		logging.Fatal("ensure persistent state layout", logging.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metadataStore, err := store.Open(ctx, paths.MetadataDB)
	if err != nil {
		logging.Fatal("open metadata store", logging.Err(err))
	}
	defer metadataStore.Close()

	contentCache, err := cache.New(paths.DownloadDir, paths.TmpDir)
	if err != nil {
		logging.Fatal("open content cache", logging.Err(err))
	}

	tokenSource, err := auth.New(auth.Config{
		TokenEndpoint: *tokenEndpoint,
		ClientID:      *clientID,
		Scope:         *scope,
		TokenFilePath: paths.DataDir + "/token.json",
	})
	if err != nil {
		logging.Fatal("load OAuth credentials; re-authenticate interactively first", logging.Err(err))
	}

	remoteClient := httpclient.New(httpclient.Config{
		BaseURL: *baseURL,
		RetryConfig: retry.FromSettings(cfg.RetryBackoffBaseMS, cfg.RetryMax),
	}, tokenSource)

	ingestor := delta.New(remoteClient, metadataStore)
	processor := sync.New(metadataStore, remoteClient, contentCache, sync.Config{
		DownloadFolders:           cfg.DownloadFolders,
		LargeUploadThresholdBytes: cfg.LargeUploadThresholdBytes,
		Retry:                     retry.FromSettings(cfg.RetryBackoffBaseMS, cfg.RetryMax),
	})

	bridge := vfs.NewBridge(metadataStore, 256)
	go bridge.Run(ctx)

	fsys := vfs.New(metadataStore, contentCache, remoteClient, bridge, vfs.Config{
		MountPoint: cfg.MountPoint,
		CacheDir:   paths.DownloadDir,
	})

	statusBus := status.NewBroadcaster()

	sched := scheduler.New()
	sched.AddTask(taskDeltaIngest, cfg.DeltaInterval(), func(ctx context.Context) error {
		return ingestor.Run(ctx)
	})
	sched.AddTask(taskSyncCycle, cfg.SyncInterval(), func(ctx context.Context) error {
		statusBus.Update(func(s *status.Snapshot) { s.SyncState = status.SyncRunning })
		err := processor.RunTick(ctx)
		if err == nil {
			if n, hkErr := metadataStore.HouseKeep(ctx, 24*time.Hour); hkErr != nil {
				logging.Warn("housekeeping sweep failed", logging.Err(hkErr))
			} else if n > 0 {
				logging.Debug("housekeeping swept done ProcessingItems", logging.Int64("count", n))
			}
		}
		statusBus.Update(func(s *status.Snapshot) {
			if err != nil {
				s.SyncState = status.SyncError
			} else {
				s.SyncState = status.SyncPaused
			}
		})
		return err
	})
	sched.AddTask(taskStatusBroadcast, 10*time.Second, func(ctx context.Context) error {
		_, authErr := tokenSource.FetchBearer(ctx)
		statusBus.Update(func(s *status.Snapshot) {
			s.Authenticated = authErr == nil
			s.Online = remoteClient.IsOnline()
			s.IsMounted = true
		})
		return nil
	})
	sched.Start(ctx)

	go func() {
		logging.Info("http metrics listening", logging.String("addr", *metricsAddr))
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			logging.Error("metrics server stopped", logging.Err(err))
		}
	}()

	server, err := fsys.Mount()
	if err != nil {
		logging.Fatal("mount FUSE filesystem", logging.Err(err), logging.String("mount_point", cfg.MountPoint))
	}

	logging.Info("onedrived started",
		logging.String("mount_point", cfg.MountPoint),
		logging.String("data_dir", cfg.DataDir),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logging.Info("shutdown signal received, draining scheduler")
	cancel()

	if err := sched.Stop(context.Background(), 30*time.Second); err != nil {
		logging.Warn("scheduler did not drain cleanly", logging.Err(err))
	}

	if err := server.Unmount(); err != nil {
		logging.Warn("unmount FUSE filesystem", logging.Err(err))
	}

	logging.Info("onedrived stopped")
}
