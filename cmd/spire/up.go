package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"spire/cmd/spire/bundle"
	"spire/pkg/cloud/ec2"
	"spire/pkg/cloud/signer"
	"spire/pkg/host/artifact"
	"spire/pkg/host/bootstrap"
	"spire/pkg/host/events"
	"spire/pkg/host/keystore"
	"spire/pkg/host/lifecycle"
	"spire/pkg/host/notify"
	"spire/pkg/host/objstore"
	"spire/pkg/host/policy"
	"spire/pkg/host/provision"
	"spire/pkg/host/remote"
	"spire/pkg/host/store"
	"spire/pkg/host/terminate"
	"spire/pkg/host/tunnel"
	"spire/pkg/shared/config"
	"spire/pkg/shared/metrics"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Run the lifecycle daemon",
	Long: `Run the daemon in the foreground. It resumes instances left over from a
previous run, then handles launch and terminate requests as they arrive.`,
	Args: cobra.NoArgs,
	RunE: runUp,
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	status := newRuntimeStatus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Store
	dbURL, err := cfg.ResolveDatabaseURL()
	if err != nil {
		return err
	}
	st, err := openStore(ctx, dbURL)
	if err != nil {
		return err
	}
	defer st.Close()
	status.setStore(st.Backend(), true)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Cloud and admission
	cloud := ec2.New(signer.Credentials{
		AccessKeyID:     cfg.AWSAccessKeyID,
		SecretAccessKey: cfg.AWSSecretAccessKey,
		SessionToken:    cfg.AWSSessionToken,
	}, ec2.WithEndpoint(cfg.EC2Endpoint))

	guard, err := policy.New(ctx, policy.Limits{
		InstanceTypes: config.List(cfg.AllowedInstanceTypes),
		Regions:       config.List(cfg.AllowedRegions),
	})
	if err != nil {
		return fmt.Errorf("prepare admission policy: %w", err)
	}

	accounts, err := provision.LoadAccountTable(cfg.AccountTable)
	if err != nil {
		return err
	}
	if cfg.DefaultLoginUser != "" {
		accounts.Default = cfg.DefaultLoginUser
	}

	keyDir, err := config.ExpandHome(cfg.KeyDir)
	if err != nil {
		return err
	}
	keys, err := keystore.New(keyDir)
	if err != nil {
		return err
	}
	prov := provision.New(cloud, st, keys,
		provision.WithAdmitter(guard),
		provision.WithAccountTable(accounts),
		provision.WithMetrics(m),
	)

	// 3. Remote access
	script, err := bundle.NewLocator().Script(cfg.BootstrapScript)
	if err != nil {
		return fmt.Errorf("load bootstrap script: %w", err)
	}
	log.Info("Bootstrap script %s (sha256 %s)", script.Path, script.SHA256[:12])

	hub := events.NewHub()
	go hub.Run(ctx)

	dialer := remote.NewSSHDialer(cfg.ProbeTimeout)
	driver := bootstrap.New(dialer, script.Data, bootstrap.Config{
		RemotePath:    cfg.BootstrapRemotePath,
		CallbackURL:   cfg.BootstrapCallbackURL,
		ServiceKey:    cfg.BootstrapServiceKey,
		ProbeAttempts: cfg.ProbeAttempts,
		ProbeInterval: cfg.ProbeInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		MaxReboots:    cfg.MaxReboots,
	},
		bootstrap.WithMetrics(m),
		bootstrap.WithObserver(phaseObserver(hub)),
	)

	tunnels, err := tunnel.New(dialer, tunnel.Config{
		RemotePort:     cfg.TunnelPort,
		PortRange:      cfg.TunnelPortRange,
		ReadyTimeout:   cfg.TunnelReadyTimeout,
		ServiceCommand: cfg.ServiceCommand,
	}, m)
	if err != nil {
		return err
	}
	defer tunnels.CloseAll()

	// 4. Artifacts
	objects, err := openObjects(ctx, cfg)
	if err != nil {
		status.addReason("object_store_unavailable")
		return err
	}
	status.setObjectStoreReady(true)

	syncer := artifact.New(objects, st, dialer, artifact.Config{
		RestoreDir:  cfg.RestoreDir,
		DownloadDir: cfg.DownloadDir,
		Extensions:  config.List(cfg.ArtifactExtensions),
	}, log, m)

	coord := lifecycle.New(lifecycle.Deps{
		Store:       st,
		Provisioner: prov,
		Bootstrap:   driver,
		Tunnels:     tunnels,
		Artifacts:   syncer,
		Terminator:  terminate.New(st, cloud, cloud, keys, m),
		Keys:        keys,
		HostKeys:    dialer.HostKeys,
		Hub:         hub,
	})

	// 5. Resume and listen
	if err := coord.Resume(ctx); err != nil {
		log.Error("Resume failed: %v", err)
		status.addReason("resume_failed")
	}

	sources := []notify.Source{&notify.Poller{Store: st, Interval: cfg.PollInterval}}
	if st.Backend() == store.BackendPostgres {
		sources = append(sources, notify.NewPGListener(dbURL))
		log.Info("Listening for row changes on channel %s", notify.Channel)
	}
	if cfg.NATSURL != "" {
		sources = append(sources, notify.NewNATSSource(cfg.NATSURL, cfg.NATSSubject))
		log.Info("Subscribing to %s on %s", cfg.NATSSubject, cfg.NATSURL)
	}

	feed := make(chan notify.Event, 64)
	go func() {
		status.setNotifierReady(true)
		if err := notify.Merge(ctx, feed, sources...); err != nil {
			log.Error("Notifier stopped: %v", err)
			status.setNotifierReady(false)
			status.addReason("notifier_failed")
		}
	}()
	go func() {
		if err := coord.Run(ctx, feed); err != nil {
			log.Error("Coordinator stopped: %v", err)
		}
	}()

	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancelPing := context.WithTimeout(ctx, 2*time.Second)
				err := st.Ping(pingCtx)
				cancelPing()
				status.setStore(st.Backend(), err == nil)
				status.setLoad(coord.InFlight(), hub.Len())
			}
		}
	}()

	// 6. HTTP surface
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "pong\n")
	})
	mux.HandleFunc("/runtime/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		snap := status.snapshot()
		if err := json.NewEncoder(w).Encode(&snap); err != nil {
			log.Error("Failed to encode runtime status: %v", err)
		}
	})
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	log.Info("Registering WebSocket handler at /ws/lifecycle")
	mux.Handle("/ws/lifecycle", hub.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed: %v", err)
			status.addReason("http_server_failed")
		}
	}()
	uiOK("Listening", cfg.ListenAddr)

	// 7. Signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	log.Info("spire running. Press Ctrl+C to stop.")
	<-sigCh

	log.Info("Shutting down...")
	ctxShut, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShut()
	if err := srv.Shutdown(ctxShut); err != nil {
		log.Error("Failed to shutdown HTTP server: %v", err)
	}

	// Steps in flight run to completion; open sessions stay ready and are
	// picked up by Resume on the next start.
	cancel()
	coord.Wait()
	log.Info("Goodbye.")
	return nil
}

func openStore(ctx context.Context, dbURL string) (*store.Store, error) {
	if store.DetectBackend(dbURL) == store.BackendSQLite {
		log.Info("Using local sqlite store: %s", dbURL)
	}
	openCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return store.Open(openCtx, dbURL)
}

// openObjects uses the S3 bucket when an endpoint is configured and a
// directory under ~/.spire otherwise.
func openObjects(ctx context.Context, cfg *config.Config) (objstore.Store, error) {
	if cfg.S3Endpoint == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir for object store: %w", err)
		}
		root := filepath.Join(home, ".spire", "objects")
		log.Info("No S3_ENDPOINT provided; storing artifacts under %s", root)
		return objstore.NewDir(root)
	}

	mc, err := objstore.NewMinio(objstore.MinioConfig{
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		Bucket:    cfg.S3Bucket,
		Region:    cfg.S3Region,
	})
	if err != nil {
		return nil, err
	}
	if err := mc.EnsureBucket(ctx, cfg.S3Region); err != nil {
		return nil, err
	}
	return mc, nil
}

// phaseObserver forwards bootstrap phases to websocket clients.
func phaseObserver(hub *events.Hub) bootstrap.Observer {
	return func(instanceID, sessionID string, phase bootstrap.Phase) {
		hub.Publish(events.Event{InstanceID: instanceID, SessionID: sessionID, Phase: string(phase)})
	}
}
