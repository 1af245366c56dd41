// Command manager runs the Manager node: it wires WorkerRegistry,
// TaskEngine, PaymentLedger, ControlLoop, MessageRouter, the WebSocket
// transport, and the admin HTTP surface together and serves them until
// told to stop, mirroring the wiring shape of cmd/api/main.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soitun/effectai-engine/internal/admin"
	"github.com/soitun/effectai-engine/internal/config"
	"github.com/soitun/effectai-engine/internal/control"
	"github.com/soitun/effectai-engine/internal/eventbus"
	"github.com/soitun/effectai-engine/internal/identity"
	"github.com/soitun/effectai-engine/internal/model"
	"github.com/soitun/effectai-engine/internal/payment"
	"github.com/soitun/effectai-engine/internal/router"
	"github.com/soitun/effectai-engine/internal/store"
	"github.com/soitun/effectai-engine/internal/task"
	"github.com/soitun/effectai-engine/internal/telemetry"
	"github.com/soitun/effectai-engine/internal/transport"
	"github.com/soitun/effectai-engine/internal/worker"
)

var (
	version = "v0.1.0"
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "manager",
	Short:   "Manager node for the task marketplace network",
	Version: version,
	RunE:    run,
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.manager.yaml)")
	flags.String("listen", "0.0.0.0", "p2p transport listen host")
	flags.Int("port", 19955, "p2p transport listen port")
	flags.String("redisAddr", "127.0.0.1:6379", "redis address backing the durable store")
	flags.String("signingKeyPath", "", "path to the EdDSA payout signing keystore")
	flags.String("verifyingKeyPath", "", "path to the Groth16 verifying key")
	flags.Bool("requireAccessCodes", true, "require an access code at worker onboarding")
	flags.Bool("withAdmin", true, "mount the admin HTTP surface")
	flags.String("adminJWTSecret", "", "HMAC secret for admin control endpoints")
	flags.String("metricsAddr", ":9095", "address to serve /metrics on")

	for _, name := range []string{"listen", "port", "redisAddr", "signingKeyPath", "verifyingKeyPath", "requireAccessCodes", "withAdmin", "adminJWTSecret", "metricsAddr"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".manager")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("manager: init logger: %w", err)
	}
	defer logger.Sync()

	tracerProvider, err := telemetry.InitTracer(telemetry.Config{
		ServiceName:    "manager",
		ServiceVersion: version,
	}, logger)
	if err != nil {
		return fmt.Errorf("manager: init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		tracerProvider.Shutdown(shutdownCtx)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peerKeys := identity.NewPeerKeyStore("", logger)
	_, localPeerID, err := peerKeys.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("manager: load peer identity: %w", err)
	}
	logger.Info("manager peer identity loaded", zap.String("peer_id", localPeerID.String()))

	signingKeys := identity.NewKeyStore(cfg.SigningKeyPath, logger)
	signer, err := signingKeys.LoadOrCreateSigningKey()
	if err != nil {
		return fmt.Errorf("manager: load signing key: %w", err)
	}

	var verifyingKeyBytes []byte
	if cfg.VerifyingKeyPath != "" {
		verifyingKeyBytes, err = os.ReadFile(cfg.VerifyingKeyPath)
		if err != nil {
			return fmt.Errorf("manager: read verifying key: %w", err)
		}
	}
	verifier, err := payment.NewProofVerifier(verifyingKeyBytes)
	if err != nil {
		logger.Warn("manager: proof verifier unavailable, bulk proof settlement will fail", zap.Error(err))
	}

	kv, err := store.NewKV(ctx, store.Config{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPassword}, logger)
	if err != nil {
		return fmt.Errorf("manager: connect store: %w", err)
	}

	workerStore := store.NewWorkerStore(kv)
	accessCodeStore := store.NewAccessCodeStore(kv)
	taskStore := store.NewTaskStore(kv)
	templateStore := store.NewTemplateStore(kv)
	paymentStore := store.NewPaymentStore(kv)

	bus := eventbus.New(ctx, logger)
	defer bus.Close()

	registry := worker.New(worker.Config{RequireAccessCodes: cfg.RequireAccessCodes}, workerStore, accessCodeStore, bus, logger)
	if err := registry.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("manager: load workers: %w", err)
	}

	ledger := payment.New(ctx, payment.Config{
		PaymentBatchSize: cfg.PaymentBatchSize,
		MaxProofFailures: cfg.MaxProofFailures,
	}, signer, verifier, paymentStore, bus, logger)
	defer ledger.Close()

	knownWorkers, err := workerStore.All(ctx)
	if err != nil {
		return fmt.Errorf("manager: load worker recipients: %w", err)
	}
	recipients := make([]model.Recipient, 0, len(knownWorkers))
	for _, w := range knownWorkers {
		recipients = append(recipients, w.Recipient)
	}
	if err := ledger.LoadFromStore(ctx, recipients); err != nil {
		return fmt.Errorf("manager: load payment nonce counters: %w", err)
	}

	wsTransport := transport.NewWSTransport(localPeerID, logger)
	offerSender := router.NewOfferSender(wsTransport)

	engine := task.New(task.Config{
		AcceptanceTimeout: cfg.TaskAcceptanceTime,
		RejectionCooldown: cfg.RejectionCooldown,
	}, taskStore, templateStore, registry, ledger, bus, offerSender, logger)
	if err := engine.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("manager: load tasks: %w", err)
	}

	identityCfg := router.Identity{
		PeerID:             localPeerID,
		ProtocolVersion:    cfg.ProtocolVersion,
		RequireAccessCodes: cfg.RequireAccessCodes,
		PublicKey:          ledger.PublicKey(),
	}
	rtr := router.New(identityCfg, registry, engine, ledger, templateStore, logger)

	wsTransport.OnMessage(rtr.Handle)
	wsTransport.OnConnect(registry.Connect)
	wsTransport.OnDisconnect(registry.Disconnect)

	loop := control.New(control.Config{
		TickInterval:    cfg.TickInterval,
		StopGracePeriod: cfg.GracefulDrainTimeout,
	}, engine, bus, logger)
	loop.Start(ctx)

	listenAddr := fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port)
	if err := wsTransport.Start(ctx, listenAddr); err != nil {
		return fmt.Errorf("manager: start transport: %w", err)
	}
	defer wsTransport.Close()

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	defer metricsServer.Close()

	var adminServer *http.Server
	if cfg.WithAdmin {
		httpTransport := transport.NewHTTPTransport(localPeerID)
		httpTransport.OnMessage(rtr.Handle)

		surface := admin.New(admin.Config{
			PeerID:             localPeerID,
			Version:            version,
			RequireAccessCodes: cfg.RequireAccessCodes,
			AnnouncedAddresses: []string{listenAddr},
			PublicKey:          ledger.PublicKey(),
			JWTSecret:          cfg.AdminJWTSecret,
		}, engine, registry, loop, httpTransport, logger)

		adminAddr := fmt.Sprintf("%s:%d", cfg.Listen, cfg.Port+1)
		adminServer = &http.Server{Addr: adminAddr, Handler: surface.Router()}
		go func() {
			logger.Info("admin surface listening", zap.String("addr", adminAddr))
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("admin server stopped", zap.Error(err))
			}
		}()
	}

	logger.Info("manager started",
		zap.String("peer_id", localPeerID.String()),
		zap.String("listen", listenAddr),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulDrainTimeout+5*time.Second)
	defer shutdownCancel()

	loop.Stop(shutdownCtx)
	if adminServer != nil {
		adminServer.Shutdown(shutdownCtx)
	}

	logger.Info("manager shutdown complete")
	return nil
}
