// Package main is the entry point for the jinn worker daemon.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jinnlabs/jinn-worker/internal/agent"
	"github.com/jinnlabs/jinn-worker/internal/allowlist"
	"github.com/jinnlabs/jinn-worker/internal/blueprint"
	"github.com/jinnlabs/jinn-worker/internal/bridge"
	"github.com/jinnlabs/jinn-worker/internal/chain"
	"github.com/jinnlabs/jinn-worker/internal/config"
	"github.com/jinnlabs/jinn-worker/internal/controlapi"
	"github.com/jinnlabs/jinn-worker/internal/engine"
	"github.com/jinnlabs/jinn-worker/internal/gemini"
	"github.com/jinnlabs/jinn-worker/internal/httpsig"
	"github.com/jinnlabs/jinn-worker/internal/ipfs"
	"github.com/jinnlabs/jinn-worker/internal/ledger"
	"github.com/jinnlabs/jinn-worker/internal/models"
	"github.com/jinnlabs/jinn-worker/internal/payload"
	"github.com/jinnlabs/jinn-worker/internal/pkg/response"
	"github.com/jinnlabs/jinn-worker/internal/profile"
	"github.com/jinnlabs/jinn-worker/internal/signproxy"
	"github.com/jinnlabs/jinn-worker/internal/staking"
	"github.com/jinnlabs/jinn-worker/internal/txqueue"
	"github.com/jinnlabs/jinn-worker/internal/venture"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	workerID := ulid.Make().String()
	logger.Info("Starting jinn worker",
		slog.String("worker_id", workerID),
		slog.Int64("chain_id", cfg.Chain.ChainID),
		slog.Bool("ventures_enabled", cfg.Worker.VenturesEnabled),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Unlock the operator profile
	profileStore, err := profile.Load(cfg.Worker.OperatePassword, cfg.Paths.MiddlewarePath, cfg.Chain.ChainID, logger)
	if err != nil {
		log.Fatalf("Failed to unlock profile: %v", err)
	}
	agentEOA, err := profileStore.AgentEOA()
	if err != nil {
		log.Fatalf("Failed to derive agent address: %v", err)
	}
	logger.Info("Profile unlocked", slog.String("agent_eoa", agentEOA.Hex()))

	// Connect to the chain
	backend, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("Failed to dial RPC: %v", err)
	}
	logger.Info("Connected to RPC", slog.String("url", cfg.Chain.RPCURL))

	ipfsClient := ipfs.NewClient(ipfs.Config{
		GatewayURL: cfg.Services.IPFSGatewayURL,
		PinURL:     cfg.Services.ControlAPIURL,
	}, logger)

	chainEngine := chain.NewEngine(backend, profileStore, ipfsClient, logger)

	// Open the local transaction queue
	db, err := txqueue.Open(cfg.Paths.LocalQueueDBPath)
	if err != nil {
		log.Fatalf("Failed to open transaction queue: %v", err)
	}
	defer db.Close()

	rules, err := allowlist.Load(cfg.Paths.AllowlistConfigPath, logger)
	if err != nil {
		log.Fatalf("Failed to load allowlist: %v", err)
	}

	safe, err := profileStore.ServiceSafe()
	if err != nil {
		log.Fatalf("Failed to resolve service safe: %v", err)
	}
	queue := txqueue.NewService(txqueue.NewStore(db), rules, chain.NewQueueSubmitter(chainEngine), txqueue.Identity{
		ChainID:  cfg.Chain.ChainID,
		Strategy: models.ExecutionStrategySafe,
		Address:  safe.Hex(),
	}, workerID, logger)

	// Signed service-plane clients
	key, err := profileStore.AgentPrivateKey()
	if err != nil {
		log.Fatalf("Failed to load agent key: %v", err)
	}
	signer := httpsig.NewSigner(key)
	control := controlapi.NewClient(cfg.Services.ControlAPIURL, signer, logger)
	index := ledger.NewClient(cfg.Services.PonderGraphQLURL, logger)

	// Model credentials
	creds, err := gemini.ParseCredentials(cfg.Gemini.OAuthCredentials)
	if err != nil {
		log.Fatalf("Failed to parse gemini credentials: %v", err)
	}
	rotator := gemini.NewRotator(creds, cfg.Gemini.APIKey, tokenDir(cfg.Paths.MiddlewarePath),
		gemini.NewQuotaChecker(quotaEndpoint(cfg.Services.X402GatewayURL)), logger)

	// Staking scope: explicit config wins, otherwise whatever the profile
	// was onboarded with.
	var stakingAddr common.Address
	if cfg.Staking.Contract != "" {
		stakingAddr = common.HexToAddress(cfg.Staking.Contract)
	} else if addr, err := profileStore.StakingContract(); err == nil {
		stakingAddr = addr
	}

	blueprints := blueprint.NewBuilder(blueprint.Deps{
		Children:  index,
		Summaries: ipfsClient,
		Branches:  blueprint.GitInspector{},
	}, logger)
	payloads := payload.NewBuilder(index, payload.GitBranches{}, "", logger)

	// Register with the credential bridge and pick up any provisioned agent
	// credentials (best effort).
	var extraEnv []string
	if cfg.Services.X402GatewayURL != "" {
		bridgeClient := bridge.NewClient(cfg.Services.X402GatewayURL, signer, logger)
		regCtx, regCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := bridgeClient.RegisterOperator(regCtx); err != nil {
			logger.Warn("operator registration failed", slog.String("error", err.Error()))
		}
		if vals, err := bridgeClient.Credentials(regCtx, "agent"); err == nil {
			keys := make([]string, 0, len(vals))
			for k := range vals {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				extraEnv = append(extraEnv, k+"="+vals[k])
			}
			logger.Info("Hydrated agent credentials", slog.Int("count", len(keys)))
		} else if !errors.Is(err, bridge.ErrNoCredentials) {
			logger.Warn("credential fetch failed", slog.String("error", err.Error()))
		}
		regCancel()
	}

	var (
		eng     *engine.Engine
		watcher *venture.Watcher
	)
	deps := engine.Deps{
		Ledger:      index,
		Control:     control,
		Store:       ipfsClient,
		Marketplace: chainEngine,
		Queue:       queue,
		Mechs:       staking.NewFilter(index, cfg.Staking.RefreshInterval(), logger),
		Quota:       rotator,
		Runner:      agent.NewRunner(filepath.Join(cfg.Paths.MiddlewarePath, "bin", "agent"), logger),
		Situations:  agent.NewSituationBuilder(nil, logger),
		Blueprints:  blueprints,
		Payloads:    payloads,
		NewProxy: func() (engine.Proxy, error) {
			return signproxy.New(profileStore, eng, logger)
		},
		WorkerID:        workerID,
		ChainID:         cfg.Chain.ChainID,
		StakingContract: stakingAddr,
		RepoRoot:        cfg.Paths.MiddlewarePath,
		ExtraEnv:        extraEnv,
	}
	if stakingAddr != (common.Address{}) {
		deps.Checkpoints = staking.NewDriver(chainEngine, stakingAddr, logger)
	} else {
		logger.Warn("no staking contract configured, request discovery and checkpoints stay idle")
	}
	// The watcher dispatches through the engine, so it is constructed after
	// the engine and reached through a late-bound tick.
	if cfg.Worker.VenturesEnabled {
		deps.Ventures = tickerFunc(func(ctx context.Context) error { return watcher.Tick(ctx) })
	}
	eng = engine.New(deps, logger)
	if cfg.Worker.VenturesEnabled {
		watcher = venture.NewWatcher(ventureSource{control}, index, control, eng, logger)
	}

	// Ops surface
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(10 * time.Second))

	r.Get("/healthz", healthHandler(db, workerID))
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.Ops.Addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Ops server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Ops server error: %v", err)
		}
	}()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("engine stopped", slog.String("error", err.Error()))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down worker", slog.String("signal", sig.String()))
	cancel()

	select {
	case <-engineDone:
	case <-time.After(30 * time.Second):
		logger.Warn("engine did not stop before the deadline")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Ops server shutdown error: %v", err)
	}

	logger.Info("Worker stopped gracefully")
}

// tickerFunc adapts a bare function to the engine's Ticker.
type tickerFunc func(ctx context.Context) error

func (f tickerFunc) Tick(ctx context.Context) error { return f(ctx) }

// ventureSource maps control-plane venture rows into the watcher's model.
type ventureSource struct {
	control *controlapi.Client
}

func (s ventureSource) ActiveVentures(ctx context.Context) ([]venture.Venture, error) {
	rows, err := s.control.ActiveVentures(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]venture.Venture, 0, len(rows))
	for _, row := range rows {
		v := venture.Venture{ID: row.ID, Name: row.Name}
		for _, e := range row.ScheduleEntries {
			v.Entries = append(v.Entries, venture.ScheduleEntry{
				ID:         e.ID,
				TemplateID: e.TemplateID,
				Cron:       e.Cron,
				Enabled:    e.Enabled,
			})
		}
		out = append(out, v)
	}
	return out, nil
}

// tokenDir is the directory the agent reads its OAuth token file from.
func tokenDir(middlewarePath string) string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".gemini")
	}
	return filepath.Join(middlewarePath, ".gemini")
}

// quotaEndpoint derives the quota introspection URL from the credential
// bridge. Empty when no bridge is configured; the rotator only probes quota
// when OAuth credentials are present.
func quotaEndpoint(gatewayURL string) string {
	if gatewayURL == "" {
		return ""
	}
	return strings.TrimRight(gatewayURL, "/") + "/quota/gemini"
}

// healthHandler reports liveness plus the local queue's reachability.
func healthHandler(db *sql.DB, workerID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"queue"}`))
			return
		}
		response.OK(w, map[string]string{"status": "ok", "workerId": workerID})
	}
}
