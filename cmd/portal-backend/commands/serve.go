package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meawoppl/claude-code-portal-sub000/internal/authtoken"
	"github.com/meawoppl/claude-code-portal-sub000/internal/clientendpoint"
	"github.com/meawoppl/claude-code-portal-sub000/internal/config"
	"github.com/meawoppl/claude-code-portal-sub000/internal/event"
	"github.com/meawoppl/claude-code-portal-sub000/internal/gatewayserver"
	"github.com/meawoppl/claude-code-portal-sub000/internal/launcherendpoint"
	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/metrics"
	"github.com/meawoppl/claude-code-portal-sub000/internal/proxyendpoint"
	"github.com/meawoppl/claude-code-portal-sub000/internal/repository"
	"github.com/meawoppl/claude-code-portal-sub000/internal/sessionmanager"
	"github.com/meawoppl/claude-code-portal-sub000/internal/truncation"
)

// truncationSweepInterval is how often the backend drains sessions
// SessionManager has flagged as over the transcript row cap.
const truncationSweepInterval = 30 * time.Second

// statsPollInterval is how often the connection-count gauges are
// refreshed from SessionManager's routing table.
const statsPollInterval = 5 * time.Second

var (
	serveListen string
	serveDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the session gateway",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory to load .portal/ overrides from")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = paths.DatabasePath()
	}

	logging.Info().Str("version", Version).Str("dsn", dsn).Msg("Starting portal-backend")

	repo, err := repository.NewSQLiteRepository(dsn)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}
	defer repo.Close()

	mgr := sessionmanager.New(cfg.MaxPendingMessagesPerSession, cfg.MaxPendingMessageAge)
	bus := event.NewBus()
	verifier := buildVerifier(cfg)
	mtx := metrics.New()

	proxy := proxyendpoint.New(repo, mgr, verifier, bus, cfg).WithMetrics(mtx)
	client := clientendpoint.New(repo, mgr, verifier, bus, cfg).WithMetrics(mtx)
	launcher := launcherendpoint.New(mgr, verifier, bus, cfg).WithMetrics(mtx)

	gwCfg := gatewayserver.DefaultConfig()
	gwCfg.Listen = cfg.Listen
	srv := gatewayserver.New(gwCfg, proxy, client, launcher, mtx)

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	sweeper := truncation.New(mgr, repo, cfg.MaxMessagesPerSession, mtx)
	if err := sweeper.Start(sweepCtx, truncationSweepInterval); err != nil {
		return fmt.Errorf("starting truncation scheduler: %w", err)
	}

	go func() {
		logging.Info().Str("listen", cfg.Listen).Msg("Gateway listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("Gateway server error")
		}
	}()

	go pollStats(sweepCtx, mgr, mtx, statsPollInterval)

	go func() {
		// cfg is shared by pointer with proxy/client/launcher, so
		// overwriting *cfg in place propagates reloaded tunables to them
		// without restarting anything; mgr's pending-queue limits are
		// cached at construction time and need the explicit SetLimits call.
		err := config.Watch(sweepCtx, workDir, func(reloaded *config.Config) {
			*cfg = *reloaded
			if serveListen != "" {
				cfg.Listen = serveListen
			}
			mgr.SetLimits(cfg.MaxPendingMessagesPerSession, cfg.MaxPendingMessageAge)
			logging.Info().Msg("reloaded portal-backend config")
		})
		if err != nil && sweepCtx.Err() == nil {
			logging.Warn().Err(err).Msg("config watcher stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("Shutting down gateway...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("Gateway shutdown error")
	}

	logging.Info().Msg("Gateway stopped")
	return nil
}

// pollStats refreshes the connection-count gauges from SessionManager's
// routing table until ctx is cancelled.
func pollStats(ctx context.Context, mgr *sessionmanager.Manager, mtx *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := mgr.Stats()
			mtx.ConnectedProxies.Set(float64(stats.Proxies))
			mtx.ConnectedClients.Set(float64(stats.SessionSubscribers))
			mtx.ConnectedLaunchers.Set(float64(stats.Launchers))
		}
	}
}

// buildVerifier chooses the auth boundary: dev mode accepts any non-empty
// token, matching the original's DEV_MODE bypass; production mode expects
// a real signed-token scheme to be wired into SignedVerifier.VerifyFunc by
// whoever operates this binary, since minting OAuth/cookie-backed tokens
// lives outside this gateway.
func buildVerifier(cfg *config.Config) authtoken.Verifier {
	if cfg.DevMode {
		logging.Warn().Msg("portal-backend running with DevMode auth: any non-empty bearer token is accepted")
		return authtoken.NewDevVerifier()
	}
	logging.Warn().Msg("portal-backend running without a configured SignedVerifier: all requests will be rejected until one is wired in")
	return authtoken.SignedVerifier{}
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
