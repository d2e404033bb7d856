package commands

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meawoppl/claude-code-portal-sub000/internal/config"
	"github.com/meawoppl/claude-code-portal-sub000/internal/launcherlink"
	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub000/internal/reconnect"
)

var (
	runBackendURL      string
	runBackendProxyURL string
	runAuthToken       string
	runLauncherID      string
	runName            string
	runProxyBinary     string
)

// heartbeatInterval is how often this launcher reports its running
// session ids to the backend.
const heartbeatInterval = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with the backend gateway and spawn proxy sessions on request",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().StringVar(&runBackendURL, "backend-url", "ws://127.0.0.1:8443/ws/launcher", "Backend gateway WebSocket URL")
	runCmd.Flags().StringVar(&runBackendProxyURL, "backend-proxy-url", "", "Backend gateway proxy WebSocket URL handed to spawned portal-proxy children (defaults to --backend-url with /ws/launcher swapped for /ws/proxy)")
	runCmd.Flags().StringVar(&runAuthToken, "auth-token", "", "Bearer token presented on Register")
	runCmd.Flags().StringVar(&runLauncherID, "launcher-id", "", "Launcher id to register as (generated if omitted)")
	runCmd.Flags().StringVar(&runName, "name", "", "Human-readable launcher name")
	runCmd.Flags().StringVar(&runProxyBinary, "proxy-binary", "portal-proxy", "Path to the portal-proxy binary to spawn per session")
}

func runRun(cmd *cobra.Command, args []string) error {
	launcherID := runLauncherID
	if launcherID == "" {
		launcherID = uuid.NewString()
	}
	hostname, _ := os.Hostname()

	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	logging.Info().Str("launcher_id", launcherID).Str("backend_url", runBackendURL).Msg("starting portal-launcher")

	l := &launcher{
		launcherID:  launcherID,
		startedAt:   time.Now(),
		proxyBinary: runProxyBinary,
		sessions:    make(map[string]*runningSession),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logging.Info().Msg("shutting down portal-launcher")
		l.stopAll()
		cancel()
	}()

	engine := reconnect.New(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay, cfg.StableConnectionAfter)
	engine.OnSleep(func(delay time.Duration, reason string) {
		logging.Info().Dur("delay", delay).Str("reason", reason).Msg("reconnecting to backend")
	})

	reg := protocol.LauncherRegister{
		Type:         protocol.TypeLauncherRegister,
		LauncherID:   launcherID,
		LauncherName: runName,
		AuthToken:    runAuthToken,
		Hostname:     hostname,
		Version:      Version,
	}

	return engine.Run(ctx, func(ctx context.Context) (time.Duration, error) {
		return l.dialAndServe(ctx, reg, cfg)
	})
}

// runningSession tracks one spawned portal-proxy child process.
type runningSession struct {
	cmd *exec.Cmd
}

// launcher owns the set of portal-proxy child processes this agent has
// spawned, and relays their lifecycle back to the backend over whichever
// *launcherlink.Link is currently live.
type launcher struct {
	launcherID  string
	startedAt   time.Time
	proxyBinary string

	mu       sync.Mutex
	link     *launcherlink.Link
	sessions map[string]*runningSession
}

func (l *launcher) setLink(link *launcherlink.Link) {
	l.mu.Lock()
	l.link = link
	l.mu.Unlock()
}

func (l *launcher) runningSessionIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	return ids
}

func (l *launcher) stopAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sessions {
		_ = s.cmd.Process.Signal(syscall.SIGTERM)
	}
}

func (l *launcher) dialAndServe(ctx context.Context, reg protocol.LauncherRegister, cfg *config.Config) (time.Duration, error) {
	link, err := launcherlink.Dial(ctx, runBackendURL, reg, cfg.RegisterAckTimeout)
	if err != nil {
		return 0, err
	}
	defer link.Close()

	l.setLink(link)
	defer l.setLink(nil)

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go l.heartbeatLoop(hbCtx, link, reg.LauncherID)

	connectedAt := time.Now()
	err = link.Serve(ctx, launcherlink.Handlers{
		OnLaunchSession:   func(req protocol.LaunchSession) { l.handleLaunchSession(ctx, link, req) },
		OnStopSession:     func(req protocol.StopSession) { l.handleStopSession(req) },
		OnListDirectories: func(req protocol.ListDirectories) { l.handleListDirectories(ctx, link, req) },
	})
	return time.Since(connectedAt), err
}

func (l *launcher) heartbeatLoop(ctx context.Context, link *launcherlink.Link, launcherID string) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := link.SendHeartbeat(ctx, launcherID, l.runningSessionIDs(), time.Since(l.startedAt)); err != nil {
				logging.Warn().Err(err).Msg("failed to send heartbeat")
			}
		}
	}
}

func (l *launcher) handleLaunchSession(ctx context.Context, link *launcherlink.Link, req protocol.LaunchSession) {
	sessionID := uuid.NewString()

	proxyArgs := []string{
		"start",
		"--directory", req.WorkingDirectory,
		"--session-id", sessionID,
		"--backend-url", backendProxyURL(),
		"--launcher-id", l.launcherID,
	}
	if req.AuthToken != "" {
		proxyArgs = append(proxyArgs, "--auth-token", req.AuthToken)
	}
	proxyArgs = append(proxyArgs, req.ClaudeArgs...)

	cmd := exec.CommandContext(context.Background(), l.proxyBinary, proxyArgs...)
	cmd.Dir = req.WorkingDirectory

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		l.respondLaunchFailure(ctx, link, req.RequestID, err)
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		l.respondLaunchFailure(ctx, link, req.RequestID, err)
		return
	}

	l.mu.Lock()
	l.sessions[sessionID] = &runningSession{cmd: cmd}
	l.mu.Unlock()

	go l.pumpProxyLogs(ctx, link, sessionID, stdout)
	go l.awaitExit(ctx, link, sessionID, cmd)

	if err := link.SendLaunchSessionResult(ctx, protocol.LaunchSessionResult{
		RequestID: req.RequestID,
		Success:   true,
		SessionID: sessionID,
		Pid:       cmd.Process.Pid,
	}); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("failed to send launch result")
	}
}

func (l *launcher) respondLaunchFailure(ctx context.Context, link *launcherlink.Link, requestID string, err error) {
	if serr := link.SendLaunchSessionResult(ctx, protocol.LaunchSessionResult{RequestID: requestID, Success: false, Error: err.Error()}); serr != nil {
		logging.Warn().Err(serr).Msg("failed to send launch failure result")
	}
}

func (l *launcher) pumpProxyLogs(ctx context.Context, link *launcherlink.Link, sessionID string, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := link.SendProxyLog(ctx, sessionID, "info", scanner.Text()); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("failed to relay proxy log")
		}
	}
}

func (l *launcher) awaitExit(ctx context.Context, link *launcherlink.Link, sessionID string, cmd *exec.Cmd) {
	err := cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()

	if serr := link.SendSessionExited(ctx, sessionID, code); serr != nil {
		logging.Warn().Err(serr).Str("session_id", sessionID).Msg("failed to report session exit")
	}
}

func (l *launcher) handleStopSession(req protocol.StopSession) {
	l.mu.Lock()
	s, ok := l.sessions[req.SessionID]
	l.mu.Unlock()
	if !ok {
		logging.Warn().Str("session_id", req.SessionID).Msg("stop requested for unknown session")
		return
	}
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logging.Warn().Err(err).Str("session_id", req.SessionID).Msg("failed to signal proxy process")
	}
}

func (l *launcher) handleListDirectories(ctx context.Context, link *launcherlink.Link, req protocol.ListDirectories) {
	entries, err := os.ReadDir(req.Path)
	if err != nil {
		if serr := link.SendListDirectoriesResult(ctx, protocol.ListDirectoriesResult{RequestID: req.RequestID, Error: err.Error()}); serr != nil {
			logging.Warn().Err(serr).Msg("failed to send list-directories error result")
		}
		return
	}

	result := protocol.ListDirectoriesResult{RequestID: req.RequestID, ResolvedPath: req.Path}
	for _, e := range entries {
		result.Entries = append(result.Entries, protocol.DirectoryEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	if err := link.SendListDirectoriesResult(ctx, result); err != nil {
		logging.Warn().Err(err).Msg("failed to send list-directories result")
	}
}

// backendProxyURL returns the proxy-registration WebSocket URL handed to
// spawned portal-proxy children. An explicit --backend-proxy-url always
// wins; otherwise it's derived from --backend-url, since both endpoints
// normally share the same host and differ only in path.
func backendProxyURL() string {
	if runBackendProxyURL != "" {
		return runBackendProxyURL
	}
	if strings.HasSuffix(runBackendURL, "/ws/launcher") {
		return strings.TrimSuffix(runBackendURL, "/ws/launcher") + "/ws/proxy"
	}
	return runBackendURL
}
