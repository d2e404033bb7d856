package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/meawoppl/claude-code-portal-sub000/internal/backendlink"
	"github.com/meawoppl/claude-code-portal-sub000/internal/clisession"
	"github.com/meawoppl/claude-code-portal-sub000/internal/config"
	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
	"github.com/meawoppl/claude-code-portal-sub000/internal/model"
	"github.com/meawoppl/claude-code-portal-sub000/internal/outputbuffer"
	"github.com/meawoppl/claude-code-portal-sub000/internal/permission"
	"github.com/meawoppl/claude-code-portal-sub000/internal/protocol"
	"github.com/meawoppl/claude-code-portal-sub000/internal/reconnect"
	"github.com/meawoppl/claude-code-portal-sub000/internal/shim"
)

var (
	startDir        string
	startBinary     string
	startBackendURL string
	startAuthToken  string
	startSessionID  string
	startResume     bool
	startReplaces   string
	startLauncherID string
	startShim       bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch a CLI session and tunnel it to the backend gateway",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().StringVar(&startDir, "directory", "", "Working directory for the CLI child (defaults to cwd)")
	startCmd.Flags().StringVar(&startBinary, "binary", "claude", "Path to the AI CLI binary")
	startCmd.Flags().StringVar(&startBackendURL, "backend-url", "ws://127.0.0.1:8443/ws/proxy", "Backend gateway WebSocket URL")
	startCmd.Flags().StringVar(&startAuthToken, "auth-token", "", "Bearer token presented on Register")
	startCmd.Flags().StringVar(&startSessionID, "session-id", "", "Session id to use (generated if omitted)")
	startCmd.Flags().BoolVar(&startResume, "resume", false, "Resume an existing session by --session-id instead of starting fresh")
	startCmd.Flags().StringVar(&startReplaces, "replaces-session-id", "", "Session id this launch supersedes, if any")
	startCmd.Flags().StringVar(&startLauncherID, "launcher-id", "", "Owning launcher id, if started by one")
	startCmd.Flags().BoolVar(&startShim, "shim", false, "Also present the CLI's native stdio to an attached IDE")
}

func runStart(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(startDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	if err := os.MkdirAll(paths.BuffersDir(), 0755); err != nil {
		return fmt.Errorf("creating buffers directory: %w", err)
	}

	cfg, err := config.Load(workDir)
	if err != nil {
		return err
	}

	sessionID := startSessionID
	if sessionID == "" {
		if startResume {
			return fmt.Errorf("--resume requires --session-id")
		}
		sessionID = uuid.NewString()
	}
	resuming := startResume

	logging.Info().Str("session_id", sessionID).Bool("resuming", resuming).Str("dir", workDir).Msg("starting portal-proxy session")

	buf, err := outputbuffer.Load(paths.BufferPath(sessionID), sessionID, cfg.MaxMemoryMessages)
	if err != nil {
		return fmt.Errorf("loading output buffer: %w", err)
	}

	// The CLI's stderr always goes to this process's own stderr; in shim
	// mode stdout carries only the CLI's JSON stream to the IDE.
	stderrW := io.Writer(os.Stderr)
	var ideOut io.Writer = io.Discard
	if startShim {
		ideOut = os.Stdout
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cli, err := clisession.Spawn(ctx, clisession.Options{
		BinaryPath:         startBinary,
		SessionID:          sessionID,
		Resuming:           resuming,
		WorkingDirectory:   workDir,
		ReplayUserMessages: startShim,
	}, stderrW)
	if err != nil {
		return fmt.Errorf("spawning cli: %w", err)
	}

	bridge := shim.New(sessionID, cli, buf, ideOut)
	rb := &reconnectingBackend{}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	cliDone := make(chan struct{})
	go func() {
		defer close(cliDone)
		result, err := bridge.RunCLIToIDEAndBackend(ctx, rb)
		if err != nil {
			logging.Warn().Err(err).Msg("cli pipeline ended with error")
		} else if result.SessionNotFound {
			logging.Warn().Str("session_id", sessionID).Msg("cli reported no matching conversation")
		} else {
			logging.Info().Int("exit_code", result.ExitCode).Msg("cli exited")
		}
		cancel()
	}()

	if startShim {
		go func() {
			if err := bridge.RunIDEToCLI(os.Stdin); err != nil {
				logging.Warn().Err(err).Msg("ide stdin pipeline ended with error")
			}
		}()
	}

	// Populated by the engine's OnSleep callback and consumed by the next
	// dialAndServe call: both run on the single goroutine driving
	// engine.Run, so no synchronization is needed between them.
	var disconnectedAt time.Time
	var disconnectReason string

	engine := reconnect.New(cfg.ReconnectInitialDelay, cfg.ReconnectMaxDelay, cfg.StableConnectionAfter)
	engine.OnSleep(func(delay time.Duration, reason string) {
		logging.Info().Dur("delay", delay).Str("reason", reason).Msg("reconnecting to backend")
		disconnectedAt = time.Now()
		disconnectReason = reason
	})

	hostname, _ := os.Hostname()
	reg := protocol.ProxyRegister{
		Type:              protocol.TypeRegister,
		SessionID:         sessionID,
		SessionName:       filepath.Base(workDir),
		AuthToken:         startAuthToken,
		WorkingDirectory:  workDir,
		Resuming:          resuming,
		ClientVersion:     Version,
		ReplacesSessionID: startReplaces,
		Hostname:          hostname,
		LauncherID:        startLauncherID,
	}

	engineDone := make(chan error, 1)
	go func() {
		engineDone <- engine.Run(ctx, func(ctx context.Context) (time.Duration, error) {
			return dialAndServe(ctx, rb, bridge, reg, cfg, &disconnectedAt, &disconnectReason)
		})
	}()

	select {
	case <-quit:
		logging.Info().Msg("shutting down portal-proxy")
		cancel()
		cli.Close()
	case <-cliDone:
	}

	<-engineDone
	return nil
}

// dialAndServe performs one connect+register+replay+serve cycle against
// the backend and reports how long the connection stayed up, for
// reconnect.Engine's stable-connection backoff reset. disconnectedAt and
// disconnectReason carry state from the previous reconnect.Engine sleep,
// if any; a successful reconnect consumes them into a portal notice and
// resets disconnectedAt to the zero value.
func dialAndServe(ctx context.Context, rb *reconnectingBackend, bridge *shim.Bridge, reg protocol.ProxyRegister, cfg *config.Config, disconnectedAt *time.Time, disconnectReason *string) (time.Duration, error) {
	link, err := backendlink.Dial(ctx, startBackendURL, reg, cfg.RegisterAckTimeout)
	if err != nil {
		return 0, err
	}
	defer link.Close()
	link.StartHeartbeat(ctx, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)

	rb.set(link)
	defer rb.clear()

	if err := bridge.ReplayBuffer(ctx, link); err != nil {
		return 0, err
	}

	if !disconnectedAt.IsZero() {
		downFor := time.Since(*disconnectedAt)
		notice := model.ReconnectNoticeText(downFor, reconnectNoticeReason(*disconnectReason))
		if err := bridge.SendPortalNotice(ctx, link, notice); err != nil {
			logging.Warn().Err(err).Msg("failed to send reconnect portal notice")
		}
		*disconnectedAt = time.Time{}
	}

	connectedAt := time.Now()
	err = link.Serve(ctx, backendlink.Handlers{
		OnInput: func(in protocol.SequencedInput) {
			if text, ok := decodeTextContent(in.Content); ok {
				if err := bridge.SendUserInput(text); err != nil {
					logging.Warn().Err(err).Msg("failed to deliver input to cli")
				}
			}
		},
		OnLegacyInput: func(in protocol.ClaudeInput) {
			if text, ok := decodeTextContent(in.Content); ok {
				if err := bridge.SendUserInput(text); err != nil {
					logging.Warn().Err(err).Msg("failed to deliver legacy input to cli")
				}
			}
		},
		OnPermissionResponse: func(resp protocol.PermissionResponse) {
			bridge.ResolvePermissionFromBackend(permission.Response{
				RequestID:   resp.RequestID,
				Allow:       resp.Allow,
				Input:       resp.Input,
				Permissions: resp.Permissions,
				Reason:      resp.Reason,
			})
		},
	})
	return time.Since(connectedAt), err
}

// reconnectNoticeReason maps an Engine.OnSleep reason to the human-facing
// wording used in the portal notice.
func reconnectNoticeReason(reason string) string {
	switch reason {
	case "server-shutdown":
		return "server restart"
	case "backoff":
		return "reconnect"
	default:
		return reason
	}
}

// decodeTextContent unwraps a SequencedInput/ClaudeInput Content field,
// which carries a JSON-encoded plain-text string.
func decodeTextContent(raw json.RawMessage) (string, bool) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", false
	}
	return text, true
}

// reconnectingBackend implements shim.Backend over whichever
// *backendlink.Link is currently live, swapped out across reconnects by
// dialAndServe. Sends attempted while disconnected fail fast rather than
// blocking until the next connection.
type reconnectingBackend struct {
	mu   sync.RWMutex
	link *backendlink.Link
}

func (r *reconnectingBackend) set(l *backendlink.Link) {
	r.mu.Lock()
	r.link = l
	r.mu.Unlock()
}

func (r *reconnectingBackend) clear() {
	r.mu.Lock()
	r.link = nil
	r.mu.Unlock()
}

func (r *reconnectingBackend) current() *backendlink.Link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.link
}

func (r *reconnectingBackend) SendOutput(ctx context.Context, out protocol.SequencedOutput) error {
	l := r.current()
	if l == nil {
		return fmt.Errorf("backendlink: not connected")
	}
	return l.SendOutput(ctx, out)
}

func (r *reconnectingBackend) SendPermissionRequest(ctx context.Context, req protocol.PermissionRequest) error {
	l := r.current()
	if l == nil {
		return fmt.Errorf("backendlink: not connected")
	}
	return l.SendPermissionRequest(ctx, req)
}
