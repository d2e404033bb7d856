package protocol

// --- Launcher <-> Backend ------------------------------------------------

const (
	TypeLauncherRegister    = "LauncherRegister"
	TypeLauncherRegisterAck = "LauncherRegisterAck"
	TypeLauncherHeartbeat   = "LauncherHeartbeat"
	TypeLaunchSession       = "LaunchSession"
	TypeLaunchSessionResult = "LaunchSessionResult"
	TypeStopSession         = "StopSession"
	TypeListDirectories     = "ListDirectories"
	TypeListDirectoriesResult = "ListDirectoriesResult"
	TypeProxyLog            = "ProxyLog"
	TypeSessionExited       = "SessionExited"
)

// LauncherRegister is a launcher's registration handshake frame.
type LauncherRegister struct {
	Type         string `json:"type"`
	LauncherID   string `json:"launcher_id"`
	LauncherName string `json:"launcher_name"`
	AuthToken    string `json:"auth_token,omitempty"`
	Hostname     string `json:"hostname"`
	Version      string `json:"version,omitempty"`
}

// LauncherRegisterAck answers a LauncherRegister frame.
type LauncherRegisterAck struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	LauncherID string `json:"launcher_id"`
	Error      string `json:"error,omitempty"`
}

// LauncherHeartbeat reports the launcher's currently running session ids.
type LauncherHeartbeat struct {
	Type            string   `json:"type"`
	LauncherID      string   `json:"launcher_id"`
	RunningSessions []string `json:"running_sessions"`
	UptimeSecs      int64    `json:"uptime_secs"`
}

// LaunchSession asks a launcher to start a new proxy.
type LaunchSession struct {
	Type             string   `json:"type"`
	RequestID        string   `json:"request_id"`
	AuthToken        string   `json:"auth_token,omitempty"`
	WorkingDirectory string   `json:"working_directory"`
	SessionName      string   `json:"session_name,omitempty"`
	ClaudeArgs       []string `json:"claude_args,omitempty"`
}

// LaunchSessionResult answers a LaunchSession request.
type LaunchSessionResult struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	SessionID string `json:"session_id,omitempty"`
	Pid       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StopSession asks a launcher to terminate a running proxy.
type StopSession struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ListDirectories asks a launcher to enumerate a directory on its host.
type ListDirectories struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Path      string `json:"path"`
}

// DirectoryEntry is one entry in a ListDirectoriesResult.
type DirectoryEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
}

// ListDirectoriesResult answers a ListDirectories request.
type ListDirectoriesResult struct {
	Type         string           `json:"type"`
	RequestID    string           `json:"request_id"`
	Entries      []DirectoryEntry `json:"entries,omitempty"`
	Error        string           `json:"error,omitempty"`
	ResolvedPath string           `json:"resolved_path,omitempty"`
}

// ProxyLog relays a launcher-observed proxy log line to the backend's
// structured logger.
type ProxyLog struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// SessionExited reports a proxy process's exit code.
type SessionExited struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
}
