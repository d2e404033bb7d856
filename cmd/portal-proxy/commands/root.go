// Package commands provides the portal-proxy CLI's commands.
package commands

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/meawoppl/claude-code-portal-sub000/internal/logging"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	printLogs bool
	logLevel  string
	logFile   bool
)

var rootCmd = &cobra.Command{
	Use:   "portal-proxy",
	Short: "Wrap a local AI CLI session and tunnel it to the backend gateway",
	Long: `portal-proxy spawns an AI CLI subprocess, persists its output to a
local buffer, and relays it to the backend gateway over a reconnecting
WebSocket. It optionally also shims an attached IDE's stdio, so the IDE
sees the CLI's native protocol unmodified while the same turns are
mirrored to the backend.

Run 'portal-proxy start' to begin a session.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()

		logCfg := logging.Config{
			Level:     logging.ParseLevel(logLevel),
			Output:    os.Stderr,
			Pretty:    printLogs,
			LogToFile: logFile,
		}
		if !printLogs && !logFile {
			logCfg.Level = logging.FatalLevel
		}
		logging.Init(logCfg)

		if logFile {
			logging.Info().Str("version", Version).Str("logFile", logging.GetLogFilePath()).Msg("portal-proxy started with file logging")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to /tmp/portal-proxy-YYYYMMDD-HHMMSS.log")

	rootCmd.AddCommand(startCmd)

	rootCmd.SetVersionTemplate(rootCmd.Use + " " + Version + " (" + BuildTime + ")\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}
