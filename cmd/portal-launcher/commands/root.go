// Package commands provides the portal-launcher CLI's commands.
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
	Use:   "portal-launcher",
	Short: "Register a host with the session gateway and spawn proxy sessions on request",
	Long: `portal-launcher registers with the backend gateway as a launcher agent and
waits for LaunchSession requests, spawning a portal-proxy child process for
each one and reporting its logs and exit status back to the backend.

Run 'portal-launcher run' to begin.`,
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
			logging.Info().Str("version", Version).Str("logFile", logging.GetLogFilePath()).Msg("portal-launcher started with file logging")
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Write logs to /tmp/portal-launcher-YYYYMMDD-HHMMSS.log")

	rootCmd.AddCommand(runCmd)

	rootCmd.SetVersionTemplate(rootCmd.Use + " " + Version + " (" + BuildTime + ")\n")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
