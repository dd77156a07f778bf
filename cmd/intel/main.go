// Command intel keeps a live cache of competitor company profiles and
// serves it to the dashboard.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/compintel/profilesync/internal/config"
)

// Version is set at build time.
var Version = "dev"

const skipConfigAnnotation = "intel.skip-config"

var (
	configFile string

	v      *viper.Viper
	cfg    *config.Config
	logOut *config.LogOutput

	sentryEnabled bool
)

// flagBinding ties a command flag to a config key so that an explicitly
// set flag overrides the file and environment.
type flagBinding struct {
	cmd  *cobra.Command
	flag string
	key  string
}

var flagBindings []flagBinding

func bindFlag(cmd *cobra.Command, flag, key string) {
	flagBindings = append(flagBindings, flagBinding{cmd: cmd, flag: flag, key: key})
}

var rootCmd = &cobra.Command{
	Use:           "intel",
	Short:         "Live company profile cache for competitive intelligence",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Annotations[skipConfigAnnotation] == "true" {
			logOut = config.NewLogOutput(config.LogConfig{})
			return nil
		}

		v = config.New(configFile)
		for _, b := range flagBindings {
			if b.cmd != cmd {
				continue
			}
			if err := v.BindPFlag(b.key, cmd.Flags().Lookup(b.flag)); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", b.flag, err)
			}
		}

		loaded, err := config.Load(v)
		if err != nil {
			return err
		}
		cfg = loaded
		logOut = config.NewLogOutput(cfg.Log)

		if cfg.Sentry.DSN != "" {
			if err := sentry.Init(sentry.ClientOptions{
				Dsn:              cfg.Sentry.DSN,
				Release:          Version,
				Environment:      cfg.Sentry.Environment,
				AttachStacktrace: true,
			}); err != nil {
				logger("main").Printf("Sentry initialization failed: %v", err)
			} else {
				sentryEnabled = true
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if sentryEnabled {
			sentry.Flush(2 * time.Second)
		}
		if logOut != nil {
			_ = logOut.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: ./intel.toml or the user config dir)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)
}

// logger returns a component logger on the shared output.
func logger(component string) *log.Logger {
	if logOut == nil {
		logOut = config.NewLogOutput(config.LogConfig{})
	}
	return logOut.Logger(component)
}

// reportError sends err to Sentry when it is enabled.
func reportError(err error) {
	if sentryEnabled && err != nil {
		sentry.CaptureException(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		reportError(err)
		if sentryEnabled {
			sentry.Flush(2 * time.Second)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
