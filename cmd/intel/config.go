package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/compintel/profilesync/internal/config"
	"github.com/compintel/profilesync/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Create or inspect the config file",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write a config file with the built-in defaults",
	Args:        cobra.NoArgs,
	Annotations: map[string]string{skipConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("path")
		force, _ := cmd.Flags().GetBool("force")

		if path == "" {
			path = configFile
		}
		if path == "" {
			path = config.FileName + ".toml"
		}

		if err := config.WriteDefault(path, force); err != nil {
			return err
		}
		abs, _ := filepath.Abs(path)
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), abs)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying the config file, INTEL_*
environment variables and defaults, as TOML.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if used := v.ConfigFileUsed(); used != "" {
			fmt.Printf("# %s\n", used)
		} else {
			fmt.Println("# no config file, using defaults")
		}
		return config.Encode(os.Stdout, v.AllSettings())
	},
}

func init() {
	configInitCmd.Flags().String("path", "", "Where to write the file (default: --config or ./intel.toml)")
	configInitCmd.Flags().BoolP("force", "f", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
