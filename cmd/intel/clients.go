package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/compintel/profilesync/internal/migrate"
	"github.com/compintel/profilesync/internal/remote"
	"github.com/compintel/profilesync/internal/ui"
)

var clientsCmd = &cobra.Command{
	Use:     "clients",
	GroupID: "data",
	Short:   "Manage a company's client list",
	Long: `Add or remove names in a company's client list.

Writes overwrite the whole list (last write wins). Every open cache picks up
the change on its next push.`,
}

var clientsAddCmd = &cobra.Command{
	Use:   "add <id> <name>",
	Short: "Add a client to a company",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editClients(cmd, args[0], strings.Join(args[1:], " "), true)
	},
}

var clientsRemoveCmd = &cobra.Command{
	Use:   "remove <id> <name>",
	Short: "Remove a client from a company",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return editClients(cmd, args[0], strings.Join(args[1:], " "), false)
	},
}

func editClients(cmd *cobra.Command, id, name string, add bool) error {
	if err := remote.ValidateID(id); err != nil {
		return err
	}

	yes, _ := cmd.Flags().GetBool("yes")
	verb := "Remove"
	if add {
		verb = "Add"
	}
	if !yes && ui.IsTerminal(os.Stdin) {
		ok, err := confirm(fmt.Sprintf("%s %q for %s?", verb, name, id))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Canceled")
			return nil
		}
	}

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var (
		clients []string
		wrote   bool
	)
	if add {
		clients, wrote, err = migrate.AddClient(ctx, store, store, cfg.Store.Collection, id, name)
	} else {
		clients, wrote, err = migrate.RemoveClient(ctx, store, store, cfg.Store.Collection, id, name)
	}
	if err != nil {
		return err
	}

	switch {
	case wrote:
		fmt.Printf("%s %s now has %d clients\n", ui.RenderPass("✓"), id, len(clients))
	case add:
		fmt.Printf("%s %q is already a client of %s\n", ui.RenderWarn("⚠"), name, id)
	default:
		fmt.Printf("%s %q is not a client of %s\n", ui.RenderWarn("⚠"), name, id)
	}
	return nil
}

func confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("confirmation failed: %w", err)
	}
	return ok, nil
}

func init() {
	clientsCmd.PersistentFlags().BoolP("yes", "y", false, "Skip confirmation")
	clientsCmd.AddCommand(clientsAddCmd, clientsRemoveCmd)
	rootCmd.AddCommand(clientsCmd)
}
