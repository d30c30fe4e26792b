package handlers

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"genpost/internal/core"
	"genpost/internal/persistence"

	"github.com/spf13/cobra"
)

// NewContractCmd creates the contract command for stored contracts and user settings
func NewContractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contract",
		Short: "Store contracts and per-user generation settings",
	}

	cmd.AddCommand(newContractAddCmd())
	cmd.AddCommand(newContractListCmd())
	cmd.AddCommand(newContractSettingsCmd())

	return cmd
}

func newContractAddCmd() *cobra.Command {
	var userID, name string

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Validate and store a contract for scheduled jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, body, err := loadContractFile(args[0])
			if err != nil {
				return err
			}
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			stored := &core.StoredContract{UserID: userID, Name: name, Version: c.Version, Body: body}
			if err := a.db.Contracts().Create(ctx, stored); err != nil {
				return err
			}
			fmt.Printf("✅ Stored contract %s (%s v%d)\n", stored.ID, stored.Name, stored.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the contract")
	cmd.Flags().StringVar(&name, "name", "", "contract name (default: file name)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newContractListCmd() *cobra.Command {
	var (
		userID string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's stored contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			list, err := a.db.Contracts().ListByUser(ctx, userID, persistence.ListOptions{Limit: limit})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No contracts stored")
				return nil
			}
			for _, c := range list {
				fmt.Printf("%-36s  v%-3d  %-24s  %s\n", c.ID, c.Version, c.Name, c.CreatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the contracts")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of contracts")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func newContractSettingsCmd() *cobra.Command {
	var (
		userID   string
		model    string
		pack     string
		critique bool
		useRAG   bool
	)

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or update a user's generation settings",
		Long: `Show or update the settings the worker applies to a user's jobs.

Without flags other than --user the current settings are printed.

Examples:
  genpost contract settings --user u1
  genpost contract settings --user u1 --model gpt-4o --critique=false --rag`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			current, err := a.db.UserSettings().Get(ctx, userID)
			switch {
			case errors.Is(err, persistence.ErrNotFound):
				current = &core.UserSettings{UserID: userID, UseCritique: a.cfg.Generation.UseCritique}
			case err != nil:
				return err
			}

			flags := cmd.Flags()
			changed := false
			if flags.Changed("model") {
				current.DefaultModel, changed = model, true
			}
			if flags.Changed("pack") {
				current.PackVersion, changed = pack, true
			}
			if flags.Changed("critique") {
				current.UseCritique, changed = critique, true
			}
			if flags.Changed("rag") {
				current.UseRAG, changed = useRAG, true
			}
			if changed {
				if err := a.db.UserSettings().Upsert(ctx, current); err != nil {
					return err
				}
			}

			fmt.Printf("User:     %s\n", current.UserID)
			fmt.Printf("Model:    %s\n", valueOr(current.DefaultModel, a.cfg.Generation.Model+" (default)"))
			fmt.Printf("Pack:     %s\n", valueOr(current.PackVersion, "-"))
			fmt.Printf("Critique: %t\n", current.UseCritique)
			fmt.Printf("RAG:      %t\n", current.UseRAG)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user to configure")
	cmd.Flags().StringVar(&model, "model", "", "default model for the user's jobs")
	cmd.Flags().StringVar(&pack, "pack", "", "prompt pack version")
	cmd.Flags().BoolVar(&critique, "critique", true, "critique drafts")
	cmd.Flags().BoolVar(&useRAG, "rag", false, "add retrieved site context to prompts")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
