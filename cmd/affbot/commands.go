package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kalambet/affbot/internal/approval"
	"github.com/kalambet/affbot/internal/config"
	"github.com/kalambet/affbot/internal/storage"
)

// --- init ---

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and seed the sequence counter",
	Long: `Create the database and seed the sequence counter.

The counter is seeded once. Running init again leaves an existing counter
untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt64("start")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		seeded, err := store.SeedSequence(cmd.Context(), start)
		if err != nil {
			return err
		}
		if seeded {
			printSuccess("Sequence counter seeded at %d", start)
		} else {
			printWarning("Sequence counter already initialized; left unchanged")
		}
		printStatus("Data dir", "%s", cfg.Storage.DataDir)
		return nil
	},
}

func init() {
	initCmd.Flags().Int64("start", 1, "first sequence id to hand out")
}

// --- needs ---

var needsCmd = &cobra.Command{
	Use:   "needs",
	Short: "Review, approve and reject need records",
}

var needsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List need records by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		needs, err := client.listNeeds(cmd.Context(), storage.Status(status), limit)
		if err != nil {
			return err
		}
		if len(needs) == 0 {
			fmt.Printf("No %s needs.\n", status)
			return nil
		}
		printNeedsTable(needs)
		return nil
	},
}

var needsShowCmd = &cobra.Command{
	Use:   "show <sequence_id>",
	Short: "Show one need record in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		n, err := client.getNeed(cmd.Context(), seq)
		if err != nil {
			return err
		}
		printNeed(n)
		return nil
	},
}

var needsApproveCmd = &cobra.Command{
	Use:   "approve <sequence_id> <affiliate_link>",
	Short: "Attach an affiliate link to a pending need",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[0])
		if err != nil {
			return err
		}
		// Fail fast on obviously bad links; the server validates again.
		link, err := approval.ValidateLink(args[1])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		approved, err := client.approve(cmd.Context(), seq, link)
		if err != nil {
			return err
		}
		if !approved {
			printWarning("Need %d is not pending; nothing changed", seq)
			return nil
		}
		printSuccess("Approved need %d", seq)
		return nil
	},
}

var needsRejectCmd = &cobra.Command{
	Use:   "reject <sequence_id>",
	Short: "Delete a need record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := parseSeq(args[0])
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		deleted, err := client.reject(cmd.Context(), seq)
		if err != nil {
			return err
		}
		if !deleted {
			printWarning("Need %d not found", seq)
			return nil
		}
		printSuccess("Deleted need %d", seq)
		return nil
	},
}

func init() {
	needsListCmd.Flags().String("status", string(storage.StatusPending), "pending, approved or sent")
	needsListCmd.Flags().Int("limit", 50, "maximum number of records")
	needsCmd.AddCommand(needsListCmd)
	needsCmd.AddCommand(needsShowCmd)
	needsCmd.AddCommand(needsApproveCmd)
	needsCmd.AddCommand(needsRejectCmd)
}

func parseSeq(raw string) (int64, error) {
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("invalid sequence id %q", raw)
	}
	return seq, nil
}

func printNeedsTable(needs []storage.NeedRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, colorize(color.Bold, "SEQ\tSTATUS\tCONTACT\tQUERY"))
	for _, n := range needs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", n.SequenceID, n.Status, n.Contact, truncate(n.QueryText, 60))
	}
	w.Flush()
}

func printNeed(n storage.NeedRecord) {
	fmt.Printf("%s %d (%s)\n", colorize(color.Bold, "Need"), n.SequenceID, n.Status)
	fmt.Printf("  Contact: %s\n", n.Contact)
	fmt.Printf("  Query:   %s\n", n.QueryText)
	if n.AffiliateLink != "" {
		fmt.Printf("  Link:    %s\n", n.AffiliateLink)
	}
	fmt.Printf("  Created: %s\n", n.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("\n%s\n", n.GeneratedResponse)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// --- work-items ---

var workItemsCmd = &cobra.Command{
	Use:   "work-items",
	Short: "List work items at a pipeline stage (dropped by default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		stage, _ := cmd.Flags().GetString("stage")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		items, err := client.workItems(cmd.Context(), storage.Stage(stage))
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Printf("No work items at stage %s.\n", stage)
			return nil
		}
		for _, it := range items {
			fmt.Printf("%s  %s  %s\n",
				colorize(color.Bold, strconv.FormatInt(it.SequenceID, 10)),
				it.Contact,
				truncate(it.Text, 60),
			)
			if it.LastError != "" {
				fmt.Printf("    %s\n", colorize(color.FgRed, it.LastError))
			}
		}
		return nil
	},
}

func init() {
	workItemsCmd.Flags().String("stage", string(storage.StageDropped), "classify, enrich, done or dropped")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(color.Bold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return fmt.Errorf("%w\nvalid keys: %s", err, strings.Join(config.ValidKeys(), ", "))
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store a secret (API keys, tokens) in the secrets file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetSecret(key, value); err != nil {
			return fmt.Errorf("%w\nsecret keys: %s", err, strings.Join(config.SecretKeys(), ", "))
		}
		printSuccess("Stored %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
