package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wnpchat "github.com/wnp-labs/wnp-chat/sdk/golang"
)

var onlineJSON bool

func init() {
	onlineCmd.Flags().BoolVar(&onlineJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(onlineCmd)
	rootCmd.AddCommand(presenceCmd)
}

// ============================================================================
// status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status <online|away|busy|offline>",
	Short: "Change your presence status",
	Long:  "Change your presence status. The change is applied only after the server confirms it.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := wnpchat.Status(args[0])
		if !status.Valid() {
			return fmt.Errorf("invalid status %q (valid: online, away, busy, offline)", args[0])
		}

		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := client.Socket().Connect(ctx); err != nil {
			return fmt.Errorf("socket connect failed: %w", err)
		}
		defer client.Socket().Disconnect()

		store := wnpchat.NewPresenceStore(client)
		if err := store.SetOwnStatus(ctx, status); err != nil {
			return fmt.Errorf("status change failed: %w", err)
		}
		fmt.Printf("Status set to %s\n", status)
		return nil
	},
}

// ============================================================================
// online
// ============================================================================

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "List users currently online",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rows, err := client.Presence.Online(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if onlineJSON {
			return printJSON(rows)
		}
		if len(rows) == 0 {
			fmt.Println("Nobody online.")
			return nil
		}
		wnpchat.SortByPresence(rows)
		for _, p := range rows {
			ind := wnpchat.FormatStatus(p.Status)
			fmt.Printf("%s  %s\n", p.UserID, ind.Label)
		}
		return nil
	},
}

// ============================================================================
// presence
// ============================================================================

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id...>",
	Short: "Show presence for specific users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		rows, err := client.Presence.Bulk(ctx, args)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, p := range rows {
			ind := wnpchat.FormatStatus(p.Status)
			last := ""
			if !p.LastSeen.IsZero() {
				last = "  last seen " + p.LastSeen.Format(time.RFC3339)
			}
			fmt.Printf("%s  %s%s\n", p.UserID, ind.Label, last)
		}
		return nil
	},
}
