package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	wnpchat "github.com/wnp-labs/wnp-chat/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	sendChannel     string
	sendDM          string
	sendAttachments []string

	dmLimit int
	dmJSON  bool

	reactRemove bool
)

func init() {
	sendCmd.Flags().StringVar(&sendChannel, "channel", "", "Target channel ID")
	sendCmd.Flags().StringVar(&sendDM, "dm", "", "Target DM conversation ID")
	sendCmd.Flags().StringSliceVar(&sendAttachments, "file", nil, "File to attach (repeatable)")
	sendCmd.MarkFlagsMutuallyExclusive("channel", "dm")
	sendCmd.MarkFlagsOneRequired("channel", "dm")

	dmCmd.Flags().IntVar(&dmLimit, "limit", 20, "Number of messages to fetch")
	dmCmd.Flags().BoolVar(&dmJSON, "json", false, "Output raw JSON")

	reactCmd.Flags().BoolVar(&reactRemove, "remove", false, "Remove the reaction instead of adding it")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(dmCmd)
	rootCmd.AddCommand(reactCmd)
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message to a channel or DM conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		timeout := 30 * time.Second
		if len(sendAttachments) > 0 {
			timeout = 5 * time.Minute
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		content := joinArgs(args)

		opts := &wnpchat.SendOptions{}
		if len(sendAttachments) > 0 {
			ids, err := uploadFiles(ctx, client, sendAttachments)
			if err != nil {
				return err
			}
			opts.AttachmentIDs = ids
		}

		var msg *wnpchat.Message
		var err error
		if sendChannel != "" {
			msg, err = client.Channels.Send(ctx, sendChannel, content, opts)
		} else {
			msg, err = client.Direct.Send(ctx, sendDM, content, opts)
		}
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}

// ============================================================================
// dm
// ============================================================================

var dmCmd = &cobra.Command{
	Use:   "dm <conversation-id>",
	Short: "Show recent messages in a DM conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Direct.History(ctx, args[0], &wnpchat.PaginationOptions{Limit: dmLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if dmJSON {
			return printJSON(msgs)
		}
		printMessages(msgs)
		return nil
	},
}

// ============================================================================
// react
// ============================================================================

var reactCmd = &cobra.Command{
	Use:   "react <message-id> <emoji>",
	Short: "Add or remove a reaction on a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var groups []wnpchat.ReactionGroup
		var err error
		if reactRemove {
			groups, err = client.Messages.RemoveReaction(ctx, args[0], args[1])
		} else {
			groups, err = client.Messages.AddReaction(ctx, args[0], args[1])
		}
		if err != nil {
			return fmt.Errorf("reaction failed: %w", err)
		}

		for _, g := range groups {
			fmt.Printf("%s x%d\n", g.Emoji, g.Count)
		}
		return nil
	},
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
