package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	wnpchat "github.com/wnp-labs/wnp-chat/sdk/golang"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	channelsListJSON bool

	channelsCreateDescription string
	channelsCreatePrivate     bool
	channelsCreateMembers     string

	channelsMessagesLimit int
	channelsMessagesJSON  bool
)

func init() {
	channelsListCmd.Flags().BoolVar(&channelsListJSON, "json", false, "Output raw JSON")

	channelsCreateCmd.Flags().StringVar(&channelsCreateDescription, "description", "", "Channel description")
	channelsCreateCmd.Flags().BoolVar(&channelsCreatePrivate, "private", false, "Create a private channel")
	channelsCreateCmd.Flags().StringVar(&channelsCreateMembers, "members", "", "Comma-separated user IDs to add")

	channelsMessagesCmd.Flags().IntVar(&channelsMessagesLimit, "limit", 20, "Number of messages to fetch")
	channelsMessagesCmd.Flags().BoolVar(&channelsMessagesJSON, "json", false, "Output raw JSON")

	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsCreateCmd)
	channelsCmd.AddCommand(channelsMembersCmd)
	channelsCmd.AddCommand(channelsJoinCmd)
	channelsCmd.AddCommand(channelsLeaveCmd)
	channelsCmd.AddCommand(channelsMessagesCmd)
	rootCmd.AddCommand(channelsCmd)
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Browse and manage channels",
}

// ============================================================================
// channels list
// ============================================================================

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		channels, err := client.Channels.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if channelsListJSON {
			return printJSON(channels)
		}
		if len(channels) == 0 {
			fmt.Println("No channels.")
			return nil
		}
		for _, c := range channels {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
			}
			fmt.Printf("%s  #%s%s\n", c.ID, c.Name, unread)
		}
		return nil
	},
}

// ============================================================================
// channels create
// ============================================================================

var channelsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		opts := &wnpchat.CreateChannelOptions{
			Name:        args[0],
			Description: channelsCreateDescription,
			Private:     channelsCreatePrivate,
		}
		if channelsCreateMembers != "" {
			opts.Members = strings.Split(channelsCreateMembers, ",")
		}

		channel, err := client.Channels.Create(ctx, opts)
		if err != nil {
			return fmt.Errorf("create failed: %w", err)
		}
		fmt.Printf("Created #%s (%s)\n", channel.Name, channel.ID)
		return nil
	},
}

// ============================================================================
// channels members / join / leave
// ============================================================================

var channelsMembersCmd = &cobra.Command{
	Use:   "members <channel-id>",
	Short: "List channel members",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		members, err := client.Channels.Members(ctx, args[0])
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		for _, m := range members {
			fmt.Printf("%s  %s  (%s)\n", m.UserID, m.Username, m.Role)
		}
		return nil
	},
}

var channelsJoinCmd = &cobra.Command{
	Use:   "join <channel-id>",
	Short: "Join a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user := client.Session().Current().User
		if err := client.Channels.AddMember(ctx, args[0], user.ID); err != nil {
			return fmt.Errorf("join failed: %w", err)
		}
		fmt.Println("Joined.")
		return nil
	},
}

var channelsLeaveCmd = &cobra.Command{
	Use:   "leave <channel-id>",
	Short: "Leave a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user := client.Session().Current().User
		if err := client.Channels.RemoveMember(ctx, args[0], user.ID); err != nil {
			return fmt.Errorf("leave failed: %w", err)
		}
		fmt.Println("Left.")
		return nil
	},
}

// ============================================================================
// channels messages
// ============================================================================

var channelsMessagesCmd = &cobra.Command{
	Use:   "messages <channel-id>",
	Short: "Show recent channel messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Channels.Messages(ctx, args[0], &wnpchat.PaginationOptions{Limit: channelsMessagesLimit})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if channelsMessagesJSON {
			return printJSON(msgs)
		}
		printMessages(msgs)
		return nil
	},
}

// printMessages renders a message page oldest-first.
func printMessages(msgs []wnpchat.Message) {
	if len(msgs) == 0 {
		fmt.Println("No messages.")
		return
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.SenderID, m.Content)
		for _, a := range m.Attachments {
			fmt.Printf("    attachment: %s (%s)\n", a.Name, a.URL)
		}
		for _, r := range m.Reactions {
			fmt.Printf("    %s x%d\n", r.Emoji, r.Count)
		}
	}
}
