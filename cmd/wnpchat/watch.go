package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	wnpchat "github.com/wnp-labs/wnp-chat/sdk/golang"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime chat activity to the terminal",
	Long:  "Connect the socket and print messages, presence changes, and unread-count updates until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		sock := client.Socket()
		sock.OnNewDirectMessage(func(m wnpchat.Message) {
			fmt.Printf("[dm %s] %s: %s\n", m.ConversationID, m.SenderID, m.Content)
		})
		sock.OnNewChannelMessage(func(m wnpchat.Message) {
			fmt.Printf("[#%s] %s: %s\n", m.ChannelID, m.SenderID, m.Content)
		})
		sock.OnReactionUpdated(func(ru wnpchat.ReactionUpdate) {
			fmt.Printf("[reactions %s]", ru.MessageID)
			for _, g := range ru.Reactions {
				fmt.Printf(" %s x%d", g.Emoji, g.Count)
			}
			fmt.Println()
		})
		sock.OnPresence(func(p wnpchat.Presence) {
			fmt.Printf("[presence] %s is %s\n", p.UserID, wnpchat.FormatStatus(p.Status).Label)
		})
		sock.OnUnreadCounts(func(c wnpchat.UnreadCounts) {
			fmt.Printf("[unread] total %d\n", c.Total())
		})
		sock.OnDisconnected(func(reason string) {
			fmt.Printf("[socket] disconnected: %s\n", reason)
		})
		sock.OnForcedLogout(func(reason string) {
			fmt.Printf("[socket] logged out: %s\n", reason)
		})

		if err := sock.Connect(connectCtx); err != nil {
			return fmt.Errorf("socket connect failed: %w", err)
		}
		defer sock.Disconnect()
		fmt.Println("Connected. Ctrl-C to stop.")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		return nil
	},
}
