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
	loginEmail    string
	loginPassword string
	loginJSON     bool

	registerEmail       string
	registerUsername    string
	registerPassword    string
	registerDisplayName string

	logoutAll bool

	meJSON bool

	sessionsJSON bool
)

func init() {
	loginCmd.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email (required)")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Account password (required)")
	loginCmd.Flags().BoolVar(&loginJSON, "json", false, "Output raw JSON")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")

	registerCmd.Flags().StringVarP(&registerEmail, "email", "e", "", "Account email (required)")
	registerCmd.Flags().StringVarP(&registerUsername, "username", "u", "", "Username (required)")
	registerCmd.Flags().StringVarP(&registerPassword, "password", "p", "", "Password (required)")
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name")
	_ = registerCmd.MarkFlagRequired("email")
	_ = registerCmd.MarkFlagRequired("username")
	_ = registerCmd.MarkFlagRequired("password")

	logoutCmd.Flags().BoolVar(&logoutAll, "all", false, "Invalidate every session for this account")

	meCmd.Flags().BoolVar(&meJSON, "json", false, "Output raw JSON")
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output raw JSON")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(meCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// ============================================================================
// login
// ============================================================================

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		auth, err := client.Auth.Login(ctx, &wnpchat.LoginOptions{
			Email:    loginEmail,
			Password: loginPassword,
		})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		if loginJSON {
			return printJSON(auth.User)
		}
		fmt.Printf("Logged in as %s (%s)\n", auth.User.Username, auth.User.Email)
		return nil
	},
}

// ============================================================================
// register
// ============================================================================

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and store the session locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		auth, err := client.Auth.Register(ctx, &wnpchat.RegisterOptions{
			Email:       registerEmail,
			Username:    registerUsername,
			Password:    registerPassword,
			DisplayName: registerDisplayName,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		fmt.Printf("Registered as %s (%s)\n", auth.User.Username, auth.User.Email)
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Log out and clear the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		if logoutAll {
			err = client.Auth.LogoutAll(ctx)
		} else {
			err = client.Auth.Logout(ctx)
		}
		if err != nil {
			// Session is cleared locally regardless.
			fmt.Printf("Logged out locally (server call failed: %v)\n", err)
			return nil
		}
		fmt.Println("Logged out.")
		return nil
	},
}

// ============================================================================
// me
// ============================================================================

var meCmd = &cobra.Command{
	Use:   "me",
	Short: "Show the current account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		user, err := client.Auth.Me(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if meJSON {
			return printJSON(user)
		}
		fmt.Printf("Username:      %s\n", user.Username)
		fmt.Printf("Email:         %s\n", user.Email)
		if user.DisplayName != "" {
			fmt.Printf("Display name:  %s\n", user.DisplayName)
		}
		fmt.Printf("User ID:       %s\n", user.ID)
		return nil
	},
}

// ============================================================================
// sessions
// ============================================================================

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List active server sessions for this account",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()
		requireAuth(client)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		sessions, err := client.Auth.Sessions(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if sessionsJSON {
			return printJSON(sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No active sessions.")
			return nil
		}
		for _, s := range sessions {
			current := ""
			if s.Current {
				current = " (current)"
			}
			fmt.Printf("%s  %s  last used %s%s\n", s.ID, s.DeviceInfo, s.LastUsedAt, current)
		}
		return nil
	},
}
