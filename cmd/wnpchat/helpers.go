package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	wnpchat "github.com/wnp-labs/wnp-chat/sdk/golang"
)

// getClient builds a client backed by the on-disk session store so logins
// persist between invocations.
func getClient() *wnpchat.Client {
	store, err := wnpchat.NewFileSessionStore("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		os.Exit(1)
	}

	opts := []wnpchat.ClientOption{
		wnpchat.WithSessionStore(store),
		wnpchat.WithLogger(newLogger()),
	}
	if u := viper.GetString("default.base_url"); u != "" {
		opts = append(opts, wnpchat.WithBaseURL(u))
	}
	return wnpchat.NewClient(opts...)
}

// requireAuth exits when no stored session exists.
func requireAuth(c *wnpchat.Client) {
	if !c.Session().IsAuthenticated() {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'wnpchat login' first.")
		os.Exit(1)
	}
}

func newLogger() *zap.Logger {
	level := zapcore.WarnLevel
	if s := viper.GetString("default.log_level"); s != "" {
		if parsed, err := zapcore.ParseLevel(s); err == nil {
			level = parsed
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
