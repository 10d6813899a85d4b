package main

import (
	"fmt"
	"os"

	chatsync "github.com/partybooker/chatsync-go"
)

// getClient creates a PartyBooker client from the stored configuration.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync config set default.token <token>' first.")
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}

	return chatsync.NewClient(cfg.Default.Token, opts...), cfg
}

// getGuestClient creates an unauthenticated client; guest flows identify
// themselves by email plus reference number instead of a token.
func getGuestClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient("", opts...), cfg
}

// requireUserID exits unless a user id is configured.
func requireUserID(cfg *Config) string {
	if cfg.Default.UserID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'chatsync config set default.user_id <id>' first.")
		os.Exit(1)
	}
	return cfg.Default.UserID
}
