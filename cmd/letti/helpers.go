package main

import (
	"fmt"
	"os"

	letti "github.com/lettiapp/letti-go"
)

// getClient creates a Letti client from the stored session.
func getClient() *letti.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	return letti.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
}

// requireClient is getClient plus a check that a session exists.
func requireClient() *letti.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'letti login <token>' first.")
		os.Exit(1)
	}

	return letti.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
}

func clientOptions(cfg *Config) []letti.ClientOption {
	var opts []letti.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, letti.WithBaseURL(cfg.Default.BaseURL))
	} else if cfg.Default.Environment != "" && cfg.Default.Environment != "production" {
		opts = append(opts, letti.WithEnvironment(letti.Environment(cfg.Default.Environment)))
	}
	return opts
}

// maskToken shows only the tail of a credential.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
