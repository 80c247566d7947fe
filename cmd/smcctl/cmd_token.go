package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"smc-signal-engine/config"
	"smc-signal-engine/internal/auth"
)

var (
	tokenSubject string
	tokenScopes  []string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `Sign a JWT with the configured secret for the HTTP API.

Scopes: signals:read (evaluate, query, stream) and signals:write
(outcomes, backtests, circuit reset).

Examples:
  smcctl token --subject dashboard
  smcctl token --subject ops --scope signals:read --scope signals:write --ttl 1h`,
	RunE: runToken,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var sampleConfigCmd = &cobra.Command{
	Use:   "sample [file]",
	Short: "Write a sample config with every default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.sample.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.GenerateSampleConfig(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject")
	tokenCmd.Flags().StringArrayVar(&tokenScopes, "scope", []string{auth.ScopeRead}, "Granted scope (repeatable)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Lifetime, default from auth.token_ttl")
	tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)

	configCmd.AddCommand(sampleConfigCmd)
	rootCmd.AddCommand(configCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Context())
	if err != nil {
		return err
	}

	ttl := cfg.AuthConfig.TokenTTL
	if tokenTTL > 0 {
		ttl = tokenTTL
	}
	for _, s := range tokenScopes {
		if s != auth.ScopeRead && s != auth.ScopeWrite {
			return fmt.Errorf("unknown scope %q", s)
		}
	}

	m, err := auth.NewJWTManager(cfg.AuthConfig.JWTSecret, ttl)
	if err != nil {
		return err
	}
	token, err := m.GenerateToken(tokenSubject, tokenScopes...)
	if err != nil {
		return err
	}

	if outFormat == "json" {
		return printJSON(map[string]any{
			"token":      token,
			"subject":    tokenSubject,
			"scopes":     tokenScopes,
			"expires_at": time.Now().Add(m.TokenDuration()).UTC(),
		})
	}
	fmt.Println(token)
	return nil
}
