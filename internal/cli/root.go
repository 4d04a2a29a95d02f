// Package cli implements musicctl, a command-line client for the musicgen
// API.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/makeasinger/musicgen/internal/auth"
)

type globalOptions struct {
	server  string
	token   string
	secret  string
	userID  string
	natsURL string
	subject string
}

// NewRootCmd builds the musicctl command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "musicctl",
		Short:         "Client for the musicgen service",
		Long:          `musicctl submits music generation tasks, follows their progress and downloads the finished audio.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.server, "server", envOr("MUSICGEN_URL", "http://localhost:8000"), "musicgen base URL")
	flags.StringVar(&opts.token, "token", os.Getenv("MUSICGEN_TOKEN"), "bearer token")
	flags.StringVar(&opts.secret, "jwt-secret", os.Getenv("JWT_SECRET"), "sign a token locally with this HMAC secret when --token is empty")
	flags.StringVar(&opts.userID, "user", envOr("USER", "musicctl"), "user id for locally signed tokens")
	flags.StringVar(&opts.natsURL, "nats-url", os.Getenv("NATS_URL"), "NATS server for the events command")
	flags.StringVar(&opts.subject, "subject", envOr("NATS_EVENTS_SUBJECT", "musicgen.tasks"), "task event subject prefix")

	rootCmd.AddCommand(
		newGenerateCmd(opts),
		newStatusCmd(opts),
		newCancelCmd(opts),
		newDownloadCmd(opts),
		newEventsCmd(opts),
	)
	return rootCmd
}

// Execute runs the root command.
func Execute() error {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// client returns an API client, signing a legacy token if only a secret is set.
func (o *globalOptions) client() (*APIClient, error) {
	token := o.token
	if token == "" && o.secret != "" {
		signed, err := auth.SignLegacyToken(o.userID, "", o.secret)
		if err != nil {
			return nil, fmt.Errorf("failed to sign token: %w", err)
		}
		token = signed
	}
	return NewAPIClient(o.server, token), nil
}
