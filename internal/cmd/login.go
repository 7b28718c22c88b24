package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SauersML/hpc-queue/internal/config"
)

var (
	loginQueueToken string
	loginAPIKey     string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Configure local credentials",
	Long: `Write the queue token and producer api-key to the data-dir .env file.
An api-key is generated when neither a flag nor an existing value provides
one.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		queueToken := loginQueueToken
		if queueToken == "" {
			queueToken = cfg.QueueToken
		}
		if queueToken == "" {
			return fmt.Errorf("%w: pass --queue-token or set CF_QUEUES_API_TOKEN", config.ErrMissingCredential)
		}

		apiKey := loginAPIKey
		if apiKey == "" {
			apiKey = cfg.APIKey
		}
		generated := false
		if apiKey == "" {
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return fmt.Errorf("generate api-key: %w", err)
			}
			apiKey = hex.EncodeToString(buf)
			generated = true
		}

		if err := upsertEnvFile(cfg.EnvFile(), map[string]string{
			"CF_QUEUES_API_TOKEN": queueToken,
			"API_KEY":             apiKey,
		}); err != nil {
			return err
		}

		fmt.Printf("login configuration saved to %s\n", cfg.EnvFile())
		if generated {
			fmt.Printf("generated api-key: %s\n", apiKey)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	loginCmd.Flags().StringVar(&loginQueueToken, "queue-token", "", "Queue-service API token")
	loginCmd.Flags().StringVar(&loginAPIKey, "api-key", "", "Producer api-key; generated if omitted")
}
