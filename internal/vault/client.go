// Package vault loads engine secrets from HashiCorp Vault. When Vault is
// disabled the engine falls back to the values already present in the
// configuration, which keeps local development and tests free of a Vault
// dependency.
package vault

import (
	"context"
	"fmt"

	"pool-capital-engine/config"

	"github.com/hashicorp/vault/api"
)

// EngineSecrets are the sensitive values the engine pulls from Vault.
type EngineSecrets struct {
	DBPassword       string `json:"db_password"`
	JWTSecret        string `json:"jwt_secret"`
	RedisPassword    string `json:"redis_password"`
	TelegramBotToken string `json:"telegram_bot_token"`
	DiscordWebhook   string `json:"discord_webhook_url"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// LoadEngineSecrets reads the engine's secrets from the KV v2 store. With
// Vault disabled it returns (nil, nil) and the caller keeps whatever the
// configuration already carries.
func (c *Client) LoadEngineSecrets(ctx context.Context) (*EngineSecrets, error) {
	if !c.config.Enabled {
		return nil, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine secrets from vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("engine secrets not found at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	return &EngineSecrets{
		DBPassword:       getString(data, "db_password"),
		JWTSecret:        getString(data, "jwt_secret"),
		RedisPassword:    getString(data, "redis_password"),
		TelegramBotToken: getString(data, "telegram_bot_token"),
		DiscordWebhook:   getString(data, "discord_webhook_url"),
	}, nil
}

// ApplySecrets overlays non-empty Vault values onto the configuration.
func ApplySecrets(cfg *config.Config, secrets *EngineSecrets) {
	if secrets == nil {
		return
	}

	if secrets.DBPassword != "" {
		cfg.DatabaseConfig.Password = secrets.DBPassword
	}
	if secrets.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = secrets.JWTSecret
	}
	if secrets.RedisPassword != "" {
		cfg.RedisConfig.Password = secrets.RedisPassword
	}
	if secrets.TelegramBotToken != "" {
		cfg.NotificationConfig.Telegram.BotToken = secrets.TelegramBotToken
	}
	if secrets.DiscordWebhook != "" {
		cfg.NotificationConfig.Discord.WebhookURL = secrets.DiscordWebhook
	}
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
