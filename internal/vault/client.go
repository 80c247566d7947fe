package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"smc-signal-engine/config"

	"github.com/hashicorp/vault/api"
)

var (
	ErrSecretNotFound = errors.New("service secrets not found")
	ErrInvalidFormat  = errors.New("invalid secret format")
)

// ServiceSecrets are the credentials the service reads from Vault at
// startup. Empty fields leave the configured value alone.
type ServiceSecrets struct {
	DatabasePassword  string `json:"db_password"`
	RedisPassword     string `json:"redis_password"`
	JWTSecret         string `json:"jwt_secret"`
	DiscordWebhookURL string `json:"discord_webhook_url"`
	SMTPPassword      string `json:"smtp_password"`
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  *ServiceSecrets
}

// NewClient creates a new Vault client. A disabled config yields a client
// backed only by its in-memory cache.
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

// StoreSecrets writes the service secrets as a new KV v2 version
func (c *Client) StoreSecrets(ctx context.Context, s ServiceSecrets) error {
	if c.config.Enabled {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{
				"db_password":         s.DatabasePassword,
				"redis_password":      s.RedisPassword,
				"jwt_secret":          s.JWTSecret,
				"discord_webhook_url": s.DiscordWebhookURL,
				"smtp_password":       s.SMTPPassword,
			},
		}
		if _, err := c.client.Logical().WriteWithContext(ctx, c.dataPath(), secretData); err != nil {
			return fmt.Errorf("failed to store secrets in vault: %w", err)
		}
	}

	c.mu.Lock()
	c.cache = &s
	c.mu.Unlock()
	return nil
}

// GetSecrets reads the service secrets, from cache when present
func (c *Client) GetSecrets(ctx context.Context) (*ServiceSecrets, error) {
	c.mu.RLock()
	if c.cache != nil {
		cached := *c.cache
		c.mu.RUnlock()
		return &cached, nil
	}
	c.mu.RUnlock()

	if !c.config.Enabled {
		return nil, fmt.Errorf("%w: vault is disabled", ErrSecretNotFound)
	}

	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w at %s", ErrSecretNotFound, c.dataPath())
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, ErrInvalidFormat
	}

	s := &ServiceSecrets{
		DatabasePassword:  getString(data, "db_password"),
		RedisPassword:     getString(data, "redis_password"),
		JWTSecret:         getString(data, "jwt_secret"),
		DiscordWebhookURL: getString(data, "discord_webhook_url"),
		SMTPPassword:      getString(data, "smtp_password"),
	}

	c.mu.Lock()
	cached := *s
	c.cache = &cached
	c.mu.Unlock()
	return s, nil
}

// ApplySecrets loads the service secrets into cfg. It is a no-op when
// Vault is disabled.
func (c *Client) ApplySecrets(ctx context.Context, cfg *config.Config) error {
	if !c.config.Enabled {
		return nil
	}
	s, err := c.GetSecrets(ctx)
	if err != nil {
		return err
	}

	if s.DatabasePassword != "" {
		cfg.DatabaseConfig.Password = s.DatabasePassword
	}
	if s.RedisPassword != "" {
		cfg.RedisConfig.Password = s.RedisPassword
	}
	if s.JWTSecret != "" {
		cfg.AuthConfig.JWTSecret = s.JWTSecret
	}
	if s.DiscordWebhookURL != "" {
		cfg.NotificationConfig.Discord.WebhookURL = s.DiscordWebhookURL
	}
	if s.SMTPPassword != "" {
		cfg.NotificationConfig.Email.Password = s.SMTPPassword
	}
	return nil
}

// ClearCache drops the cached secrets so the next read hits Vault
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
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

// dataPath is the KV v2 data path of the service secrets
func (c *Client) dataPath() string {
	return fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
