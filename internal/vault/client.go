package vault

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/vault/api"
)

// Config selects where exchange credentials come from. With Enabled false the
// client serves credentials from the environment, which keeps local and paper
// runs free of a running Vault.
type Config struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

// Credentials is the API key pair used to sign exchange requests.
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
	IsTestnet bool   `json:"is_testnet"`
}

// Client loads exchange credentials from Vault KV v2 with an environment
// fallback. Reads are cached until invalidated.
type Client struct {
	client *api.Client
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Credentials
}

// NewClient creates a credential client. A disabled config still returns a
// working client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{config: cfg, logger: logger.With("component", "vault")}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	if cfg.Address != "" {
		vaultConfig.Address = cfg.Address
	}
	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client

	c.logger.Info("vault client ready", "address", vaultConfig.Address, "path", c.secretPath())
	return c, nil
}

// ExchangeCredentials returns the API key pair for the trading account. A
// Vault read failure degrades to the environment so a secrets outage does not
// stop the engine from coming up.
func (c *Client) ExchangeCredentials(ctx context.Context) (*Credentials, error) {
	c.mu.RLock()
	if c.cached != nil {
		creds := c.cached
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	if c.config.Enabled && c.client != nil {
		creds, err := c.readSecret(ctx)
		if err == nil {
			c.store(creds)
			return creds, nil
		}
		c.logger.Warn("vault read failed, falling back to environment", "error", err)
	}

	creds, err := envCredentials()
	if err != nil {
		return nil, err
	}
	c.store(creds)
	return creds, nil
}

// InvalidateCache drops the cached credentials so the next read hits Vault,
// typically after a key rotation.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// IsEnabled returns whether Vault is enabled.
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled || c.client == nil {
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

func (c *Client) readSecret(ctx context.Context) (*Credentials, error) {
	path := c.secretPath()
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no credentials at %s", path)
	}

	// KV v2 nests the payload under a second data key.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		data = secret.Data
	}

	creds := &Credentials{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
		IsTestnet: getBool(data, "is_testnet"),
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("secret at %s is missing api_key or api_secret", path)
	}
	return creds, nil
}

func (c *Client) store(creds *Credentials) {
	c.mu.Lock()
	c.cached = creds
	c.mu.Unlock()
}

// secretPath returns the KV v2 data path for the account credentials.
func (c *Client) secretPath() string {
	mount := c.config.MountPath
	if mount == "" {
		mount = "secret"
	}
	path := c.config.SecretPath
	if path == "" {
		path = "trading/binance"
	}
	return fmt.Sprintf("%s/data/%s", mount, path)
}

func envCredentials() (*Credentials, error) {
	creds := &Credentials{
		APIKey:    os.Getenv("BINANCE_API_KEY"),
		APISecret: os.Getenv("BINANCE_API_SECRET"),
		IsTestnet: os.Getenv("BINANCE_TESTNET") == "true",
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET are not set")
	}
	return creds, nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

func getBool(data map[string]interface{}, key string) bool {
	if val, ok := data[key]; ok {
		switch v := val.(type) {
		case bool:
			return v
		case string:
			return v == "true"
		}
	}
	return false
}
