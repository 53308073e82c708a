// Package config provides configuration loading for the jinn worker.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the worker process.
type Config struct {
	Worker   WorkerConfig   `mapstructure:"worker"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Services ServicesConfig `mapstructure:"services"`
	Staking  StakingConfig  `mapstructure:"staking"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Paths    PathsConfig    `mapstructure:"paths"`
	Ops      OpsConfig      `mapstructure:"ops"`
}

// WorkerConfig holds worker-level settings.
type WorkerConfig struct {
	OperatePassword string `mapstructure:"operate_password" validate:"required"`
	VenturesEnabled bool   `mapstructure:"ventures_enabled"`
}

// ChainConfig holds RPC endpoint settings.
type ChainConfig struct {
	RPCURL  string `mapstructure:"rpc_url" validate:"required,url"`
	ChainID int64  `mapstructure:"chain_id" validate:"required,gt=0"`
}

// ServicesConfig holds the URLs of the worker's external collaborators.
type ServicesConfig struct {
	X402GatewayURL   string `mapstructure:"x402_gateway_url" validate:"omitempty,url"`
	ControlAPIURL    string `mapstructure:"control_api_url" validate:"required,url"`
	PonderGraphQLURL string `mapstructure:"ponder_graphql_url" validate:"required,url"`
	IPFSGatewayURL   string `mapstructure:"ipfs_gateway_url" validate:"required,url"`
}

// StakingConfig holds staking pool resolution settings.
type StakingConfig struct {
	Contract  string `mapstructure:"contract"`
	RefreshMS int64  `mapstructure:"refresh_ms" validate:"gt=0"`
}

// RefreshInterval returns the staking cache refresh interval.
func (c StakingConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMS) * time.Millisecond
}

// GeminiConfig holds model-provider credential settings.
// OAuthCredentials is a JSON array of credential objects; APIKey is the
// single-key fallback.
type GeminiConfig struct {
	OAuthCredentials string `mapstructure:"oauth_credentials"`
	APIKey           string `mapstructure:"api_key"`
}

// PathsConfig holds on-disk locations.
type PathsConfig struct {
	MiddlewarePath      string `mapstructure:"middleware_path"`
	LocalQueueDBPath    string `mapstructure:"local_queue_db_path"`
	AllowlistConfigPath string `mapstructure:"allowlist_config_path"`
}

// OpsConfig holds the local operations endpoint settings.
type OpsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from an optional worker.yaml and the documented
// environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("worker")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/jinn-worker")

	setDefaults(v)

	// Bind the documented environment variables verbatim; the flat names
	// predate this worker and are shared with the operator tooling.
	v.BindEnv("worker.operate_password", "OPERATE_PASSWORD")
	v.BindEnv("worker.ventures_enabled", "WORKER_VENTURES_ENABLED")
	v.BindEnv("chain.rpc_url", "RPC_URL")
	v.BindEnv("chain.chain_id", "CHAIN_ID")
	v.BindEnv("services.x402_gateway_url", "X402_GATEWAY_URL")
	v.BindEnv("services.control_api_url", "CONTROL_API_URL")
	v.BindEnv("services.ponder_graphql_url", "PONDER_GRAPHQL_URL")
	v.BindEnv("services.ipfs_gateway_url", "IPFS_GATEWAY_URL")
	v.BindEnv("staking.contract", "WORKER_STAKING_CONTRACT")
	v.BindEnv("staking.refresh_ms", "WORKER_STAKING_REFRESH_MS")
	v.BindEnv("gemini.oauth_credentials", "GEMINI_OAUTH_CREDENTIALS")
	v.BindEnv("gemini.api_key", "GEMINI_API_KEY")
	v.BindEnv("paths.middleware_path", "MIDDLEWARE_PATH")
	v.BindEnv("paths.local_queue_db_path", "LOCAL_QUEUE_DB_PATH")
	v.BindEnv("paths.allowlist_config_path", "ALLOWLIST_CONFIG_PATH")
	v.BindEnv("ops.addr", "WORKER_OPS_ADDR")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found is OK, we use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks the required-at-boot fields.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config: field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("worker.ventures_enabled", false)

	v.SetDefault("chain.chain_id", 8453)

	v.SetDefault("services.ipfs_gateway_url", "https://gateway.autonolas.tech/ipfs")

	// Staking cache refreshes every five minutes unless overridden.
	v.SetDefault("staking.refresh_ms", 300000)

	v.SetDefault("paths.middleware_path", ".")
	v.SetDefault("paths.local_queue_db_path", "./.jinn/txqueue.db")

	v.SetDefault("ops.addr", "127.0.0.1:9090")
}
