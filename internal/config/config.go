package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds service configuration.
type Config struct {
	ServerAddr  string
	ContextName string
	// APIKeyHash is a bcrypt hash of the API key. Empty disables auth.
	APIKeyHash string
	MaxRetries int

	Store      StoreConfig
	Accounts   AccountsConfig
	PageAgent  PageAgentConfig
	Sync       SyncConfig
	Poll       PollConfig
	Validation ValidationConfig
}

type StoreConfig struct {
	Backend      string
	Path         string
	DatabaseURL  string
	PollInterval time.Duration
}

type AccountsConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

type PageAgentConfig struct {
	URL     string
	Timeout time.Duration
}

type SyncConfig struct {
	LockTimeout       time.Duration
	LockStaleness     time.Duration
	HeartbeatInterval time.Duration
}

type PollConfig struct {
	Interval       time.Duration
	Jitter         time.Duration
	Deadline       time.Duration
	Cooldown       time.Duration
	RequestTimeout time.Duration
}

type ValidationConfig struct {
	Expiry  time.Duration
	Warning time.Duration
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerAddr:  "0.0.0.0:8080",
		ContextName: "controller",
		MaxRetries:  3,
		Store: StoreConfig{
			Backend:      BackendMemory,
			PollInterval: 500 * time.Millisecond,
		},
		Accounts:  AccountsConfig{Timeout: 10 * time.Second},
		PageAgent: PageAgentConfig{Timeout: 30 * time.Second},
		Sync: SyncConfig{
			LockTimeout:       5 * time.Second,
			LockStaleness:     10 * time.Second,
			HeartbeatInterval: 5 * time.Second,
		},
		Poll: PollConfig{
			Interval:       2 * time.Second,
			Jitter:         300 * time.Millisecond,
			Deadline:       120 * time.Second,
			Cooldown:       3 * time.Second,
			RequestTimeout: 3 * time.Second,
		},
		Validation: ValidationConfig{
			Expiry:  30 * time.Minute,
			Warning: 10 * time.Minute,
		},
	}
}

// Load reads configuration from the defaults, the optional HCL file named by
// REGFLOW_CONFIG and the environment, in increasing precedence.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("REGFLOW_CONFIG"); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ServerAddr = getenv("SERVER_ADDR", c.ServerAddr)
	c.ContextName = getenv("REGFLOW_CONTEXT", c.ContextName)
	c.APIKeyHash = getenv("REGFLOW_API_KEY_HASH", c.APIKeyHash)
	c.MaxRetries = parseInt(os.Getenv("MAX_RETRIES"), c.MaxRetries)

	c.Store.Backend = getenv("STORE_BACKEND", c.Store.Backend)
	c.Store.Path = getenv("STORE_PATH", c.Store.Path)
	c.Store.DatabaseURL = getenv("DATABASE_URL", c.Store.DatabaseURL)
	c.Store.PollInterval = parseDuration(os.Getenv("STORE_POLL_INTERVAL"), c.Store.PollInterval)
	if c.Store.Backend == BackendPostgres && c.Store.DatabaseURL == "" {
		user := getenv("POSTGRES_USER", "regflow")
		pass := getenv("POSTGRES_PASSWORD", "regflow_pass")
		db := getenv("POSTGRES_DB", "regflow")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		c.Store.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	c.Accounts.BaseURL = getenv("ACCOUNTS_BASE_URL", c.Accounts.BaseURL)
	c.Accounts.APIKey = getenv("ACCOUNTS_API_KEY", c.Accounts.APIKey)
	c.Accounts.Timeout = parseDuration(os.Getenv("ACCOUNTS_TIMEOUT"), c.Accounts.Timeout)

	c.PageAgent.URL = getenv("PAGE_AGENT_URL", c.PageAgent.URL)
	c.PageAgent.Timeout = parseDuration(os.Getenv("PAGE_AGENT_TIMEOUT"), c.PageAgent.Timeout)

	c.Sync.LockTimeout = parseDuration(os.Getenv("LOCK_TIMEOUT"), c.Sync.LockTimeout)
	c.Sync.LockStaleness = parseDuration(os.Getenv("LOCK_STALENESS"), c.Sync.LockStaleness)
	c.Sync.HeartbeatInterval = parseDuration(os.Getenv("HEARTBEAT_INTERVAL"), c.Sync.HeartbeatInterval)

	c.Poll.Interval = parseDuration(os.Getenv("POLL_INTERVAL"), c.Poll.Interval)
	c.Poll.Jitter = parseDuration(os.Getenv("POLL_JITTER"), c.Poll.Jitter)
	c.Poll.Deadline = parseDuration(os.Getenv("POLL_DEADLINE"), c.Poll.Deadline)
	c.Poll.Cooldown = parseDuration(os.Getenv("RETRY_COOLDOWN"), c.Poll.Cooldown)
	c.Poll.RequestTimeout = parseDuration(os.Getenv("POLL_REQUEST_TIMEOUT"), c.Poll.RequestTimeout)

	c.Validation.Expiry = parseDuration(os.Getenv("RECORD_EXPIRY"), c.Validation.Expiry)
	c.Validation.Warning = parseDuration(os.Getenv("RECORD_WARNING"), c.Validation.Warning)
}

// Validate checks the combined configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, fmt.Errorf("store backend %q requires a path", c.Store.Backend))
		}
	case BackendPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store backend postgres requires a database url"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Accounts.BaseURL == "" {
		errs = append(errs, errors.New("accounts base url is required"))
	}
	if c.PageAgent.URL == "" {
		errs = append(errs, errors.New("page agent url is required"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("max retries must be positive, got %d", c.MaxRetries))
	}
	if c.Validation.Warning >= c.Validation.Expiry {
		errs = append(errs, errors.New("record warning must be shorter than expiry"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

// fileConfig is the HCL file layout. Every attribute is optional.
type fileConfig struct {
	ServerAddr  *string `hcl:"server_addr,optional"`
	ContextName *string `hcl:"context,optional"`
	APIKeyHash  *string `hcl:"api_key_hash,optional"`
	MaxRetries  *int    `hcl:"max_retries,optional"`

	Store      *fileStore      `hcl:"store,block"`
	Accounts   *fileAccounts   `hcl:"accounts,block"`
	PageAgent  *filePageAgent  `hcl:"page_agent,block"`
	Sync       *fileSync       `hcl:"sync,block"`
	Poll       *filePoll       `hcl:"poll,block"`
	Validation *fileValidation `hcl:"validation,block"`
}

type fileStore struct {
	Backend      *string `hcl:"backend,optional"`
	Path         *string `hcl:"path,optional"`
	DatabaseURL  *string `hcl:"database_url,optional"`
	PollInterval *string `hcl:"poll_interval,optional"`
}

type fileAccounts struct {
	BaseURL *string `hcl:"base_url,optional"`
	APIKey  *string `hcl:"api_key,optional"`
	Timeout *string `hcl:"timeout,optional"`
}

type filePageAgent struct {
	URL     *string `hcl:"url,optional"`
	Timeout *string `hcl:"timeout,optional"`
}

type fileSync struct {
	LockTimeout       *string `hcl:"lock_timeout,optional"`
	LockStaleness     *string `hcl:"lock_staleness,optional"`
	HeartbeatInterval *string `hcl:"heartbeat_interval,optional"`
}

type filePoll struct {
	Interval       *string `hcl:"interval,optional"`
	Jitter         *string `hcl:"jitter,optional"`
	Deadline       *string `hcl:"deadline,optional"`
	Cooldown       *string `hcl:"cooldown,optional"`
	RequestTimeout *string `hcl:"request_timeout,optional"`
}

type fileValidation struct {
	Expiry  *string `hcl:"expiry,optional"`
	Warning *string `hcl:"warning,optional"`
}

// ApplyFile overlays the settings of an HCL file onto c.
func (c *Config) ApplyFile(path string) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse config file %s: %w", path, diags)
	}
	var fc fileConfig
	diags = gohcl.DecodeBody(file.Body, nil, &fc)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode config file %s: %w", path, diags)
	}

	o := overlay{}
	o.str(&c.ServerAddr, fc.ServerAddr)
	o.str(&c.ContextName, fc.ContextName)
	o.str(&c.APIKeyHash, fc.APIKeyHash)
	if fc.MaxRetries != nil {
		c.MaxRetries = *fc.MaxRetries
	}
	if s := fc.Store; s != nil {
		o.str(&c.Store.Backend, s.Backend)
		o.str(&c.Store.Path, s.Path)
		o.str(&c.Store.DatabaseURL, s.DatabaseURL)
		o.dur("store.poll_interval", &c.Store.PollInterval, s.PollInterval)
	}
	if a := fc.Accounts; a != nil {
		o.str(&c.Accounts.BaseURL, a.BaseURL)
		o.str(&c.Accounts.APIKey, a.APIKey)
		o.dur("accounts.timeout", &c.Accounts.Timeout, a.Timeout)
	}
	if p := fc.PageAgent; p != nil {
		o.str(&c.PageAgent.URL, p.URL)
		o.dur("page_agent.timeout", &c.PageAgent.Timeout, p.Timeout)
	}
	if s := fc.Sync; s != nil {
		o.dur("sync.lock_timeout", &c.Sync.LockTimeout, s.LockTimeout)
		o.dur("sync.lock_staleness", &c.Sync.LockStaleness, s.LockStaleness)
		o.dur("sync.heartbeat_interval", &c.Sync.HeartbeatInterval, s.HeartbeatInterval)
	}
	if p := fc.Poll; p != nil {
		o.dur("poll.interval", &c.Poll.Interval, p.Interval)
		o.dur("poll.jitter", &c.Poll.Jitter, p.Jitter)
		o.dur("poll.deadline", &c.Poll.Deadline, p.Deadline)
		o.dur("poll.cooldown", &c.Poll.Cooldown, p.Cooldown)
		o.dur("poll.request_timeout", &c.Poll.RequestTimeout, p.RequestTimeout)
	}
	if v := fc.Validation; v != nil {
		o.dur("validation.expiry", &c.Validation.Expiry, v.Expiry)
		o.dur("validation.warning", &c.Validation.Warning, v.Warning)
	}
	if len(o.errs) > 0 {
		return fmt.Errorf("config file %s: %w", path, errors.Join(o.errs...))
	}
	return nil
}

// overlay collects invalid values instead of silently keeping defaults.
type overlay struct {
	errs []error
}

func (o *overlay) str(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func (o *overlay) dur(name string, dst *time.Duration, v *string) {
	if v == nil {
		return
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = d
}
