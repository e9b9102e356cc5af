// Package config loads and hot-reloads doorman's YAML configuration.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PoolMode is the pooling discipline for a database/user pair.
type PoolMode string

const (
	PoolModeTransaction PoolMode = "transaction"
	PoolModeSession     PoolMode = "session"
)

// ListenConfig defines the sockets doorman accepts client connections on.
type ListenConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	UnixSocketDir  string `yaml:"unix_socket_dir"`
	TLSCert        string `yaml:"tls_cert"`
	TLSKey         string `yaml:"tls_key"`
	AdminHTTPBind  string `yaml:"admin_http_bind"`
	AdminHTTPPort  int    `yaml:"admin_http_port"`
	MaxConnections int    `yaml:"max_connections"`
}

// TLSEnabled reports whether both a cert and key path were configured.
func (lc ListenConfig) TLSEnabled() bool {
	return lc.TLSCert != "" && lc.TLSKey != ""
}

// Defaults holds pool settings applied when a Database or User doesn't override them.
type Defaults struct {
	PoolMode             PoolMode      `yaml:"pool_mode"`
	PoolSize             int           `yaml:"pool_size"`
	MinPoolSize          int           `yaml:"min_pool_size"`
	VirtualPoolCount     int           `yaml:"virtual_pool_count"`
	ServerLifetime       time.Duration `yaml:"server_lifetime"`
	IdleTimeout          time.Duration `yaml:"idle_timeout"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	QueryWaitTimeout     time.Duration `yaml:"query_wait_timeout"`
	CleanupConnections   bool          `yaml:"cleanup_connections"`
	SyncServerParameters bool          `yaml:"sync_server_parameters"`
}

// DatabaseConfig describes one backend Postgres database reachable through a pool name.
type DatabaseConfig struct {
	Host     string    `yaml:"host"`
	Port     int       `yaml:"port"`
	DBName   string    `yaml:"dbname"`
	PoolMode *PoolMode `yaml:"pool_mode,omitempty"`
	PoolSize *int      `yaml:"pool_size,omitempty"`
}

// CredentialKind selects which field of Credential is meaningful.
type CredentialKind int

const (
	CredentialPlain CredentialKind = iota
	CredentialMD5
	CredentialSCRAM
	CredentialJWT
)

// Credential is a parsed credential spec string.
type Credential struct {
	Kind       CredentialKind
	Raw        string // original spec string, for re-derivation / redacted logging
	MD5Hash    string // "md5...."
	ScramSalt  string // <iterations>:<salt>$<storedkey>:<serverkey> (the part after "SCRAM-SHA-256$")
	JWTKeyPath string // jwt-pkey-fpath:<path>
	PlainPass  string // plaintext, used for the proxy's own outbound auth-as-client
}

// UserConfig describes one pooled user.
type UserConfig struct {
	Username         string         `yaml:"username"`
	Password         string         `yaml:"password"` // parsed into Credential at load time
	ServerUsername   string         `yaml:"server_username"`
	ServerPassword   string         `yaml:"server_password"`
	PoolMode         *PoolMode      `yaml:"pool_mode,omitempty"`
	PoolSize         *int           `yaml:"pool_size,omitempty"`
	MinPoolSize      *int           `yaml:"min_pool_size,omitempty"`
	VirtualPoolCount *int           `yaml:"virtual_pool_count,omitempty"`
	ServerLifetime   *time.Duration `yaml:"server_lifetime,omitempty"`
	AuthPamService   string         `yaml:"auth_pam_service,omitempty"`

	Credential Credential `yaml:"-"`
}

// HBAEntry is one allow-list rule (peer CIDR -> allowed).
type HBAEntry struct {
	CIDR string `yaml:"cidr"`
}

// RateLimitConfig bounds connection attempts per source address.
type RateLimitConfig struct {
	ConnectionsPerSecond float64 `yaml:"connections_per_second"`
	Burst                int     `yaml:"burst"`
}

// Config is the top-level doorman configuration.
type Config struct {
	Listen    ListenConfig              `yaml:"listen"`
	Defaults  Defaults                  `yaml:"defaults"`
	Databases map[string]DatabaseConfig `yaml:"databases"`
	Users     map[string]UserConfig     `yaml:"users"`
	HBA       []HBAEntry                `yaml:"hba"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`

	AdminUsername string `yaml:"admin_username"`
	AdminPassword string `yaml:"admin_password"`

	MaxMemoryUsageBytes int64         `yaml:"max_memory_usage_bytes"`
	StreamingThreshold  int           `yaml:"streaming_threshold_bytes"`
	PoolerCheckQuery    string        `yaml:"pooler_check_query"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	WorkerThreads       int           `yaml:"worker_threads"`
	CPUAffinity         bool          `yaml:"cpu_affinity"`

	// configHash fingerprints each (database,user) pair's pool-shaping fields so
	// a reload can tell which pools actually changed and which can be kept by
	// identity instead of torn down and rebuilt.
	configHash map[string]uint64
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads, env-substitutes, parses, validates and defaults a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := parseCredentials(cfg); err != nil {
		return nil, fmt.Errorf("parsing credentials: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.configHash = hashPools(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 6432
	}
	if cfg.Listen.AdminHTTPBind == "" {
		cfg.Listen.AdminHTTPBind = "127.0.0.1"
	}
	if cfg.Listen.AdminHTTPPort == 0 {
		cfg.Listen.AdminHTTPPort = 9930
	}
	if cfg.Listen.MaxConnections == 0 {
		cfg.Listen.MaxConnections = 1000
	}
	if cfg.Defaults.PoolMode == "" {
		cfg.Defaults.PoolMode = PoolModeTransaction
	}
	if cfg.Defaults.PoolSize == 0 {
		cfg.Defaults.PoolSize = 20
	}
	if cfg.Defaults.VirtualPoolCount == 0 {
		cfg.Defaults.VirtualPoolCount = 1
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.ConnectTimeout == 0 {
		cfg.Defaults.ConnectTimeout = 5 * time.Second
	}
	if cfg.Defaults.QueryWaitTimeout == 0 {
		cfg.Defaults.QueryWaitTimeout = 10 * time.Second
	}
	if cfg.MaxMemoryUsageBytes == 0 {
		cfg.MaxMemoryUsageBytes = 512 << 20
	}
	if cfg.StreamingThreshold == 0 {
		cfg.StreamingThreshold = 1 << 20
	}
	if cfg.PoolerCheckQuery == "" {
		cfg.PoolerCheckQuery = ";"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.WorkerThreads == 0 {
		cfg.WorkerThreads = 4
	}
	if cfg.RateLimit.ConnectionsPerSecond == 0 {
		cfg.RateLimit.ConnectionsPerSecond = 100
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

func validate(cfg *Config) error {
	for name, db := range cfg.Databases {
		if db.Host == "" {
			return fmt.Errorf("database %q: host is required", name)
		}
		if db.Port == 0 {
			return fmt.Errorf("database %q: port is required", name)
		}
		if db.DBName == "" {
			return fmt.Errorf("database %q: dbname is required", name)
		}
	}
	for name, u := range cfg.Users {
		poolSize := cfg.Defaults.PoolSize
		if u.PoolSize != nil {
			poolSize = *u.PoolSize
		}
		minPoolSize := cfg.Defaults.MinPoolSize
		if u.MinPoolSize != nil {
			minPoolSize = *u.MinPoolSize
		}
		vpc := cfg.Defaults.VirtualPoolCount
		if u.VirtualPoolCount != nil {
			vpc = *u.VirtualPoolCount
		}
		if minPoolSize > poolSize {
			return fmt.Errorf("user %q: min_pool_size (%d) > pool_size (%d)", name, minPoolSize, poolSize)
		}
		if vpc > poolSize {
			return fmt.Errorf("user %q: virtual_pool_count (%d) > pool_size (%d)", name, vpc, poolSize)
		}
	}
	return nil
}

func hashPools(cfg *Config) map[string]uint64 {
	h := make(map[string]uint64, len(cfg.Users)*len(cfg.Databases))
	for dbName, db := range cfg.Databases {
		for userName, u := range cfg.Users {
			h[dbName+"/"+userName] = poolConfigFingerprint(db, u, cfg.Defaults)
		}
	}
	return h
}

// poolConfigFingerprint hashes the fields that matter for pool identity (not live
// counters), so a reload can decide whether a pool's shape actually changed.
func poolConfigFingerprint(db DatabaseConfig, u UserConfig, d Defaults) uint64 {
	var h uint64 = 1469598103934665603 // FNV-1a offset basis
	mix := func(s string) {
		for i := 0; i < len(s); i++ {
			h ^= uint64(s[i])
			h *= 1099511628211
		}
	}
	mix(db.Host)
	mix(fmt.Sprint(db.Port))
	mix(db.DBName)
	mix(u.Username)
	mix(u.Credential.Raw)
	mix(string(effectivePoolMode(db, u, d)))
	mix(fmt.Sprint(effectivePoolSize(db, u, d)))
	return h
}

func effectivePoolMode(db DatabaseConfig, u UserConfig, d Defaults) PoolMode {
	if u.PoolMode != nil {
		return *u.PoolMode
	}
	if db.PoolMode != nil {
		return *db.PoolMode
	}
	return d.PoolMode
}

func effectivePoolSize(db DatabaseConfig, u UserConfig, d Defaults) int {
	if u.PoolSize != nil {
		return *u.PoolSize
	}
	if db.PoolSize != nil {
		return *db.PoolSize
	}
	return d.PoolSize
}

// ConfigHash returns the per-(database,user) fingerprint map computed at Load time.
func (c *Config) ConfigHash() map[string]uint64 {
	return c.configHash
}

// Watcher watches the config file and invokes callback with the newly loaded Config
// on change, debounced to absorb editor save-as-rename bursts.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for changes.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}
	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}
	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher. SIGHUP (see cmd/doorman) triggers the same Load/callback
// path directly, independent of the filesystem watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
