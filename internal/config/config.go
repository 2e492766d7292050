// Package config is the external Config collaborator: it loads the YAML
// pool definitions from disk and turns them into a pgpool.RegistryConfig,
// and can watch the file for changes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/shardbouncer/shardbouncer/internal/pgpool"
)

// File is the on-disk shape of a shardbouncer config file.
type File struct {
	General GeneralFile          `yaml:"general"`
	Admin   AdminFile            `yaml:"admin"`
	Pools   map[string]PoolFile  `yaml:"pools"`
}

// GeneralFile mirrors pgpool.GeneralConfig, with every field optional.
type GeneralFile struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	IdleTimeout        time.Duration `yaml:"idle_timeout"`
	HealthcheckDelay   time.Duration `yaml:"healthcheck_delay"`
	HealthcheckTimeout time.Duration `yaml:"healthcheck_timeout"`
	BanTime            time.Duration `yaml:"ban_time"`
}

// AdminFile is the parsed `admin:` block. Load does not pass it on: the
// debug HTTP surface (internal/admin) takes its listen address from the
// -admin-addr flag in cmd/shardbouncer, not from this field.
type AdminFile struct {
	ListenAddr string `yaml:"listen_addr"`
}

// PoolFile is one entry under `pools:` in the YAML tree.
type PoolFile struct {
	PoolMode             string                  `yaml:"pool_mode"`
	LoadBalancing        string                  `yaml:"load_balancing"`
	DefaultRole          string                  `yaml:"default_role"`
	QueryParserEnabled   bool                    `yaml:"query_parser_enabled"`
	PrimaryReadsEnabled  *bool                   `yaml:"primary_reads_enabled"`
	ShardingFunction     string                  `yaml:"sharding_function"`
	AutomaticShardingKey string                  `yaml:"automatic_sharding_key"`
	ConnectTimeout       *time.Duration          `yaml:"connect_timeout"`
	IdleTimeout          *time.Duration          `yaml:"idle_timeout"`
	Users                map[string]UserFile     `yaml:"users"`
	Shards               map[string]ShardFile    `yaml:"shards"`
}

// UserFile is one client-facing credential entry, plus the credentials used
// against the real servers when they differ.
type UserFile struct {
	Password       string `yaml:"password"`
	PoolSize       int    `yaml:"pool_size"`
	ServerUsername string `yaml:"server_username"`
	ServerPassword string `yaml:"server_password"`
}

// ShardFile is one shard's server list.
type ShardFile struct {
	Database string             `yaml:"database"`
	Servers  []ShardServerFile  `yaml:"servers"`
}

// ShardServerFile is a single host:port/role entry within a shard.
type ShardServerFile struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Role string `yaml:"role"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable
// values, leaving unresolved references untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads path, substitutes environment variables, and converts the
// result into a pgpool.RegistryConfig ready for Registry.FromConfig.
func Load(path string) (pgpool.RegistryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pgpool.RegistryConfig{}, fmt.Errorf("reading config file: %w", err)
	}
	data = substituteEnvVars(data)

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return pgpool.RegistryConfig{}, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(&f); err != nil {
		return pgpool.RegistryConfig{}, fmt.Errorf("validating config: %w", err)
	}

	return toRegistryConfig(&f), nil
}

func validate(f *File) error {
	for name, pool := range f.Pools {
		if len(pool.Users) == 0 {
			return fmt.Errorf("pool %q: at least one user is required", name)
		}
		if len(pool.Shards) == 0 {
			return fmt.Errorf("pool %q: at least one shard is required", name)
		}
		if pool.DefaultRole != "" && pool.DefaultRole != "any" && pool.DefaultRole != "primary" && pool.DefaultRole != "replica" {
			return fmt.Errorf("pool %q: default_role must be %q, %q or %q, got %q", name, "any", "primary", "replica", pool.DefaultRole)
		}
		for shardKey, shard := range pool.Shards {
			if len(shard.Servers) == 0 {
				return fmt.Errorf("pool %q shard %q: at least one server is required", name, shardKey)
			}
			for _, srv := range shard.Servers {
				if srv.Host == "" || srv.Port == 0 {
					return fmt.Errorf("pool %q shard %q: server host and port are required", name, shardKey)
				}
				if srv.Role != "" && srv.Role != "primary" && srv.Role != "replica" {
					return fmt.Errorf("pool %q shard %q: role must be %q or %q, got %q", name, shardKey, "primary", "replica", srv.Role)
				}
			}
		}
	}
	return nil
}

func toRegistryConfig(f *File) pgpool.RegistryConfig {
	general := pgpool.GeneralConfig{
		ConnectTimeout:     orDefault(f.General.ConnectTimeout, 5*time.Second),
		IdleTimeout:        orDefault(f.General.IdleTimeout, 10*time.Minute),
		HealthcheckDelay:   orDefault(f.General.HealthcheckDelay, 30*time.Second),
		HealthcheckTimeout: orDefault(f.General.HealthcheckTimeout, 5*time.Second),
		BanTime:            orDefault(f.General.BanTime, 60*time.Second),
	}

	pools := make(map[string]pgpool.PoolDefConfig, len(f.Pools))
	for name, pool := range f.Pools {
		users := make(map[string]pgpool.User, len(pool.Users))
		for uname, u := range pool.Users {
			serverUser := u.ServerUsername
			if serverUser == "" {
				serverUser = uname
			}
			serverPass := u.ServerPassword
			if serverPass == "" {
				serverPass = u.Password
			}
			users[uname] = pgpool.User{
				Username:       uname,
				Password:       u.Password,
				PoolSize:       u.PoolSize,
				ServerUsername: serverUser,
				ServerPassword: serverPass,
			}
		}

		shards := make(map[string]pgpool.ShardConfig, len(pool.Shards))
		for shardKey, shard := range pool.Shards {
			servers := make([]pgpool.ShardServerConfig, 0, len(shard.Servers))
			for _, srv := range shard.Servers {
				role := pgpool.RolePrimary
				if srv.Role == "replica" {
					role = pgpool.RoleReplica
				}
				servers = append(servers, pgpool.ShardServerConfig{Host: srv.Host, Port: srv.Port, Role: role})
			}
			shards[shardKey] = pgpool.ShardConfig{Database: shard.Database, Servers: servers}
		}

		pools[name] = pgpool.PoolDefConfig{
			Users:                users,
			Shards:               shards,
			PoolMode:             parsePoolMode(pool.PoolMode),
			LoadBalancingMode:    parseLoadBalancing(pool.LoadBalancing),
			DefaultRole:          parseRoleSelector(pool.DefaultRole),
			QueryParserEnabled:   pool.QueryParserEnabled,
			PrimaryReadsEnabled:  boolOrDefault(pool.PrimaryReadsEnabled, true),
			ShardingFunction:     orDefaultStr(pool.ShardingFunction, "pg_bigint_hash"),
			AutomaticShardingKey: pool.AutomaticShardingKey,
			ConnectTimeout:       pool.ConnectTimeout,
			IdleTimeout:          pool.IdleTimeout,
		}
	}

	return pgpool.RegistryConfig{Pools: pools, General: general}
}

func parsePoolMode(s string) pgpool.PoolMode {
	if s == "session" {
		return pgpool.PoolModeSession
	}
	return pgpool.PoolModeTransaction
}

func parseLoadBalancing(s string) pgpool.LoadBalancingMode {
	if s == "least_outstanding_connections" {
		return pgpool.LoadBalancingLeastOutstandingConnections
	}
	return pgpool.LoadBalancingRandom
}

func parseRoleSelector(s string) pgpool.RoleSelector {
	switch s {
	case "primary":
		return pgpool.PrimaryRole
	case "replica":
		return pgpool.ReplicaRole
	default:
		return pgpool.AnyRole
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func orDefaultStr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func boolOrDefault(b *bool, fallback bool) bool {
	if b == nil {
		return fallback
	}
	return *b
}

// Watcher watches a config file for changes and drives reload on write,
// debounced the same way the ambient config layer across the pack does it.
// Reloads are additionally rate-limited: each one revalidates every
// configured server over the network (ConnectionPool.validate), so a burst
// of saves from an editor must not turn into a burst of dial storms.
type Watcher struct {
	path     string
	callback func(pgpool.RegistryConfig)
	watcher  *fsnotify.Watcher
	limiter  *rate.Limiter
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a Watcher on path, invoking callback with each
// successfully parsed reload.
func NewWatcher(path string, callback func(pgpool.RegistryConfig)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		limiter:  rate.NewLimiter(rate.Every(2*time.Second), 1),
		stopCh:   make(chan struct{}),
	}
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
			slog.Error("config watcher error", "err", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.limiter.Allow() {
		slog.Warn("config reload rate-limited, will retry on the next change", "path", cw.path)
		return
	}

	cfg, err := Load(cw.path)
	if err != nil {
		slog.Error("config hot-reload failed", "path", cw.path, "err", err)
		return
	}
	slog.Info("config reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
