package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shardbouncer/shardbouncer/internal/pgpool"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "shardbouncer.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

const validYAML = `
general:
  connect_timeout: 3s
  ban_time: 45s

pools:
  sharddb:
    pool_mode: transaction
    load_balancing: least_outstanding_connections
    users:
      app:
        password: secret
        pool_size: 10
    shards:
      "0":
        database: sharddb_0
        servers:
          - host: primary0.internal
            port: 5432
            role: primary
          - host: replica0.internal
            port: 5432
            role: replica
`

func TestLoad(t *testing.T) {
	path := writeTemp(t, validYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.General.ConnectTimeout != 3*time.Second {
		t.Errorf("expected connect timeout 3s, got %v", cfg.General.ConnectTimeout)
	}
	if cfg.General.BanTime != 45*time.Second {
		t.Errorf("expected ban time 45s, got %v", cfg.General.BanTime)
	}
	// healthcheck fields were left unset, so they fall back to defaults.
	if cfg.General.HealthcheckDelay != 30*time.Second {
		t.Errorf("expected default healthcheck delay, got %v", cfg.General.HealthcheckDelay)
	}

	pool, ok := cfg.Pools["sharddb"]
	if !ok {
		t.Fatal("sharddb pool not found")
	}
	if pool.PoolMode != pgpool.PoolModeTransaction {
		t.Errorf("expected transaction pool mode, got %v", pool.PoolMode)
	}
	if pool.LoadBalancingMode != pgpool.LoadBalancingLeastOutstandingConnections {
		t.Errorf("expected least-outstanding-connections, got %v", pool.LoadBalancingMode)
	}
	if !pool.PrimaryReadsEnabled {
		t.Error("expected primary_reads_enabled to default to true")
	}

	shard, ok := pool.Shards["0"]
	if !ok {
		t.Fatal("shard 0 not found")
	}
	if len(shard.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(shard.Servers))
	}
	if shard.Servers[1].Role != pgpool.RoleReplica {
		t.Errorf("expected second server to be a replica, got %v", shard.Servers[1].Role)
	}

	user, ok := pool.Users["app"]
	if !ok {
		t.Fatal("user app not found")
	}
	if user.ServerUsername != "app" {
		t.Errorf("expected server_username to default to username, got %q", user.ServerUsername)
	}
	if user.ServerPassword != "secret" {
		t.Errorf("expected server_password to default to password, got %q", user.ServerPassword)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("SHARDBOUNCER_TEST_PASSWORD", "from-env")
	defer os.Unsetenv("SHARDBOUNCER_TEST_PASSWORD")

	yaml := `
pools:
  sharddb:
    users:
      app:
        password: ${SHARDBOUNCER_TEST_PASSWORD}
    shards:
      "0":
        database: sharddb_0
        servers:
          - host: primary0.internal
            port: 5432
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.Pools["sharddb"].Users["app"].Password; got != "from-env" {
		t.Errorf("expected password from-env, got %q", got)
	}
}

func TestLoadValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no users",
			yaml: `
pools:
  sharddb:
    shards:
      "0":
        database: sharddb_0
        servers:
          - host: primary0.internal
            port: 5432
`,
		},
		{
			name: "no shards",
			yaml: `
pools:
  sharddb:
    users:
      app:
        password: secret
`,
		},
		{
			name: "missing server port",
			yaml: `
pools:
  sharddb:
    users:
      app:
        password: secret
    shards:
      "0":
        database: sharddb_0
        servers:
          - host: primary0.internal
`,
		},
		{
			name: "invalid role",
			yaml: `
pools:
  sharddb:
    users:
      app:
        password: secret
    shards:
      "0":
        database: sharddb_0
        servers:
          - host: primary0.internal
            port: 5432
            role: standby
`,
		},
		{
			name: "invalid default_role",
			yaml: `
pools:
  sharddb:
    default_role: standby
    users:
      app:
        password: secret
    shards:
      "0":
        database: sharddb_0
        servers:
          - host: primary0.internal
            port: 5432
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTemp(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, validYAML)

	reloaded := make(chan pgpool.RegistryConfig, 1)
	w, err := NewWatcher(path, func(cfg pgpool.RegistryConfig) {
		reloaded <- cfg
	})
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	updated := validYAML + "\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if _, ok := cfg.Pools["sharddb"]; !ok {
			t.Error("reloaded config missing sharddb pool")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
