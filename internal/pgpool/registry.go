package pgpool

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// PoolDefConfig is one configured pool (database) as the Config external
// collaborator yields it: potentially many users, each getting its own
// ConnectionPool.
type PoolDefConfig struct {
	Users map[string]User
	Shards map[string]ShardConfig

	PoolMode            PoolMode
	LoadBalancingMode   LoadBalancingMode
	DefaultRole         RoleSelector
	QueryParserEnabled  bool
	PrimaryReadsEnabled bool
	ShardingFunction    string
	AutomaticShardingKey string

	ConnectTimeout *time.Duration
	IdleTimeout    *time.Duration
}

// RegistryConfig is the full typed config tree: every pool plus the
// pooler-wide general defaults.
type RegistryConfig struct {
	Pools   map[string]PoolDefConfig
	General GeneralConfig
}

// GeneralConfig holds the pooler-wide defaults a PoolDefConfig may override.
type GeneralConfig struct {
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	HealthcheckDelay   time.Duration
	HealthcheckTimeout time.Duration
	BanTime            time.Duration
}

func (g GeneralConfig) asGeneralDefaults() generalDefaults {
	return generalDefaults{
		ConnectTimeout:     g.ConnectTimeout,
		IdleTimeout:        g.IdleTimeout,
		HealthcheckDelay:   g.HealthcheckDelay,
		HealthcheckTimeout: g.HealthcheckTimeout,
		BanTime:            g.BanTime,
	}
}

// snapshot is the immutable registry content a reader observes; replaced
// atomically on reload.
type snapshot struct {
	pools       map[PoolIdentifier]*ConnectionPool
	poolConfigs map[string]PoolDefConfig // last-seen PoolDefConfig per pool name, for change detection
}

// Registry is the process-wide holder of the current snapshot. It is an
// explicit value, not a package-level global, so tests can run several
// registries in parallel without shared state.
type Registry struct {
	snap     atomic.Pointer[snapshot]
	wmu      sync.Mutex
	dialer   Dialer
	reporter Reporter
}

// NewRegistry creates an empty Registry. dialer and reporter are the
// external collaborators every ConnectionPool it builds will use.
func NewRegistry(dialer Dialer, reporter Reporter) *Registry {
	if reporter == nil {
		reporter = NopReporter{}
	}
	r := &Registry{dialer: dialer, reporter: reporter}
	r.snap.Store(&snapshot{
		pools:       make(map[PoolIdentifier]*ConnectionPool),
		poolConfigs: make(map[string]PoolDefConfig),
	})
	return r
}

// FromConfig builds a new registry snapshot from cfg. Pool configs that
// compare equal (by reflect.DeepEqual) to the previous generation are reused
// by reference so their warm SlotPools survive the reload. On any validation
// error the whole reload is aborted and the previous snapshot remains live.
// Pools from the previous snapshot that are superseded (changed or removed)
// are closed once the new snapshot is live; any leases still outstanding
// against them keep working and release safely, they're just not returned
// to an idle pool that no longer accepts new checkouts.
func (r *Registry) FromConfig(ctx context.Context, cfg RegistryConfig) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	prev := r.snap.Load()
	newPools := make(map[PoolIdentifier]*ConnectionPool)
	newConfigs := make(map[string]PoolDefConfig, len(cfg.Pools))
	addressID := 0
	general := cfg.General.asGeneralDefaults()

	var built []*ConnectionPool

	for poolName, poolCfg := range cfg.Pools {
		newConfigs[poolName] = poolCfg
		prevCfg, hadPrev := prev.poolConfigs[poolName]
		changed := !hadPrev || !reflect.DeepEqual(prevCfg, poolCfg)

		for username, user := range poolCfg.Users {
			user.Username = username
			id := PoolIdentifier{DB: poolName, User: username}

			if !changed {
				if existing, ok := prev.pools[id]; ok {
					slog.Info("pool has not changed", "pool", poolName, "user", username)
					newPools[id] = existing
					continue
				}
			}

			slog.Info("creating new pool", "pool", poolName, "user", username)
			buildCfg := PoolBuildConfig{
				PoolName:             poolName,
				User:                 user,
				Shards:               poolCfg.Shards,
				PoolMode:             poolCfg.PoolMode,
				LoadBalancingMode:    poolCfg.LoadBalancingMode,
				DefaultRole:          poolCfg.DefaultRole,
				QueryParserEnabled:   poolCfg.QueryParserEnabled,
				PrimaryReadsEnabled:  poolCfg.PrimaryReadsEnabled,
				ShardingFunction:     poolCfg.ShardingFunction,
				AutomaticShardingKey: poolCfg.AutomaticShardingKey,
				ConnectTimeout:       poolCfg.ConnectTimeout,
				IdleTimeout:          poolCfg.IdleTimeout,
			}

			cp, err := buildConnectionPool(buildCfg, general, r.dialer, r.reporter, &addressID)
			if err != nil {
				closeAll(built)
				return &ConfigError{Pool: poolName, Err: err}
			}

			if err := cp.validate(ctx); err != nil {
				slog.Error("could not validate connection pool", "pool", poolName, "user", username, "err", err)
				closeAll(built)
				return &ConfigError{Pool: poolName, Err: err}
			}

			built = append(built, cp)
			newPools[id] = cp
		}
	}

	r.snap.Store(&snapshot{pools: newPools, poolConfigs: newConfigs})
	closeAll(supersededPools(prev.pools, newPools))
	return nil
}

// supersededPools returns every pool from prevPools that is not present by
// reference in newPools, covering both pools that were rebuilt because their
// config changed and pools whose (db, user) identifier was dropped entirely.
func supersededPools(prevPools, newPools map[PoolIdentifier]*ConnectionPool) []*ConnectionPool {
	var retired []*ConnectionPool
	for id, cp := range prevPools {
		if newPools[id] != cp {
			retired = append(retired, cp)
		}
	}
	return retired
}

// closeAll tears down every given pool's idle sessions and reaper goroutine.
// Sessions already checked out against a closed pool are unaffected until
// their lease calls Release, at which point they are closed instead of
// returned to idle — safe to call with leases still outstanding.
func closeAll(pools []*ConnectionPool) {
	for _, p := range pools {
		p.close()
	}
}

// GetPool returns the pool for (db, user), or ErrUnknownPool if the
// identifier is not in the published snapshot.
func (r *Registry) GetPool(db, user string) (*ConnectionPool, error) {
	snap := r.snap.Load()
	cp, ok := snap.pools[PoolIdentifier{DB: db, User: user}]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownPool, db, user)
	}
	return cp, nil
}

// GetAllPools returns every pool in the current snapshot, keyed by
// identifier.
func (r *Registry) GetAllPools() map[PoolIdentifier]*ConnectionPool {
	snap := r.snap.Load()
	out := make(map[PoolIdentifier]*ConnectionPool, len(snap.pools))
	for k, v := range snap.pools {
		out[k] = v
	}
	return out
}

// GetNumberOfAddresses sums Databases() across every pool in the snapshot.
func (r *Registry) GetNumberOfAddresses() int {
	total := 0
	for _, cp := range r.GetAllPools() {
		total += cp.Databases()
	}
	return total
}
