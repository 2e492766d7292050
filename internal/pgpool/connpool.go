package pgpool

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"time"
)

// ConnectionPool is the unit owned per PoolIdentifier: a shard-indexed set
// of SlotPools and Addresses, a per-shard BanList, and the acquisition
// algorithm.
type ConnectionPool struct {
	databases [][]*SlotPool
	addresses [][]Address
	banlist   *banList
	serverInfo []byte
	settings   PoolSettings
	reporter   Reporter
}

// ShardServerConfig is one configured server entry within a shard, as the
// Config external collaborator yields it.
type ShardServerConfig struct {
	Host string
	Port int
	Role Role
}

// ShardConfig is one shard's server list.
type ShardConfig struct {
	Database string
	Servers  []ShardServerConfig
}

// PoolBuildConfig is everything buildConnectionPool needs to build one
// ConnectionPool for one (pool_name, user) pair.
type PoolBuildConfig struct {
	PoolName string
	User     User
	// Shards is keyed by the stringified shard index; callers need not
	// pre-sort, buildConnectionPool parses and sorts.
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

// generalDefaults are the pooler-wide fallbacks used when a PoolBuildConfig
// doesn't override them.
type generalDefaults struct {
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	HealthcheckDelay   time.Duration
	HealthcheckTimeout time.Duration
	BanTime            time.Duration
}

// buildConnectionPool constructs a fresh ConnectionPool from configuration.
// It does not validate; callers must call validate() before publishing.
func buildConnectionPool(cfg PoolBuildConfig, general generalDefaults, dialer Dialer, reporter Reporter, addressID *int) (*ConnectionPool, error) {
	shardIDs := make([]string, 0, len(cfg.Shards))
	for k := range cfg.Shards {
		shardIDs = append(shardIDs, k)
	}
	// Canonical shard order: ascending numeric order of the configured shard
	// keys regardless of map iteration order.
	sort.Slice(shardIDs, func(i, j int) bool {
		a, errA := parseShardKey(shardIDs[i])
		b, errB := parseShardKey(shardIDs[j])
		if errA != nil || errB != nil {
			return shardIDs[i] < shardIDs[j]
		}
		return a < b
	})

	databases := make([][]*SlotPool, 0, len(shardIDs))
	addresses := make([][]Address, 0, len(shardIDs))

	connectTimeout := general.ConnectTimeout
	if cfg.ConnectTimeout != nil {
		connectTimeout = *cfg.ConnectTimeout
	}
	idleTimeout := general.IdleTimeout
	if cfg.IdleTimeout != nil {
		idleTimeout = *cfg.IdleTimeout
	}

	for shardPos, key := range shardIDs {
		shardNum, err := parseShardKey(key)
		if err != nil {
			return nil, fmt.Errorf("pool %q: shard key %q is not an integer: %w", cfg.PoolName, key, err)
		}
		shard := cfg.Shards[key]

		pools := make([]*SlotPool, 0, len(shard.Servers))
		addrs := make([]Address, 0, len(shard.Servers))
		replicaNumber := 0

		for idx, server := range shard.Servers {
			addr := Address{
				ID:            *addressID,
				PoolName:      cfg.PoolName,
				Username:      cfg.User.Username,
				Database:      shard.Database,
				Host:          server.Host,
				Port:          server.Port,
				Role:          server.Role,
				Shard:         shardNum,
				AddressIndex:  idx,
				ReplicaNumber: replicaNumber,
			}
			*addressID++

			if server.Role == RoleReplica {
				replicaNumber++
			}

			sp := NewSlotPool(addr, cfg.User, shard.Database, dialer, reporter, cfg.User.PoolSize, connectTimeout, idleTimeout)
			pools = append(pools, sp)
			addrs = append(addrs, addr)
		}

		databases = append(databases, pools)
		addresses = append(addresses, addrs)
		_ = shardPos
	}

	if len(databases) != len(addresses) {
		return nil, fmt.Errorf("pool %q: internal shape mismatch, %d databases vs %d addresses", cfg.PoolName, len(databases), len(addresses))
	}

	cp := &ConnectionPool{
		databases: databases,
		addresses: addresses,
		banlist:   newBanList(len(databases)),
		reporter:  reporter,
		settings: PoolSettings{
			PoolMode:             cfg.PoolMode,
			LoadBalancingMode:    cfg.LoadBalancingMode,
			Shards:               len(shardIDs),
			User:                 cfg.User,
			DefaultRole:          cfg.DefaultRole,
			QueryParserEnabled:   cfg.QueryParserEnabled,
			PrimaryReadsEnabled:  cfg.PrimaryReadsEnabled,
			ShardingFunction:     cfg.ShardingFunction,
			AutomaticShardingKey: cfg.AutomaticShardingKey,
			HealthcheckDelay:     general.HealthcheckDelay,
			HealthcheckTimeout:   general.HealthcheckTimeout,
			BanTime:              general.BanTime,
		},
	}

	return cp, nil
}

func parseShardKey(key string) (int, error) {
	var n int
	_, err := fmt.Sscanf(key, "%d", &n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// validate connects once to every configured server, collecting the
// server_info payload. Individual endpoint failures are logged and
// swallowed; if every endpoint fails, ErrAllServersDown aborts the reload.
// The first successful payload becomes the pool's canonical server_info;
// heterogeneous clusters are flagged (warned) but not rejected.
//
// TODO: compare server_info across all shards, not just consecutive pairs,
// before trusting it for the client handshake.
func (cp *ConnectionPool) validate(ctx context.Context) error {
	var serverInfos [][]byte

	for shard := 0; shard < cp.Shards(); shard++ {
		for server := 0; server < cp.Servers(shard); server++ {
			lease, err := cp.databases[shard][server].Checkout(ctx)
			if err != nil {
				slog.Error("shard down or misconfigured", "shard", shard, "server", server, "err", err)
				continue
			}
			info := lease.Session().ServerInfo()
			if len(serverInfos) > 0 {
				last := serverInfos[len(serverInfos)-1]
				if string(info) != string(last) {
					slog.Warn("server has different configuration than the last server checked", "address", cp.addresses[shard][server])
				}
			}
			serverInfos = append(serverInfos, info)
			lease.Release()
		}
	}

	if len(serverInfos) == 0 {
		return ErrAllServersDown
	}
	cp.serverInfo = serverInfos[0]
	return nil
}

// Get runs the acquisition algorithm: filter by shard+role, shuffle,
// optionally stable-sort for least-outstanding-connections, then trial each
// candidate in turn.
func (cp *ConnectionPool) Get(ctx context.Context, shard int, role Role, clientPID int32) (*Lease, Address, error) {
	candidates := make([]Address, 0, len(cp.addresses[shard]))
	for _, a := range cp.addresses[shard] {
		if a.Role == role {
			candidates = append(candidates, a)
		}
	}

	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })

	if cp.settings.LoadBalancingMode == LoadBalancingLeastOutstandingConnections {
		sort.SliceStable(candidates, func(i, j int) bool {
			// Least busy goes last so the trial loop (which pops from the
			// tail) tries it first.
			return cp.busyConnectionCount(candidates[i]) > cp.busyConnectionCount(candidates[j])
		})
	}

	for len(candidates) > 0 {
		addr := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]

		forceHealthcheck := false
		if cp.isBannedLocked(addr) {
			if cp.tryUnban(addr) {
				forceHealthcheck = true
			} else {
				continue
			}
		}

		start := time.Now()
		cp.reporter.ClientWaiting(clientPID)

		lease, err := cp.databases[addr.Shard][addr.AddressIndex].Checkout(ctx)
		if err != nil {
			slog.Error("banning instance after checkout error", "address", addr, "err", err)
			cp.Ban(addr, clientPID)
			cp.reporter.ClientCheckoutError(clientPID, addr.ID)
			continue
		}

		server := lease.Session()
		requireHealthcheck := forceHealthcheck || time.Since(server.LastActivity()) > cp.settings.HealthcheckDelay

		if !requireHealthcheck {
			cp.reporter.CheckoutTime(time.Since(start).Microseconds(), clientPID, server.ServerID())
			cp.reporter.ServerActive(clientPID, server.ServerID())
			return lease, addr, nil
		}

		if cp.runHealthCheck(ctx, addr, server, start, clientPID) {
			return lease, addr, nil
		}
		lease.Release()
	}

	return nil, Address{}, ErrAllServersDown
}

// runHealthCheck issues the no-op health query with a hard timeout.
func (cp *ConnectionPool) runHealthCheck(ctx context.Context, addr Address, server Server, start time.Time, clientPID int32) bool {
	cp.reporter.ServerTested(server.ServerID())

	done := make(chan error, 1)
	go func() { done <- server.Query(";") }()

	var err error
	select {
	case err = <-done:
	case <-time.After(cp.settings.HealthcheckTimeout):
		err = fmt.Errorf("health check timed out after %s", cp.settings.HealthcheckTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err == nil {
		cp.reporter.CheckoutTime(time.Since(start).Microseconds(), clientPID, server.ServerID())
		cp.reporter.ServerActive(clientPID, server.ServerID())
		return true
	}

	slog.Error("banning instance after failed health check", "address", addr, "err", err)
	server.MarkBad()
	cp.Ban(addr, clientPID)
	return false
}

// Ban excludes addr from candidate selection. Primaries are never banned —
// the router must surface primary failures as request errors.
func (cp *ConnectionPool) Ban(addr Address, clientPID int32) {
	if addr.Role == RolePrimary {
		return
	}
	cp.banlist.insert(addr, time.Now().UTC())
	cp.reporter.ClientBanError(clientPID, addr.ID)
}

// IsBanned reports whether addr is currently banned.
func (cp *ConnectionPool) IsBanned(addr Address) bool {
	return cp.isBannedLocked(addr)
}

func (cp *ConnectionPool) isBannedLocked(addr Address) bool {
	return cp.banlist.isBanned(addr)
}

// TryUnban evaluates the lazy unban rule: primaries are always
// unbanned; if every replica in the shard is banned, the whole shard's
// banlist is cleared (bulk self-heal); otherwise an entry older than
// BanTime is removed. The reader-then-writer pattern intentionally does not
// upgrade in place — duplicate removals triggered by the benign race are
// no-ops.
func (cp *ConnectionPool) TryUnban(addr Address) bool {
	return cp.tryUnban(addr)
}

func (cp *ConnectionPool) tryUnban(addr Address) bool {
	if addr.Role == RolePrimary {
		return true
	}

	replicaCount := 0
	for _, a := range cp.addresses[addr.Shard] {
		if a.Role == RoleReplica {
			replicaCount++
		}
	}

	if cp.banlist.count(addr.Shard) == replicaCount && replicaCount > 0 {
		cp.banlist.clearShard(addr.Shard)
		slog.Warn("unbanning all replicas", "shard", addr.Shard)
		return true
	}

	ts, ok := cp.banlist.lookup(addr)
	if !ok {
		return true
	}
	if time.Since(ts) > cp.settings.BanTime {
		cp.banlist.remove(addr)
		slog.Warn("unbanning address", "address", addr)
		return true
	}
	return false
}

// Shards returns the number of configured shards.
func (cp *ConnectionPool) Shards() int { return len(cp.databases) }

// Servers returns the number of servers (primary and replicas) configured
// for a shard.
func (cp *ConnectionPool) Servers(shard int) int { return len(cp.addresses[shard]) }

// Databases returns the total number of servers across all shards.
func (cp *ConnectionPool) Databases() int {
	total := 0
	for s := 0; s < cp.Shards(); s++ {
		total += cp.Servers(s)
	}
	return total
}

// Address returns the address for a shard/server position.
func (cp *ConnectionPool) Address(shard, server int) Address {
	return cp.addresses[shard][server]
}

// PoolState returns the SlotPool state for a shard/server position.
func (cp *ConnectionPool) PoolState(shard, server int) State {
	return cp.databases[shard][server].State()
}

// ServerInfo returns the canonical server_info payload captured at validate
// time.
func (cp *ConnectionPool) ServerInfo() []byte {
	return cp.serverInfo
}

// Settings returns the pool's immutable settings.
func (cp *ConnectionPool) Settings() PoolSettings { return cp.settings }

func (cp *ConnectionPool) busyConnectionCount(addr Address) int {
	st := cp.PoolState(addr.Shard, addr.AddressIndex)
	if st.IdleConnections > st.Connections {
		return 0
	}
	busy := st.Connections - st.IdleConnections
	slog.Debug("busy connection count", "address", addr, "busy", busy)
	return busy
}

// close tears down every SlotPool owned by this ConnectionPool. Used when a
// reload replaces a changed pool (unchanged pools are reused by reference
// and must not be closed).
func (cp *ConnectionPool) close() {
	for _, shard := range cp.databases {
		for _, sp := range shard {
			sp.Close()
		}
	}
}
