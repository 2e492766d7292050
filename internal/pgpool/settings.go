package pgpool

import "time"

// PoolMode is the pooling discipline a pool operates under.
type PoolMode int

const (
	// PoolModeTransaction returns a server to the pool after each transaction.
	PoolModeTransaction PoolMode = iota
	// PoolModeSession holds a server for the life of the client session.
	PoolModeSession
)

func (m PoolMode) String() string {
	if m == PoolModeSession {
		return "session"
	}
	return "transaction"
}

// LoadBalancingMode selects how candidates are ordered during acquisition.
type LoadBalancingMode int

const (
	// LoadBalancingRandom shuffles candidates uniformly.
	LoadBalancingRandom LoadBalancingMode = iota
	// LoadBalancingLeastOutstandingConnections prefers the least-busy address,
	// using the random shuffle as a tiebreaker.
	LoadBalancingLeastOutstandingConnections
)

func (m LoadBalancingMode) String() string {
	if m == LoadBalancingLeastOutstandingConnections {
		return "least_outstanding_connections"
	}
	return "random"
}

// RoleSelector is the role a caller asks Get() for, including "any" which
// the core never resolves itself — the router translates "any" into a
// concrete Role before calling Get().
type RoleSelector struct {
	Any   bool
	Value Role
}

// AnyRole is the selector meaning "no role preference", never passed to
// ConnectionPool.Get — callers must resolve it first.
var AnyRole = RoleSelector{Any: true}

// PrimaryRole and ReplicaRole are the two concrete selectors.
var (
	PrimaryRole = RoleSelector{Value: RolePrimary}
	ReplicaRole = RoleSelector{Value: RoleReplica}
)

// User holds the credentials and limits a pool connects to its upstream with.
type User struct {
	Username    string
	Password    string
	PoolSize    int
	ServerUsername string
	ServerPassword string
}

// PoolSettings is immutable for the lifetime of one ConnectionPool instance.
type PoolSettings struct {
	PoolMode            PoolMode
	LoadBalancingMode   LoadBalancingMode
	Shards              int
	User                User
	DefaultRole         RoleSelector
	QueryParserEnabled  bool
	PrimaryReadsEnabled bool
	ShardingFunction    string
	AutomaticShardingKey string

	HealthcheckDelay   time.Duration
	HealthcheckTimeout time.Duration
	BanTime            time.Duration
}

// DefaultPoolSettings returns the baseline settings a pool gets absent any
// overrides: transaction pooling, random load balancing, a single shard,
// no default role, and the primary allowed to serve reads.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		PoolMode:            PoolModeTransaction,
		LoadBalancingMode:   LoadBalancingRandom,
		Shards:              1,
		DefaultRole:         AnyRole,
		QueryParserEnabled:  false,
		PrimaryReadsEnabled: true,
		ShardingFunction:    "pg_bigint_hash",
		HealthcheckDelay:    30 * time.Second,
		HealthcheckTimeout:  5 * time.Second,
		BanTime:             60 * time.Second,
	}
}
