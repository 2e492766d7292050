// Package pgpool implements the connection-pool core of a PostgreSQL-protocol
// connection pooler: per-(database,user) pools of per-(shard,server)
// connection slots, the acquisition algorithm, the replica-banning state
// machine, and the hot-reload protocol that swaps the whole pool topology.
package pgpool

import "fmt"

// Role is the role an upstream endpoint plays within a shard.
type Role int

const (
	// RolePrimary accepts writes.
	RolePrimary Role = iota
	// RoleReplica is a read-only follower.
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleReplica:
		return "replica"
	default:
		return "unknown"
	}
}

// Address identifies one upstream database endpoint within a pool. Equality
// and hashing use every field, so a configuration change to any field
// produces a distinct Address and invalidates ban entries keyed on the old
// one.
type Address struct {
	// ID is a dense integer assigned by a counter scoped to one registry
	// build. It is not stable across reloads.
	ID int

	PoolName string
	Username string
	Database string
	Host     string
	Port     int
	Role     Role

	// Shard is the shard this address belongs to.
	Shard int
	// AddressIndex is this address's position within the shard's server list.
	AddressIndex int
	// ReplicaNumber is the ordinal among replicas in this shard, 0 for the
	// primary.
	ReplicaNumber int
}

// String renders a log-friendly identifier for the address.
func (a Address) String() string {
	return fmt.Sprintf("%s/%s@%s:%d[shard=%d role=%s idx=%d]",
		a.PoolName, a.Username, a.Host, a.Port, a.Shard, a.Role, a.AddressIndex)
}

// Name returns the host:port pair, used by Reporter registration.
func (a Address) Name() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// PoolIdentifier is the (database, user) key a client's startup request
// resolves to. A pool exists iff its identifier appears in the published
// registry snapshot.
type PoolIdentifier struct {
	DB   string
	User string
}

func (p PoolIdentifier) String() string {
	return p.DB + "/" + p.User
}
