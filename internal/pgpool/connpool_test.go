package pgpool

import (
	"context"
	"testing"
	"time"
)

func testGeneralDefaults() generalDefaults {
	return generalDefaults{
		ConnectTimeout:     time.Second,
		IdleTimeout:        time.Minute,
		HealthcheckDelay:   time.Minute,
		HealthcheckTimeout: 200 * time.Millisecond,
		BanTime:            50 * time.Millisecond,
	}
}

func buildTestPool(t *testing.T, dialer Dialer, shards int, replicasPerShard int) *ConnectionPool {
	t.Helper()
	shardCfgs := make(map[string]ShardConfig, shards)
	for s := 0; s < shards; s++ {
		servers := []ShardServerConfig{{Host: "primary", Port: 5432, Role: RolePrimary}}
		for r := 0; r < replicasPerShard; r++ {
			servers = append(servers, ShardServerConfig{Host: "replica", Port: 5432, Role: RoleReplica})
		}
		shardCfgs[intToShardKey(s)] = ShardConfig{Database: "db", Servers: servers}
	}

	cfg := PoolBuildConfig{
		PoolName: "testpool",
		User:     User{Username: "app", PoolSize: 5},
		Shards:   shardCfgs,
	}

	addressID := 0
	cp, err := buildConnectionPool(cfg, testGeneralDefaults(), dialer, NopReporter{}, &addressID)
	if err != nil {
		t.Fatalf("buildConnectionPool failed: %v", err)
	}
	return cp
}

func intToShardKey(i int) string {
	digits := []byte{}
	if i == 0 {
		return "0"
	}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

func TestBuildConnectionPoolAssignsDenseAddressIDsAndReplicaNumbers(t *testing.T) {
	cp := buildTestPool(t, newFakeDialer(), 1, 2)

	if cp.Shards() != 1 {
		t.Fatalf("expected 1 shard, got %d", cp.Shards())
	}
	if cp.Servers(0) != 3 {
		t.Fatalf("expected 3 servers (1 primary + 2 replicas), got %d", cp.Servers(0))
	}

	primary := cp.Address(0, 0)
	if primary.Role != RolePrimary || primary.ReplicaNumber != 0 {
		t.Errorf("expected primary with replica number 0, got %+v", primary)
	}

	r0 := cp.Address(0, 1)
	r1 := cp.Address(0, 2)
	if r0.ReplicaNumber != 0 || r1.ReplicaNumber != 1 {
		t.Errorf("expected replica numbers 0 and 1, got %d and %d", r0.ReplicaNumber, r1.ReplicaNumber)
	}
	if r0.ID == r1.ID {
		t.Error("expected distinct dense address IDs")
	}
}

func TestValidateFailsWhenAllServersDown(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 1)

	for shard := 0; shard < cp.Shards(); shard++ {
		for server := 0; server < cp.Servers(shard); server++ {
			dialer.failAt(cp.Address(shard, server), context.DeadlineExceeded)
		}
	}

	if err := cp.validate(context.Background()); err != ErrAllServersDown {
		t.Errorf("expected ErrAllServersDown, got %v", err)
	}
}

func TestValidateSucceedsWithAtLeastOneServerUp(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 1)
	dialer.failAt(cp.Address(0, 1), context.DeadlineExceeded)

	if err := cp.validate(context.Background()); err != nil {
		t.Fatalf("expected validate to succeed, got %v", err)
	}
	if len(cp.ServerInfo()) == 0 {
		t.Error("expected serverInfo to be captured from the surviving server")
	}
}

func TestGetRandomDistributionAcrossReplicas(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 4)

	counts := make(map[int]int)
	const trials = 400
	for i := 0; i < trials; i++ {
		lease, addr, err := cp.Get(context.Background(), 0, RoleReplica, 1)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		counts[addr.ReplicaNumber]++
		lease.Release()
	}

	for replica, n := range counts {
		if n == 0 {
			t.Errorf("replica %d was never selected across %d trials", replica, trials)
		}
	}
	if len(counts) != 4 {
		t.Errorf("expected all 4 replicas to be used, got %d distinct replicas", len(counts))
	}
}

func TestGetNeverReturnsPrimaryWhenAskedForReplica(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 2)

	for i := 0; i < 50; i++ {
		lease, addr, err := cp.Get(context.Background(), 0, RoleReplica, 1)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if addr.Role != RoleReplica {
			t.Fatalf("expected replica, got %v", addr.Role)
		}
		lease.Release()
	}
}

func TestGetBansReplicaAfterFailedHealthCheck(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 2)
	cp.settings.HealthcheckDelay = 0 // force a health check on every checkout

	lease, bad, err := cp.Get(context.Background(), 0, RoleReplica, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	// The session goes back to bad's idle list, so the next checkout of bad
	// gets it and its health check fails.
	lease.Session().(*fakeServer).queryErr = context.DeadlineExceeded
	lease.Release()

	// Keep acquiring until bad is tried again: Get bans it and falls through
	// to the other, healthy replica.
	for i := 0; i < 100 && !cp.IsBanned(bad); i++ {
		l, _, err := cp.Get(context.Background(), 0, RoleReplica, 1)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		l.Release()
	}

	if !cp.IsBanned(bad) {
		t.Fatal("expected the replica that failed its health check to be banned")
	}
}

func TestPrimaryIsNeverBanned(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 1)

	primary := cp.Address(0, 0)
	cp.Ban(primary, 1)

	if cp.IsBanned(primary) {
		t.Error("primary must never be banned")
	}
}

func TestTryUnbanBulkSelfHealsWhenAllReplicasBanned(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 3)

	r0, r1, r2 := cp.Address(0, 1), cp.Address(0, 2), cp.Address(0, 3)
	cp.Ban(r0, 1)
	cp.Ban(r1, 1)
	cp.Ban(r2, 1)

	if !cp.IsBanned(r0) || !cp.IsBanned(r1) || !cp.IsBanned(r2) {
		t.Fatal("expected all three replicas banned before the self-heal check")
	}

	if !cp.TryUnban(r0) {
		t.Fatal("expected bulk self-heal when every replica in the shard is banned")
	}
	if cp.IsBanned(r1) || cp.IsBanned(r2) {
		t.Error("bulk self-heal must clear every ban in the shard")
	}
}

func TestTryUnbanExpiresIndividualBanAfterBanTime(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 2)
	cp.settings.BanTime = 10 * time.Millisecond

	r0 := cp.Address(0, 1)
	cp.Ban(r0, 1)
	if !cp.IsBanned(r0) {
		t.Fatal("expected address to be banned")
	}

	if cp.TryUnban(r0) {
		t.Error("ban should not have expired yet")
	}

	time.Sleep(20 * time.Millisecond)
	if !cp.TryUnban(r0) {
		t.Error("expected ban to expire after BanTime elapsed")
	}
	if cp.IsBanned(r0) {
		t.Error("expected address to be unbanned")
	}
}

func TestBusyConnectionCountClampsToZero(t *testing.T) {
	dialer := newFakeDialer()
	cp := buildTestPool(t, dialer, 1, 1)
	addr := cp.Address(0, 0)

	// No connections have been made yet: idle == connections == 0.
	if got := cp.busyConnectionCount(addr); got != 0 {
		t.Errorf("expected 0 busy connections on a fresh pool, got %d", got)
	}

	// A transient idle > connections reading must clamp to zero.
	sp := cp.databases[0][0]
	sp.mu.Lock()
	sp.idle = append(sp.idle, newFakeServer(addr, 1))
	sp.mu.Unlock()
	if got := cp.busyConnectionCount(addr); got != 0 {
		t.Errorf("expected busy count clamped to 0 when idle exceeds connections, got %d", got)
	}
}
