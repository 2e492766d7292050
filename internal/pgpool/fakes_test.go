package pgpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// fakeServer is an in-memory stand-in for a real upstream connection.
type fakeServer struct {
	addr     Address
	serverID int32
	last     atomic.Int64
	bad      atomic.Bool
	closed   atomic.Bool
	queryErr error
}

func newFakeServer(addr Address, serverID int32) *fakeServer {
	fs := &fakeServer{addr: addr, serverID: serverID}
	fs.last.Store(time.Now().UnixNano())
	return fs
}

func (f *fakeServer) Query(string) error {
	if f.queryErr != nil {
		return f.queryErr
	}
	f.last.Store(time.Now().UnixNano())
	return nil
}
func (f *fakeServer) LastActivity() time.Time { return time.Unix(0, f.last.Load()) }
func (f *fakeServer) MarkBad()                { f.bad.Store(true) }
func (f *fakeServer) IsBad() bool             { return f.bad.Load() }
func (f *fakeServer) ServerInfo() []byte      { return []byte("fake") }
func (f *fakeServer) ServerID() int32         { return f.serverID }
func (f *fakeServer) Address() Address        { return f.addr }
func (f *fakeServer) Close() error            { f.closed.Store(true); return nil }

// fakeDialer hands out fakeServers and lets tests fail specific addresses.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failAddr map[string]error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{failAddr: make(map[string]error)}
}

func (d *fakeDialer) failAt(addr Address, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAddr[addr.Name()] = err
}

func (d *fakeDialer) Startup(serverID int32, addr Address, _ User, _ string) (Server, error) {
	d.mu.Lock()
	d.dials++
	err, shouldFail := d.failAddr[addr.Name()]
	d.mu.Unlock()
	if shouldFail {
		return nil, err
	}
	return newFakeServer(addr, serverID), nil
}

func testAddress(shard, idx int, role Role) Address {
	return Address{
		ID:           shard*100 + idx,
		PoolName:     "testpool",
		Username:     "app",
		Database:     fmt.Sprintf("db_%d", shard),
		Host:         fmt.Sprintf("host-%d-%d", shard, idx),
		Port:         5432,
		Role:         role,
		Shard:        shard,
		AddressIndex: idx,
	}
}
