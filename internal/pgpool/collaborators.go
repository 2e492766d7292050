package pgpool

import "time"

// Server is the external collaborator the core checks out and hands leases
// over. The wire-level codec and auth handshake that produce it are out of
// scope for this package; internal/server implements it.
type Server interface {
	// Query issues sql against the server and blocks for a response.
	Query(sql string) error
	// LastActivity is the timestamp of the most recent successful exchange.
	LastActivity() time.Time
	// MarkBad flags the session for closing instead of being returned idle.
	MarkBad()
	// IsBad reports whether MarkBad has been called.
	IsBad() bool
	// ServerInfo is the PostgreSQL parameter-status + backend-key preamble
	// captured at connect time.
	ServerInfo() []byte
	// ServerID is the randomly assigned identity used for Reporter events,
	// distinct from Address.ID.
	ServerID() int32
	// Address is the endpoint this session is connected to.
	Address() Address
	// Close tears down the underlying connection.
	Close() error
}

// Dialer opens a new Server session for one Address. Implemented by
// internal/server.
type Dialer interface {
	Startup(serverID int32, addr Address, user User, database string) (Server, error)
}

// Reporter is a fire-and-forget stats sink. All methods must be safe to
// call from many goroutines and must not block the acquisition path.
type Reporter interface {
	ClientWaiting(clientPID int32)
	ClientCheckoutError(clientPID int32, addrID int)
	ClientBanError(clientPID int32, addrID int)
	CheckoutTime(micros int64, clientPID int32, serverID int32)
	ServerActive(clientPID int32, serverID int32)
	ServerTested(serverID int32)
	ServerRegister(serverID int32, addrID int, addrName, poolName, username string)
	ServerLogin(serverID int32)
	ServerIdle(serverID int32)
	ServerDisconnecting(serverID int32)
}

// NopReporter discards every event. Useful for tests and as a zero-value
// default so ConnectionPool never has to nil-check its Reporter.
type NopReporter struct{}

func (NopReporter) ClientWaiting(int32)                                    {}
func (NopReporter) ClientCheckoutError(int32, int)                         {}
func (NopReporter) ClientBanError(int32, int)                              {}
func (NopReporter) CheckoutTime(int64, int32, int32)                       {}
func (NopReporter) ServerActive(int32, int32)                              {}
func (NopReporter) ServerTested(int32)                                     {}
func (NopReporter) ServerRegister(int32, int, string, string, string)      {}
func (NopReporter) ServerLogin(int32)                                      {}
func (NopReporter) ServerIdle(int32)                                       {}
func (NopReporter) ServerDisconnecting(int32)                              {}
