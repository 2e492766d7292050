// Package stats implements the external Reporter collaborator using
// Prometheus.
package stats

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every Prometheus metric shardbouncer exposes and
// implements pgpool.Reporter against them.
type Collector struct {
	Registry *prometheus.Registry

	clientWaiting       prometheus.Counter
	clientCheckoutError *prometheus.CounterVec
	clientBanError      *prometheus.CounterVec
	checkoutDuration    prometheus.Histogram
	serverActive        *prometheus.CounterVec
	serverTested        prometheus.Counter
	serversRegistered   *prometheus.GaugeVec
	serverLogins        prometheus.Counter
	serverIdle          prometheus.Counter
	serverDisconnects   prometheus.Counter

	mu          sync.Mutex
	addrByServer map[int32]addrLabels
}

type addrLabels struct {
	addrID   int
	addrName string
	pool     string
	user     string
}

// New creates and registers a fresh Collector on its own registry, so
// repeated calls (tests, or a process restarting its stats layer) never
// collide on global Prometheus state.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		clientWaiting: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbouncer_client_waiting_total",
			Help: "Total number of times a client began waiting for a server checkout",
		}),
		clientCheckoutError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardbouncer_client_checkout_errors_total",
			Help: "Checkout failures per address",
		}, []string{"address_id"}),
		clientBanError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardbouncer_client_ban_errors_total",
			Help: "Bans applied per address",
		}, []string{"address_id"}),
		checkoutDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shardbouncer_checkout_duration_seconds",
			Help:    "Time from acquisition start to a usable server",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		serverActive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardbouncer_server_active_total",
			Help: "Successful checkouts per pool/user",
		}, []string{"pool", "user"}),
		serverTested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbouncer_server_tested_total",
			Help: "Total health checks issued before handing a server to a client",
		}),
		serversRegistered: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardbouncer_servers_registered",
			Help: "Servers registered by pool/user, less those whose connect attempt failed; closing a session does not decrement it",
		}, []string{"pool", "user"}),
		serverLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbouncer_server_logins_total",
			Help: "Server login attempts, counted before the connect result is known",
		}),
		serverIdle: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbouncer_server_idle_total",
			Help: "Servers that connected successfully and became idle",
		}),
		serverDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shardbouncer_server_disconnects_total",
			Help: "Servers whose connect attempt failed",
		}),
		addrByServer: make(map[int32]addrLabels),
	}

	reg.MustRegister(
		c.clientWaiting,
		c.clientCheckoutError,
		c.clientBanError,
		c.checkoutDuration,
		c.serverActive,
		c.serverTested,
		c.serversRegistered,
		c.serverLogins,
		c.serverIdle,
		c.serverDisconnects,
	)

	return c
}

func addrIDLabel(id int) string {
	return strconv.Itoa(id)
}

// ClientWaiting implements pgpool.Reporter.
func (c *Collector) ClientWaiting(int32) { c.clientWaiting.Inc() }

// ClientCheckoutError implements pgpool.Reporter.
func (c *Collector) ClientCheckoutError(_ int32, addrID int) {
	c.clientCheckoutError.WithLabelValues(addrIDLabel(addrID)).Inc()
}

// ClientBanError implements pgpool.Reporter.
func (c *Collector) ClientBanError(_ int32, addrID int) {
	c.clientBanError.WithLabelValues(addrIDLabel(addrID)).Inc()
}

// CheckoutTime implements pgpool.Reporter.
func (c *Collector) CheckoutTime(micros int64, _ int32, _ int32) {
	c.checkoutDuration.Observe(float64(micros) / 1e6)
}

// ServerActive implements pgpool.Reporter.
func (c *Collector) ServerActive(_ int32, serverID int32) {
	c.mu.Lock()
	labels, ok := c.addrByServer[serverID]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.serverActive.WithLabelValues(labels.pool, labels.user).Inc()
}

// ServerTested implements pgpool.Reporter.
func (c *Collector) ServerTested(int32) { c.serverTested.Inc() }

// ServerRegister implements pgpool.Reporter.
func (c *Collector) ServerRegister(serverID int32, addrID int, addrName, poolName, username string) {
	c.mu.Lock()
	c.addrByServer[serverID] = addrLabels{addrID: addrID, addrName: addrName, pool: poolName, user: username}
	c.mu.Unlock()
	c.serversRegistered.WithLabelValues(poolName, username).Inc()
}

// ServerLogin implements pgpool.Reporter.
func (c *Collector) ServerLogin(int32) { c.serverLogins.Inc() }

// ServerIdle implements pgpool.Reporter.
func (c *Collector) ServerIdle(int32) { c.serverIdle.Inc() }

// ServerDisconnecting implements pgpool.Reporter.
func (c *Collector) ServerDisconnecting(serverID int32) {
	c.serverDisconnects.Inc()
	c.mu.Lock()
	labels, ok := c.addrByServer[serverID]
	if ok {
		delete(c.addrByServer, serverID)
	}
	c.mu.Unlock()
	if ok {
		c.serversRegistered.WithLabelValues(labels.pool, labels.user).Dec()
	}
}
