package pgpool

import "errors"

// ErrAllServersDown is returned by Get when no candidate address yielded a
// usable session during an acquisition.
var ErrAllServersDown = errors.New("pgpool: all servers down")

// ErrPoolClosed is returned by SlotPool operations performed after Close.
var ErrPoolClosed = errors.New("pgpool: pool closed")

// ErrUnknownPool is returned by Registry.GetPool for an identifier not
// present in the published snapshot.
var ErrUnknownPool = errors.New("pgpool: unknown pool")

// ConfigError wraps a configuration problem surfaced during FromConfig; it
// always aborts the reload in progress, leaving the previous snapshot live.
type ConfigError struct {
	Pool string
	Err  error
}

func (e *ConfigError) Error() string {
	return "pgpool: invalid config for pool " + e.Pool + ": " + e.Err.Error()
}

func (e *ConfigError) Unwrap() error { return e.Err }
