package callback

import (
	"log/slog"
	"sync"
)

// Process-wide registry holding zero or one live singleton server. Keeping
// one idle server resident avoids repeated port binds across sequential tool
// calls.
var (
	registryMu sync.Mutex
	instance   *Server
)

// Acquire returns the singleton server, creating one if absent. A BUSY
// singleton is never shared: the caller gets a fresh independent instance
// instead, at the cost of a new port bind, so concurrent sessions cannot
// collide on one waiter slot. The returned server still needs Start.
func Acquire(cfg Config, logger *slog.Logger) *Server {
	registryMu.Lock()
	defer registryMu.Unlock()

	if instance == nil {
		instance = newServer(cfg, logger, true)
		return instance
	}
	if instance.State() == StateBusy {
		return newServer(cfg, logger, false)
	}
	return instance
}

// unregister clears the singleton slot when s is the registered instance, so
// a future Acquire creates anew. Called from Shutdown.
func unregister(s *Server) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if instance == s {
		instance = nil
	}
}

// InstanceState reports the singleton's state without creating one.
// StateShutdown means no instance exists.
func InstanceState() State {
	registryMu.Lock()
	defer registryMu.Unlock()
	if instance == nil {
		return StateShutdown
	}
	return instance.State()
}

// ResetInstance shuts down and forgets the singleton. A test and shutdown
// hook only; production logic never calls it.
func ResetInstance() {
	registryMu.Lock()
	s := instance
	instance = nil
	registryMu.Unlock()

	if s != nil {
		s.Shutdown()
	}
}
