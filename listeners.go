package mtgateway

import "github.com/adred-codev/mtgateway/internal/listen"

// The listener interfaces and registry are defined once in
// internal/listen (internal/events needs them without importing this
// package back) and re-exported here so public callers only ever import
// the root package.
type (
	SynchronizationListener     = listen.SynchronizationListener
	SynchronizationListenerBase = listen.SynchronizationListenerBase
	LatencyListener             = listen.LatencyListener
	ReconnectListener           = listen.ReconnectListener
	ListenerRegistry            = listen.Registry
)

// NewListenerRegistry builds an empty registry.
func NewListenerRegistry() *ListenerRegistry { return listen.NewRegistry() }
