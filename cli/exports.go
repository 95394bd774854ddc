package cli

import (
	"github.com/zot/hook-engine/internal/bridge"
	"github.com/zot/hook-engine/internal/hooks"
	"github.com/zot/hook-engine/internal/server"
)

// Re-export service and binding types for wrapper projects
type (
	Service     = hooks.Service
	Server      = server.Server
	Bridge      = bridge.Bridge
	Class       = bridge.Class
	SharedState = bridge.SharedState
)

// Re-export constructors
var (
	NewService     = hooks.New
	NewServer      = server.New
	Func           = bridge.Func
	Raw            = bridge.Raw
	NewSharedState = bridge.NewSharedState
	WithBridges    = hooks.WithBridges
)
