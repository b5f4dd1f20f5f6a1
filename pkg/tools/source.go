// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package tools

import "context"

// Handler is an executable tool binding. Implementations must honor ctx
// cancellation; the engine derives the per-attempt deadline from the
// descriptor's timeout.
type Handler interface {
	Call(ctx context.Context, args map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args map[string]any) (map[string]any, error)

// Call invokes the function.
func (f HandlerFunc) Call(ctx context.Context, args map[string]any) (map[string]any, error) {
	return f(ctx, args)
}

// Binding pairs a handler with the metadata its source declares for it.
// Catalog entries overlay this: a catalog field wins when set, the
// source-declared value fills the gap otherwise.
type Binding struct {
	Handler      Handler
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
}

// Source supplies executable bindings for one runtime. The builtin source
// is registered under the name "builtin"; MCP sources are registered under
// their server name from the catalog.
type Source interface {
	// Name identifies the source for catalog resolution.
	Name() string

	// Discover prepares the source's bindings. For MCP sources this
	// connects to the server and lists its tools; for the builtin source
	// it is a no-op.
	Discover(ctx context.Context) error

	// Resolve returns the binding for a handler name.
	Resolve(handler string) (*Binding, bool)

	// Handlers lists the handler names the source can resolve.
	Handlers() []string

	// Close releases the source's resources.
	Close() error
}
