// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package builtin ships the in-process tool handlers: attachment parsing,
// the demo order pair used by the example config, and small utilities.
// Each handler declares its input schema; catalog entries may override it.
package builtin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kadirpekel/priam/pkg/tools"
)

// Source resolves builtin handlers by name. It registers under the name
// "builtin", which catalog entries with the builtin runtime resolve
// against.
type Source struct {
	mu       sync.RWMutex
	bindings map[string]*tools.Binding
}

// NewSource creates the builtin source with all shipped handlers.
func NewSource() *Source {
	s := &Source{bindings: make(map[string]*tools.Binding)}

	s.bindings["attachment_parse"] = attachmentParseBinding()
	s.bindings["order_search"] = orderSearchBinding()
	s.bindings["create_po"] = createPOBinding()
	s.bindings["supplier_search"] = supplierSearchBinding()
	s.bindings["clock_now"] = clockNowBinding()
	s.bindings["echo"] = echoBinding()

	return s
}

// Name returns "builtin".
func (s *Source) Name() string {
	return "builtin"
}

// Discover is a no-op; builtin handlers are compiled in.
func (s *Source) Discover(ctx context.Context) error {
	return nil
}

// Resolve returns the binding for a handler name.
func (s *Source) Resolve(handler string) (*tools.Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[handler]
	return b, ok
}

// Handlers lists the registered handler names, sorted.
func (s *Source) Handlers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.bindings))
	for name := range s.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register adds a custom handler binding. Embedding applications use this
// to ship their own builtins.
func (s *Source) Register(name string, b *tools.Binding) error {
	if name == "" {
		return fmt.Errorf("handler name cannot be empty")
	}
	if b == nil || b.Handler == nil {
		return fmt.Errorf("binding cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bindings[name]; exists {
		return fmt.Errorf("handler '%s' already registered", name)
	}
	s.bindings[name] = b
	return nil
}

// Close is a no-op.
func (s *Source) Close() error {
	return nil
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing argument %q", key)
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return str, nil
}

// optionalString extracts an optional string argument.
func optionalString(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// optionalInt extracts an optional integer argument. JSON numbers decode
// as float64.
func optionalInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// optionalNumber extracts an optional numeric argument.
func optionalNumber(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
