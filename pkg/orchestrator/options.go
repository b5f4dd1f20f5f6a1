// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/config"
	"github.com/kadirpekel/priam/pkg/protocol"
	"github.com/kadirpekel/priam/pkg/session"
	"github.com/kadirpekel/priam/pkg/tools"
)

// OptionsRequest is one async select lookup, scoped to the session that
// raised the form.
type OptionsRequest struct {
	TenantID string
	SessionID string
	FormID   string
	FieldKey string
	Term     string
	Page     int
	PageSize int
	Policy   *config.TenantPolicyConfig
}

// OptionsProvider answers async select lookups for one named data
// source.
type OptionsProvider interface {
	Options(ctx context.Context, req OptionsRequest) ([]protocol.FieldOption, bool, error)
}

// OptionsProviderFunc adapts a function to OptionsProvider.
type OptionsProviderFunc func(ctx context.Context, req OptionsRequest) ([]protocol.FieldOption, bool, error)

func (f OptionsProviderFunc) Options(ctx context.Context, req OptionsRequest) ([]protocol.FieldOption, bool, error) {
	return f(ctx, req)
}

// OptionsRegistry maps data source names to providers. Forms reference
// providers by name in their async select fields.
type OptionsRegistry struct {
	mu        sync.RWMutex
	providers map[string]OptionsProvider
}

// NewOptionsRegistry builds an empty registry.
func NewOptionsRegistry() *OptionsRegistry {
	return &OptionsRegistry{providers: make(map[string]OptionsProvider)}
}

// Register binds a provider under name, replacing any previous binding.
func (r *OptionsRegistry) Register(name string, p OptionsProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Provider returns the provider bound to name, or nil.
func (r *OptionsRegistry) Provider(name string) OptionsProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// NewToolOptionsProvider backs a data source with a registry tool. The
// tool receives term, page, and pageSize and returns options either as
// an envelope ({"options": [...], "hasMore": bool}) or as a bare array
// of {value,label}, {id,name}, or strings.
func NewToolOptionsProvider(registry *tools.Registry, toolName string) OptionsProvider {
	return OptionsProviderFunc(func(ctx context.Context, req OptionsRequest) ([]protocol.FieldOption, bool, error) {
		if registry == nil {
			return nil, false, fmt.Errorf("no tool registry configured")
		}
		inputs := map[string]any{
			"term":     req.Term,
			"page":     req.Page,
			"pageSize": req.PageSize,
		}
		result, err := registry.Invoke(ctx, toolName, inputs, tools.Invocation{
			ID:        uuid.NewString(),
			TenantID:  req.TenantID,
			SessionID: req.SessionID,
			Policy:    req.Policy,
		})
		if err != nil {
			return nil, false, err
		}
		return parseOptionsOutput(result.Output)
	})
}

// parseOptionsOutput normalises the tool's output shapes onto options.
func parseOptionsOutput(raw json.RawMessage) ([]protocol.FieldOption, bool, error) {
	var envelope struct {
		Options []json.RawMessage `json:"options"`
		HasMore bool              `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Options != nil {
		options, err := parseOptionItems(envelope.Options)
		return options, envelope.HasMore, err
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false, fmt.Errorf("options output is neither an envelope nor an array")
	}
	options, err := parseOptionItems(items)
	return options, false, err
}

func parseOptionItems(items []json.RawMessage) ([]protocol.FieldOption, error) {
	options := make([]protocol.FieldOption, 0, len(items))
	for _, item := range items {
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			options = append(options, protocol.FieldOption{Value: str, Label: str})
			continue
		}
		var obj struct {
			Value string `json:"value"`
			Label string `json:"label"`
			ID    string `json:"id"`
			Name  string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("unrecognised option item: %w", err)
		}
		opt := protocol.FieldOption{Value: obj.Value, Label: obj.Label}
		if opt.Value == "" {
			opt.Value = obj.ID
		}
		if opt.Label == "" {
			opt.Label = obj.Name
		}
		if opt.Value == "" {
			opt.Value = opt.Label
		}
		if opt.Label == "" {
			opt.Label = opt.Value
		}
		if opt.Value == "" {
			return nil, fmt.Errorf("option item carries no value")
		}
		options = append(options, opt)
	}
	return options, nil
}

// handleOptionsQuery answers an async select lookup for the pending
// form. The session stays suspended; option results are transient frames
// and never enter history.
func (r *resident) handleOptionsQuery(ctx context.Context, query *protocol.OptionsQuery) {
	if query == nil {
		return
	}
	key := busKey(r.sess.Key())

	field, ds := r.pendingAsyncField(query)
	if ds == nil {
		slog.Debug("Options query for a field that is not pending",
			"session", r.sess.Key().String(),
			"form", query.FormID,
			"field", query.FieldKey)
		r.orc.bus.Publish(key, protocol.NewOptionsResults(query, nil, false))
		return
	}

	if len(query.Term) < ds.MinChars {
		r.orc.bus.Publish(key, protocol.NewOptionsResults(query, nil, false))
		return
	}

	provider := r.orc.options.Provider(ds.Provider)
	if provider == nil {
		slog.Warn("No options provider registered",
			"session", r.sess.Key().String(),
			"provider", ds.Provider,
			"field", field.Key)
		r.orc.bus.Publish(key, protocol.NewOptionsResults(query, nil, false))
		return
	}

	results, hasMore, err := provider.Options(ctx, OptionsRequest{
		TenantID:  r.sess.Key().TenantID,
		SessionID: r.sess.Key().SessionID,
		FormID:    query.FormID,
		FieldKey:  query.FieldKey,
		Term:      query.Term,
		Page:      query.Page,
		PageSize:  ds.PageSize,
		Policy:    r.policy(),
	})
	if err != nil {
		slog.Warn("Options lookup failed",
			"session", r.sess.Key().String(),
			"provider", ds.Provider,
			"error", err)
		r.orc.bus.Publish(key, protocol.NewOptionsResults(query, nil, false))
		return
	}
	r.orc.bus.Publish(key, protocol.NewOptionsResults(query, results, hasMore))
}

// pendingAsyncField resolves the queried field on the pending form,
// returning its data source when the query is answerable.
func (r *resident) pendingAsyncField(query *protocol.OptionsQuery) (*protocol.Field, *protocol.DataSource) {
	pf := r.sess.PendingForm()
	if r.sess.State() != session.StateAwaitingHuman || pf == nil || pf.FormID != query.FormID {
		return nil, nil
	}
	var form protocol.Form
	if err := json.Unmarshal(pf.FormJSON, &form); err != nil {
		return nil, nil
	}
	for i := range form.Fields {
		field := &form.Fields[i]
		if field.Key == query.FieldKey && field.Async && field.DataSource != nil {
			return field, field.DataSource
		}
	}
	return nil, nil
}
