// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package builtin

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirpekel/priam/pkg/tools"
)

func clockNowBinding() *tools.Binding {
	return &tools.Binding{
		Handler:     tools.HandlerFunc(clockNow),
		Description: "Current date and time, optionally in a named timezone",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA timezone name, default UTC",
				},
			},
		},
	}
}

func clockNow(ctx context.Context, args map[string]any) (map[string]any, error) {
	loc := time.UTC
	if tz := optionalString(args, "timezone"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			return nil, tools.Permanent(fmt.Errorf("unknown timezone %q", tz))
		}
		loc = parsed
	}

	now := time.Now().In(loc)
	return map[string]any{
		"iso":      now.Format(time.RFC3339),
		"unix":     now.Unix(),
		"timezone": loc.String(),
	}, nil
}

func echoBinding() *tools.Binding {
	return &tools.Binding{
		Handler:     tools.HandlerFunc(echo),
		Description: "Return the input text unchanged",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []any{"text"},
		},
	}
}

func echo(ctx context.Context, args map[string]any) (map[string]any, error) {
	text, err := stringArg(args, "text")
	if err != nil {
		return nil, tools.Permanent(err)
	}
	return map[string]any{"text": text}, nil
}
