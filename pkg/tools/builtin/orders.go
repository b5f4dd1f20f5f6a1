// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

package builtin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/tools"
)

// The order tools back the example config and exercise the full invocation
// surface: order_search is idempotent and read-only, create_po is
// non-idempotent with write side effects, supplier_search feeds async
// select options.

type demoOrder struct {
	ID       string  `json:"id"`
	Supplier string  `json:"supplier"`
	Item     string  `json:"item"`
	Quantity int     `json:"quantity"`
	Amount   float64 `json:"amount"`
	Status   string  `json:"status"`
	Date     string  `json:"date"`
}

type demoSupplier struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var demoOrders = []demoOrder{
	{ID: "ORD-1001", Supplier: "Acme Industrial", Item: "steel brackets", Quantity: 500, Amount: 1250.00, Status: "delivered", Date: "2025-01-14"},
	{ID: "ORD-1002", Supplier: "Globex Supply", Item: "hex bolts M8", Quantity: 2000, Amount: 340.00, Status: "delivered", Date: "2025-02-03"},
	{ID: "ORD-1003", Supplier: "Acme Industrial", Item: "aluminum sheets", Quantity: 120, Amount: 4800.00, Status: "open", Date: "2025-03-21"},
	{ID: "ORD-1004", Supplier: "Initech Parts", Item: "rubber gaskets", Quantity: 1500, Amount: 225.00, Status: "cancelled", Date: "2025-04-02"},
	{ID: "ORD-1005", Supplier: "Globex Supply", Item: "copper wire 2mm", Quantity: 800, Amount: 1960.00, Status: "open", Date: "2025-05-18"},
}

var demoSuppliers = []demoSupplier{
	{ID: "S1", Name: "Acme Industrial"},
	{ID: "S2", Name: "Globex Supply"},
	{ID: "S3", Name: "Initech Parts"},
	{ID: "S4", Name: "Umbrella Logistics"},
}

// createdPOs records purchase orders created in this process so repeated
// demo runs stay inspectable.
var (
	createdPOs   []map[string]any
	createdPOsMu sync.Mutex
)

func orderSearchBinding() *tools.Binding {
	return &tools.Binding{
		Handler:     tools.HandlerFunc(orderSearch),
		Description: "Search purchase orders by id, supplier, or item",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Free-text match against order id, supplier, and item",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum results to return",
					"minimum":     1,
				},
			},
			"required": []any{"query"},
		},
	}
}

func orderSearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return nil, tools.Permanent(err)
	}
	limit := optionalInt(args, "limit", 10)

	needle := strings.ToLower(strings.TrimSpace(query))
	var matches []map[string]any
	for _, order := range demoOrders {
		if len(matches) >= limit {
			break
		}
		haystack := strings.ToLower(order.ID + " " + order.Supplier + " " + order.Item + " " + order.Status)
		if needle == "" || strings.Contains(haystack, needle) {
			matches = append(matches, map[string]any{
				"id":       order.ID,
				"supplier": order.Supplier,
				"item":     order.Item,
				"quantity": order.Quantity,
				"amount":   order.Amount,
				"status":   order.Status,
				"date":     order.Date,
			})
		}
	}

	return map[string]any{
		"orders": matches,
		"count":  len(matches),
	}, nil
}

func createPOBinding() *tools.Binding {
	return &tools.Binding{
		Handler:     tools.HandlerFunc(createPO),
		Description: "Create a purchase order for a supplier",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"supplier": map[string]any{
					"type":        "string",
					"description": "Supplier id or name",
				},
				"amount": map[string]any{
					"type":        "number",
					"description": "Order amount",
					"minimum":     0,
				},
				"item": map[string]any{
					"type":        "string",
					"description": "What is being ordered",
				},
				"quantity": map[string]any{
					"type":    "integer",
					"minimum": 1,
				},
			},
			"required": []any{"supplier", "amount"},
		},
	}
}

func createPO(ctx context.Context, args map[string]any) (map[string]any, error) {
	supplier, err := stringArg(args, "supplier")
	if err != nil {
		return nil, tools.Permanent(err)
	}
	amount := optionalNumber(args, "amount", 0)
	if amount <= 0 {
		return nil, tools.Permanent(fmt.Errorf("amount must be positive"))
	}

	if resolved, ok := resolveSupplier(supplier); ok {
		supplier = resolved.Name
	}

	po := map[string]any{
		"po_id":    fmt.Sprintf("PO-%s-%s", time.Now().UTC().Format("20060102"), uuid.NewString()[:8]),
		"supplier": supplier,
		"amount":   amount,
		"status":   "created",
	}
	if item := optionalString(args, "item"); item != "" {
		po["item"] = item
	}
	if qty := optionalInt(args, "quantity", 0); qty > 0 {
		po["quantity"] = qty
	}

	createdPOsMu.Lock()
	createdPOs = append(createdPOs, po)
	createdPOsMu.Unlock()

	return po, nil
}

func resolveSupplier(idOrName string) (demoSupplier, bool) {
	needle := strings.ToLower(strings.TrimSpace(idOrName))
	for _, s := range demoSuppliers {
		if strings.ToLower(s.ID) == needle || strings.ToLower(s.Name) == needle {
			return s, true
		}
	}
	return demoSupplier{}, false
}

func supplierSearchBinding() *tools.Binding {
	return &tools.Binding{
		Handler:     tools.HandlerFunc(supplierSearch),
		Description: "Search suppliers by name",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Substring match against supplier names",
				},
			},
		},
	}
}

func supplierSearch(ctx context.Context, args map[string]any) (map[string]any, error) {
	needle := strings.ToLower(strings.TrimSpace(optionalString(args, "query")))

	var matches []map[string]any
	for _, s := range demoSuppliers {
		if needle == "" || strings.Contains(strings.ToLower(s.Name), needle) {
			matches = append(matches, map[string]any{
				"id":   s.ID,
				"name": s.Name,
			})
		}
	}

	return map[string]any{
		"suppliers": matches,
		"count":     len(matches),
	}, nil
}
