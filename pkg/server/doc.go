// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package server exposes sessions over WebSocket.
//
// One session lives at GET /ws/agent/{tenant_id}/{session_id}. Upgrading
// attaches the connection to the session's event stream: the client
// receives a connection ack, any outstanding form, and from then on every
// frame the session emits. Inbound frames are decoded into client events
// and handed to the orchestrator's mailbox.
//
// The server also serves GET /healthz and, when metrics are enabled,
// GET /metrics.
package server
