// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the relay client: a single TCP
// connection to a relay server with typed sends, per-type inbound
// handler registration, catch-all hooks, and a blocking read loop.
//
// Subscriptions are explicit handles: RegisterInbound and
// RegisterCatchAll return a Subscription whose Unregister removes
// exactly that handler. Handlers for one message type run in
// registration order; a handler that returns an error is logged and
// never stops the read loop.
package transport
