// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the local relay server: a loopback-only,
// token-authenticated rendezvous point that broadcasts frames between
// connected clients without interpreting them.
//
// The server exists for exactly one purpose: letting the secure-desktop
// copy of the client and the pre-existing remote session find each
// other on the same machine. Its trust model is OS session isolation
// plus the channel token carried through the shared-memory handshake —
// the listener refuses to bind to anything but a loopback address, and
// the token travels nowhere except that handshake.
package relay
