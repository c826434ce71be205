// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge couples two relay transports so that every message
// received on one is forwarded to the other, unmodified in both type
// and fields. This is how a regular-desktop follower session stays
// transparently connected to a leader session running inside the
// secure desktop: the bridge sits between the pre-existing remote
// transport and the freshly created local relay transport and passes
// traffic straight through.
package bridge
