// Copyright 2026 The Holdover Authors
// SPDX-License-Identifier: Apache-2.0

// Package securedesktop keeps a remote session alive across secure
// desktop transitions.
//
// When the host moves onto the secure desktop, the ordinary desktop
// process cannot follow it. The Handler reacts by standing up a
// loopback relay server, joining it as the leader, and bridging the
// pre-existing follower session's transport into the new channel. The
// relay endpoint and a fresh channel token are published through a
// named shared buffer, and a named manual-reset event signals the
// secure-desktop copy of the process that the handshake is ready to
// consume. That copy calls InitializeSecureDesktop, waits briefly on
// the event, validates the published endpoint, and joins the relay as
// a follower — restoring the remote session from inside the isolated
// desktop.
//
// Leaving the secure desktop tears the whole bundle down again and
// resynchronizes display state on the follower session.
package securedesktop
