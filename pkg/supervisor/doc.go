// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package supervisor owns the connection of every session and drives its
// lifecycle.
//
// # Lifecycle
//
// [Supervisor.Start] reserves the session name, optionally imports a session
// token, registers the session in the [session.Store] and starts a runner
// goroutine. The runner dials the platform, feeds every inbound event either
// into its own state machine (connection updates) or into the session's
// [EventSink], and redials after transient disconnects using a
// [BackoffPolicy]. A logout reported by the platform is terminal: the runner
// stops and the session is removed from the store, while its credentials stay
// on disk.
//
// Start returns as soon as the first outcome of the first connection is known
// (connected, waiting for a pairing scan, or failed). Failures roll back every
// piece of state the attempt created.
//
// [Supervisor.Delete] logs the connection out, waits for the runner within
// the configured teardown timeout, then erases the registry entry and the
// credential directory.
//
// # Concurrency
//
// Each session has exactly one runner goroutine, and events of a session are
// dispatched sequentially on it. Runners share nothing but the store.
package supervisor
