// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/credentials"
	"github.com/aiku/sessiond/pkg/protocol"
	"github.com/aiku/sessiond/pkg/session"
)

// welcomeTimeout bounds the best-effort welcome message send.
const welcomeTimeout = 10 * time.Second

// outcome is the result of the first connection of a session.
type outcome struct {
	status session.Status
	err    error
}

// runner drives the connection of a single session.
type runner struct {
	sup         *Supervisor
	name        string
	dir         string
	interactive bool
	sink        EventSink
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// first carries the first outcome to Start while awaiting is set.
	first    chan outcome
	firstMu  sync.Mutex
	awaiting bool

	connMu sync.Mutex
	conn   protocol.Conn

	// pairing is set when the current connection was dialed without
	// credentials and may therefore issue pairing challenges.
	pairing  bool
	welcomed bool
}

func newRunner(sup *Supervisor, name, dir string, interactive bool) *runner {
	ctx, cancel := context.WithCancel(sup.baseCtx)
	return &runner{
		sup:         sup,
		name:        name,
		dir:         dir,
		interactive: interactive,
		sink:        sup.sinks(name, dir),
		log:         sup.log.With().Str("session", name).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		first:       make(chan outcome, 1),
		awaiting:    true,
	}
}

// resolveFirst passes out to a waiting Start. It reports whether somebody
// was still waiting.
func (r *runner) resolveFirst(out outcome) bool {
	r.firstMu.Lock()
	defer r.firstMu.Unlock()
	if !r.awaiting {
		return false
	}
	r.awaiting = false
	r.first <- out
	return true
}

// detach stops Start from waiting. If an outcome raced in, it is returned.
func (r *runner) detach() (outcome, bool) {
	r.firstMu.Lock()
	defer r.firstMu.Unlock()
	r.awaiting = false
	select {
	case out := <-r.first:
		return out, true
	default:
		return outcome{}, false
	}
}

func (r *runner) setConn(conn protocol.Conn) {
	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()
}

// takeConn removes the current connection so that exactly one caller ends
// up closing it.
func (r *runner) takeConn() protocol.Conn {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	conn := r.conn
	r.conn = nil
	return conn
}

func (r *runner) closeConn() {
	if conn := r.takeConn(); conn != nil {
		if err := conn.Close(); err != nil {
			r.log.Debug().Err(err).Msg("Error closing connection")
		}
	}
}

func (r *runner) run() {
	defer close(r.done)
	attempt := 0
	for {
		conn, err := r.dial()
		if err != nil {
			if r.ctx.Err() != nil {
				r.resolveFirst(outcome{err: r.ctx.Err()})
				return
			}
			if r.resolveFirst(outcome{err: fmt.Errorf("%w: %w", ErrConnectFailed, err)}) {
				return
			}
			r.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
			if !r.wait(attempt) {
				return
			}
			attempt++
			continue
		}
		r.setConn(conn)
		if r.ctx.Err() != nil {
			r.closeConn()
			r.resolveFirst(outcome{err: r.ctx.Err()})
			return
		}

		reason, connected := r.consume(conn)
		if r.ctx.Err() != nil {
			// Deleted or shut down. Teardown has normally taken the connection already.
			r.closeConn()
			r.resolveFirst(outcome{err: r.ctx.Err()})
			return
		}
		r.closeConn()
		if connected {
			attempt = 0
		}

		if reason.IsLogout() {
			if r.resolveFirst(outcome{err: fmt.Errorf("%w: %s", ErrConnectFailed, reason)}) {
				return
			}
			r.loggedOut(reason)
			return
		}
		r.disconnected(reason)
		if !r.wait(attempt) {
			return
		}
		attempt++
	}
}

func (r *runner) dial() (protocol.Conn, error) {
	creds, err := credentials.Read(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	r.pairing = r.interactive && creds == nil
	r.log.Debug().Bool("has_creds", creds != nil).Msg("Dialing")
	return r.sup.dialer.Dial(r.ctx, protocol.DialParams{
		Session: r.name,
		Creds:   creds,
		Pairing: r.pairing,
	})
}

// consume processes events until the connection closes. It returns the
// close reason and whether the connection reached the open state.
func (r *runner) consume(conn protocol.Conn) (reason protocol.DisconnectReason, connected bool) {
	events := conn.Events()
	for {
		select {
		case <-r.ctx.Done():
			return protocol.ReasonConnectionClosed, connected
		case evt, ok := <-events:
			if !ok {
				return protocol.ReasonConnectionLost, connected
			}
			if r.ctx.Err() != nil {
				return protocol.ReasonConnectionClosed, connected
			}
			update, isUpdate := evt.(protocol.ConnectionUpdate)
			if !isUpdate {
				r.sink.Dispatch(r.ctx, conn, evt)
				continue
			}
			if update.QR != "" {
				r.handlePairing(update.QR)
			}
			switch update.State {
			case protocol.StateOpen:
				r.handleOpen(conn, update.Identity)
				connected = true
			case protocol.StateClose:
				return update.Reason, connected
			case protocol.StateConnecting:
				r.log.Debug().Msg("Connecting")
			}
		}
	}
}

func (r *runner) handlePairing(code string) {
	if !r.pairing {
		r.log.Warn().Msg("Ignoring pairing challenge for session with credentials or without pairing enabled")
		return
	}
	if _, err := r.sup.store.Update(r.name, func(s session.Session) session.Session {
		return s.WithPairingCode(code)
	}); err != nil {
		r.log.Warn().Err(err).Msg("Failed to store pairing code")
		return
	}
	r.log.Info().Msg("Waiting for pairing scan")
	r.resolveFirst(outcome{status: session.StatusWaitingForScan})
}

func (r *runner) handleOpen(conn protocol.Conn, identity string) {
	sess, err := r.sup.store.Update(r.name, func(s session.Session) session.Session {
		return s.WithStatus(session.StatusConnected).WithIdentity(identity)
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("Connected session is no longer registered")
		return
	}
	if identity != "" && protocol.NormalizeJID(identity) != protocol.NormalizeJID(sess.Identity) {
		r.log.Warn().
			Str("identity", sess.Identity).
			Str("reported_identity", identity).
			Msg("Connection reported a different identity, keeping the original")
	}
	if r.welcomed {
		r.log.Info().Msg("Connection reestablished")
	} else {
		r.log.Info().Str("identity", sess.Identity).Msg("Connection established")
		r.welcomed = true
		r.sendWelcome(conn, sess.Identity)
	}
	r.resolveFirst(outcome{status: session.StatusConnected})
}

func (r *runner) sendWelcome(conn protocol.Conn, identity string) {
	if r.sup.opts.Welcome == nil || identity == "" {
		return
	}
	ctx, cancel := context.WithTimeout(r.ctx, welcomeTimeout)
	defer cancel()
	if err := conn.SendText(ctx, protocol.NormalizeJID(identity), r.sup.opts.Welcome(r.name), nil); err != nil {
		r.log.Warn().Err(err).Msg("Failed to send welcome message")
	}
}

func (r *runner) disconnected(reason protocol.DisconnectReason) {
	r.log.Warn().Str("reason", string(reason)).Msg("Connection closed, will reconnect")
	if _, err := r.sup.store.Update(r.name, func(s session.Session) session.Session {
		return s.WithStatus(session.StatusDisconnected)
	}); err != nil {
		r.log.Debug().Err(err).Msg("Disconnected session is no longer registered")
	}
}

func (r *runner) loggedOut(reason protocol.DisconnectReason) {
	r.log.Warn().Str("reason", string(reason)).Msg("Session logged out")
	_, _ = r.sup.store.Update(r.name, func(s session.Session) session.Session {
		return s.WithStatus(session.StatusLoggedOut)
	})
	r.sup.mu.Lock()
	if r.sup.runners[r.name] == r {
		delete(r.sup.runners, r.name)
		r.sup.store.Remove(r.name)
	}
	r.sup.mu.Unlock()
	r.cancel()
}

// wait sleeps for the backoff delay of attempt. It returns false if the
// runner was cancelled meanwhile.
func (r *runner) wait(attempt int) bool {
	delay := r.sup.opts.Backoff.Next(attempt)
	r.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("Reconnecting")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-r.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// teardown stops the runner. With logout set, the connection is logged out
// before being closed. It waits at most timeout for the runner to exit.
func (r *runner) teardown(ctx context.Context, timeout time.Duration, logout bool) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn := r.takeConn()
	r.cancel()
	var err error
	if conn != nil {
		if logout {
			if logoutErr := conn.Logout(ctx); logoutErr != nil {
				r.log.Warn().Err(logoutErr).Msg("Failed to log out connection")
				err = fmt.Errorf("logout %s: %w", r.name, logoutErr)
			}
		}
		if closeErr := conn.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", r.name, closeErr)
		}
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.log.Warn().Dur("timeout", timeout).Msg("Timed out waiting for connection teardown")
		return fmt.Errorf("teardown %s: %w", r.name, ctx.Err())
	}
	return err
}
