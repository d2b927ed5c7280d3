// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/aiku/sessiond/pkg/credentials"
	"github.com/aiku/sessiond/pkg/protocol"
	"github.com/aiku/sessiond/pkg/session"
)

var (
	ErrNoCredentials = errors.New("no usable credentials")
	ErrAlreadyExists = errors.New("session already exists")
	ErrConnectFailed = errors.New("connection failed")
	ErrNotFound      = errors.New("session not found")
	ErrInvalidName   = errors.New("invalid session name")
	ErrShuttingDown  = errors.New("supervisor is shutting down")
	// ErrDeleted is returned by Start when the session was deleted before
	// its first connection outcome.
	ErrDeleted = errors.New("session deleted while starting")
)

var validName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidateName checks that name can be used as a registry key and as a single
// directory name under the sessions root.
func ValidateName(name string) error {
	if !validName.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// EventSink receives every event of one session other than connection
// updates, in delivery order.
type EventSink interface {
	Dispatch(ctx context.Context, conn protocol.Conn, evt protocol.Event)
}

// SinkFactory builds the event sink for a session.
type SinkFactory func(name, credentialDir string) EventSink

// Options configures a Supervisor. Zero values select the defaults.
type Options struct {
	// Root is the directory holding one credential directory per session.
	Root string
	// FirstOutcomeTimeout bounds how long Start waits for the first
	// connection outcome before returning the Initializing snapshot.
	FirstOutcomeTimeout time.Duration
	// TeardownTimeout bounds how long Delete and Shutdown wait for a
	// connection to go away.
	TeardownTimeout    time.Duration
	RestoreConcurrency int
	Backoff            BackoffPolicy
	// Welcome renders the message sent to the bot's own chat the first
	// time a session connects. Nil disables the welcome message.
	Welcome func(session string) string
}

// StartParams describes a session start request.
type StartParams struct {
	Name string
	// Token is an optional session token (or URL to one) to import before
	// connecting.
	Token string
	// Interactive allows pairing when no usable credentials exist.
	Interactive bool
}

// Supervisor owns the connections of all sessions.
type Supervisor struct {
	store    *session.Store
	dialer   protocol.Dialer
	importer *credentials.Importer
	sinks    SinkFactory
	opts     Options
	log      zerolog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	runners map[string]*runner
	pending map[string]struct{}
	closed  bool
}

// New creates a supervisor. The store is shared with the control surface.
func New(store *session.Store, dialer protocol.Dialer, importer *credentials.Importer, sinks SinkFactory, opts Options, log zerolog.Logger) *Supervisor {
	if opts.Root == "" {
		opts.Root = "./sessions"
	}
	if opts.FirstOutcomeTimeout <= 0 {
		opts.FirstOutcomeTimeout = 20 * time.Second
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 5 * time.Second
	}
	if opts.RestoreConcurrency <= 0 {
		opts.RestoreConcurrency = 4
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff
	}
	if sinks == nil {
		sinks = func(string, string) EventSink { return nopSink{} }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:      store,
		dialer:     dialer,
		importer:   importer,
		sinks:      sinks,
		opts:       opts,
		log:        log.With().Str("component", "supervisor").Logger(),
		baseCtx:    ctx,
		baseCancel: cancel,
		runners:    make(map[string]*runner),
		pending:    make(map[string]struct{}),
	}
}

// Store returns the registry the supervisor writes to.
func (s *Supervisor) Store() *session.Store {
	return s.store
}

// CredentialDir returns the credential directory of the named session.
func (s *Supervisor) CredentialDir(name string) string {
	return filepath.Join(s.opts.Root, name)
}

// Start creates and connects a session. It returns once the first
// connection outcome is known, or after FirstOutcomeTimeout with the
// Initializing snapshot. On failure, everything the attempt created is
// rolled back.
func (s *Supervisor) Start(ctx context.Context, params StartParams) (session.Session, error) {
	name := params.Name
	if err := ValidateName(name); err != nil {
		return session.Session{}, err
	}
	if err := s.reserve(name); err != nil {
		return session.Session{}, err
	}
	log := s.log.With().Str("session", name).Logger()

	dir := s.CredentialDir(name)
	createdDir, err := ensureDir(dir)
	if err != nil {
		s.release(name)
		return session.Session{}, fmt.Errorf("failed to create credential directory: %w", err)
	}
	rollback := func() {
		s.store.Remove(name)
		if createdDir {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn().Err(err).Msg("Failed to remove credential directory during rollback")
			}
		}
	}

	if params.Token != "" {
		if err := s.importer.Import(ctx, params.Token, dir); err != nil {
			if !params.Interactive {
				rollback()
				s.release(name)
				return session.Session{}, fmt.Errorf("%w: %w", ErrNoCredentials, err)
			}
			log.Warn().Err(err).Msg("Session token import failed, falling back to pairing")
		}
	}
	if !params.Interactive && !credentials.Exists(dir) {
		rollback()
		s.release(name)
		return session.Session{}, ErrNoCredentials
	}

	r := newRunner(s, name, dir, params.Interactive)
	s.mu.Lock()
	delete(s.pending, name)
	if s.closed {
		s.mu.Unlock()
		rollback()
		return session.Session{}, ErrShuttingDown
	}
	if err := s.store.Create(session.New(name, dir, params.Interactive)); err != nil {
		s.mu.Unlock()
		if createdDir {
			_ = os.RemoveAll(dir)
		}
		return session.Session{}, ErrAlreadyExists
	}
	s.runners[name] = r
	s.mu.Unlock()

	log.Info().Bool("interactive", params.Interactive).Msg("Starting session")
	go r.run()

	timer := time.NewTimer(s.opts.FirstOutcomeTimeout)
	defer timer.Stop()
	var out outcome
	select {
	case out = <-r.first:
	case <-timer.C:
		var ok bool
		if out, ok = r.detach(); !ok {
			log.Info().Dur("waited", s.opts.FirstOutcomeTimeout).Msg("No connection outcome yet, continuing in background")
			return s.snapshot(name)
		}
	case <-ctx.Done():
		var ok bool
		if out, ok = r.detach(); !ok {
			return s.snapshot(name)
		}
	}

	if out.err != nil {
		r.cancel()
		<-r.done
		if !s.forget(name, r) {
			// Delete took the runner over and already cleaned up.
			log.Info().Msg("Session deleted before its first connection outcome")
			return session.Session{}, ErrDeleted
		}
		err := out.err
		if errors.Is(err, context.Canceled) && s.isClosed() {
			err = ErrShuttingDown
		}
		log.Error().Err(err).Msg("Session start failed, rolling back")
		rollback()
		return session.Session{}, err
	}
	return s.snapshot(name)
}

// snapshot returns the registry entry of a session that has just been
// started. A missing entry means it was logged out or deleted in the
// meantime.
func (s *Supervisor) snapshot(name string) (session.Session, error) {
	sess, ok := s.store.Get(name)
	if !ok {
		return session.Session{}, fmt.Errorf("%w: session ended before start returned", ErrConnectFailed)
	}
	return sess, nil
}

func (s *Supervisor) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Supervisor) reserve(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrShuttingDown
	}
	if _, ok := s.pending[name]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.runners[name]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.store.Get(name); ok {
		return ErrAlreadyExists
	}
	s.pending[name] = struct{}{}
	return nil
}

func (s *Supervisor) release(name string) {
	s.mu.Lock()
	delete(s.pending, name)
	s.mu.Unlock()
}

// forget drops the runner for name if it is still r, and reports whether it
// was.
func (s *Supervisor) forget(name string, r *runner) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runners[name] != r {
		return false
	}
	delete(s.runners, name)
	return true
}

// Delete logs the session out, tears its connection down and erases both
// the registry entry and the credential directory. Unknown names return
// ErrNotFound without touching the filesystem.
func (s *Supervisor) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	sess, ok := s.store.Get(name)
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	r := s.runners[name]
	delete(s.runners, name)
	s.mu.Unlock()

	log := s.log.With().Str("session", name).Logger()
	log.Info().Msg("Deleting session")

	var result error
	if r != nil {
		if err := r.teardown(ctx, s.opts.TeardownTimeout, true); err != nil {
			result = multierror.Append(result, err)
		}
	}
	s.store.Remove(name)
	dir := sess.CredentialDir
	if dir == "" {
		dir = s.CredentialDir(name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove credential directory: %w", err)
	}
	if result != nil {
		log.Warn().Err(result).Msg("Session deleted with unclean teardown")
	}
	return nil
}

// Shutdown closes every connection without logging out, so that the
// sessions can be restored on the next start. Registry entries and
// credentials are left in place.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	runners := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.mu.Unlock()

	s.log.Info().Int("sessions", len(runners)).Msg("Shutting down sessions")
	var (
		wg     sync.WaitGroup
		errMu  sync.Mutex
		result *multierror.Error
	)
	for _, r := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.teardown(ctx, s.opts.TeardownTimeout, false); err != nil {
				errMu.Lock()
				result = multierror.Append(result, err)
				errMu.Unlock()
			}
		}()
	}
	wg.Wait()
	s.baseCancel()
	return result.ErrorOrNil()
}

func ensureDir(dir string) (created bool, err error) {
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return false, err
	}
	return true, os.MkdirAll(dir, 0o700)
}

type nopSink struct{}

func (nopSink) Dispatch(context.Context, protocol.Conn, protocol.Event) {}
