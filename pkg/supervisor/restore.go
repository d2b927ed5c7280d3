// Copyright 2024-2026 Aiku AI

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/aiku/sessiond/pkg/credentials"
)

// RestoreResult summarizes a Restore run.
type RestoreResult struct {
	Found    int
	Restored int
	Failed   int
}

// Restore starts every session that has a credential directory under the
// sessions root. Sessions are restored non-interactively with a bounded
// number of concurrent starts. Failures are logged and never abort the
// other restores; the credential directory of a failed session is kept.
func (s *Supervisor) Restore(ctx context.Context) (RestoreResult, error) {
	var result RestoreResult
	entries, err := os.ReadDir(s.opts.Root)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Debug().Str("root", s.opts.Root).Msg("Sessions root does not exist, nothing to restore")
		return result, nil
	} else if err != nil {
		return result, fmt.Errorf("failed to list sessions root: %w", err)
	}

	var restored, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RestoreConcurrency)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		log := s.log.With().Str("session", name).Logger()
		if ValidateName(name) != nil {
			log.Warn().Msg("Skipping directory with invalid session name")
			continue
		}
		if !credentials.Exists(s.CredentialDir(name)) {
			log.Debug().Msg("Skipping directory without credentials")
			continue
		}
		result.Found++
		g.Go(func() error {
			sess, err := s.Start(gctx, StartParams{Name: name})
			if err != nil {
				failed.Add(1)
				log.Warn().Err(err).Msg("Failed to restore session")
				return nil
			}
			restored.Add(1)
			log.Info().Stringer("status", sess.Status).Msg("Restored session")
			return nil
		})
	}
	_ = g.Wait()
	result.Restored = int(restored.Load())
	result.Failed = int(failed.Load())
	s.log.Info().
		Int("found", result.Found).
		Int("restored", result.Restored).
		Int("failed", result.Failed).
		Msg("Session restore finished")
	return result, nil
}
