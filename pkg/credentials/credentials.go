// Copyright 2024-2026 Aiku AI

// Package credentials reads, writes and imports the on-disk credential
// material of a session.
package credentials

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// FileName is the credential file inside a session's credential directory.
const FileName = "creds.json"

// DefaultMarker prefixes every session token.
const DefaultMarker = "EF-PRIME"

// separator joins the marker and the base64 payload.
const separator = ";;;"

// maxFetchSize caps the body read when a token is fetched by URL (4 MB).
const maxFetchSize = 4 << 20

var (
	ErrFetchFailed   = errors.New("failed to fetch session token")
	ErrInvalidFormat = errors.New("invalid session token format")
	ErrDecodeFailed  = errors.New("failed to decode session token")
)

// Importer turns session tokens into credential files.
type Importer struct {
	Marker     string
	HTTPClient *http.Client
	Log        zerolog.Logger
}

// NewImporter creates an importer for the given marker. An empty marker
// selects DefaultMarker.
func NewImporter(marker string, log zerolog.Logger) *Importer {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Importer{
		Marker:     marker,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Log:        log.With().Str("component", "cred_import").Logger(),
	}
}

// Import decodes token and writes the credential blob into dir, replacing
// any existing credential file. Tokens starting with http:// or https:// are
// fetched first, exactly once.
func (im *Importer) Import(ctx context.Context, token, dir string) error {
	log := im.Log.With().Str("dir", dir).Logger()
	payload := strings.TrimSpace(token)
	if isURL(payload) {
		log.Debug().Msg("Fetching session token by URL")
		fetched, err := im.fetch(ctx, payload)
		if err != nil {
			return err
		}
		payload = strings.TrimSpace(fetched)
	}

	blob, err := Decode(im.Marker, payload)
	if err != nil {
		log.Warn().Err(err).Msg("Rejected session token")
		return err
	}
	if err := Persist(dir, blob); err != nil {
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	log.Info().Int("size", len(blob)).Msg("Imported session credentials")
	return nil
}

func (im *Importer) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	client := im.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: unexpected status %d", ErrFetchFailed, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}
	return string(body), nil
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// Decode parses a "<marker>;;;<base64>" token.
func Decode(marker, token string) ([]byte, error) {
	prefix := marker + separator
	if !strings.HasPrefix(token, prefix) {
		return nil, ErrInvalidFormat
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(token[len(prefix):]))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecodeFailed, err)
	}
	return data, nil
}

// Encode is the inverse of Decode.
func Encode(marker string, blob []byte) string {
	return marker + separator + base64.StdEncoding.EncodeToString(blob)
}

// Path returns the credential file path inside dir.
func Path(dir string) string {
	return filepath.Join(dir, FileName)
}

// Exists reports whether dir holds a credential file.
func Exists(dir string) bool {
	info, err := os.Stat(Path(dir))
	return err == nil && !info.IsDir()
}

// Read returns the credential file in dir, or nil with no error when there
// is none yet.
func Read(dir string) ([]byte, error) {
	data, err := os.ReadFile(Path(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return data, err
}

// Persist atomically replaces the credential file in dir with data.
func Persist(dir string, data []byte) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+FileName+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, Path(dir))
}
