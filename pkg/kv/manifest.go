package kv

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/natefinch/atomic"
)

// formatVersion is the on-disk layout version recorded in ENV.json.
// Bump when table layouts or file naming change incompatibly.
const formatVersion = 1

// manifest is the content of ENV.json.
type manifest struct {
	ID            string `json:"id"`
	FormatVersion int    `json:"format_version"`
	CreatedAt     int64  `json:"created_at"`
}

// loadOrCreateManifest reads ENV.json, creating it with a fresh UUIDv7 when
// missing. The write goes through a temp file + rename so a crash never
// leaves a torn manifest.
func loadOrCreateManifest(path string) (manifest, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from env dir
	if err == nil {
		var m manifest

		err = json.Unmarshal(data, &m)
		if err != nil {
			return manifest{}, false, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}

		if m.FormatVersion != formatVersion {
			return manifest{}, false, fmt.Errorf("%w: format version %d, want %d",
				ErrManifestInvalid, m.FormatVersion, formatVersion)
		}

		_, err = uuid.Parse(m.ID)
		if err != nil {
			return manifest{}, false, fmt.Errorf("%w: id: %w", ErrManifestInvalid, err)
		}

		return m, false, nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return manifest{}, false, fmt.Errorf("read manifest: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return manifest{}, false, fmt.Errorf("generate env id: %w", err)
	}

	m := manifest{
		ID:            id.String(),
		FormatVersion: formatVersion,
		CreatedAt:     time.Now().UnixMilli(),
	}

	data, err = json.MarshalIndent(m, "", "  ")
	if err != nil {
		return manifest{}, false, fmt.Errorf("encode manifest: %w", err)
	}

	err = atomic.WriteFile(path, bytes.NewReader(data))
	if err != nil {
		return manifest{}, false, fmt.Errorf("write manifest: %w", err)
	}

	return m, true, nil
}
