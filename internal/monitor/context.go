package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/osmwatch/internal/definition"
	"github.com/dokzlo13/osmwatch/internal/element"
)

// RunContext carries the state of one run. It is created when the run starts
// and torn down with Close when it ends; nothing in it is shared between runs.
type RunContext struct {
	ID         string
	Definition *definition.Definition
	Start      time.Time
	TempDir    string
	Logger     zerolog.Logger

	keepTemp bool
}

func newRunContext(def *definition.Definition, opts Options, start time.Time) (*RunContext, error) {
	id := uuid.NewString()

	tmp, err := os.MkdirTemp(opts.TempDir, "osmwatch-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create run temp dir: %w", err)
	}

	return &RunContext{
		ID:         id,
		Definition: def,
		Start:      start,
		TempDir:    tmp,
		Logger:     log.With().Str("run_id", id).Str("title", def.Title).Logger(),
		keepTemp:   opts.KeepTemp,
	}, nil
}

// SaveRaw keeps the unnormalized response for key in the run's temp dir.
func (rc *RunContext) SaveRaw(key element.Key, body []byte) {
	path := filepath.Join(rc.TempDir, key.Filename())
	if err := os.WriteFile(path, body, 0o644); err != nil {
		rc.Logger.Debug().Err(err).Str("path", path).Msg("Failed to save raw snapshot")
	}
}

// Close removes the temp dir unless it is configured to be kept.
func (rc *RunContext) Close() error {
	if rc.keepTemp {
		rc.Logger.Info().Str("path", rc.TempDir).Msg("Keeping run temp dir")
		return nil
	}
	return os.RemoveAll(rc.TempDir)
}
