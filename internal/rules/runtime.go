// Package rules loads a Lua script that extends the diff classification table.
//
// Example script:
//
//	local classify = require("classify")
//	local log = require("log")
//
//	classify.rule("way", [[^\s*"lat":]], "member node moved")
//	log.info("custom rules loaded", { count = 1 })
package rules

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/dokzlo13/osmwatch/internal/diff"
)

// Runtime manages the Lua VM used to evaluate a rules script
type Runtime struct {
	L          *lua.LState
	classifier *diff.Classifier
	added      int
}

// NewRuntime creates a Lua runtime whose classify module writes into c
func NewRuntime(c *diff.Classifier) *Runtime {
	r := &Runtime{
		L:          lua.NewState(),
		classifier: c,
	}
	r.registerModules()
	return r
}

// Close closes the Lua state
func (r *Runtime) Close() {
	r.L.Close()
}

// Added returns the number of rules registered so far
func (r *Runtime) Added() int {
	return r.added
}

func (r *Runtime) registerModules() {
	r.L.PreloadModule("log", NewLogModule().Loader)
	r.L.PreloadModule("classify", NewClassifyModule(r).Loader)
}

// LoadScript executes a rules script
func (r *Runtime) LoadScript(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("rules script: %w", err)
	}

	log.Info().Str("path", path).Msg("Loading rules script")

	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to execute rules script: %w", err)
	}

	log.Info().Int("rules", r.added).Msg("Rules script loaded")
	return nil
}

// Load runs the script at path against c and returns how many rules it added.
// An empty path is a no-op.
func Load(path string, c *diff.Classifier) (int, error) {
	if path == "" {
		return 0, nil
	}
	r := NewRuntime(c)
	defer r.Close()
	if err := r.LoadScript(path); err != nil {
		return 0, err
	}
	return r.Added(), nil
}
