package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/config"
	"github.com/cory-johannsen/sketchrelay/internal/relay"
	"github.com/cory-johannsen/sketchrelay/internal/scripting"
)

// buildPolicy selects the guess policy named by cfg.GuessPolicy.
//
// Postcondition: Returns the policy and a release func that is always safe to call.
func buildPolicy(cfg config.RelayConfig, logger *zap.Logger) (relay.GuessPolicy, func(), error) {
	noop := func() {}
	switch cfg.GuessPolicy {
	case config.PolicyPlaceholder:
		return relay.SubstringPolicy{Answer: cfg.PlaceholderAnswer}, noop, nil
	case config.PolicyExact:
		return relay.MatchSongPolicy{}, noop, nil
	case config.PolicyLua:
		p, err := scripting.NewLuaPolicy(cfg.PolicyScript, cfg.ScriptInstructionLimit, logger)
		if err != nil {
			return nil, noop, err
		}
		return p, p.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown guess policy %q", cfg.GuessPolicy)
	}
}
