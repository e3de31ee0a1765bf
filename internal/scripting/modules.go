package scripting

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cory-johannsen/sketchrelay/internal/relay"
)

// RegisterModules installs the relay global table:
//
//	relay.mask(s)  the masked form other players see
//	relay.fold(s)  lowercased with surrounding whitespace trimmed
//	relay.log(s)   writes s to the server log at debug level
//
// Precondition: L must be from NewSandboxedState; logger must be non-nil.
// Postcondition: relay global is defined in L.
func RegisterModules(L *lua.LState, logger *zap.Logger) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"mask": func(L *lua.LState) int {
			L.Push(lua.LString(relay.MaskSong(L.CheckString(1))))
			return 1
		},
		"fold": func(L *lua.LState) int {
			L.Push(lua.LString(strings.ToLower(strings.TrimSpace(L.CheckString(1)))))
			return 1
		},
		"log": func(L *lua.LState) int {
			logger.Debug("script log", zap.String("msg", L.CheckString(1)))
			return 0
		},
	})
	L.SetGlobal("relay", mod)
}
