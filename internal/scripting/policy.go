package scripting

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// PolicyHook is the Lua global a policy script must define:
//
//	function is_correct(guess, song) return boolean end
const PolicyHook = "is_correct"

// LuaPolicy is a relay.GuessPolicy backed by a sandboxed Lua script.
//
// A single VM serves every call; the mutex serializes access since an LState
// is single-threaded. Script errors and exhausted budgets are logged at Warn
// and treated as an incorrect guess.
type LuaPolicy struct {
	mu     sync.Mutex
	L      *lua.LState
	limit  int
	logger *zap.Logger
	closed bool
}

// NewLuaPolicy loads the script at path. If path is a directory every *.lua
// file in it is executed in lexicographic order.
//
// Precondition: logger must be non-nil; instLimit >= 0 (0 uses DefaultInstructionLimit).
// Postcondition: Returns a policy whose VM defines PolicyHook, or an error.
func NewLuaPolicy(path string, instLimit int, logger *zap.Logger) (*LuaPolicy, error) {
	files, err := scriptFiles(path)
	if err != nil {
		return nil, err
	}

	L := NewSandboxedState()
	RegisterModules(L, logger)

	for _, f := range files {
		err := WithInstructionLimit(L, instLimit, func() error { return L.DoFile(f) })
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", f, err)
		}
	}

	if _, ok := L.GetGlobal(PolicyHook).(*lua.LFunction); !ok {
		L.Close()
		return nil, fmt.Errorf("scripting: %q does not define function %s", path, PolicyHook)
	}

	logger.Info("guess policy script loaded",
		zap.String("path", path),
		zap.Int("files", len(files)),
	)
	return &LuaPolicy{L: L, limit: instLimit, logger: logger}, nil
}

func scriptFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: stat %q: %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", path, err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("scripting: no .lua files in %q", path)
	}
	sort.Strings(files)
	return files, nil
}

// IsCorrect calls the script's is_correct(guess, song) and applies Lua
// truthiness to the first return value.
func (p *LuaPolicy) IsCorrect(guess, song string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}

	var ret lua.LValue = lua.LFalse
	err := WithInstructionLimit(p.L, p.limit, func() error {
		if err := p.L.CallByParam(lua.P{
			Fn:      p.L.GetGlobal(PolicyHook),
			NRet:    1,
			Protect: true,
		}, lua.LString(guess), lua.LString(song)); err != nil {
			return err
		}
		ret = p.L.Get(-1)
		p.L.Pop(1)
		return nil
	})
	if err != nil {
		p.logger.Warn("scripting: guess policy error",
			zap.String("hook", PolicyHook),
			zap.Error(err),
		)
		return false
	}
	return lua.LVAsBool(ret)
}

// Close releases the VM. Later IsCorrect calls return false.
func (p *LuaPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.L.Close()
	}
}
