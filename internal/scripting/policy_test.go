package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/sketchrelay/internal/relay"
	"github.com/cory-johannsen/sketchrelay/internal/scripting"
)

var _ relay.GuessPolicy = (*scripting.LuaPolicy)(nil)

func newObservedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

// repoRoot walks up from the test's working directory to find the module root.
func repoRoot(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	root := wd
	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root
		}
		parent := filepath.Dir(root)
		if parent == root {
			t.Fatalf("could not find repo root from %s", wd)
		}
		root = parent
	}
}

func TestLuaPolicy_CallsHook(t *testing.T) {
	logger, _ := newObservedLogger()
	dir := writeTempLua(t, "policy.lua", `
		function is_correct(guess, song)
			return relay.fold(guess) == relay.fold(song)
		end
	`)
	p, err := scripting.NewLuaPolicy(dir, 0, logger)
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, p.IsCorrect("hey jude", "Hey Jude"))
	assert.False(t, p.IsCorrect("yesterday", "Hey Jude"))
}

func TestLuaPolicy_SingleFilePath(t *testing.T) {
	logger, _ := newObservedLogger()
	dir := writeTempLua(t, "p.lua", `function is_correct(g, s) return g == "yes" end`)
	p, err := scripting.NewLuaPolicy(filepath.Join(dir, "p.lua"), 0, logger)
	require.NoError(t, err)
	defer p.Close()
	assert.True(t, p.IsCorrect("yes", ""))
	assert.False(t, p.IsCorrect("no", ""))
}

func TestLuaPolicy_FilesLoadInOrder(t *testing.T) {
	logger, _ := newObservedLogger()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`answer = "first"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`
		answer = answer .. "-second"
		function is_correct(g, s) return g == answer end
	`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0644))

	p, err := scripting.NewLuaPolicy(dir, 0, logger)
	require.NoError(t, err)
	defer p.Close()
	assert.True(t, p.IsCorrect("first-second", ""))
}

func TestNewLuaPolicy_Errors(t *testing.T) {
	logger, _ := newObservedLogger()

	_, err := scripting.NewLuaPolicy(filepath.Join(t.TempDir(), "missing"), 0, logger)
	assert.Error(t, err)

	_, err = scripting.NewLuaPolicy(t.TempDir(), 0, logger)
	assert.ErrorContains(t, err, "no .lua files")

	_, err = scripting.NewLuaPolicy(writeTempLua(t, "x.lua", `local x = 1`), 0, logger)
	assert.ErrorContains(t, err, scripting.PolicyHook)

	_, err = scripting.NewLuaPolicy(writeTempLua(t, "x.lua", `this is not lua`), 0, logger)
	assert.Error(t, err)

	_, err = scripting.NewLuaPolicy(writeTempLua(t, "x.lua", `while true do end`), 10, logger)
	assert.Error(t, err)

	_, err = scripting.NewLuaPolicy(writeTempLua(t, "x.lua", `os.exit(1)`), 0, logger)
	assert.Error(t, err)
}

func TestLuaPolicy_RuntimeErrorWarnsAndRejects(t *testing.T) {
	logger, logs := newObservedLogger()
	dir := writeTempLua(t, "bad.lua", `
		function is_correct(guess, song)
			error("intentional error")
		end
	`)
	p, err := scripting.NewLuaPolicy(dir, 0, logger)
	require.NoError(t, err)
	defer p.Close()

	assert.False(t, p.IsCorrect("anything", "song"))
	warns := logs.FilterLevelExact(zap.WarnLevel).All()
	require.Len(t, warns, 1)
	assert.Contains(t, warns[0].ContextMap()["error"], "intentional error")
}

func TestLuaPolicy_RunawayScriptRejected(t *testing.T) {
	logger, logs := newObservedLogger()
	dir := writeTempLua(t, "loop.lua", `
		function is_correct(guess, song)
			if guess == "spin" then
				while true do end
			end
			return true
		end
	`)
	p, err := scripting.NewLuaPolicy(dir, 1000, logger)
	require.NoError(t, err)
	defer p.Close()

	assert.False(t, p.IsCorrect("spin", "x"))
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len())
	assert.True(t, p.IsCorrect("ok", "x"), "VM must stay usable after a runaway call")
}

func TestLuaPolicy_Closed(t *testing.T) {
	logger, _ := newObservedLogger()
	p, err := scripting.NewLuaPolicy(writeTempLua(t, "p.lua", `function is_correct() return true end`), 0, logger)
	require.NoError(t, err)
	p.Close()
	p.Close()
	assert.False(t, p.IsCorrect("a", "b"))
}

func TestLuaPolicy_ConcurrentCalls(t *testing.T) {
	logger, _ := newObservedLogger()
	p, err := scripting.NewLuaPolicy(writeTempLua(t, "p.lua", `
		function is_correct(g, s) return g == s end
	`), 0, logger)
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.True(t, p.IsCorrect("same", "same"))
				assert.False(t, p.IsCorrect("a", "b"))
			}
		}()
	}
	wg.Wait()
}

func TestLooseMatchScript(t *testing.T) {
	logger, _ := newObservedLogger()
	p, err := scripting.NewLuaPolicy(filepath.Join(repoRoot(t), "scripts", "policy"), 0, logger)
	require.NoError(t, err)
	defer p.Close()

	assert.True(t, p.IsCorrect("hey jude!", "Hey Jude"))
	assert.True(t, p.IsCorrect("  DON'T STOP ME NOW ", "Don't Stop Me Now"))
	assert.False(t, p.IsCorrect("hey", "Hey Jude"))
	assert.False(t, p.IsCorrect("", ""))
}

func TestProperty_LooseMatchAcceptsSong(t *testing.T) {
	logger, _ := newObservedLogger()
	p, err := scripting.NewLuaPolicy(filepath.Join(repoRoot(t), "scripts", "policy"), 0, logger)
	require.NoError(t, err)
	defer p.Close()

	rapid.Check(t, func(rt *rapid.T) {
		song := rapid.StringMatching(`[A-Za-z][A-Za-z ]{0,20}`).Draw(rt, "song")
		if !p.IsCorrect(song, song) {
			rt.Fatalf("song %q did not match itself", song)
		}
	})
}
