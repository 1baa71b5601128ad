package recipe

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// fakeRepos maps repo ids to directories.
type fakeRepos map[string]string

func (f fakeRepos) WorkingCopy(id string) (string, bool) {
	dir, ok := f[id]
	return dir, ok
}

const composeSrc = `version: "3.8"
services:
  web:
    image: example/web:latest
    build:
      context: .
  webclient:
    image: example/webclient:latest
`

func setupRepo(t *testing.T) fakeRepos {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "services"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "services", "docker-compose.yml"), []byte(composeSrc), 0o644))
	return fakeRepos{"app": dir}
}

func defaultRecipe() config.RecipeConfig {
	return config.RecipeConfig{
		Files:     []config.FileGroup{{ID: "app", Paths: []string{"services/docker-compose.yml"}}},
		Workdir:   "temp",
		StackFile: "services/docker-compose.yml",
	}
}

func newEngine(t *testing.T, cfg config.RecipeConfig, repos fakeRepos) *Engine {
	t.Helper()
	return New(cfg, repos, ShellRunner{Timeout: 30 * time.Second}, t.TempDir())
}

// TestRenderWithoutCommand tests that an empty command reads the staged file
func TestRenderWithoutCommand(t *testing.T) {
	engine := newEngine(t, defaultRecipe(), setupRepo(t))

	out, err := engine.Render(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"web", "webclient"}, out.Stack.ServiceNames())
	assert.NotEmpty(t, out.Bytes)
	assert.Len(t, out.Digest, 64)
}

// TestRenderIdempotent tests byte-identical output for fixed inputs
func TestRenderIdempotent(t *testing.T) {
	repos := setupRepo(t)
	engine := newEngine(t, defaultRecipe(), repos)

	first, err := engine.Render(context.Background())
	require.NoError(t, err)
	second, err := engine.Render(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Bytes, second.Bytes)
	assert.Equal(t, first.Digest, second.Digest)
}

// TestRenderRewrites tests the rewrite pipeline end to end
func TestRenderRewrites(t *testing.T) {
	cfg := defaultRecipe()
	cfg.ServicesPrefix = "stg"
	cfg.ExcludedServices = []string{"webclient"}
	cfg.AdditionalParameters = map[string]any{
		"environment": map[string]any{"DEPLOY_ENV": "staging"},
	}

	engine := newEngine(t, cfg, setupRepo(t))
	out, err := engine.Render(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"stg_web"}, out.Stack.ServiceNames(), "excluded service never appears")

	web := out.Stack.Services()["stg_web"].(map[string]any)
	assert.NotContains(t, web, "build", "build sections are stripped")
	assert.Equal(t, map[string]any{"DEPLOY_ENV": "staging"}, web["environment"])
}

// TestRenderWithCommand tests recipe command execution in the workdir
func TestRenderWithCommand(t *testing.T) {
	cfg := defaultRecipe()
	cfg.Command = "sed s/latest/pinned/ services/docker-compose.yml > stack.yml"
	cfg.StackFile = "stack.yml"

	engine := newEngine(t, cfg, setupRepo(t))
	out, err := engine.Render(context.Background())
	require.NoError(t, err)

	web := out.Stack.Services()["web"].(map[string]any)
	assert.Equal(t, "example/web:pinned", web["image"])
}

// TestRenderCommandFailure tests that a non-zero exit aborts the cycle
func TestRenderCommandFailure(t *testing.T) {
	cfg := defaultRecipe()
	cfg.Command = "exit 3"

	engine := newEngine(t, cfg, setupRepo(t))
	_, err := engine.Render(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.RecipeFailed, errkind.KindOf(err))
}

// TestRenderCommandDeadline tests the subprocess deadline
func TestRenderCommandDeadline(t *testing.T) {
	cfg := defaultRecipe()
	cfg.Command = "sleep 5"

	engine := New(cfg, setupRepo(t), ShellRunner{Timeout: 100 * time.Millisecond, GracePeriod: 100 * time.Millisecond}, t.TempDir())
	start := time.Now()
	_, err := engine.Render(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.TransientIO, errkind.KindOf(err), "an expired deadline is a transient error")
	assert.Less(t, time.Since(start), 3*time.Second)
}

// TestRenderCancellation tests shutdown during recipe execution
func TestRenderCancellation(t *testing.T) {
	cfg := defaultRecipe()
	cfg.Command = "sleep 5"

	engine := New(cfg, setupRepo(t), ShellRunner{GracePeriod: 100 * time.Millisecond}, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := engine.Render(ctx)
	require.Error(t, err)
	assert.Equal(t, errkind.Cancelled, errkind.KindOf(err))
}

// TestRenderMissingSourceFile tests stage failure
func TestRenderMissingSourceFile(t *testing.T) {
	cfg := defaultRecipe()
	cfg.Files = []config.FileGroup{{ID: "app", Paths: []string{"does/not/exist.yml"}}}

	engine := newEngine(t, cfg, setupRepo(t))
	_, err := engine.Render(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.RecipeFailed, errkind.KindOf(err))
}

// TestRenderMissingStackFile tests read failure
func TestRenderMissingStackFile(t *testing.T) {
	cfg := defaultRecipe()
	cfg.StackFile = "never-produced.yml"

	engine := newEngine(t, cfg, setupRepo(t))
	_, err := engine.Render(context.Background())
	require.Error(t, err)
	assert.Equal(t, errkind.RecipeFailed, errkind.KindOf(err))
}

// TestRenderInRepoWorkdir tests the repo-owned working directory variant
func TestRenderInRepoWorkdir(t *testing.T) {
	repos := setupRepo(t)
	cfg := defaultRecipe()
	cfg.Workdir = "app"
	cfg.Files = nil // files already live in the repo working copy

	engine := newEngine(t, cfg, repos)
	out, err := engine.Render(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out.Stack.ServiceNames(), "web")

	// The working copy itself is left in place.
	_, err = os.Stat(filepath.Join(repos["app"], "services", "docker-compose.yml"))
	assert.NoError(t, err)
}

// TestStagePreservesStructure tests relative path preservation
func TestStagePreservesStructure(t *testing.T) {
	repos := setupRepo(t)
	cfg := defaultRecipe()
	cfg.Command = "test -f services/docker-compose.yml"

	engine := newEngine(t, cfg, repos)
	_, err := engine.Render(context.Background())
	assert.NoError(t, err, "staged files keep their relative paths")
}
