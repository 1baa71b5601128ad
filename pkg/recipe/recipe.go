package recipe

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cuemby/shepherd/pkg/compose"
	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/log"
)

// RepoSource locates the working copy of a watched repository.
type RepoSource interface {
	WorkingCopy(id string) (string, bool)
}

// Output is a rendered stack: the structured descriptor, its canonical byte
// serialization, and the digest of those bytes. The bytes are the exact
// artifact handed to the orchestrator.
type Output struct {
	Stack  *compose.Stack
	Bytes  []byte
	Digest string
}

// Engine turns source working copies plus a recipe into a deployable stack
// descriptor.
type Engine struct {
	cfg         config.RecipeConfig
	repos       RepoSource
	runner      Runner
	scratchBase string
	logger      zerolog.Logger
}

// New builds an Engine. scratchBase hosts temporary working directories.
func New(cfg config.RecipeConfig, repos RepoSource, runner Runner, scratchBase string) *Engine {
	return &Engine{
		cfg:         cfg,
		repos:       repos,
		runner:      runner,
		scratchBase: scratchBase,
		logger:      log.WithComponent("recipe"),
	}
}

// Render runs the full recipe protocol: stage, execute, read, rewrite, emit.
// Rendering the same working copies twice produces byte-identical output.
func (e *Engine) Render(ctx context.Context) (*Output, error) {
	workdir, cleanup, err := e.workdir()
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := e.stage(workdir); err != nil {
		return nil, err
	}

	if e.cfg.Command != "" {
		e.logger.Debug().Str("command", e.cfg.Command).Str("workdir", workdir).Msg("running recipe command")
		stdout, stderr, err := e.runner.Run(ctx, e.cfg.Command, workdir, nil)
		if err != nil {
			e.logger.Error().Str("stdout", stdout).Str("stderr", stderr).Msg("recipe command failed")
			return nil, err
		}
	}

	stack, err := e.read(workdir)
	if err != nil {
		return nil, err
	}

	e.rewrite(stack)

	data, err := stack.MarshalCanonical()
	if err != nil {
		return nil, errkind.Wrap(errkind.RecipeFailed, "recipe emit", err)
	}
	return &Output{Stack: stack, Bytes: data, Digest: compose.ContentDigest(data)}, nil
}

// workdir resolves the effective working directory. The temporary variant is
// created fresh and removed when the cycle is done; a repo-owned variant is
// the repo's working copy and is left in place.
func (e *Engine) workdir() (string, func(), error) {
	spec := e.cfg.WorkdirSpec()
	if spec.Temp {
		if err := os.MkdirAll(e.scratchBase, 0o755); err != nil {
			return "", nil, errkind.Wrap(errkind.TransientIO, "recipe workdir", err)
		}
		dir, err := os.MkdirTemp(e.scratchBase, "shepherd-recipe-*")
		if err != nil {
			return "", nil, errkind.Wrap(errkind.TransientIO, "recipe workdir", err)
		}
		return dir, func() { _ = os.RemoveAll(dir) }, nil
	}

	dir, ok := e.repos.WorkingCopy(spec.RepoID)
	if !ok {
		return "", nil, errkind.Errorf(errkind.ConfigInvalid, "recipe workdir", "unknown repository id %q", spec.RepoID)
	}
	return dir, func() {}, nil
}

// stage copies the recipe's file groups from the repo working copies into
// the working directory, preserving relative structure. Copies overwrite.
func (e *Engine) stage(workdir string) error {
	for _, group := range e.cfg.Files {
		src, ok := e.repos.WorkingCopy(group.ID)
		if !ok {
			return errkind.Errorf(errkind.ConfigInvalid, "recipe stage", "unknown repository id %q", group.ID)
		}
		for _, rel := range group.Paths {
			if err := copyFile(filepath.Join(src, rel), filepath.Join(workdir, rel)); err != nil {
				return errkind.Wrap(errkind.RecipeFailed, "recipe stage",
					fmt.Errorf("copy %s from %s: %w", rel, group.ID, err))
			}
		}
	}
	return nil
}

// read loads and parses the stack file produced by the recipe.
func (e *Engine) read(workdir string) (*compose.Stack, error) {
	path := filepath.Join(workdir, e.cfg.StackFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.Wrap(errkind.RecipeFailed, "recipe read",
			fmt.Errorf("stack file %s: %w", e.cfg.StackFile, err))
	}
	if len(data) == 0 {
		return nil, errkind.Errorf(errkind.RecipeFailed, "recipe read", "stack file %s is empty", e.cfg.StackFile)
	}
	return compose.Parse(data)
}

// rewrite applies the structural rewrites in order, once per render on a
// freshly parsed stack. Each step is total.
func (e *Engine) rewrite(stack *compose.Stack) {
	stack.PrefixServices(e.cfg.ServicesPrefix)

	if dropped := stack.ExcludeServices(e.cfg.ExcludedServices, e.cfg.ServicesPrefix); len(dropped) > 0 {
		e.logger.Debug().Strs("services", dropped).Msg("excluded services")
	}
	if dropped := stack.ExcludeVolumes(e.cfg.ExcludedVolumes); len(dropped) > 0 {
		e.logger.Debug().Strs("volumes", dropped).Msg("excluded volumes")
	}

	stack.StripBuild()
	stack.NormalizeExtraHosts()
	stack.MergeParameters(e.cfg.AdditionalParameters)
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", src)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
