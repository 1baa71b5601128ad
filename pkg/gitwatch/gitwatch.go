package gitwatch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/shepherd/pkg/compose"
	"github.com/cuemby/shepherd/pkg/config"
	"github.com/cuemby/shepherd/pkg/errkind"
	"github.com/cuemby/shepherd/pkg/log"
)

// Repo is one watched repository with its local working copy.
type Repo struct {
	ID         string
	URL        string
	Branch     string
	Username   string
	Password   string
	TagPattern *regexp.Regexp
	Paths      []string
	Dir        string

	head string // commit id of the branch tip or matched tag
	tag  string // matched tag, when tag-sync is enabled
}

// Head returns the resolved commit id from the last sync.
func (r *Repo) Head() string { return r.head }

// Tag returns the matched tag from the last sync, or "".
func (r *Repo) Tag() string { return r.tag }

// Description summarizes the repo position for notifications:
// id:branch[:tag]:sha.
func (r *Repo) Description() string {
	short := r.head
	if len(short) > 12 {
		short = short[:12]
	}
	if r.tag != "" {
		return fmt.Sprintf("%s:%s:%s:%s", r.ID, r.Branch, r.tag, short)
	}
	return fmt.Sprintf("%s:%s:%s", r.ID, r.Branch, short)
}

// Result reports the outcome of syncing all watched repositories.
type Result struct {
	// Descriptions maps repo id to a human-readable position summary.
	Descriptions map[string]string
	// TagMiss is set when tag-sync is enabled and at least one repository
	// has no tag matching its pattern. The cycle is then a no-op.
	TagMiss bool
}

// runFunc executes git with the given arguments in dir and returns stdout.
// Injectable for tests.
type runFunc func(ctx context.Context, dir string, args ...string) (string, error)

// Watcher keeps a local working copy of each configured repository current.
type Watcher struct {
	repos    []*Repo
	syncTags bool
	baseDir  string
	run      runFunc
	logger   zerolog.Logger
}

// New builds a Watcher from configuration. Working copies are cloned lazily
// on the first Sync.
func New(cfgs []config.RepoConfig, syncedViaTags bool, baseDir string) (*Watcher, error) {
	w := &Watcher{
		syncTags: syncedViaTags,
		baseDir:  baseDir,
		run:      gitRun,
		logger:   log.WithComponent("gitwatch"),
	}
	for _, cfg := range cfgs {
		repo := &Repo{
			ID:       cfg.ID,
			URL:      cfg.URL,
			Branch:   cfg.Branch,
			Username: cfg.Username,
			Password: cfg.Password,
			Paths:    cfg.Paths,
			Dir:      filepath.Join(baseDir, "repos", cfg.ID),
		}
		if repo.Branch == "" {
			repo.Branch = "master"
		}
		if cfg.Tags != "" {
			re, err := regexp.Compile(cfg.Tags)
			if err != nil {
				return nil, errkind.Wrap(errkind.ConfigInvalid, "gitwatch pattern", err)
			}
			repo.TagPattern = re
		}
		w.repos = append(w.repos, repo)
	}
	return w, nil
}

// Repos returns the watched repositories.
func (w *Watcher) Repos() []*Repo { return w.repos }

// WorkingCopy returns the working copy directory of a repo by id.
func (w *Watcher) WorkingCopy(id string) (string, bool) {
	for _, r := range w.repos {
		if r.ID == id {
			return r.Dir, true
		}
	}
	return "", false
}

// Sync brings every working copy up to date. Repositories sync concurrently;
// results are joined before returning.
func (w *Watcher) Sync(ctx context.Context) (Result, error) {
	g, gctx := errgroup.WithContext(ctx)
	for _, repo := range w.repos {
		g.Go(func() error {
			return w.syncRepo(gctx, repo)
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res := Result{Descriptions: make(map[string]string, len(w.repos))}
	for _, repo := range w.repos {
		if w.syncTags && repo.TagPattern != nil && repo.tag == "" {
			res.TagMiss = true
		}
		res.Descriptions[repo.ID] = repo.Description()
	}
	return res, nil
}

// syncRepo clones or updates one working copy and resolves its ref. A broken
// working tree is recovered by deleting and re-cloning.
func (w *Watcher) syncRepo(ctx context.Context, repo *Repo) error {
	logger := w.logger.With().Str("repo_id", repo.ID).Logger()

	if !isGitDir(repo.Dir) {
		if err := w.clone(ctx, repo); err != nil {
			return err
		}
	} else if err := w.update(ctx, repo); err != nil {
		logger.Warn().Err(err).Msg("working copy update failed, re-cloning")
		if rmErr := os.RemoveAll(repo.Dir); rmErr != nil {
			return errkind.Wrap(errkind.TransientIO, "gitwatch recover", rmErr)
		}
		if err := w.clone(ctx, repo); err != nil {
			return err
		}
	}

	if err := w.resolve(ctx, repo); err != nil {
		return err
	}
	logger.Debug().Str("head", repo.head).Str("tag", repo.tag).Msg("repository synced")
	return nil
}

func (w *Watcher) clone(ctx context.Context, repo *Repo) error {
	if err := os.MkdirAll(filepath.Dir(repo.Dir), 0o755); err != nil {
		return errkind.Wrap(errkind.TransientIO, "gitwatch clone", err)
	}
	remote, err := authURL(repo.URL, repo.Username, repo.Password)
	if err != nil {
		return errkind.Wrap(errkind.ConfigInvalid, "gitwatch clone", err)
	}
	w.logger.Info().Str("repo_id", repo.ID).Str("url", ScrubURL(repo.URL)).Msg("cloning repository")

	if _, err := w.run(ctx, "", "clone", "--branch", repo.Branch, "--single-branch", remote, repo.Dir); err != nil {
		return errkind.Wrap(errkind.TransientIO, "gitwatch clone", err)
	}
	if _, err := w.run(ctx, repo.Dir, "fetch", "--prune", "--tags", "--force"); err != nil {
		return errkind.Wrap(errkind.TransientIO, "gitwatch fetch", err)
	}
	return nil
}

func (w *Watcher) update(ctx context.Context, repo *Repo) error {
	if _, err := w.run(ctx, repo.Dir, "fetch", "--prune", "--tags", "--force", "origin"); err != nil {
		return errkind.Wrap(errkind.TransientIO, "gitwatch fetch", err)
	}
	if _, err := w.run(ctx, repo.Dir, "checkout", "--force", repo.Branch); err != nil {
		return fmt.Errorf("gitwatch checkout: %w", err)
	}
	if _, err := w.run(ctx, repo.Dir, "reset", "--hard", "origin/"+repo.Branch); err != nil {
		return fmt.Errorf("gitwatch reset: %w", err)
	}
	return nil
}

// resolve pins the working copy: branch tip by default, or the highest tag
// matching the configured pattern when tag-sync is enabled. A pattern with no
// match leaves the repo at the branch tip and records an empty tag; the
// caller turns that into a no-op cycle.
func (w *Watcher) resolve(ctx context.Context, repo *Repo) error {
	repo.tag = ""
	if w.syncTags && repo.TagPattern != nil {
		out, err := w.run(ctx, repo.Dir, "tag", "--list", "--merged", "HEAD")
		if err != nil {
			return errkind.Wrap(errkind.TransientIO, "gitwatch tags", err)
		}
		tag := LatestMatchingTag(splitLines(out), repo.TagPattern)
		if tag == "" {
			w.logger.Info().Str("repo_id", repo.ID).Str("pattern", repo.TagPattern.String()).
				Msg("no tag matches pattern, skipping cycle")
			head, err := w.run(ctx, repo.Dir, "rev-parse", "HEAD")
			if err != nil {
				return errkind.Wrap(errkind.TransientIO, "gitwatch rev-parse", err)
			}
			repo.head = strings.TrimSpace(head)
			return nil
		}
		if _, err := w.run(ctx, repo.Dir, "checkout", "--force", tag); err != nil {
			return errkind.Wrap(errkind.TransientIO, "gitwatch checkout tag", err)
		}
		repo.tag = tag
	}

	head, err := w.run(ctx, repo.Dir, "rev-parse", "HEAD")
	if err != nil {
		return errkind.Wrap(errkind.TransientIO, "gitwatch rev-parse", err)
	}
	repo.head = strings.TrimSpace(head)
	return nil
}

// Fingerprint digests the content that participates in change detection: for
// every path selector of every repo, the matched files' content hashes. A
// selector matching nothing contributes a zero entry instead of failing the
// cycle. When tag-sync is enabled the matched tag names participate, so a new
// matching tag triggers a deploy even with identical file content, and an
// untagged commit does not.
func (w *Watcher) Fingerprint() (string, error) {
	var lines []string
	for _, repo := range w.repos {
		for _, selector := range repo.Paths {
			matches, err := filepath.Glob(filepath.Join(repo.Dir, selector))
			if err != nil {
				return "", errkind.Wrap(errkind.ConfigInvalid, "gitwatch fingerprint", err)
			}
			if len(matches) == 0 {
				lines = append(lines, fingerprintLine(repo.ID, selector, "0"))
				continue
			}
			for _, match := range matches {
				data, err := os.ReadFile(match)
				if err != nil {
					if os.IsNotExist(err) {
						lines = append(lines, fingerprintLine(repo.ID, selector, "0"))
						continue
					}
					return "", errkind.Wrap(errkind.TransientIO, "gitwatch fingerprint", err)
				}
				rel, err := filepath.Rel(repo.Dir, match)
				if err != nil {
					rel = match
				}
				lines = append(lines, fingerprintLine(repo.ID, rel, compose.ContentDigest(data)))
			}
		}
		if w.syncTags && repo.TagPattern != nil {
			lines = append(lines, fingerprintLine(repo.ID, "@tag", repo.tag))
		}
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, line := range lines {
		h.Write([]byte(line))
		h.Write([]byte{'\n'})
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func fingerprintLine(repoID, path, digest string) string {
	return repoID + "\x00" + path + "\x00" + digest
}

// LatestMatchingTag picks the highest-sorted tag matching re. Tags that all
// parse as semantic versions are ordered by version; otherwise ordering is
// lexicographic.
func LatestMatchingTag(tags []string, re *regexp.Regexp) string {
	var matched []string
	for _, tag := range tags {
		if tag != "" && re.MatchString(tag) {
			matched = append(matched, tag)
		}
	}
	if len(matched) == 0 {
		return ""
	}
	sortTags(matched)
	return matched[len(matched)-1]
}

func sortTags(tags []string) {
	versions := make(map[string]*semver.Version, len(tags))
	for _, tag := range tags {
		v, err := semver.NewVersion(strings.TrimPrefix(tag, "v"))
		if err != nil {
			sort.Strings(tags)
			return
		}
		versions[tag] = v
	}
	sort.Slice(tags, func(i, j int) bool {
		return versions[tags[i]].LessThan(versions[tags[j]])
	})
}

// authURL embeds credentials into the remote URL. The result is passed to
// git, never logged.
func authURL(raw, username, password string) (string, error) {
	if username == "" || password == "" {
		return raw, nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	u.User = url.UserPassword(username, password)
	return u.String(), nil
}

// ScrubURL removes userinfo from a URL for logging.
func ScrubURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func isGitDir(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

func splitLines(s string) []string {
	return strings.Split(strings.TrimSpace(s), "\n")
}

// gitRun shells out to git. Stderr is folded into the returned error; URL
// arguments appear in the error with their userinfo scrubbed.
func gitRun(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		shown := make([]string, len(args))
		for i, arg := range args {
			shown[i] = arg
			if strings.Contains(arg, "://") {
				shown[i] = ScrubURL(arg)
			}
		}
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(shown, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
