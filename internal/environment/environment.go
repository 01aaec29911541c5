// Package environment implements the Environment Manager: it maps a
// script's repository and commit to a content-addressed on-disk
// checkout plus an isolated dependency directory, deduplicating
// concurrent requests for the same environment by keying all on-disk
// state deterministically off what it represents.
package environment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/log"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// DefaultEnvironmentsPath is the base directory environments are
// checked out under.
const DefaultEnvironmentsPath = "/var/lib/oet/environments"

// Installer installs a script's declared dependencies into an
// environment's isolated site-packages directory. Swappable so tests
// can stub it out without shelling to pip.
type Installer interface {
	Install(ctx context.Context, repoPath, sitePackagesPath string) ([]byte, error)
}

// PipInstaller runs `pip install --target <site-packages> -r requirements.txt`
// when a requirements file is present, the common case for the user
// scripts this engine runs.
type PipInstaller struct{}

func (PipInstaller) Install(ctx context.Context, repoPath, sitePackagesPath string) ([]byte, error) {
	reqFile := filepath.Join(repoPath, "requirements.txt")
	if _, err := os.Stat(reqFile); os.IsNotExist(err) {
		return nil, nil
	}
	cmd := exec.CommandContext(ctx, "pip", "install", "--target", sitePackagesPath, "-r", reqFile)
	return cmd.CombinedOutput()
}

type entry struct {
	env      types.Environment
	creating bool
	created  bool
	refCount int
	buildErr error
	ready    chan struct{}
}

// Manager owns every environment this process has built or is
// building, keyed by env_id.
type Manager struct {
	basePath  string
	installer Installer
	envTimeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New builds a Manager rooted at basePath, using installer for
// dependency installation and envTimeout as the overall wait bound for
// a caller blocked on another goroutine's in-flight build.
func New(basePath string, installer Installer, envTimeout time.Duration) *Manager {
	if basePath == "" {
		basePath = DefaultEnvironmentsPath
	}
	if installer == nil {
		installer = PipInstaller{}
	}
	return &Manager{
		basePath:   basePath,
		installer:  installer,
		envTimeout: envTimeout,
		entries:    make(map[string]*entry),
	}
}

// EnvID computes the content address for a repo+commit pair.
func EnvID(repo, commit string) string {
	sum := sha256.Sum256([]byte(repo + "@" + commit))
	return hex.EncodeToString(sum[:])[:16]
}

// resolveBranchHead ls-remotes repoURL without cloning and returns the
// commit hash branch currently points at (HEAD's target when branch is
// empty). Ensure calls this before computing env_id so that two
// commit-less requests against different branches of the same repo
// never collide on one content address.
func resolveBranchHead(repoURL, branch string) (string, error) {
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{repoURL},
	})
	refs, err := remote.List(&git.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list remote refs for %s: %w", repoURL, err)
	}

	want := plumbing.HEAD
	if branch != "" {
		want = plumbing.NewBranchReferenceName(branch)
	}

	byName := make(map[plumbing.ReferenceName]*plumbing.Reference, len(refs))
	for _, ref := range refs {
		byName[ref.Name()] = ref
	}

	ref, ok := byName[want]
	if !ok {
		return "", fmt.Errorf("ref %s not found in %s", want, repoURL)
	}
	for ref.Type() == plumbing.SymbolicReference {
		ref, ok = byName[ref.Target()]
		if !ok {
			return "", fmt.Errorf("symbolic ref %s target not found in %s", want, repoURL)
		}
	}
	return ref.Hash().String(), nil
}

// RepoPath returns the on-disk checkout path for an already-built
// environment, so a caller can resolve a git script's in-repo Path
// against it before handing the script to a worker.
func (m *Manager) RepoPath(envID string) string {
	return filepath.Join(m.basePath, envID, "repo")
}

// Ensure resolves script (which must be a git-backed ExecutableScript)
// to a built Environment, cloning and installing dependencies at most
// once per env_id regardless of how many callers race to request it.
func (m *Manager) Ensure(ctx context.Context, script types.ExecutableScript) (types.Environment, error) {
	if script.Kind != types.ScriptKindGit {
		return types.Environment{}, oeterrors.New(oeterrors.KindBadRequest, "Ensure requires a git-backed script")
	}

	if script.Commit == "" {
		resolved, err := resolveBranchHead(script.Repo, script.Branch)
		if err != nil {
			return types.Environment{}, oeterrors.Wrap(oeterrors.KindEnvironmentBuildFailed, "resolve branch head", err)
		}
		script.Commit = resolved
	}

	envID := EnvID(script.Repo, script.Commit)

	m.mu.Lock()
	e, exists := m.entries[envID]
	if exists && e.created {
		e.refCount++
		m.mu.Unlock()
		return e.env, nil
	}
	if exists && e.creating {
		m.mu.Unlock()
		return m.waitForBuild(ctx, e)
	}

	e = &entry{
		creating: true,
		ready:    make(chan struct{}),
		env: types.Environment{
			EnvID:            envID,
			SitePackagesPath: filepath.Join(m.basePath, envID, "site-packages"),
		},
	}
	m.entries[envID] = e
	m.mu.Unlock()

	m.build(ctx, envID, script, e)
	return m.waitForBuild(ctx, e)
}

func (m *Manager) waitForBuild(ctx context.Context, e *entry) (types.Environment, error) {
	select {
	case <-e.ready:
		if e.buildErr != nil {
			return types.Environment{}, e.buildErr
		}
		return e.env, nil
	case <-time.After(m.envTimeout):
		return types.Environment{}, oeterrors.New(oeterrors.KindEnvironmentTimeout, "timed out waiting for environment build")
	case <-ctx.Done():
		return types.Environment{}, ctx.Err()
	}
}

func (m *Manager) build(ctx context.Context, envID string, script types.ExecutableScript, e *entry) {
	envLog := log.WithEnvID(envID)
	repoPath := filepath.Join(m.basePath, envID, "repo")

	finish := func(err error) {
		m.mu.Lock()
		e.creating = false
		if err != nil {
			e.buildErr = oeterrors.Wrap(oeterrors.KindEnvironmentBuildFailed, "environment build failed", err)
		} else {
			e.created = true
			e.refCount = 1
		}
		m.mu.Unlock()
		close(e.ready)
	}

	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		finish(fmt.Errorf("create repo dir: %w", err))
		return
	}

	envLog.Info().Str("repo", script.Repo).Str("branch", script.Branch).Str("commit", script.Commit).Msg("cloning environment repository")
	cloneOpts := &git.CloneOptions{URL: script.Repo}
	if script.Branch != "" {
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(script.Branch)
	}
	repo, err := git.PlainCloneContext(ctx, repoPath, false, cloneOpts)
	if err != nil && err != git.ErrRepositoryAlreadyExists {
		finish(fmt.Errorf("clone %s: %w", script.Repo, err))
		return
	}
	if repo == nil {
		repo, err = git.PlainOpen(repoPath)
		if err != nil {
			finish(fmt.Errorf("open existing checkout: %w", err))
			return
		}
	}

	if script.Commit != "" {
		wt, err := repo.Worktree()
		if err != nil {
			finish(fmt.Errorf("worktree: %w", err))
			return
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(script.Commit)}); err != nil {
			finish(fmt.Errorf("checkout %s: %w", script.Commit, err))
			return
		}
	}

	if err := os.MkdirAll(e.env.SitePackagesPath, 0o755); err != nil {
		finish(fmt.Errorf("create site-packages dir: %w", err))
		return
	}

	if out, err := m.installer.Install(ctx, repoPath, e.env.SitePackagesPath); err != nil {
		envLog.Warn().Bytes("output", out).Err(err).Msg("dependency installation failed")
		finish(fmt.Errorf("install dependencies: %w", err))
		return
	}

	finish(nil)
}

// Prune removes built environments with a ref_count of zero until at
// most keepNInactive of them remain. No build time is recorded, so which
// inactive environments are kept is not defined (map iteration order).
// Not required for correctness; exposed for operators who want to
// reclaim disk.
func (m *Manager) Prune(keepNInactive int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inactive []string
	for id, e := range m.entries {
		if e.created && e.refCount == 0 {
			inactive = append(inactive, id)
		}
	}
	if len(inactive) <= keepNInactive {
		return nil
	}

	removable := inactive[:len(inactive)-keepNInactive]
	var removed []string
	for _, id := range removable {
		if err := os.RemoveAll(filepath.Join(m.basePath, id)); err == nil {
			delete(m.entries, id)
			removed = append(removed, id)
		}
	}
	return removed
}
