package environment

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/oet/internal/types"
)

func TestEnvIDIsDeterministicAndRepoCommitSpecific(t *testing.T) {
	a := EnvID("https://example.com/repo.git", "abc123")
	b := EnvID("https://example.com/repo.git", "abc123")
	c := EnvID("https://example.com/repo.git", "def456")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 16)
}

func TestEnsureRejectsNonGitScript(t *testing.T) {
	m := New(t.TempDir(), nil, time.Second)
	_, err := m.Ensure(context.Background(), types.ExecutableScript{Kind: types.ScriptKindFilesystem, Path: "/x"})
	require.Error(t, err)
}

// countingInstaller lets a test observe how many times Install ran.
type countingInstaller struct {
	calls atomic.Int64
}

func (c *countingInstaller) Install(ctx context.Context, repoPath, sitePackagesPath string) ([]byte, error) {
	c.calls.Add(1)
	return nil, nil
}

func TestPruneKeepsAtMostKeepNInactive(t *testing.T) {
	m := New(t.TempDir(), &countingInstaller{}, time.Second)
	m.entries["aaaa"] = &entry{created: true, refCount: 0}
	m.entries["bbbb"] = &entry{created: true, refCount: 0}
	m.entries["cccc"] = &entry{created: true, refCount: 1} // active, never pruned

	removed := m.Prune(1)
	assert.Len(t, removed, 1)
	assert.Len(t, m.entries, 2)
}

func TestWaitForBuildTimesOutWhenNeverReady(t *testing.T) {
	m := New(t.TempDir(), nil, 10*time.Millisecond)
	e := &entry{creating: true, ready: make(chan struct{})}
	_, err := m.waitForBuild(context.Background(), e)
	require.Error(t, err)
}

func TestConcurrentWaitersShareOneBuildResult(t *testing.T) {
	// Exercises the "second caller blocks on created" path without a real
	// clone: manufacture an already-building entry and release it from
	// two goroutines racing to read the result.
	m := New(t.TempDir(), nil, time.Second)
	e := &entry{creating: true, ready: make(chan struct{})}
	m.mu.Lock()
	m.entries["shared"] = e
	m.mu.Unlock()

	var wg sync.WaitGroup
	results := make([]types.Environment, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env, err := m.waitForBuild(context.Background(), e)
			require.NoError(t, err)
			results[i] = env
		}(i)
	}

	e.env = types.Environment{EnvID: "shared"}
	e.created = true
	e.creating = false
	close(e.ready)
	wg.Wait()

	assert.Equal(t, results[0], results[1])
}
