package identity

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackmemory/stackmemory/internal/storage/sqlite"
	"github.com/stackmemory/stackmemory/internal/types"
)

func TestNormalizeProjectID(t *testing.T) {
	cases := []struct {
		input string
		want  string
	}{
		{"https://github.com/acme/Widget.git", "https-github-com-acme-widget"},
		{"git@github.com:acme/Widget.git", "git-github-com-acme-widget"},
		{"/home/u/w/Widget", "home-u-w-widget"},
		{"https-github-com-acme-widget", "https-github-com-acme-widget"},
		{"UPPER case & symbols!!", "upper-case-symbols"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeProjectID(tc.input), "input %q", tc.input)
	}
}

func TestNormalizeProjectIDIdempotent(t *testing.T) {
	inputs := []string{
		"https://github.com/acme/Widget.git",
		"/very/long/path/project",
		"ssh://git@host:2222/org/repo.git",
	}
	for _, input := range inputs {
		once := NormalizeProjectID(input)
		assert.Equal(t, once, NormalizeProjectID(once))
	}
}

func TestNormalizeProjectIDKeepsLast50(t *testing.T) {
	long := "https://github.com/organization/a-very-long-repository-name-that-keeps-going-and-going"
	id := NormalizeProjectID(long)
	assert.LessOrEqual(t, len(id), MaxProjectIDLen)
	assert.False(t, id[0] == '-')
	// the distinguishing tail survives, the common prefix is what truncates
	assert.Contains(t, id, "going-and-going")
}

func newTestResolver(t *testing.T) (*Resolver, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewResolver(store), store
}

func TestResolveProjectRegistersOnce(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := r.ResolveProject(ctx, dir)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := r.ResolveProject(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RootPath, second.RootPath)
}

func TestResolveSessionResumesActive(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	dir := t.TempDir()

	project, err := r.ResolveProject(ctx, dir)
	require.NoError(t, err)

	created, err := r.ResolveSession(ctx, project.ID, "main", "")
	require.NoError(t, err)
	assert.Equal(t, "main", created.Branch)

	resumed, err := r.ResolveSession(ctx, project.ID, "main", "")
	require.NoError(t, err)
	assert.Equal(t, created.ID, resumed.ID)

	// another branch prefers its own session, falling back to the project
	other, err := r.ResolveSession(ctx, project.ID, "feature", "")
	require.NoError(t, err)
	assert.Equal(t, created.ID, other.ID)

	_ = store
}

func TestResolveSessionPrefersBranchMatch(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()

	project, err := r.ResolveProject(ctx, t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	mainSes := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID, Branch: "main",
		StartedAt: now.Add(-time.Hour), LastActiveAt: now.Add(-30 * time.Minute),
		State: types.SessionActive,
	}
	featSes := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID, Branch: "feature",
		StartedAt: now, LastActiveAt: now, State: types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, mainSes))
	require.NoError(t, store.CreateSession(ctx, featSes))

	// the branch match wins even when another session is more recent
	got, err := r.ResolveSession(ctx, project.ID, "main", "")
	require.NoError(t, err)
	assert.Equal(t, mainSes.ID, got.ID)
}

func TestDetectBranch(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-q", "-b", "trunk")
	run("-c", "user.email=dev@example.invalid", "-c", "user.name=dev",
		"commit", "-q", "--allow-empty", "-m", "init")

	assert.Equal(t, "trunk", DetectBranch(dir))
	assert.Equal(t, "", DetectBranch(t.TempDir()))
}

func TestResolveSessionSuspendsStale(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	dir := t.TempDir()

	project, err := r.ResolveProject(ctx, dir)
	require.NoError(t, err)

	old := &types.Session{
		ID:           types.NewID("ses"),
		ProjectID:    project.ID,
		Branch:       "main",
		StartedAt:    time.Now().UTC().Add(-48 * time.Hour),
		LastActiveAt: time.Now().UTC().Add(-30 * time.Hour),
		State:        types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, old))

	session, err := r.ResolveSession(ctx, project.ID, "main", "")
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, session.ID)

	suspended, err := store.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionSuspended, suspended.State)
}

func TestResolveSessionExplicitID(t *testing.T) {
	r, store := newTestResolver(t)
	ctx := context.Background()
	dir := t.TempDir()

	project, err := r.ResolveProject(ctx, dir)
	require.NoError(t, err)

	explicit := &types.Session{
		ID: types.NewID("ses"), ProjectID: project.ID,
		StartedAt: time.Now().UTC(), LastActiveAt: time.Now().UTC(),
		State: types.SessionActive,
	}
	require.NoError(t, store.CreateSession(ctx, explicit))

	got, err := r.ResolveSession(ctx, project.ID, "", explicit.ID)
	require.NoError(t, err)
	assert.Equal(t, explicit.ID, got.ID)

	_, err = r.ResolveSession(ctx, project.ID, "", "ses-missing")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}
