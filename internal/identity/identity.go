// Package identity derives stable project ids and resolves sessions.
//
// A project id comes from the VCS origin URL when available, else the
// absolute path. The normalization is the only allowed source of project
// ids: strip a trailing ".git", collapse every non-alphanumeric run to a
// single "-", lowercase, and keep the last 50 characters.
package identity

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/stackmemory/stackmemory/internal/config"
	"github.com/stackmemory/stackmemory/internal/storage"
	"github.com/stackmemory/stackmemory/internal/types"
)

// MaxProjectIDLen bounds a normalized project id
const MaxProjectIDLen = 50

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// NormalizeProjectID applies the authoritative normalization rule to an
// origin URL or absolute path. Idempotent: normalizing an already-normalized
// id returns it unchanged.
func NormalizeProjectID(input string) string {
	s := strings.TrimSuffix(input, ".git")
	s = nonAlnum.ReplaceAllString(s, "-")
	s = strings.ToLower(s)
	s = strings.Trim(s, "-")
	if len(s) > MaxProjectIDLen {
		s = s[len(s)-MaxProjectIDLen:]
		s = strings.TrimLeft(s, "-")
	}
	return s
}

// originURL returns the VCS origin URL for dir, or "" when dir is not a
// repository or has no origin remote.
func originURL(dir string) string {
	cmd := exec.Command("git", "-C", dir, "remote", "get-url", "origin")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// DetectBranch returns the checked-out branch for dir, or "" outside a
// repository or on a detached HEAD.
func DetectBranch(dir string) string {
	cmd := exec.Command("git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	branch := strings.TrimSpace(string(out))
	if branch == "HEAD" { // detached
		return ""
	}
	return branch
}

// Resolver discovers project and session identity against a store
type Resolver struct {
	store storage.Store
}

// NewResolver creates a Resolver backed by the given store
func NewResolver(store storage.Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveProject derives the project id for cwd and registers the project
// on first use. The same directory always yields the same id.
func (r *Resolver) ResolveProject(ctx context.Context, cwd string) (*types.Project, error) {
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return nil, types.E(types.CodeInvalidArgument, "invalid project path %q", cwd).WithCause(err)
	}

	source := originURL(abs)
	if source == "" {
		source = abs
	}
	id := NormalizeProjectID(source)
	if id == "" {
		return nil, types.E(types.CodeInvalidArgument, "project path %q normalizes to an empty id", cwd)
	}

	project, err := r.store.GetProject(ctx, id)
	if err == nil {
		return project, nil
	}
	if !types.IsCode(err, types.CodeNotFound) {
		return nil, err
	}

	project = &types.Project{ID: id, RootPath: abs, CreatedAt: time.Now().UTC()}
	if err := r.store.CreateProject(ctx, project); err != nil {
		// A concurrent initializer may have won the race
		if types.IsCode(err, types.CodeConflict) {
			return r.store.GetProject(ctx, id)
		}
		return nil, err
	}
	return project, nil
}

// ResolveSession finds or creates the session for a project. Priority:
// explicit id, then STACKMEMORY_SESSION, then the most recent non-stale
// active session for (project, branch), then for the project alone, then a
// new session. Sessions idle past the staleness window are suspended.
func (r *Resolver) ResolveSession(ctx context.Context, projectID, branch, explicitID string) (*types.Session, error) {
	if explicitID == "" {
		explicitID = os.Getenv("STACKMEMORY_SESSION")
	}
	if explicitID != "" {
		session, err := r.store.GetSession(ctx, explicitID)
		if err != nil {
			return nil, err
		}
		return session, nil
	}

	staleAfter := config.GetDuration("session.stale-after")
	now := time.Now().UTC()

	candidates, err := r.store.ListSessions(ctx, projectID, types.SessionActive, 20)
	if err != nil {
		return nil, err
	}

	var projectMatch *types.Session
	for _, s := range candidates {
		if now.Sub(s.LastActiveAt) > staleAfter {
			if err := r.store.UpdateSessionState(ctx, s.ID, types.SessionSuspended); err != nil {
				return nil, err
			}
			continue
		}
		if branch != "" && s.Branch == branch {
			return r.touch(ctx, s)
		}
		if projectMatch == nil {
			projectMatch = s
		}
	}
	if projectMatch != nil {
		return r.touch(ctx, projectMatch)
	}

	session := &types.Session{
		ID:           types.NewID("ses"),
		ProjectID:    projectID,
		Branch:       branch,
		StartedAt:    now,
		LastActiveAt: now,
		State:        types.SessionActive,
	}
	if err := r.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *Resolver) touch(ctx context.Context, s *types.Session) (*types.Session, error) {
	s.LastActiveAt = time.Now().UTC()
	if err := r.store.TouchSession(ctx, s.ID, s.LastActiveAt); err != nil {
		return nil, err
	}
	return s, nil
}
