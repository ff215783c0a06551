// Package workspace provisions and tears down per-task git workspaces on
// top of a single shared bare repository, and runs allowlisted commands
// inside them.
package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/orchestra-systems/orchestrator/internal/adapters/git"
	"github.com/orchestra-systems/orchestrator/internal/core"
)

const bareRepoDirName = ".bare-repo"

// Manager provisions workspaces under root from a single shared bare
// repository, cloned depth-1 from upstream on first use. Each task gets a
// detached worktree at <root>/<taskID>.
type Manager struct {
	root     string
	upstream string

	mu           sync.Mutex
	bareRepo     *git.Client
	worktrees    *git.WorktreeManager
}

// NewManager creates a Manager rooted at root. The bare repository is not
// cloned until the first CreateWorkspace call.
func NewManager(root, upstream string) (*Manager, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, core.NewStorageError("resolve_root", err)
	}
	if err := os.MkdirAll(absRoot, 0o750); err != nil {
		return nil, core.NewStorageError("mkdir_root", err)
	}
	return &Manager{root: absRoot, upstream: upstream}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// BareRepoPath returns the path of the shared bare repository, for
// collaborators (the merge queue's git client) that need to operate on it
// directly rather than through a per-task worktree.
func (m *Manager) BareRepoPath() string {
	return filepath.Join(m.root, bareRepoDirName)
}

// ensureBareRepo clones the bare repository on first use and best-effort
// fetches on subsequent calls. Must be called with m.mu held.
func (m *Manager) ensureBareRepo(ctx context.Context) error {
	bareDir := filepath.Join(m.root, bareRepoDirName)

	if m.bareRepo != nil {
		_ = m.bareRepo.Fetch(ctx, "origin")
		return nil
	}

	if _, err := os.Stat(filepath.Join(bareDir, "HEAD")); err == nil {
		client, err := git.NewClient(bareDir)
		if err != nil {
			return core.NewStorageError("open_bare_repo", err)
		}
		m.bareRepo = client
		m.worktrees = git.NewWorktreeManager(client, m.root).WithPrefix("")
		_ = client.Fetch(ctx, "origin")
		return nil
	}

	if m.upstream == "" {
		return core.NewStorageError("bare_repo_missing", nil).WithDetail("message", "no upstream configured and no existing bare repository")
	}

	if err := cloneBareDepth1(ctx, m.upstream, bareDir); err != nil {
		return core.NewStorageError("clone_bare_repo", err)
	}

	client, err := git.NewClient(bareDir)
	if err != nil {
		return core.NewStorageError("open_bare_repo", err)
	}
	m.bareRepo = client
	m.worktrees = git.NewWorktreeManager(client, m.root).WithPrefix("")
	return nil
}

// resolveTaskPath validates taskID and returns the workspace path,
// rejecting any resolution that would escape root.
func (m *Manager) resolveTaskPath(taskID string) (string, error) {
	if err := git.ValidateTaskID(taskID); err != nil {
		return "", err
	}

	path := filepath.Join(m.root, taskID)
	cleanRoot := filepath.Clean(m.root)
	cleanPath := filepath.Clean(path)
	if cleanPath != cleanRoot && !strings.HasPrefix(cleanPath, cleanRoot+string(filepath.Separator)) {
		return "", core.NewPathEscape(taskID)
	}
	return path, nil
}

// Path returns taskID's workspace path without provisioning it, failing if
// the workspace does not exist.
func (m *Manager) Path(taskID string) (string, error) {
	path, err := m.resolveTaskPath(taskID)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", core.NewWorkspaceMissing(taskID)
	}
	return path, nil
}

// CreateWorkspace provisions (or accepts an already-provisioned) workspace
// for taskID and returns its path.
func (m *Manager) CreateWorkspace(ctx context.Context, taskID string) (string, error) {
	path, err := m.resolveTaskPath(taskID)
	if err != nil {
		return "", err
	}

	info, statErr := os.Stat(path)
	if statErr == nil {
		if !info.IsDir() {
			return "", core.NewInvalidInput("WORKSPACE_NOT_DIR", "workspace path exists and is not a directory")
		}
		if _, err := os.Stat(filepath.Join(path, ".git")); err == nil {
			return path, nil
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return "", core.NewStorageError("read_workspace_dir", err)
		}
		if len(entries) > 0 {
			return "", core.NewInvalidInput("WORKSPACE_NOT_EMPTY", "workspace directory exists, is non-empty, and is not a git checkout")
		}
		// Existing empty directory: worktree add requires it absent, so
		// remove it and let the worktree command recreate it.
		if err := os.Remove(path); err != nil {
			return "", core.NewStorageError("clear_empty_workspace_dir", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureBareRepo(ctx); err != nil {
		return "", err
	}

	head, err := m.bareRepo.RevParse(ctx, "HEAD")
	if err != nil {
		return "", core.NewStorageError("resolve_bare_head", err)
	}

	if _, err := m.worktrees.CreateFromCommit(ctx, taskID, head); err != nil {
		return "", core.NewStorageError("create_worktree", err)
	}

	return path, nil
}

// DestroyWorkspace removes taskID's workspace. Safe to call when the
// workspace is already absent.
func (m *Manager) DestroyWorkspace(ctx context.Context, taskID string) error {
	path, err := m.resolveTaskPath(taskID)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	m.mu.Lock()
	worktrees := m.worktrees
	m.mu.Unlock()

	if worktrees != nil {
		if err := worktrees.Remove(ctx, path, true); err == nil {
			return nil
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return core.NewStorageError("force_remove_workspace", err)
	}
	return nil
}
