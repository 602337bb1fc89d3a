package runner

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/log"

	"github.com/testherd/testherd/types"
)

var _ types.ContextFactory = (*WorkspaceFactory)(nil)

// WorkspaceFactory is the default execution-context factory: each context is
// a private scratch directory. Disposing a context deletes the directory, so
// state written by a failed attempt (caches, profiles, downloads) can never
// leak into the next attempt. Real automation backends supply their own
// ContextFactory instead.
type WorkspaceFactory struct {
	// Root is the parent directory for workspaces. Empty means the system
	// temp directory.
	Root string

	log log.Logger
}

// Workspace is the execution context produced by WorkspaceFactory.
type Workspace struct {
	Dir string
}

// NewWorkspaceFactory creates a workspace factory rooted at root.
func NewWorkspaceFactory(root string, logger log.Logger) *WorkspaceFactory {
	if logger == nil {
		logger = log.Root()
	}
	return &WorkspaceFactory{Root: root, log: logger.New("component", "workspace-factory")}
}

// Create provisions a fresh scratch directory.
func (f *WorkspaceFactory) Create(ctx context.Context) (types.ExecContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp(f.Root, "testherd-ws-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	f.log.Debug("Created workspace", "dir", dir)
	return &Workspace{Dir: dir}, nil
}

// Dispose deletes the context's scratch directory.
func (f *WorkspaceFactory) Dispose(ec types.ExecContext) error {
	ws, ok := ec.(*Workspace)
	if !ok {
		return fmt.Errorf("unexpected context type %T", ec)
	}
	f.log.Debug("Disposing workspace", "dir", ws.Dir)
	return os.RemoveAll(ws.Dir)
}
