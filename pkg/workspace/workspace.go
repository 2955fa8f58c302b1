// Package workspace manages per-session directories and published files.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kiso-project/kiso/pkg/config"
	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/store"
)

// Sentinel errors for path resolution.
var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrOutsidePubDir    = errors.New("path escapes the session pub directory")
)

// planOutputsFile is the chaining file exec subprocesses read.
const planOutputsFile = "plan_outputs.json"

// Manager creates and resolves session workspaces under <data_dir>/sessions.
type Manager struct {
	Root  string
	Store *store.Store
}

// Dir returns the workspace directory for a session without creating it.
// The session id is validated before any path use.
func (m *Manager) Dir(session string) (string, error) {
	if !config.SessionIDPattern.MatchString(session) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionID, session)
	}
	return filepath.Join(m.Root, session), nil
}

// Ensure creates the session workspace layout on demand and returns its
// path. Directories are 0700: non-admin tasks run as a restricted user that
// owns exactly this tree.
func (m *Manager) Ensure(session string) (string, error) {
	dir, err := m.Dir(session)
	if err != nil {
		return "", err
	}
	for _, sub := range []string{"", "pub", "uploads", ".kiso"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return "", fmt.Errorf("failed to create workspace for %s: %w", session, err)
		}
	}
	return dir, nil
}

// WritePlanOutputs persists the chaining array at .kiso/plan_outputs.json
// for the next exec task.
func (m *Manager) WritePlanOutputs(session string, outputs []models.PlanOutput) error {
	dir, err := m.Ensure(session)
	if err != nil {
		return err
	}
	if outputs == nil {
		outputs = []models.PlanOutput{}
	}
	data, err := json.MarshalIndent(outputs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal plan outputs: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, ".kiso", planOutputsFile), data, 0600)
}

// RemovePlanOutputs deletes the chaining file on plan termination.
func (m *Manager) RemovePlanOutputs(session string) error {
	dir, err := m.Dir(session)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, ".kiso", planOutputsFile))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Publish registers a file under the session's pub/ directory and returns
// its URL token.
func (m *Manager) Publish(ctx context.Context, session, filename string) (string, error) {
	path, err := m.pubPath(session, filename)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("published file missing: %w", err)
	}

	token := uuid.NewString()
	err = m.Store.InsertPublishedFile(ctx, &models.PublishedFile{
		ID:       token,
		Session:  session,
		Filename: filename,
		Path:     path,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Resolve maps a URL token back to a file path, re-verifying that the
// stored path still lies under the owning session's pub directory.
func (m *Manager) Resolve(ctx context.Context, token string) (string, error) {
	f, err := m.Store.GetPublishedFile(ctx, token)
	if err != nil {
		return "", err
	}
	pubDir, err := m.Dir(f.Session)
	if err != nil {
		return "", err
	}
	pubDir = filepath.Join(pubDir, "pub")

	clean := filepath.Clean(f.Path)
	if clean != pubDir && !strings.HasPrefix(clean, pubDir+string(filepath.Separator)) {
		return "", ErrOutsidePubDir
	}
	return clean, nil
}

// pubPath joins a filename onto the session pub directory, rejecting any
// traversal out of it.
func (m *Manager) pubPath(session, filename string) (string, error) {
	dir, err := m.Dir(session)
	if err != nil {
		return "", err
	}
	pubDir := filepath.Join(dir, "pub")
	path := filepath.Clean(filepath.Join(pubDir, filename))
	if !strings.HasPrefix(path, pubDir+string(filepath.Separator)) {
		return "", ErrOutsidePubDir
	}
	return path, nil
}
