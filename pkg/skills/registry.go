package skills

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ErrSkillNotFound marks a lookup for a skill that is not installed.
var ErrSkillNotFound = errors.New("skill not found")

// Registry scans the skills directory on demand; there is no cached state,
// so installs and removals take effect on the next scan.
type Registry struct {
	dir string
}

// NewRegistry returns a registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Scan reads every installed skill. Directories without a manifest or with
// a broken one are logged and skipped; a missing skills dir yields an empty
// map.
func (r *Registry) Scan() (map[string]*Skill, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Skill{}, nil
		}
		return nil, fmt.Errorf("failed to read skills dir: %w", err)
	}

	out := map[string]*Skill{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.dir, e.Name())
		path := filepath.Join(dir, "manifest.toml")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := loadManifest(path, dir)
		if err != nil {
			slog.Warn("Skipping skill with broken manifest", "dir", dir, "error", err)
			continue
		}
		out[s.Name] = s
	}
	return out, nil
}

// Get scans and returns one skill by name.
func (r *Registry) Get(name string) (*Skill, error) {
	all, err := r.Scan()
	if err != nil {
		return nil, err
	}
	s, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillNotFound, name)
	}
	return s, nil
}
