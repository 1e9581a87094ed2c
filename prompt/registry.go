package prompt

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mendhq/mend/fault"
)

//go:embed defs/*.json
var embeddedDefs embed.FS

// Registry holds every loaded prompt definition keyed by (purpose, version).
// It is populated once at startup and read-only afterwards, so lookups need
// no locking.
type Registry struct {
	defs   map[string]*Definition
	latest map[string]string
	logger *slog.Logger
}

func key(purpose, version string) string { return purpose + "@" + version }

// NewRegistry loads the embedded definitions and then overlays any *.json
// files found in overlayDir (which may be empty). An overlay file with the
// same purpose and version replaces the embedded one; this is how operators
// hot-patch a prompt without a rebuild.
func NewRegistry(overlayDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		defs:   make(map[string]*Definition),
		latest: make(map[string]string),
		logger: logger,
	}

	if err := r.loadFS(embeddedDefs, "defs"); err != nil {
		return nil, err
	}

	if overlayDir != "" {
		if _, err := os.Stat(overlayDir); err == nil {
			if err := r.loadFS(os.DirFS(overlayDir), "."); err != nil {
				return nil, err
			}
			logger.Info("loaded prompt overlay directory", "dir", overlayDir)
		}
	}

	if len(r.defs) == 0 {
		return nil, fmt.Errorf("prompt registry: no definitions loaded")
	}
	r.computeLatest()
	return r, nil
}

func (r *Registry) loadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read prompt dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read prompt %s: %w", entry.Name(), err)
		}
		d, err := parseDefinition(data, entry.Name())
		if err != nil {
			return err
		}
		r.defs[key(d.Purpose, d.Version)] = d
		r.logger.Debug("loaded prompt definition",
			"purpose", d.Purpose, "version", d.Version, "checksum", d.Checksum[:12])
	}
	return nil
}

// computeLatest picks the highest version per purpose by simple string
// ordering, which works for the vN scheme the definitions use.
func (r *Registry) computeLatest() {
	byPurpose := make(map[string][]string)
	for _, d := range r.defs {
		byPurpose[d.Purpose] = append(byPurpose[d.Purpose], d.Version)
	}
	for purpose, versions := range byPurpose {
		sort.Strings(versions)
		r.latest[purpose] = versions[len(versions)-1]
	}
}

// Get returns the definition for an exact (purpose, version) pair.
func (r *Registry) Get(purpose, version string) (*Definition, error) {
	d, ok := r.defs[key(purpose, version)]
	if !ok {
		return nil, fault.Newf(fault.PromptNotFound, "no prompt definition for %s %s", purpose, version)
	}
	return d, nil
}

// Latest returns the newest version registered for a purpose. Tasks resolve
// this once at submission and then pin it, so a mid-flight prompt upgrade
// never changes a running task's behavior.
func (r *Registry) Latest(purpose string) (*Definition, error) {
	v, ok := r.latest[purpose]
	if !ok {
		return nil, fault.Newf(fault.PromptNotFound, "no prompt definitions for purpose %q", purpose)
	}
	return r.defs[key(purpose, v)], nil
}

// Purposes lists every purpose with at least one definition, sorted.
func (r *Registry) Purposes() []string {
	out := make([]string, 0, len(r.latest))
	for p := range r.latest {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
