package feature

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"
)

// StateDir is the per-project directory holding orchestrator state.
const StateDir = ".kanloop"

// ErrNotFound is returned when a feature record does not exist.
var ErrNotFound = errors.New("feature not found")

// Store persists one JSON record file per feature under
// <project>/.kanloop/features/.
type Store struct {
	fs afero.Fs
}

// NewStore creates a store backed by the real filesystem.
func NewStore() *Store {
	return NewStoreWithFs(afero.NewOsFs())
}

// NewStoreWithFs creates a store on the given filesystem. Tests use an
// in-memory filesystem.
func NewStoreWithFs(fs afero.Fs) *Store {
	return &Store{fs: fs}
}

func (s *Store) featuresDir(projectPath string) string {
	return filepath.Join(projectPath, StateDir, "features")
}

// FeaturePath returns the record file path for a feature id.
func (s *Store) FeaturePath(projectPath, id string) string {
	return filepath.Join(s.featuresDir(projectPath), id+".json")
}

// ImagesDir returns the attachment directory for a feature.
func (s *Store) ImagesDir(projectPath, id string) string {
	return filepath.Join(projectPath, StateDir, "images", id)
}

// AnalysisPath returns the per-project analysis artifact path.
func (s *Store) AnalysisPath(projectPath string) string {
	return filepath.Join(projectPath, StateDir, "analysis.md")
}

// Create mints a new backlog feature and persists it.
func (s *Store) Create(projectPath, description, spec string) (*Feature, error) {
	f := &Feature{
		ID:          strings.ToLower(ulid.Make().String()),
		Description: description,
		Spec:        spec,
		Status:      StatusBacklog,
	}
	if err := s.Save(projectPath, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Load reads a feature record. Returns ErrNotFound if no record exists.
func (s *Store) Load(projectPath, id string) (*Feature, error) {
	if id == "" {
		return nil, errors.New("feature id is required")
	}
	data, err := afero.ReadFile(s.fs, s.FeaturePath(projectPath, id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, afero.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading feature %s: %w", id, err)
	}
	var f Feature
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing feature %s: %w", id, err)
	}
	return &f, nil
}

// Save atomically writes a feature record (temp file + rename) and stamps
// UpdatedAt.
func (s *Store) Save(projectPath string, f *Feature) error {
	if f == nil || f.ID == "" {
		return errors.New("feature id is required")
	}
	if !f.Status.Valid() {
		return fmt.Errorf("unknown feature status %q", f.Status)
	}
	f.UpdatedAt = time.Now().UTC()

	dir := s.featuresDir(projectPath)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating features directory: %w", err)
	}

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding feature %s: %w", f.ID, err)
	}

	target := s.FeaturePath(projectPath, f.ID)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		return fmt.Errorf("writing feature %s: %w", f.ID, err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing feature %s: %w", f.ID, err)
	}
	return nil
}

// List returns all feature records for a project, sorted by id. ULID ids sort
// in creation order, which is the backlog pickup order.
func (s *Store) List(projectPath string) ([]*Feature, error) {
	dir := s.featuresDir(projectPath)
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if exists, _ := afero.DirExists(s.fs, dir); !exists {
			return nil, nil
		}
		return nil, fmt.Errorf("listing features: %w", err)
	}

	var features []*Feature
	for _, info := range infos {
		name := info.Name()
		if info.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		f, err := s.Load(projectPath, strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	sort.Slice(features, func(i, j int) bool { return features[i].ID < features[j].ID })
	return features, nil
}

// CopyImages copies attachment files into the feature's image directory and
// returns the resulting Image entries. Sources that cannot be read fail the
// whole call; nothing is partially recorded by the caller in that case.
func (s *Store) CopyImages(projectPath, id string, srcPaths []string) ([]Image, error) {
	if len(srcPaths) == 0 {
		return nil, nil
	}
	dir := s.ImagesDir(projectPath, id)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating images directory: %w", err)
	}

	var images []Image
	for _, src := range srcPaths {
		data, err := afero.ReadFile(s.fs, src)
		if err != nil {
			return nil, fmt.Errorf("reading image %s: %w", src, err)
		}
		name := filepath.Base(src)
		dst := filepath.Join(dir, name)
		if err := afero.WriteFile(s.fs, dst, data, 0644); err != nil {
			return nil, fmt.Errorf("copying image %s: %w", name, err)
		}
		images = append(images, Image{
			Path:     dst,
			Filename: name,
			MimeType: mimeTypeFor(name),
		})
	}
	return images, nil
}

// SaveAnalysis writes the project analysis artifact.
func (s *Store) SaveAnalysis(projectPath, content string) error {
	dir := filepath.Join(projectPath, StateDir)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	target := s.AnalysisPath(projectPath)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(content), 0644); err != nil {
		return fmt.Errorf("writing analysis: %w", err)
	}
	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("replacing analysis: %w", err)
	}
	return nil
}

func mimeTypeFor(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}
