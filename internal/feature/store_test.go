package feature

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const project = "/project"

func newTestStore() *Store {
	return NewStoreWithFs(afero.NewMemMapFs())
}

func TestStoreCreateAndLoad(t *testing.T) {
	s := newTestStore()

	f, err := s.Create(project, "Add dark mode", "Toggle in settings")
	require.NoError(t, err)
	assert.NotEmpty(t, f.ID)
	assert.Equal(t, StatusBacklog, f.Status)

	loaded, err := s.Load(project, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, loaded.ID)
	assert.Equal(t, "Add dark mode", loaded.Description)
	assert.Equal(t, "Toggle in settings", loaded.Spec)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestStoreLoadNotFound(t *testing.T) {
	s := newTestStore()

	_, err := s.Load(project, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreSaveRejectsInvalidStatus(t *testing.T) {
	s := newTestStore()

	err := s.Save(project, &Feature{ID: "x", Status: Status("done")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown feature status")
}

func TestStoreSaveLeavesNoTempFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStoreWithFs(fs)

	f, err := s.Create(project, "desc", "")
	require.NoError(t, err)

	tmp := s.FeaturePath(project, f.ID) + ".tmp"
	exists, err := afero.Exists(fs, tmp)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStoreListSortedByCreation(t *testing.T) {
	s := newTestStore()

	var ids []string
	for _, desc := range []string{"first", "second", "third"} {
		f, err := s.Create(project, desc, "")
		require.NoError(t, err)
		ids = append(ids, f.ID)
	}

	all, err := s.List(project)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, f := range all {
		assert.Equal(t, ids[i], f.ID)
	}
}

func TestStoreListEmptyProject(t *testing.T) {
	s := newTestStore()

	all, err := s.List(project)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStoreCopyImages(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStoreWithFs(fs)

	require.NoError(t, afero.WriteFile(fs, "/tmp/mockup.png", []byte("png-bytes"), 0644))

	images, err := s.CopyImages(project, "feat1", []string{"/tmp/mockup.png"})
	require.NoError(t, err)
	require.Len(t, images, 1)

	assert.Equal(t, "mockup.png", images[0].Filename)
	assert.Equal(t, "image/png", images[0].MimeType)

	data, err := afero.ReadFile(fs, images[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(data))
}

func TestStoreCopyImagesMissingSource(t *testing.T) {
	s := newTestStore()

	_, err := s.CopyImages(project, "feat1", []string{"/tmp/nope.png"})
	require.Error(t, err)
}

func TestStoreSaveAnalysis(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := NewStoreWithFs(fs)

	require.NoError(t, s.SaveAnalysis(project, "# Report\n"))

	data, err := afero.ReadFile(fs, s.AnalysisPath(project))
	require.NoError(t, err)
	assert.Equal(t, "# Report\n", string(data))

	// Overwrite replaces the previous artifact.
	require.NoError(t, s.SaveAnalysis(project, "# Newer\n"))
	data, err = afero.ReadFile(fs, s.AnalysisPath(project))
	require.NoError(t, err)
	assert.Equal(t, "# Newer\n", string(data))
}
