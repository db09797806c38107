package discover

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/hlops/types/errtypes"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
}

func TestArtifacts(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"add_float64.pytorch.h", "add_float64.a", "add_float64.h",
		"add_float32.pytorch.h", "add_float32.a", "add_float32.h",
		"pybind_wrapper.cpp", "README",
		"add_float32.pytorch.h.orig", "add_float32.pytorch.hpp", "add.float32.pytorch.h",
	)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pytorch.h"), 0o755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".staging"), 0o755))
	touch(t, filepath.Join(dir, ".staging"), "add_grad_float32.pytorch.h")

	artifacts, err := Artifacts(dir, WithSorted())
	require.NoError(t, err)

	expect := []Artifact{
		{
			Name:              "add_float32",
			ObjectPath:        filepath.Join(dir, "add_float32.a"),
			HeaderPath:        filepath.Join(dir, "add_float32.h"),
			WrapperHeaderPath: filepath.Join(dir, "add_float32.pytorch.h"),
		},
		{
			Name:              "add_float64",
			ObjectPath:        filepath.Join(dir, "add_float64.a"),
			HeaderPath:        filepath.Join(dir, "add_float64.h"),
			WrapperHeaderPath: filepath.Join(dir, "add_float64.pytorch.h"),
		},
	}
	if diff := cmp.Diff(expect, artifacts); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{expect[0].HeaderPath, expect[1].HeaderPath}, Headers(artifacts))
	assert.Equal(t, []string{expect[0].ObjectPath, expect[1].ObjectPath}, Objects(artifacts))
}

func TestArtifactsListingOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "b_float32.pytorch.h", "a_float32.pytorch.h", "c_float32.pytorch.h")

	artifacts, err := Artifacts(dir)
	require.NoError(t, err)

	var names []string
	for _, a := range artifacts {
		names = append(names, a.Name)
	}
	// os.ReadDir returns entries sorted by file name
	assert.Equal(t, []string{"a_float32", "b_float32", "c_float32"}, names)
}

func TestArtifactsEmpty(t *testing.T) {
	artifacts, err := Artifacts(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, artifacts)
}

func TestArtifactsMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	_, err := Artifacts(dir)

	var derr *errtypes.ArtifactDiscoveryError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, dir, derr.Dir)
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestRequire(t *testing.T) {
	dir := t.TempDir()
	_, err := Require(dir)
	assert.ErrorIs(t, err, errtypes.ErrNoArtifacts)

	touch(t, dir, "add_float32.pytorch.h")
	_, err = Require(dir)
	assert.ErrorIs(t, err, fs.ErrNotExist)

	touch(t, dir, "add_float32.a")
	artifacts, err := Require(dir)
	require.NoError(t, err)
	assert.Len(t, artifacts, 1)
}
