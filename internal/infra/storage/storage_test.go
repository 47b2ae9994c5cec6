package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_ReadWriteDelete(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "tasks/2026/a.yaml", []byte("id: a\n")))
	data, err := s.Read(ctx, "tasks/2026/a.yaml")
	require.NoError(t, err)
	assert.Equal(t, "id: a\n", string(data))

	ok, err := s.Exists(ctx, "tasks/2026/a.yaml")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Delete(ctx, "tasks/2026/a.yaml"))
	_, err = s.Read(ctx, "tasks/2026/a.yaml")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(s.Delete(ctx, "tasks/2026/a.yaml"), ErrNotFound))

	ok, err = s.Exists(ctx, "tasks/2026/a.yaml")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocal_ListSortedFilesOnly(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{"tasks/b.yaml", "tasks/a.yaml", "tasks/sub/c.yaml"} {
		require.NoError(t, s.Write(ctx, p, []byte("x")))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "tasks", "d.yaml.tmp"), []byte("x"), 0o644))

	paths, err := s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks/a.yaml", "tasks/b.yaml"}, paths)

	missing, err := s.List(ctx, "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestLocal_RejectsTraversal(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	err = s.Write(context.Background(), "../escape.yaml", []byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidPath))
	_, err = s.Read(context.Background(), "tasks/../../etc/passwd")
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestNew_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	st, err := New(ctx, Config{Backend: "local", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &Local{}, st)

	_, err = New(ctx, Config{Backend: "local"})
	assert.Error(t, err)
	_, err = New(ctx, Config{Backend: "s3"})
	assert.Error(t, err)
	_, err = New(ctx, Config{Backend: "ftp"})
	assert.Error(t, err)
}

func TestS3_KeyPrefix(t *testing.T) {
	s := NewS3WithClient(nil, "bucket", "/archive/")
	key, err := s.key("tasks/a.yaml")
	require.NoError(t, err)
	assert.Equal(t, "archive/tasks/a.yaml", key)

	bare := NewS3WithClient(nil, "bucket", "")
	key, err = bare.key("/tasks/a.yaml")
	require.NoError(t, err)
	assert.Equal(t, "tasks/a.yaml", key)

	_, err = s.key("../x")
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/yaml", contentType("a.yaml"))
	assert.Equal(t, "application/json", contentType("a.json"))
	assert.Equal(t, "application/octet-stream", contentType("a.bin"))
}
