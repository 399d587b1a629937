package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinNamespace(t *testing.T) {
	assert.Equal(t, "a:b", joinNamespace("a", "b"))
	assert.Equal(t, "b", joinNamespace("", "b"))
	assert.Equal(t, "a", joinNamespace("a", ""))
}

func TestReadWriteRoundTrip(t *testing.T) {
	s := New(NewMemoryBackend())

	require.NoError(t, s.Write("uaid", "abc-123"))

	var got string
	ok, err := s.Read("uaid", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "abc-123", got)
}

func TestReadAbsentKeyIsNotFound(t *testing.T) {
	s := New(NewMemoryBackend())
	var got string
	ok, err := s.Read("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExtendNamespacesDoNotCollide(t *testing.T) {
	backend := NewMemoryBackend()
	root := New(backend)
	a := root.Extend("channel-a")
	b := root.Extend("channel-b")

	require.NoError(t, a.Write("endpoint", "https://example.com/a"))
	require.NoError(t, b.Write("endpoint", "https://example.com/b"))

	var gotA, gotB string
	_, err := a.Read("endpoint", &gotA)
	require.NoError(t, err)
	_, err = b.Read("endpoint", &gotB)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/a", gotA)
	assert.Equal(t, "https://example.com/b", gotB)
}

func TestRemove(t *testing.T) {
	s := New(NewMemoryBackend())
	require.NoError(t, s.Write("k", "v"))
	require.NoError(t, s.Remove("k"))

	var got string
	ok, err := s.Read("k", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJSONFileBackendPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	backend, err := NewJSONFileBackend(path)
	require.NoError(t, err)
	s := New(backend)
	require.NoError(t, s.Write("uaid", "xyz"))

	reopened, err := NewJSONFileBackend(path)
	require.NoError(t, err)
	s2 := New(reopened)

	var got string
	ok, err := s2.Read("uaid", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "xyz", got)
}
