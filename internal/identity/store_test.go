package identity

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "pids.json"))
}

func TestListMissingFileIsEmpty(t *testing.T) {
	s := newStore(t)
	m, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestSaveListRemove(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(8080, 1234))
	require.NoError(t, s.Save(8081, 2222))
	require.NoError(t, s.Save(8080, 4321))

	m, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{8080: 4321, 8081: 2222}, m)

	require.NoError(t, s.Remove(8080))
	require.NoError(t, s.Remove(9999))
	m, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{8081: 2222}, m)
}

func TestFileFormat(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(8080, 1234))
	b, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.JSONEq(t, `{"8080":1234}`, string(b))
}

func TestRemoveAbsentDoesNotCreateFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Remove(8080))
	_, err := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestCorruptFile(t *testing.T) {
	s := newStore(t)
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), 0o600))

	_, err := s.List()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreCorrupt))
	var ce *CorruptError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, s.Path(), ce.Path)

	assert.ErrorIs(t, s.Save(1, 1), ErrStoreCorrupt)

	dst, err := s.Quarantine(".corrupt")
	require.NoError(t, err)
	assert.FileExists(t, dst)
	m, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestReplace(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Save(1, 10))
	require.NoError(t, s.Replace(map[int]int{2: 20}))
	m, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, map[int]int{2: 20}, m)
}

func TestDecodeRejectsBadEntries(t *testing.T) {
	for _, in := range []string{`{"abc":1}`, `{"0":1}`, `{"80":0}`, `{"80":-3}`, `[]`, `{"80":"x"}`} {
		_, err := Decode([]byte(in))
		assert.Error(t, err, in)
	}
}

func TestConcurrentSaves(t *testing.T) {
	s := newStore(t)
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(k int) {
			defer wg.Done()
			assert.NoError(t, s.Save(k, k*100))
		}(i)
	}
	wg.Wait()
	m, err := s.List()
	require.NoError(t, err)
	assert.Len(t, m, 20)
	entries, err := os.ReadDir(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
