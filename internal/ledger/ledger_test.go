package ledger

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreLifecycle(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "failed_databases.log"))

	assert.False(t, store.Exists())
	names, err := store.List()
	require.NoError(t, err)
	assert.Nil(t, names)

	require.NoError(t, store.Append("shop"))
	require.NoError(t, store.Append("crm"))
	require.NoError(t, store.Append("shop"))

	assert.True(t, store.Exists())
	names, err = store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"shop", "crm"}, names)

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Equal(t, "shop\ncrm\n", string(raw))

	require.NoError(t, store.Clear())
	assert.False(t, store.Exists())
	require.NoError(t, store.Clear())
}

func TestFileStoreIgnoresBlankAndRepeatedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.log")
	require.NoError(t, os.WriteFile(path, []byte("a\n\n b \na\n"), 0o644))

	names, err := NewFileStore(path).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestFileStoreConcurrentAppend(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "nested", "ledger.log"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			db := "db_even"
			if i%2 == 1 {
				db = "db_odd"
			}
			assert.NoError(t, store.Append(db))
		}(i)
	}
	wg.Wait()

	names, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"db_even", "db_odd"}, names)
}
