package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/causality/internal/fault"
	"github.com/roach88/causality/internal/ir"
)

// createTestStore opens a SQLite store under t.TempDir.
func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// contentStores returns one instance of every implementation.
func contentStores(t *testing.T) map[string]ContentStore {
	return map[string]ContentStore{
		"memory": NewMemory(),
		"sqlite": createTestStore(t),
	}
}

func TestOpenAppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")

	s1, err := Open(path)
	require.NoError(t, err)
	_, err = Store(context.Background(), s1, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	count, size, err := s2.ObjectCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, int64(len(`{"a":1}`)), size)
}

func TestContentStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, cs := range contentStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte(`{"kind":"token","value":7}`)

			id, err := Store(ctx, cs, data)
			require.NoError(t, err)
			assert.Equal(t, ir.ObjectID(data), id)

			got, err := cs.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, data, got)
			assert.Equal(t, id, ir.ObjectID(got))

			ok, err := cs.Has(ctx, id)
			require.NoError(t, err)
			assert.True(t, ok)

			// Equal bytes are idempotent.
			require.NoError(t, cs.Put(ctx, id, data))
		})
	}
}

func TestContentStoreRejectsWrongID(t *testing.T) {
	ctx := context.Background()
	for name, cs := range contentStores(t) {
		t.Run(name, func(t *testing.T) {
			wrong := ir.ObjectID([]byte("other"))

			err := cs.Put(ctx, wrong, []byte("data"))
			require.Error(t, err)
			assert.Equal(t, fault.KindValidation, fault.KindOf(err))
			assert.True(t, fault.HasCode(err, CodeIDMismatch))
		})
	}
}

func TestContentStoreNotFound(t *testing.T) {
	ctx := context.Background()
	for name, cs := range contentStores(t) {
		t.Run(name, func(t *testing.T) {
			missing := ir.ObjectID([]byte("missing"))

			_, err := cs.Get(ctx, missing)
			require.Error(t, err)
			assert.True(t, IsNotFound(err))
			assert.True(t, fault.HasCode(err, CodeNotFound))
			assert.False(t, fault.IsRetryable(err))

			ok, err := cs.Has(ctx, missing)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryDetectsConflictingBytes(t *testing.T) {
	m := NewMemory()
	data := []byte("original")
	id := ir.ObjectID(data)
	require.NoError(t, m.Put(context.Background(), id, data))

	// Corrupt the stored copy to simulate a colliding writer.
	m.objects[id] = []byte("tampered")

	err := m.Put(context.Background(), id, data)
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, CodeContentConflict))

	_, err = m.Get(context.Background(), id)
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, CodeCorrupt))
}

func TestSQLiteDetectsTamperedRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	data := []byte("original")
	id, err := Store(ctx, s, data)
	require.NoError(t, err)

	_, err = s.DB().Exec(`UPDATE objects SET data = ? WHERE id = ?`, []byte("tampered"), id.String())
	require.NoError(t, err)

	_, err = s.Get(ctx, id)
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, CodeCorrupt))

	err = s.Put(ctx, id, data)
	require.Error(t, err)
	assert.True(t, fault.HasCode(err, CodeContentConflict))
}

func TestStoreValueAndLoadValue(t *testing.T) {
	ctx := context.Background()
	cs := NewMemory()

	id, err := StoreValue(ctx, cs, map[string]any{"b": 2, "a": "x"})
	require.NoError(t, err)

	raw, err := cs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, string(raw))

	v, err := LoadValue(ctx, cs, id)
	require.NoError(t, err)
	assert.Equal(t, ir.Object{"a": ir.String("x"), "b": ir.Int(2)}, v)
}

func TestConcurrentPutsOfSameObject(t *testing.T) {
	ctx := context.Background()
	for name, cs := range contentStores(t) {
		t.Run(name, func(t *testing.T) {
			data := []byte(`"shared"`)
			id := ir.ObjectID(data)

			var wg sync.WaitGroup
			errs := make([]error, 8)
			for i := range errs {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs[i] = cs.Put(ctx, id, data)
				}(i)
			}
			wg.Wait()

			for _, err := range errs {
				assert.NoError(t, err)
			}
		})
	}
}
