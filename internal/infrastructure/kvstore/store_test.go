package kvstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/regflow/internal/domain/kv"
)

func openStores(t *testing.T) map[string]kv.Store {
	t.Helper()
	logger := zerolog.Nop()

	bs, err := OpenBoltStore(filepath.Join(t.TempDir(), "state.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = bs.Close() })

	ss, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "state.sqlite"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	return map[string]kv.Store{
		"memory": NewMemoryStore(logger),
		"bolt":   bs,
		"sqlite": ss,
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			v, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, s.Set(ctx, "a", []byte(`{"x":1}`)))
			v, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"x":1}`, string(v))

			require.NoError(t, s.SetMany(ctx, map[string][]byte{
				"a": []byte(`{"x":2}`),
				"b": []byte(`"y"`),
			}))
			v, _ = s.Get(ctx, "a")
			assert.JSONEq(t, `{"x":2}`, string(v))
			v, _ = s.Get(ctx, "b")
			assert.Equal(t, `"y"`, string(v))

			require.NoError(t, s.Remove(ctx, "a"))
			v, err = s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Nil(t, v)

			require.NoError(t, s.Remove(ctx, "never-set"))
			assert.ErrorIs(t, s.Set(ctx, "", []byte("1")), kv.ErrEmptyKey)
		})
	}
}

func TestMemoryStore_Watch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())

	var got [][]byte
	cancel := s.Watch("k", func(v []byte) { got = append(got, v) })
	s.Watch("other", func([]byte) { t.Fatalf("unexpected notification") })

	require.NoError(t, s.Set(ctx, "k", []byte("1")))
	require.NoError(t, s.Remove(ctx, "k"))
	require.Len(t, got, 2)
	assert.Equal(t, "1", string(got[0]))
	assert.Nil(t, got[1])

	cancel()
	require.NoError(t, s.Set(ctx, "k", []byte("2")))
	assert.Len(t, got, 2)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(zerolog.Nop())
	in := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", in))
	in[0] = 'x'
	out, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(out))
	out[0] = 'y'
	again, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(again))
}

func TestBoltStore_WatchAndReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBoltStore(path, zerolog.Nop())
	require.NoError(t, err)

	var got []string
	s.Watch("k", func(v []byte) { got = append(got, string(v)) })
	require.NoError(t, s.Set(ctx, "k", []byte("v1")))
	assert.Equal(t, []string{"v1"}, got)
	require.NoError(t, s.Close())

	reopened, err := OpenBoltStore(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	v, err := reopened.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(v))
}

func TestSQLiteStore_ChangeFeed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite")

	writer, err := OpenSQLiteStore(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer writer.Close()
	reader, err := OpenSQLiteStore(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer reader.Close()

	var got []string
	reader.Watch("registrationState", func(v []byte) {
		if v == nil {
			got = append(got, "<removed>")
			return
		}
		got = append(got, string(v))
	})

	require.NoError(t, writer.Set(ctx, "registrationState", []byte(`"A"`)))
	require.NoError(t, writer.Set(ctx, "registrationState", []byte(`"B"`)))
	require.NoError(t, reader.poll(ctx))
	assert.Equal(t, []string{`"B"`}, got, "rows are versioned per key, latest value wins")

	require.NoError(t, writer.Remove(ctx, "registrationState"))
	require.NoError(t, reader.poll(ctx))
	assert.Equal(t, []string{`"B"`, "<removed>"}, got)

	require.NoError(t, reader.poll(ctx))
	assert.Len(t, got, 2)
}
