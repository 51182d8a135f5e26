package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/fieldtrack/pkg/logx"
)

type list interface {
	Load(ctx context.Context, key string) ([]string, error)
	Save(ctx context.Context, key string, values []string) error
	Close() error
}

func exerciseList(t *testing.T, l list) {
	ctx := context.Background()

	got, err := l.Load(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, l.Save(ctx, "primary", []string{"a", "b", "c"}))
	require.NoError(t, l.Save(ctx, "fallback", []string{"z"}))

	got, err = l.Load(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	require.NoError(t, l.Save(ctx, "primary", []string{"c"}))
	got, err = l.Load(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got)

	require.NoError(t, l.Save(ctx, "primary", nil))
	got, err = l.Load(ctx, "primary")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = l.Load(ctx, "fallback")
	require.NoError(t, err)
	assert.Equal(t, []string{"z"}, got)
}

func TestMemoryList(t *testing.T) {
	exerciseList(t, NewMemoryList())
}

func TestBoltList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")
	b, err := OpenBolt(path, logx.Discard())
	require.NoError(t, err)
	exerciseList(t, b)
	require.NoError(t, b.Save(context.Background(), "survivor", []string{"1", "2"}))
	require.NoError(t, b.Close())

	reopened, err := OpenBolt(path, logx.Discard())
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "survivor")
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, got)
}

func TestSQLiteList(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.sqlite"))
	require.NoError(t, err)
	defer s.Close()
	exerciseList(t, s)
}

func TestRedisList(t *testing.T) {
	addr := os.Getenv("FIELDTRACK_TEST_REDIS")
	if addr == "" {
		t.Skip("FIELDTRACK_TEST_REDIS not set")
	}
	r, err := OpenRedis(context.Background(), addr, 0, "fieldtrack-test:")
	require.NoError(t, err)
	defer r.Close()
	exerciseList(t, r)
}
