package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, dir string, cl *CommitLogService, targets int) *DocumentStore {
	t.Helper()
	store, err := OpenDocumentStore(context.Background(), &DocumentStoreConfig{
		Name:            "music",
		Targets:         targets,
		MemTableMaxSize: 1 << 20,
		SnapshotDir:     filepath.Join(dir, "snapshots"),
	}, cl, zap.NewNop(), nil)
	require.NoError(t, err)
	return store
}

func flushMemTables(t *testing.T, store *DocumentStore) {
	t.Helper()
	serial := store.CurrentSerial()
	for _, mt := range store.tables {
		require.NoError(t, mt.Flush(context.Background(), serial))
	}
	require.NoError(t, store.FlushDone(context.Background(), OldestFlushedSerial(store)))
}

func TestDocumentStore_PutGetDelete(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, newTestCommitLog(t, filepath.Join(dir, "log"), 1<<20), 2)
	ctx := context.Background()

	s1, err := store.Put(ctx, "a", []byte("1"))
	require.NoError(t, err)
	s2, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	_, err = store.Put(ctx, "b", []byte("2"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(3), store.CurrentSerial())

	_, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)

	value, found, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("2"), value)

	_, err = store.Put(ctx, "", nil)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestDocumentStore_FlushTargets(t *testing.T) {
	dir := t.TempDir()
	store := openTestStore(t, dir, newTestCommitLog(t, filepath.Join(dir, "log"), 1<<20), 2)

	var names []string
	for _, target := range store.FlushTargets() {
		names = append(names, target.Name())
	}
	assert.Equal(t, []string{"music.mem0", "music.mem0.fusion", "music.mem1", "music.mem1.fusion"}, names)
	assert.Equal(t, "music", store.Name())
}

func TestDocumentStore_FlushDonePrunesLog(t *testing.T) {
	dir := t.TempDir()
	cl := newTestCommitLog(t, filepath.Join(dir, "log"), 128)
	store := openTestStore(t, dir, cl, 2)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("key-%d", i), []byte("value"))
		require.NoError(t, err)
	}
	require.Contains(t, cl.LogStats(), "music")

	flushMemTables(t, store)

	assert.Equal(t, uint64(10), OldestFlushedSerial(store))
	assert.NotContains(t, cl.LogStats(), "music")

	value, found, err := store.Get(ctx, "key-3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("value"), value)
}

func TestDocumentStore_RecoversFromSnapshotsAndLog(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "log")
	ctx := context.Background()

	cl, err := NewCommitLogService(&CommitLogConfig{SegmentSize: 1 << 20}, logDir, zap.NewNop(), nil)
	require.NoError(t, err)
	store := openTestStore(t, dir, cl, 2)
	for i := 0; i < 3; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("flushed-%d", i), []byte("f"))
		require.NoError(t, err)
	}
	flushMemTables(t, store)
	for i := 0; i < 2; i++ {
		_, err := store.Put(ctx, fmt.Sprintf("logged-%d", i), []byte("l"))
		require.NoError(t, err)
	}
	require.NoError(t, cl.Close())

	reopened := openTestStore(t, dir, newTestCommitLog(t, logDir, 1<<20), 2)
	assert.Equal(t, uint64(5), reopened.CurrentSerial())

	for _, key := range []string{"flushed-0", "flushed-2", "logged-0", "logged-1"} {
		_, found, err := reopened.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}

	memEntries := 0
	for _, mt := range reopened.tables {
		memEntries += mt.Len()
	}
	assert.Equal(t, 2, memEntries)
}

func TestOpenDocumentStore_RequiresTargets(t *testing.T) {
	dir := t.TempDir()
	_, err := OpenDocumentStore(context.Background(), &DocumentStoreConfig{Name: "music"},
		newTestCommitLog(t, dir, 1<<20), zap.NewNop(), nil)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestDocumentStore_WritesAfterFullPruneSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "log")
	ctx := context.Background()

	cl := newTestCommitLog(t, logDir, 1<<20)
	store := openTestStore(t, dir, cl, 1)
	for _, key := range []string{"a", "b", "c"} {
		_, err := store.Put(ctx, key, []byte("v"))
		require.NoError(t, err)
	}
	flushMemTables(t, store)
	require.Equal(t, 0, cl.SegmentCount("music"))
	require.NoError(t, cl.Close())

	cl = newTestCommitLog(t, logDir, 1<<20)
	store = openTestStore(t, dir, cl, 1)
	serial, err := store.Put(ctx, "x", []byte("late"))
	require.NoError(t, err)
	assert.Greater(t, serial, OldestFlushedSerial(store))
	require.NoError(t, cl.Close())

	store = openTestStore(t, dir, newTestCommitLog(t, logDir, 1<<20), 1)
	value, found, err := store.Get(ctx, "x")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("late"), value)
}

func TestOpenDocumentStore_AdvancesPastSnapshotsWithoutLog(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir, newTestCommitLog(t, filepath.Join(dir, "log"), 1<<20), 1)
	for _, key := range []string{"a", "b", "c"} {
		_, err := store.Put(ctx, key, []byte("v"))
		require.NoError(t, err)
	}
	flushMemTables(t, store)

	// a fresh log directory knows nothing about the snapshots
	store = openTestStore(t, dir, newTestCommitLog(t, filepath.Join(dir, "newlog"), 1<<20), 1)
	assert.Equal(t, uint64(3), store.CurrentSerial())

	serial, err := store.Put(ctx, "x", []byte("late"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), serial)
}
