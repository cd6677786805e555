package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/devrev/pairdb/flushengine/internal/errors"
	"github.com/devrev/pairdb/flushengine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCommitLog(t *testing.T, dir string, segmentSize int64) *CommitLogService {
	t.Helper()
	cl, err := NewCommitLogService(&CommitLogConfig{SegmentSize: segmentSize}, dir, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cl.Close() })
	return cl
}

func appendN(t *testing.T, cl *CommitLogService, domain string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := cl.Append(context.Background(), &model.LogEntry{
			Domain: domain,
			Key:    fmt.Sprintf("key-%d", i),
			Value:  []byte("value"),
		})
		require.NoError(t, err)
	}
}

func TestCommitLog_AssignsSerialsPerDomain(t *testing.T) {
	cl := newTestCommitLog(t, t.TempDir(), 1<<20)
	ctx := context.Background()

	s1, err := cl.Append(ctx, &model.LogEntry{Domain: "music", Key: "a"})
	require.NoError(t, err)
	s2, err := cl.Append(ctx, &model.LogEntry{Domain: "music", Key: "b"})
	require.NoError(t, err)
	s3, err := cl.Append(ctx, &model.LogEntry{Domain: "books", Key: "a"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(1), s3)
	assert.Equal(t, uint64(2), cl.CurrentSerial("music"))
	assert.Equal(t, uint64(0), cl.CurrentSerial("unknown"))
	assert.Equal(t, []string{"books", "music"}, cl.Domains())
}

func TestCommitLog_LogStats(t *testing.T) {
	cl := newTestCommitLog(t, t.TempDir(), 1<<20)
	require.NoError(t, cl.EnsureDomain("empty"))
	appendN(t, cl, "music", 5)

	stats := cl.LogStats()
	require.Contains(t, stats, "music")
	assert.NotContains(t, stats, "empty")
	assert.Equal(t, uint64(1), stats["music"].FirstSerial)
	assert.Equal(t, uint64(5), stats["music"].LastSerial)
	assert.Greater(t, stats["music"].Bytes, uint64(0))
	assert.NoError(t, stats.Validate())
}

func TestCommitLog_RotatesAndPrunes(t *testing.T) {
	cl := newTestCommitLog(t, t.TempDir(), 1)
	appendN(t, cl, "music", 4)

	// every record seals its segment at this size
	assert.Equal(t, 4, cl.SegmentCount("music"))

	removed, err := cl.Prune("music", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	stats := cl.LogStats()["music"]
	assert.Equal(t, uint64(3), stats.FirstSerial)
	assert.Equal(t, uint64(4), stats.LastSerial)

	removed, err = cl.Prune("music", 100)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.NotContains(t, cl.LogStats(), "music")

	// serials keep increasing after the log is emptied
	s, err := cl.Append(context.Background(), &model.LogEntry{Domain: "music", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), s)
}

func TestCommitLog_PruneKeepsPartiallyCoveredSegment(t *testing.T) {
	cl := newTestCommitLog(t, t.TempDir(), 1<<20)
	appendN(t, cl, "music", 3)

	removed, err := cl.Prune("music", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
	assert.Equal(t, uint64(1), cl.LogStats()["music"].FirstSerial)

	_, err = cl.Prune("unknown", 2)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestCommitLog_Replay(t *testing.T) {
	cl := newTestCommitLog(t, t.TempDir(), 64)
	appendN(t, cl, "music", 6)

	var serials []uint64
	n, err := cl.Replay(context.Background(), "music", 3, func(e *model.LogEntry) error {
		serials = append(serials, e.Serial)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []uint64{4, 5, 6}, serials)
}

func TestCommitLog_RecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()

	cl, err := NewCommitLogService(&CommitLogConfig{SegmentSize: 1 << 20}, dir, zap.NewNop(), nil)
	require.NoError(t, err)
	appendN(t, cl, "music", 3)
	require.NoError(t, cl.Close())

	// simulate a torn write at the tail
	segments, err := filepath.Glob(filepath.Join(dir, "music", "segment-*.log"))
	require.NoError(t, err)
	require.Len(t, segments, 1)
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x10, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := newTestCommitLog(t, dir, 1<<20)
	assert.Equal(t, uint64(3), reopened.CurrentSerial("music"))

	s, err := reopened.Append(context.Background(), &model.LogEntry{Domain: "music", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), s)

	n, err := reopened.Replay(context.Background(), "music", 0, func(*model.LogEntry) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCommitLog_RejectsBadDomainAndClosed(t *testing.T) {
	cl := newTestCommitLog(t, t.TempDir(), 1<<20)

	_, err := cl.Append(context.Background(), &model.LogEntry{Domain: "../escape"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	require.NoError(t, cl.Close())
	_, err = cl.Append(context.Background(), &model.LogEntry{Domain: "music"})
	assert.Equal(t, errors.ErrCodeStopped, errors.GetCode(err))
}

func TestCommitLog_SerialsSurviveFullPrune(t *testing.T) {
	dir := t.TempDir()
	cl := newTestCommitLog(t, dir, 1<<20)
	appendN(t, cl, "music", 3)

	removed, err := cl.Prune("music", 3)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, cl.SegmentCount("music"))
	require.NoError(t, cl.Close())

	reopened := newTestCommitLog(t, dir, 1<<20)
	assert.Equal(t, uint64(3), reopened.CurrentSerial("music"))
	assert.NotContains(t, reopened.LogStats(), "music")

	serial, err := reopened.Append(context.Background(), &model.LogEntry{Domain: "music", Key: "x"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), serial)
	assert.Equal(t, uint64(4), reopened.LogStats()["music"].FirstSerial)
}

func TestCommitLog_AdvanceSerial(t *testing.T) {
	dir := t.TempDir()
	cl := newTestCommitLog(t, dir, 1<<20)
	appendN(t, cl, "music", 2)

	require.NoError(t, cl.AdvanceSerial("music", 1))
	assert.Equal(t, uint64(2), cl.CurrentSerial("music"))

	require.NoError(t, cl.AdvanceSerial("music", 10))
	assert.Equal(t, uint64(10), cl.CurrentSerial("music"))
	appendN(t, cl, "music", 1)

	stats := cl.LogStats()["music"]
	assert.Equal(t, uint64(1), stats.FirstSerial)
	assert.Equal(t, uint64(11), stats.LastSerial)
	assert.Equal(t, 2, cl.SegmentCount("music"))
	require.NoError(t, cl.Close())

	reopened := newTestCommitLog(t, dir, 1<<20)
	assert.Equal(t, uint64(11), reopened.CurrentSerial("music"))

	var serials []uint64
	_, err := reopened.Replay(context.Background(), "music", 0, func(e *model.LogEntry) error {
		serials = append(serials, e.Serial)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 11}, serials)
}
