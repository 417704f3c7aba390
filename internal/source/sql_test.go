package source

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"example.com/availmon/internal/records"
	"github.com/stretchr/testify/require"
)

func newTestSQLSource(t *testing.T) *SQLSource {
	t.Helper()
	ctx := context.Background()
	src, err := OpenSQL(ctx, DriverSQLite, ":memory:", "")
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	require.NoError(t, src.EnsureSchema(ctx))
	return src
}

func insertRaw(t *testing.T, src *SQLSource, id string, ts time.Time, status any) {
	t.Helper()
	_, err := src.DB.Exec(fmt.Sprintf("INSERT INTO %s (component_id, ts, status) VALUES (?, ?, ?)", DefaultTable), id, ts.Unix(), status)
	require.NoError(t, err)
}

func TestOpenSQLRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	_, err := OpenSQL(ctx, "mysql", "", "")
	require.Error(t, err)
	_, err = OpenSQL(ctx, DriverSQLite, ":memory:", "samples; DROP TABLE x")
	require.Error(t, err)
}

func TestSQLSourceSnapshot(t *testing.T) {
	ctx := context.Background()
	src := newTestSQLSource(t)
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "web", Timestamp: t0.Add(time.Minute), Status: records.Down}))
	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "web", Timestamp: t0, Status: records.Up}))
	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "api", Timestamp: t0, Status: records.Up}))
	insertRaw(t, src, "api", t0.Add(time.Minute), "garbled")
	insertRaw(t, src, "api", t0.Add(2*time.Minute), nil)

	snap, err := src.Snapshot(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, []string{"api", "web"}, snap.Order)
	require.Equal(t, []records.Sample{
		{ComponentID: "api", Timestamp: t0, Status: records.Up},
		{ComponentID: "api", Timestamp: t0.Add(time.Minute), Status: records.Down, Corrupt: true},
		{ComponentID: "api", Timestamp: t0.Add(2 * time.Minute), Status: records.Down, Corrupt: true},
	}, snap.Samples["api"])
	require.Equal(t, []records.Sample{
		{ComponentID: "web", Timestamp: t0, Status: records.Up},
		{ComponentID: "web", Timestamp: t0.Add(time.Minute), Status: records.Down},
	}, snap.Samples["web"])
}

func TestSQLSourceUnavailable(t *testing.T) {
	src := newTestSQLSource(t)
	require.NoError(t, src.Close())

	_, err := src.Snapshot(context.Background(), time.Now())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSourceUnavailable))
}

func TestSQLSegmentsMatchIterativeBuilder(t *testing.T) {
	ctx := context.Background()
	src := newTestSQLSource(t)
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(3 * time.Hour)

	inserts := []struct {
		id     string
		offset time.Duration
		status string
	}{
		{"api", 0, "1"},
		{"api", 10 * time.Minute, "0"},
		{"api", 10 * time.Minute, "1"}, // later write at the same ts wins
		{"api", 40 * time.Minute, "0"},
		{"api", 3 * time.Hour, "0"}, // at now, left for the next pass
		{"api", 4 * time.Hour, "1"}, // after now
		{"db", 5 * time.Minute, "0"},
		{"db", 65 * time.Minute, "oops"},
		{"db", 70 * time.Minute, "1"},
		{"queue", time.Hour, "1"},
	}
	for _, in := range inserts {
		insertRaw(t, src, in.id, t0.Add(in.offset), in.status)
	}

	snap, err := src.Snapshot(ctx, now)
	require.NoError(t, err)
	setBased, err := src.Segments(ctx, now)
	require.NoError(t, err)

	require.Len(t, setBased, len(snap.Order))
	for _, id := range snap.Order {
		iterative := records.BuildSegments(ctx, snap.Samples[id], now)
		require.Equal(t, iterative, setBased[id], "component %s", id)
	}
}

func TestSQLSnapshotSegmentsSharesOneView(t *testing.T) {
	ctx := context.Background()
	src := newTestSQLSource(t)
	t0 := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	now := t0.Add(time.Hour)

	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "api", Timestamp: t0, Status: records.Up}))
	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "api", Timestamp: t0.Add(20 * time.Minute), Status: records.Down}))

	snap, segments, err := src.SnapshotSegments(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"api"}, snap.Order)
	require.Equal(t, records.BuildSegments(ctx, snap.Samples["api"], now), segments["api"])

	// The read transaction is closed: writes go through and the next view sees them.
	require.NoError(t, src.Append(ctx, records.Sample{ComponentID: "db", Timestamp: t0, Status: records.Up}))
	snap, segments, err = src.SnapshotSegments(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []string{"api", "db"}, snap.Order)
	require.Len(t, segments, 2)
}

func TestSQLSnapshotSegmentsUnavailable(t *testing.T) {
	src := newTestSQLSource(t)
	require.NoError(t, src.Close())

	_, _, err := src.SnapshotSegments(context.Background(), time.Now())
	require.ErrorIs(t, err, ErrSourceUnavailable)
}
