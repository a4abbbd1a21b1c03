package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchq/internal/batch"
	"batchq/pkg/logx"
)

func sampleRun(id string, started time.Time) RunRecord {
	return RunRecord{
		ID:         id,
		Queue:      "compress",
		Status:     "completed",
		StartedAt:  started,
		FinishedAt: started.Add(1500 * time.Millisecond),
		Successful: 1,
		Failed:     1,
		Items: []ItemRecord{
			{ID: "a.txt", Label: "a.txt", Status: "completed", DurationMS: 12},
			{ID: "b.txt", Label: "b.txt", Status: "failed", Error: "corrupt input", DurationMS: 3},
		},
	}
}

func TestStores(t *testing.T) {
	drivers := []string{"sqlite", "file"}
	for _, driver := range drivers {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "history.db")
			cfg := Config{Driver: driver, Path: path}
			ctx := context.Background()

			st, err := Open(cfg, logx.Nop())
			require.NoError(t, err)
			require.NotNil(t, st)

			base := time.UnixMilli(time.Now().UnixMilli())
			require.NoError(t, st.SaveRun(ctx, sampleRun("run-1", base)))
			require.NoError(t, st.SaveRun(ctx, sampleRun("run-2", base.Add(time.Minute))))

			runs, err := st.ListRuns(ctx, 0)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.Equal(t, "run-2", runs[0].ID)
			assert.Equal(t, "run-1", runs[1].ID)
			require.Len(t, runs[1].Items, 2)
			assert.Equal(t, "corrupt input", runs[1].Items[1].Error)
			assert.Equal(t, 1500*time.Millisecond, runs[1].Duration())

			runs, err = st.ListRuns(ctx, 1)
			require.NoError(t, err)
			require.Len(t, runs, 1)

			// replace by id
			upd := sampleRun("run-1", base)
			upd.Status = "cancelled"
			upd.Items = upd.Items[:1]
			require.NoError(t, st.SaveRun(ctx, upd))
			got, ok, err := st.GetRun(ctx, "run-1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "cancelled", got.Status)
			assert.Len(t, got.Items, 1)

			_, ok, err = st.GetRun(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			assert.Error(t, st.SaveRun(ctx, RunRecord{}))
			require.NoError(t, st.Close())

			// reopen and read back
			st, err = Open(cfg, logx.Nop())
			require.NoError(t, err)
			defer st.Close()
			runs, err = st.ListRuns(ctx, 0)
			require.NoError(t, err)
			require.Len(t, runs, 2)
			assert.True(t, runs[1].StartedAt.Equal(base))
		})
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	st, err = Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "redis", Path: "x"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreCompacts(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "h.json")
	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 200; i++ {
		require.NoError(t, st.SaveRun(ctx, sampleRun("same", now)))
	}
	fs := st.(*fileStore)
	fs.mu.Lock()
	written := fs.written
	fs.mu.Unlock()
	assert.Less(t, written, 200)

	runs, err := st.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestFromResult(t *testing.T) {
	t.Parallel()
	end := time.Now()
	res := batch.Result[string, int]{
		RunID:      "r1",
		Status:     batch.RunCompleted,
		Successful: 1,
		Failed:     1,
		TotalTime:  2 * time.Second,
		Items: []batch.Item[string, int]{
			{ID: "a", Status: batch.StatusCompleted, StartedAt: end.Add(-time.Second), CompletedAt: end},
			{ID: "b", Status: batch.StatusFailed, Error: "open /srv/data/b.bin: denied"},
		},
	}
	rec := FromResult("q", res, end)
	assert.Equal(t, "r1", rec.ID)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, 2*time.Second, rec.Duration())
	require.Len(t, rec.Items, 2)
	assert.EqualValues(t, 1000, rec.Items[0].DurationMS)
	assert.NotContains(t, rec.Items[1].Error, "/srv/data")
}
