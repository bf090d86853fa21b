// internal/stats/tracker_test.go
package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autotap/api/schemas"
)

var start = time.UnixMilli(1000)

func TestInitialize(t *testing.T) {
	tr := NewTracker()

	assert.ErrorIs(t, tr.Initialize("r", time.Time{}), ErrInvalidArgument)
	assert.ErrorIs(t, tr.Initialize("r", time.UnixMilli(0)), ErrInvalidArgument)
	assert.ErrorIs(t, tr.Initialize("r", time.UnixMilli(-5)), ErrInvalidArgument)
	_, ok := tr.Stats()
	assert.False(t, ok, "rejected initialize creates nothing")

	require.NoError(t, tr.Initialize("r1", start))
	require.NoError(t, tr.IncrementNewly())

	require.NoError(t, tr.Initialize("r2", start.Add(time.Second)))
	s, ok := tr.Stats()
	require.True(t, ok)
	assert.Equal(t, "r2", s.RunID)
	assert.Zero(t, s.TotalCount, "no carry-over between runs")
}

func TestUpdateDerivesTotal(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Initialize("run", start))

	require.NoError(t, tr.Update(Update{AlreadyProcessedCount: Int(3)}))
	require.NoError(t, tr.Update(Update{NewlyProcessedCount: Int(2)}))

	s, _ := tr.Stats()
	assert.Equal(t, 5, s.TotalCount)
	assert.Equal(t, 3, s.AlreadyProcessedCount)
	assert.Equal(t, 2, s.NewlyProcessedCount)
}

func TestUpdateRejections(t *testing.T) {
	tr := NewTracker()
	assert.ErrorIs(t, tr.Update(Update{NewlyProcessedCount: Int(1)}), ErrNotInitialized)
	assert.ErrorIs(t, tr.IncrementAlready(), ErrNotInitialized)

	require.NoError(t, tr.Initialize("run", start))
	require.NoError(t, tr.Update(Update{AlreadyProcessedCount: Int(4), NewlyProcessedCount: Int(1)}))

	err := tr.Update(Update{AlreadyProcessedCount: Int(-1)})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, schemas.ErrorTypeInvalidArgument, schemas.ErrorTypeOf(err))

	assert.ErrorIs(t, tr.Update(Update{AlreadyProcessedCount: Int(2)}), ErrInvalidArgument, "decrease rejected")
	assert.ErrorIs(t, tr.Update(Update{AlreadyProcessedCount: Int(9), NewlyProcessedCount: Int(-3)}), ErrInvalidArgument)

	s, _ := tr.Stats()
	assert.Equal(t, 4, s.AlreadyProcessedCount, "rejected update is applied atomically or not at all")
	assert.Equal(t, 5, s.TotalCount)
}

func TestUpdateErrorFields(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Initialize("run", start))
	require.NoError(t, tr.Update(Update{Error: Bool(true), ErrorMessage: String("click failed")}))

	s, _ := tr.Stats()
	assert.True(t, s.Error)
	require.NotNil(t, s.ErrorMessage)
	assert.Equal(t, "click failed", *s.ErrorMessage)
}

func TestFinalize(t *testing.T) {
	tr := NewTracker()
	assert.ErrorIs(t, tr.Finalize(start), ErrNoActiveStats)

	require.NoError(t, tr.Initialize("run", start))
	assert.ErrorIs(t, tr.Finalize(start.Add(-time.Millisecond)), ErrInvalidArgument)

	end := start.Add(90 * time.Second)
	require.NoError(t, tr.Finalize(end))
	s, _ := tr.Stats()
	require.NotNil(t, s.EndTime)
	assert.True(t, s.EndTime.Equal(end))
	assert.Equal(t, 90*time.Second, s.Duration)
}

func TestStatsIsSnapshot(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Initialize("run", start))
	require.NoError(t, tr.Update(Update{ErrorMessage: String("first")}))
	require.NoError(t, tr.Finalize(start.Add(time.Second)))

	before, _ := tr.Stats()
	*before.ErrorMessage = "mutated by caller"
	require.NoError(t, tr.IncrementNewly())

	after, _ := tr.Stats()
	assert.Equal(t, "first", *after.ErrorMessage)
	assert.Equal(t, 0, before.NewlyProcessedCount, "earlier snapshot does not observe later mutation")

	want := schemas.RunStats{RunID: "run", StartTime: start, NewlyProcessedCount: 1, TotalCount: 1}
	if diff := cmp.Diff(want, after, cmpIgnorePointers()); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func cmpIgnorePointers() cmp.Option {
	return cmp.FilterPath(func(p cmp.Path) bool {
		name := p.Last().String()
		return name == ".EndTime" || name == ".ErrorMessage" || name == ".Duration"
	}, cmp.Ignore())
}

func TestClear(t *testing.T) {
	tr := NewTracker()
	tr.Clear()
	require.NoError(t, tr.Initialize("run", start))
	tr.Clear()
	_, ok := tr.Stats()
	assert.False(t, ok)
}

func TestConcurrentIncrementsKeepTotal(t *testing.T) {
	tr := NewTracker()
	require.NoError(t, tr.Initialize("run", start))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); _ = tr.IncrementAlready() }()
		go func() { defer wg.Done(); _ = tr.IncrementNewly() }()
	}
	wg.Wait()

	s, _ := tr.Stats()
	assert.Equal(t, 100, s.TotalCount)
	assert.Equal(t, s.AlreadyProcessedCount+s.NewlyProcessedCount, s.TotalCount)
}
