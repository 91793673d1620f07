package fetch_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = fetch.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 5}

type statusErr struct{ code int }

func (e statusErr) Error() string   { return fmt.Sprintf("status %d", e.code) }
func (e statusErr) Transient() bool { return e.code == 429 || e.code >= 500 }

func mustInterval(t *testing.T, start, end string) daterange.Interval {
	t.Helper()
	iv, err := daterange.Parse(start, end)
	require.NoError(t, err)
	return iv
}

func TestRunRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		if calls.Add(1) <= 2 {
			return fetch.Page{}, statusErr{code: 503}
		}
		return fetch.Page{Records: []fetch.Record{{ID: "a"}, {ID: "b"}}}, nil
	}

	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("x")}, 2, fn)
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
	assert.Len(t, res.Records, 2)
	assert.Empty(t, res.Failures)
	assert.EqualValues(t, 1, res.Stats.Pages)
	assert.EqualValues(t, 2, res.Stats.Retries)
	assert.EqualValues(t, 3, res.Stats.APICalls)
}

func TestRunPermanentFailsWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		calls.Add(1)
		return fetch.Page{}, statusErr{code: 403}
	}

	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("x")}, 1, fn)
	require.NoError(t, err)

	assert.EqualValues(t, 1, calls.Load())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, 1, res.Failures[0].Attempts)
	assert.EqualValues(t, 0, res.Stats.Retries)
	assert.EqualValues(t, 1, res.Stats.Failures)
}

func TestRunMalformedIsPermanent(t *testing.T) {
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		return fetch.Page{}, fetch.Malformed("bad json")
	}
	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("x")}, 1, fn)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, fetch.ErrMalformed)
}

func TestRunExhaustedRetriesBecomeFailure(t *testing.T) {
	var calls atomic.Int32
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		if task.Item == "bad" {
			calls.Add(1)
			return fetch.Page{}, statusErr{code: 429}
		}
		return fetch.Page{Records: []fetch.Record{{ID: task.Item}}}, nil
	}

	policy := fastPolicy
	policy.MaxRetries = 2
	pool := fetch.NewPool(fetch.Config{Policy: policy})
	tasks := []fetch.Task{fetch.ItemTask("a"), fetch.ItemTask("bad"), fetch.ItemTask("c")}
	res, err := pool.Run(context.Background(), tasks, 3, fn)
	require.NoError(t, err)

	assert.EqualValues(t, 3, calls.Load())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "bad", res.Failures[0].Task.Item)
	assert.Equal(t, 3, res.Failures[0].Attempts)
	assert.Len(t, res.Records, 2, "the run continues past the failed task")
}

// record is an item in the fake search index used below.
type record struct {
	id string
	at time.Time
}

// fakeIndex mimics the search API: inclusive date filters, fixed page size and a hard
// result window.
type fakeIndex struct {
	records  []record
	pageSize int
	window   int
}

func (f *fakeIndex) matching(iv daterange.Interval) []record {
	var out []record
	for _, r := range f.records {
		if !r.at.Before(iv.Start) && !r.at.After(iv.End) {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeIndex) count(_ context.Context, iv daterange.Interval) (int, error) {
	return len(f.matching(iv)), nil
}

func (f *fakeIndex) fetch(_ context.Context, t fetch.Task) (fetch.Page, error) {
	m := f.matching(t.Interval)
	if t.Offset >= f.window {
		return fetch.Page{}, statusErr{code: 400}
	}
	end := min(t.Offset+f.pageSize, len(m))
	var page fetch.Page
	for _, r := range m[t.Offset:end] {
		page.Records = append(page.Records, fetch.Record{ID: r.id})
	}
	next := t.Offset + f.pageSize
	if next < len(m) && next < f.window {
		page.More = true
		page.Next = next
	}
	return page, nil
}

func TestSplitThenFetchMatchesUnrestrictedQuery(t *testing.T) {
	iv := mustInterval(t, "2024-01-01", "2024-01-15")
	r := rand.New(rand.NewSource(7))

	idx := &fakeIndex{pageSize: 10, window: 50}
	want := make(map[string]bool)
	secs := int64(iv.Duration() / time.Second)
	for i := 0; i < 730; i++ {
		// Second resolution so some records sit exactly on split boundaries.
		at := iv.Start.Add(time.Duration(r.Int63n(secs)) * time.Second)
		id := fmt.Sprintf("rec-%04d", i)
		idx.records = append(idx.records, record{id: id, at: at})
		want[id] = true
	}
	sort.Slice(idx.records, func(i, j int) bool { return idx.records[i].at.Before(idx.records[j].at) })

	parts, err := daterange.Split(context.Background(), iv, idx.count, idx.window)
	require.NoError(t, err)
	require.Greater(t, len(parts), 1)

	tasks := make([]fetch.Task, len(parts))
	for i, p := range parts {
		tasks[i] = fetch.IntervalTask(p)
	}

	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), tasks, 4, idx.fetch)
	require.NoError(t, err)
	require.Empty(t, res.Failures)

	got := make(map[string]bool)
	for _, rec := range res.Records {
		assert.False(t, got[rec.ID], "duplicate %s", rec.ID)
		got[rec.ID] = true
	}
	assert.Equal(t, want, got)
}

func TestRunPaginatesInOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		mu.Lock()
		seen[task.Item] = append(seen[task.Item], task.Offset)
		mu.Unlock()
		page := fetch.Page{Records: []fetch.Record{{ID: fmt.Sprintf("%s-%d", task.Item, task.Offset)}}}
		if task.Offset < 40 {
			page.More = true
			page.Next = task.Offset + 10
		}
		return page, nil
	}

	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("a"), fetch.ItemTask("b")}, 4, fn)
	require.NoError(t, err)
	assert.Len(t, res.Records, 10)
	assert.Equal(t, []int{0, 10, 20, 30, 40}, seen["a"])
	assert.Equal(t, []int{0, 10, 20, 30, 40}, seen["b"])
	assert.EqualValues(t, 2, res.Stats.TasksDone)
}

// A permanent failure on one page stops that chain only. Earlier pages of the same
// chain are kept and other chains are unaffected.
func TestPermanentFailureAbortsOnlyItsChain(t *testing.T) {
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		if task.Item == "a" && task.Offset == 10 {
			return fetch.Page{}, statusErr{code: 400}
		}
		page := fetch.Page{Records: []fetch.Record{{ID: fmt.Sprintf("%s-%d", task.Item, task.Offset)}}}
		if task.Offset < 30 {
			page.More = true
			page.Next = task.Offset + 10
		}
		return page, nil
	}

	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("a"), fetch.ItemTask("b")}, 2, fn)
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Records))
	for _, r := range res.Records {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"a-0", "b-0", "b-10", "b-20", "b-30"}, ids)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "a", res.Failures[0].Task.Item)
	assert.Equal(t, 10, res.Failures[0].Task.Offset)
}

func TestRunStalledPaginationIsFailure(t *testing.T) {
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		return fetch.Page{More: true, Next: task.Offset}, nil
	}
	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	res, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("a")}, 1, fn)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, fetch.ErrMalformed)
}

func TestRunDedupsAcrossRuns(t *testing.T) {
	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		return fetch.Page{Records: []fetch.Record{{ID: "shared"}, {ID: task.Item}}}, nil
	}
	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})

	first, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("a")}, 1, fn)
	require.NoError(t, err)
	second, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("b")}, 1, fn)
	require.NoError(t, err)

	assert.Len(t, first.Records, 2)
	assert.Len(t, second.Records, 1)
	assert.Len(t, pool.Records(), 3)
	assert.EqualValues(t, 1, second.Stats.Duplicates)
}

func TestRunCancellationKeepsEmittedRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fn := func(ctx context.Context, task fetch.Task) (fetch.Page, error) {
		if task.Item == "slow" {
			<-ctx.Done()
			return fetch.Page{}, ctx.Err()
		}
		return fetch.Page{Records: []fetch.Record{{ID: task.Item}}}, nil
	}

	var done atomic.Int32
	pool := fetch.NewPool(fetch.Config{
		Policy: fastPolicy,
		Observer: func(e fetch.Event) {
			if e.Kind == fetch.EventDone && done.Add(1) == 2 {
				cancel()
			}
		},
	})

	tasks := []fetch.Task{fetch.ItemTask("a"), fetch.ItemTask("b"), fetch.ItemTask("slow")}
	for i := 0; i < 50; i++ {
		tasks = append(tasks, fetch.ItemTask(fmt.Sprintf("later-%d", i)))
	}

	finished := make(chan struct{})
	var res fetch.Result
	var err error
	go func() {
		res, err = pool.Run(ctx, tasks, 1, fn)
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop after cancellation")
	}
	require.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, len(res.Records), 2)
	assert.Less(t, len(res.Records), len(tasks))
	assert.Empty(t, res.Failures, "abandoned calls are not failures")
}

func TestRunRejectsBadArguments(t *testing.T) {
	pool := fetch.NewPool(fetch.Config{})
	_, err := pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("a")}, 0, func(context.Context, fetch.Task) (fetch.Page, error) {
		return fetch.Page{}, nil
	})
	require.Error(t, err)
	_, err = pool.Run(context.Background(), []fetch.Task{fetch.ItemTask("a")}, 1, nil)
	require.Error(t, err)
}

func TestCallRetriesTransient(t *testing.T) {
	pool := fetch.NewPool(fetch.Config{Policy: fastPolicy})
	calls := 0
	err := pool.Call(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return statusErr{code: 500}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.EqualValues(t, 2, pool.Stats().Snapshot().Retries)

	calls = 0
	err = pool.Call(context.Background(), func(context.Context) error {
		calls++
		return statusErr{code: 404}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyDelay(t *testing.T) {
	p := fetch.Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, MaxRetries: 5}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(60))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, fetch.IsTransient(statusErr{code: 429}))
	assert.True(t, fetch.IsTransient(statusErr{code: 502}))
	assert.False(t, fetch.IsTransient(statusErr{code: 404}))
	assert.True(t, fetch.IsTransient(fmt.Errorf("call: %w", context.DeadlineExceeded)))
	assert.False(t, fetch.IsTransient(context.Canceled))
	assert.False(t, fetch.IsTransient(fetch.Malformed("x")))
	assert.True(t, fetch.IsTransient(fetch.Transient(errors.New("flaky"))))
	assert.False(t, fetch.IsTransient(fetch.Permanent(errors.New("nope"))))
	assert.False(t, fetch.IsTransient(errors.New("plain")))
}
