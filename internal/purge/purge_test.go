package purge_test

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/preserved"
	"github.com/brensch/arcaudit/internal/purge"
	"github.com/brensch/arcaudit/internal/sink"
	"github.com/brensch/arcaudit/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type busy struct{}

func (busy) Error() string   { return "503 Service Unavailable" }
func (busy) Transient() bool { return true }

// recorder is a Mutator that logs each call. flaky ids fail once with a transient error;
// broken ids always fail permanently.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	flaky  map[string]bool
	broken map[string]bool
}

func (r *recorder) call(name, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+id)
	if r.broken[id] {
		return errors.New("400 Bad Request")
	}
	if r.flaky[id] {
		delete(r.flaky, id)
		return busy{}
	}
	return nil
}

func (r *recorder) DeleteRedirect(ctx context.Context, website, url string) error {
	return r.call("delete-redirect", website+url)
}
func (r *recorder) UnpublishStory(ctx context.Context, id string) error { return r.call("unpublish", id) }
func (r *recorder) DeleteStory(ctx context.Context, id string) error    { return r.call("delete-story", id) }
func (r *recorder) DeletePhoto(ctx context.Context, id string) error    { return r.call("delete-photo", id) }
func (r *recorder) ExpirePhoto(ctx context.Context, id string) error    { return r.call("expire-photo", id) }

func (r *recorder) sorted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]string(nil), r.calls...)
	sort.Strings(out)
	return out
}

var fastRetry = fetch.Config{Policy: fetch.Policy{BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2}}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestReadItems(t *testing.T) {
	items, err := purge.ReadItems(writeFile(t, "r.csv", "/a/,site\n/b/, other \n"), purge.Redirects)
	require.NoError(t, err)
	assert.Equal(t, []purge.Item{{ID: "/a/", Website: "site"}, {ID: "/b/", Website: "other"}}, items)

	// A redirect report can be fed back in directly.
	report := "identifier,canonical_url,redirect_url,created_date,website,environment,check_404_or_200\n" +
		"R1,/old/,/new/,2024-01-01,site,production,404\n"
	items, err = purge.ReadItems(writeFile(t, "report.csv", report), purge.Redirects)
	require.NoError(t, err)
	assert.Equal(t, []purge.Item{{ID: "/old/", Website: "site"}}, items)

	_, err = purge.ReadItems(writeFile(t, "bad.csv", "/a/\n"), purge.Redirects)
	assert.ErrorContains(t, err, "no website")

	items, err = purge.ReadItems(writeFile(t, "w.csv", "ans_id\nA\n\nB,x\n"), purge.Wires)
	require.NoError(t, err)
	assert.Equal(t, []purge.Item{{ID: "A"}, {ID: "B"}}, items)

	items, err = purge.ReadItems(writeFile(t, "p.csv", "P1\nP2\n"), purge.Photos)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestParseKind(t *testing.T) {
	k, err := purge.ParseKind(" Photos ")
	require.NoError(t, err)
	assert.Equal(t, purge.Photos, k)
	_, err = purge.ParseKind("videos")
	assert.Error(t, err)
}

func TestWiresUnpublishThenDelete(t *testing.T) {
	api := &recorder{}
	p, err := purge.New(fastRetry, api, purge.Options{
		Kind:      purge.Wires,
		Workers:   1,
		Preserved: preserved.FromIDs("KEEP"),
	}, nil, quiet)
	require.NoError(t, err)

	sum, err := p.Run(context.Background(), []purge.Item{{ID: "A"}, {ID: "KEEP"}, {ID: "A"}, {ID: "B"}})
	require.NoError(t, err)
	assert.Equal(t, 4, sum.Requested)
	assert.Equal(t, 2, sum.Done)
	assert.Equal(t, 1, sum.Vetoed)
	assert.Empty(t, sum.Failures)
	// One worker keeps the calls in order.
	assert.Equal(t, []string{"unpublish A", "delete-story A", "unpublish B", "delete-story B"}, api.calls)
}

func TestDryRunMakesNoCalls(t *testing.T) {
	api := &recorder{}
	path := filepath.Join(t.TempDir(), purge.OutcomeName("acme", false, purge.Photos))
	out, err := sink.OpenCSV(path, purge.OutcomeColumns)
	require.NoError(t, err)

	p, err := purge.New(fastRetry, api, purge.Options{Kind: purge.Photos, DryRun: true, Workers: 3}, out, quiet)
	require.NoError(t, err)
	sum, err := p.Run(context.Background(), []purge.Item{{ID: "P1"}, {ID: "P2"}})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	assert.Equal(t, 2, sum.Done)
	assert.Empty(t, api.calls)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows[1:] {
		assert.Equal(t, "expire photo", r[3])
		assert.Equal(t, purge.ResultDryRun, r[4])
	}
}

func TestPhotosExpireByDefault(t *testing.T) {
	api := &recorder{}
	p, err := purge.New(fastRetry, api, purge.Options{Kind: purge.Photos, Workers: 2}, nil, quiet)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), []purge.Item{{ID: "P1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"expire-photo P1"}, api.calls)

	api = &recorder{}
	p, err = purge.New(fastRetry, api, purge.Options{Kind: purge.Photos, HardDelete: true}, nil, quiet)
	require.NoError(t, err)
	_, err = p.Run(context.Background(), []purge.Item{{ID: "P1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"delete-photo P1"}, api.calls)
}

func TestRetriesAndFailures(t *testing.T) {
	api := &recorder{flaky: map[string]bool{"site/a/": true}, broken: map[string]bool{"site/b/": true}}
	path := filepath.Join(t.TempDir(), "log.csv")
	out, err := sink.OpenCSV(path, purge.OutcomeColumns)
	require.NoError(t, err)

	p, err := purge.New(fastRetry, api, purge.Options{Kind: purge.Redirects, Workers: 2}, out, quiet)
	require.NoError(t, err)
	sum, err := p.Run(context.Background(), []purge.Item{{ID: "/a/", Website: "site"}, {ID: "/b/", Website: "site"}})
	require.NoError(t, err)
	require.NoError(t, out.Close())

	assert.Equal(t, 1, sum.Done)
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "site:/b/", sum.Failures[0].Task.Item)
	assert.Equal(t, 1, sum.Failures[0].Attempts)
	assert.EqualValues(t, 1, sum.Stats.Retries)
	assert.Equal(t, []string{"delete-redirect site/a/", "delete-redirect site/a/", "delete-redirect site/b/"}, api.sorted())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	results := map[string]string{}
	for _, r := range rows[1:] {
		results[r[0]] = r[4]
	}
	assert.Equal(t, map[string]string{"/a/": purge.ResultDone, "/b/": purge.ResultFailed}, results)
}

func TestOutcomeName(t *testing.T) {
	assert.Equal(t, "acme_wires_purge_log_sandbox.csv", purge.OutcomeName("acme", true, purge.Wires))
}

// rejected answers every call with 401, as Arc does for a token from the wrong org.
type rejected struct{ recorder }

func (r *rejected) call(name, id string) error {
	r.recorder.call(name, id)
	return &util.StatusError{StatusCode: http.StatusUnauthorized, Status: "401 Unauthorized", Method: http.MethodPut, URL: "/photo/api/v2/photos/" + id}
}

func (r *rejected) ExpirePhoto(ctx context.Context, id string) error { return r.call("expire-photo", id) }

func TestRejectedCredentialsAbortPurge(t *testing.T) {
	api := &rejected{}
	path := filepath.Join(t.TempDir(), "log.csv")
	out, err := sink.OpenCSV(path, purge.OutcomeColumns)
	require.NoError(t, err)

	items := make([]purge.Item, 50)
	for i := range items {
		items[i] = purge.Item{ID: fmt.Sprintf("p%02d", i)}
	}
	p, err := purge.New(fastRetry, api, purge.Options{Kind: purge.Photos, Workers: 1}, out, quiet)
	require.NoError(t, err)
	sum, err := p.Run(context.Background(), items)
	require.NoError(t, out.Close())

	require.Error(t, err)
	assert.True(t, arc.IsUnauthorized(err))
	assert.NotErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"expire-photo p00"}, api.sorted())
	assert.Zero(t, sum.Done)
	assert.EqualValues(t, 0, sum.Stats.Retries)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"p00", purge.ResultFailed}, []string{rows[1][0], rows[1][4]})
}
