package arc_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.Handler) *arc.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := arc.New("acme", false, "secret", arc.WithBaseURL(srv.URL))
	require.NoError(t, err)
	return c
}

func january(t *testing.T) daterange.Interval {
	t.Helper()
	iv, err := daterange.Parse("2024-01-01", "2024-02-01")
	require.NoError(t, err)
	return iv
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := arc.New("", false, "token")
	assert.ErrorIs(t, err, arc.ErrMissingCredentials)
	_, err = arc.New("acme", false, " ")
	assert.ErrorIs(t, err, arc.ErrMissingCredentials)

	c, err := arc.New("sandbox.acme", true, "token")
	require.NoError(t, err)
	assert.Equal(t, "acme", c.Org())
	assert.Equal(t, "sandbox.acme", c.Host())
	assert.Equal(t, "sandbox", c.Environment())
}

func TestSearchQueries(t *testing.T) {
	iv := january(t)
	assert.Equal(t,
		"type:redirect AND created_date:[2024-01-01T00:00:00 TO 2024-02-01T00:00:00}",
		arc.RedirectSearch("site").Q(iv))

	ext, err := arc.ParseExtension([]string{"source.name=AP", "!taxonomy.tags.text=keep me"}, []string{"headlines.basic, taxonomy"})
	require.NoError(t, err)
	s := arc.WireSearch("site", ext)
	assert.Equal(t,
		`type:story AND revision.published:false AND source.source_type:wires AND source.name:AP AND NOT taxonomy.tags.text:"keep me" AND created_date:[2024-01-01T00:00:00 TO 2024-02-01T00:00:00}`,
		s.Q(iv))
	assert.Equal(t, append(append([]string{}, arc.WireFields...), "headlines.basic", "taxonomy"), s.Fields)
}

func TestParseExtensionRejectsInjection(t *testing.T) {
	bad := [][]string{
		{"source.name"},
		{"source name=AP"},
		{"source.name=AP\" OR type:*"},
		{"source.name="},
		{"x=[a TO b]"},
	}
	for _, filters := range bad {
		_, err := arc.ParseExtension(filters, nil)
		assert.ErrorIs(t, err, arc.ErrInvalidExtension, "%v", filters)
	}
	_, err := arc.ParseExtension(nil, []string{"ok.field,bad-field"})
	assert.ErrorIs(t, err, arc.ErrInvalidExtension)

	ext, err := arc.ParseExtension(nil, nil)
	require.NoError(t, err)
	assert.True(t, ext.Empty())
	assert.Equal(t, "", ext.Clause())
}

func TestSearchPagination(t *testing.T) {
	var got []string
	var mu sync.Mutex
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/content/v4/search", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "site", q.Get("website"))
		assert.Equal(t, "true", q.Get("track_total_hits"))
		mu.Lock()
		got = append(got, q.Get("from")+"/"+q.Get("size"))
		mu.Unlock()

		from, _ := strconv.Atoi(q.Get("from"))
		size, _ := strconv.Atoi(q.Get("size"))
		const total = 150
		var docs []map[string]any
		for i := from; i < from+size && i < total; i++ {
			docs = append(docs, map[string]any{
				"_id":           "id" + strconv.Itoa(i),
				"canonical_url": "/story/" + strconv.Itoa(i),
				"created_date":  "2024-01-02T00:00:00.000Z",
			})
		}
		json.NewEncoder(w).Encode(map[string]any{"count": total, "content_elements": docs})
	}))

	ctx := context.Background()
	s := arc.RedirectSearch("site")
	n, err := c.SearchCount(ctx, s, january(t))
	require.NoError(t, err)
	assert.Equal(t, 150, n)

	first, err := c.SearchPage(ctx, s, january(t), 0)
	require.NoError(t, err)
	assert.Len(t, first.Docs, 100)
	assert.True(t, first.More)
	assert.Equal(t, 100, first.Next)
	assert.Equal(t, "/story/7", first.Docs[7].Lookup("canonical_url"))

	second, err := c.SearchPage(ctx, s, january(t), first.Next)
	require.NoError(t, err)
	assert.Len(t, second.Docs, 50)
	assert.False(t, second.More)

	assert.Equal(t, []string{"0/1", "0/100", "100/100"}, got)
}

func TestSearchStopsAtResultWindow(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		docs := make([]map[string]any, 100)
		for i := range docs {
			docs[i] = map[string]any{"_id": strconv.Itoa(i)}
		}
		json.NewEncoder(w).Encode(map[string]any{"count": 50000, "content_elements": docs})
	}))
	page, err := c.SearchPage(context.Background(), arc.RedirectSearch("site"), january(t), arc.MaxResultWindow-arc.DefaultPageSize)
	require.NoError(t, err)
	assert.False(t, page.More)
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		body      string
		transient bool
		malformed bool
	}{
		{status: 503, transient: true},
		{status: 429, transient: true},
		{status: 400},
		{status: 404},
		{status: 200, body: "{not json", malformed: true},
	}
	for _, tc := range cases {
		c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			io.WriteString(w, tc.body)
		}))
		_, err := c.SearchCount(context.Background(), arc.RedirectSearch("site"), january(t))
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.transient, fetch.IsTransient(err), "status %d", tc.status)
		assert.Equal(t, tc.malformed, errors.Is(err, fetch.ErrMalformed), "status %d", tc.status)
	}

	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	_, err := c.SearchCount(context.Background(), arc.RedirectSearch("site"), january(t))
	assert.True(t, arc.IsUnauthorized(err))
}

func TestPhotos(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("published"))
		assert.Equal(t, "wires", q.Get("sourceType"))
		assert.Equal(t, "1704067200000", q.Get("startDateUploaded"))
		assert.Equal(t, "1706745599999", q.Get("endDateUploaded"))
		w.Header().Set("X-Results-Total", "3")
		offset, _ := strconv.Atoi(q.Get("offset"))
		items := []map[string]string{{"_id": "p1"}, {"_id": "p2"}, {"_id": "p3"}}
		if offset >= len(items) {
			items = nil
		} else {
			items = items[offset:]
		}
		json.NewEncoder(w).Encode(items)
	}))

	iv := january(t)
	q := arc.PhotoQuery{WiresOnly: true, Source: "ignored"}.Within(iv)
	n, err := c.PhotoCount(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	page, err := c.Photos(context.Background(), q, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2", "p3"}, page.IDs)
	assert.False(t, page.More)
}

func TestPhotosMissingTotalIsMalformed(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"_id":"p1"}]`)
	}))
	_, err := c.Photos(context.Background(), arc.PhotoQuery{}, 0)
	assert.ErrorIs(t, err, fetch.ErrMalformed)
}

func TestReferencesAndLightboxes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/content/v4/referenced-content/image/p1/references", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"references":[{"published":false,"reference_type":"story","website_id":"a"},{"published":true,"reference_type":"gallery","website_id":"b"}]}`)
	})
	mux.HandleFunc("/photo/api/v2/lightboxes", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Results-Total", "1")
		io.WriteString(w, `[{"id":"lb1","last_photo_added":{"_id":"p9"}}]`)
	})
	mux.HandleFunc("/photo/api/v2/lightboxes/lb1/photos", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[{"_id":"p9"},{"_id":"p8"}]`)
	})
	c := newClient(t, mux)
	ctx := context.Background()

	refs, err := c.References(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.True(t, refs[1].Published)
	assert.Equal(t, "gallery", refs[1].Type)

	page, err := c.Lightboxes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.False(t, page.More)
	assert.JSONEq(t, `{"_id":"p9"}`, string(page.Items[0].LastPhotoAdded))

	ids, err := c.LightboxPhotos(ctx, "lb1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p9", "p8"}, ids)
}

func TestMutations(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	var put map[string]any
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.RequestURI)
		mu.Unlock()
		switch {
		case r.Method == http.MethodGet:
			io.WriteString(w, `{"_id":"p1","additional_properties":{"originalName":"x.jpg","published":true},"width":640}`)
		case r.Method == http.MethodPut:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&put))
		case r.RequestURI == "/draft/v1/story/s1/revision/published":
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	ctx := context.Background()

	require.NoError(t, c.DeleteRedirect(ctx, "site", "/old/path/"))
	require.NoError(t, c.UnpublishStory(ctx, "s1"))
	require.NoError(t, c.DeleteStory(ctx, "s1"))
	require.NoError(t, c.DeletePhoto(ctx, "p1"))
	require.NoError(t, c.ExpirePhoto(ctx, "p1"))

	assert.Equal(t, []string{
		"DELETE /draft/v1/redirect/site/%2Fold%2Fpath%2F",
		"DELETE /draft/v1/story/s1/revision/published",
		"DELETE /draft/v1/story/s1",
		"DELETE /photo/api/v2/photos/p1/",
		"GET /photo/api/v2/photos/p1/",
		"PUT /photo/api/v2/photos/p1/",
	}, calls)

	props := put["additional_properties"].(map[string]any)
	assert.Equal(t, arc.ExpiredAt, props["expiration_date"])
	assert.Equal(t, false, props["published"])
	assert.Equal(t, "x.jpg", props["originalName"])
	assert.EqualValues(t, 640, put["width"])
}

func TestDocLookup(t *testing.T) {
	var d arc.Doc
	require.NoError(t, json.Unmarshal([]byte(`{
		"_id": "a",
		"source": {"name": "AP", "system": "wires"},
		"revision": {"published": false},
		"content_elements": [{"type": "text"}, {"type": "gallery"}],
		"count": 3
	}`), &d))
	assert.Equal(t, "AP", d.Lookup("source.name"))
	assert.Equal(t, "false", d.Lookup("revision.published"))
	assert.Equal(t, "text,gallery", d.Lookup("content_elements.type"))
	assert.Equal(t, "3", d.Lookup("count"))
	assert.Equal(t, "", d.Lookup("missing.path"))
	assert.Equal(t, "", d.Lookup("_id.deeper"))
}

func TestCheckCredentials(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/photo/api/v2/lightboxes", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Results-Total", "0")
		io.WriteString(w, "[]")
	}))
	require.NoError(t, c.CheckCredentials(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	wrong, err := arc.New("acme", false, "other-org-token", arc.WithBaseURL(srv.URL))
	require.NoError(t, err)
	err = wrong.CheckCredentials(context.Background())
	require.Error(t, err)
	assert.True(t, arc.IsUnauthorized(err))
}
