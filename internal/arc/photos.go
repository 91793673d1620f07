package arc

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
)

const photosPath = "/photo/api/v2/photos"

// PhotoQuery selects published photos. A nil Interval means all upload dates.
type PhotoQuery struct {
	Interval  *daterange.Interval
	Source    string
	WiresOnly bool
}

// Within returns a copy of q restricted to iv.
func (q PhotoQuery) Within(iv daterange.Interval) PhotoQuery {
	q.Interval = &iv
	return q
}

func (q PhotoQuery) params(offset, limit int) url.Values {
	v := url.Values{}
	v.Set("published", "true")
	if q.WiresOnly {
		v.Set("sourceType", "wires")
	} else if q.Source != "" {
		v.Set("source", q.Source)
	}
	if q.Interval != nil {
		// The upload filter is inclusive at both ends, in epoch milliseconds.
		v.Set("startDateUploaded", strconv.FormatInt(q.Interval.Start.UnixMilli(), 10))
		v.Set("endDateUploaded", strconv.FormatInt(q.Interval.End.UnixMilli()-1, 10))
	}
	v.Set("limit", strconv.Itoa(limit))
	v.Set("offset", strconv.Itoa(offset))
	return v
}

// PhotoPage is one page of photo ids.
type PhotoPage struct {
	IDs   []string
	Total int
	Next  int
	More  bool
}

type photoItem struct {
	ID string `json:"_id"`
}

func resultsTotal(h interface{ Get(string) string }) (int, error) {
	raw := h.Get("X-Results-Total")
	if raw == "" {
		return 0, fetch.Malformed("missing X-Results-Total header")
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fetch.Malformed("X-Results-Total %q: %v", raw, err)
	}
	return n, nil
}

// PhotoCount reads the total number of photos matching q.
func (c *Client) PhotoCount(ctx context.Context, q PhotoQuery) (int, error) {
	var items []photoItem
	resp, err := c.getJSON(ctx, photosPath, q.params(0, 1), &items)
	if err != nil {
		return 0, fmt.Errorf("count photos: %w", err)
	}
	return resultsTotal(resp.Header)
}

// Photos fetches one page of photo ids starting at offset.
func (c *Client) Photos(ctx context.Context, q PhotoQuery, offset int) (PhotoPage, error) {
	var items []photoItem
	resp, err := c.getJSON(ctx, photosPath, q.params(offset, DefaultPageSize), &items)
	if err != nil {
		return PhotoPage{}, fmt.Errorf("list photos from %d: %w", offset, err)
	}
	total, err := resultsTotal(resp.Header)
	if err != nil {
		return PhotoPage{}, err
	}
	page := PhotoPage{Total: total, Next: offset + DefaultPageSize}
	for _, it := range items {
		if it.ID != "" {
			page.IDs = append(page.IDs, it.ID)
		}
	}
	page.More = len(items) > 0 && offset+len(items) < total
	return page, nil
}

// Photo fetches the ANS document of one photo.
func (c *Client) Photo(ctx context.Context, id string) (Doc, error) {
	var doc Doc
	if _, err := c.getJSON(ctx, photoPath(id), nil, &doc); err != nil {
		return nil, fmt.Errorf("get photo %s: %w", id, err)
	}
	return doc, nil
}

func photoPath(id string) string {
	return photosPath + "/" + url.PathEscape(id) + "/"
}

// Reference is one piece of content pointing at an image.
type Reference struct {
	Published bool   `json:"published"`
	Type      string `json:"reference_type"`
	Website   string `json:"website_id"`
}

// References lists the content that references image id.
func (c *Client) References(ctx context.Context, id string) ([]Reference, error) {
	var out struct {
		References []Reference `json:"references"`
	}
	path := "/content/v4/referenced-content/image/" + url.PathEscape(id) + "/references"
	if _, err := c.getJSON(ctx, path, nil, &out); err != nil {
		return nil, fmt.Errorf("references of %s: %w", id, err)
	}
	return out.References, nil
}
