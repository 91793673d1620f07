package arc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const lightboxesPath = "/photo/api/v2/lightboxes"

// Lightbox is a saved collection of photos.
type Lightbox struct {
	ID             string          `json:"id"`
	LastPhotoAdded json.RawMessage `json:"last_photo_added"`
}

// LightboxPage is one page of lightboxes.
type LightboxPage struct {
	Items []Lightbox
	Total int
	Next  int
	More  bool
}

// Lightboxes lists lightboxes starting at offset.
func (c *Client) Lightboxes(ctx context.Context, offset int) (LightboxPage, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(DefaultPageSize))
	q.Set("offset", strconv.Itoa(offset))
	var items []Lightbox
	resp, err := c.getJSON(ctx, lightboxesPath, q, &items)
	if err != nil {
		return LightboxPage{}, fmt.Errorf("list lightboxes from %d: %w", offset, err)
	}
	total, err := resultsTotal(resp.Header)
	if err != nil {
		return LightboxPage{}, err
	}
	return LightboxPage{
		Items: items,
		Total: total,
		Next:  offset + DefaultPageSize,
		More:  len(items) > 0 && offset+len(items) < total,
	}, nil
}

// LightboxPhotos returns the photo ids held in lightbox id.
func (c *Client) LightboxPhotos(ctx context.Context, id string) ([]string, error) {
	var items []photoItem
	if _, err := c.getJSON(ctx, lightboxesPath+"/"+url.PathEscape(id)+"/photos", nil, &items); err != nil {
		return nil, fmt.Errorf("photos of lightbox %s: %w", id, err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		if it.ID != "" {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

// CheckCredentials makes the cheapest authenticated read the APIs offer. A rejected
// token comes back as an error satisfying IsUnauthorized.
func (c *Client) CheckCredentials(ctx context.Context) error {
	q := url.Values{}
	q.Set("limit", "1")
	q.Set("offset", "0")
	if _, err := c.do(ctx, http.MethodGet, lightboxesPath, q, nil); err != nil {
		return fmt.Errorf("check credentials for %s: %w", c.Host(), err)
	}
	return nil
}
