package arc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/brensch/arcaudit/internal/util"
)

// ExpiredAt is the expiration date stamped on expired photos.
const ExpiredAt = "2000-01-01T00:00:00Z"

// DeleteRedirect removes the redirect at redirectURL on website.
func (c *Client) DeleteRedirect(ctx context.Context, website, redirectURL string) error {
	path := "/draft/v1/redirect/" + url.PathEscape(website) + "/" + url.PathEscape(redirectURL)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("delete redirect %s on %s: %w", redirectURL, website, err)
	}
	return nil
}

// UnpublishStory removes the published revision of story id. A story that was never
// published is not an error.
func (c *Client) UnpublishStory(ctx context.Context, id string) error {
	path := "/draft/v1/story/" + url.PathEscape(id) + "/revision/published"
	_, err := c.do(ctx, http.MethodDelete, path, nil, nil)
	var se *util.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unpublish story %s: %w", id, err)
	}
	return nil
}

// DeleteStory hard deletes story id.
func (c *Client) DeleteStory(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/draft/v1/story/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete story %s: %w", id, err)
	}
	return nil
}

// DeletePhoto hard deletes photo id.
func (c *Client) DeletePhoto(ctx context.Context, id string) error {
	if _, err := c.do(ctx, http.MethodDelete, photoPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete photo %s: %w", id, err)
	}
	return nil
}

// ExpirePhoto unpublishes photo id and stamps it expired. It reads the current document
// and writes it back, so it makes two calls.
func (c *Client) ExpirePhoto(ctx context.Context, id string) error {
	doc, err := c.Photo(ctx, id)
	if err != nil {
		return err
	}
	props, _ := doc["additional_properties"].(map[string]any)
	if props == nil {
		props = map[string]any{}
	}
	props["expiration_date"] = ExpiredAt
	props["published"] = false
	doc["additional_properties"] = props

	if _, err := c.do(ctx, http.MethodPut, photoPath(id), nil, map[string]any(doc)); err != nil {
		return fmt.Errorf("expire photo %s: %w", id, err)
	}
	return nil
}

// IsUnauthorized reports whether err is a rejected credential. Callers treat it as fatal.
func IsUnauthorized(err error) bool {
	var se *util.StatusError
	return errors.As(err, &se) && se.Unauthorized()
}
