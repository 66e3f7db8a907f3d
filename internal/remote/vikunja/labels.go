package vikunja

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// rawPage holds one undecoded list response.
type rawPage = json.RawMessage

func decodePage(page []byte, v any) error {
	if err := json.Unmarshal(page, v); err != nil {
		return syncerr.Wrap(syncerr.KindPermanent, "decode list", err)
	}
	return nil
}

// pageLen returns the number of elements in a JSON array page.
func pageLen(page []byte) int {
	var items []json.RawMessage
	if err := json.Unmarshal(page, &items); err != nil {
		return 0
	}
	return len(items)
}

// GetOrCreateLabel implements remote.Backend.
//
// The first lookup after construction or ClearCache loads every label into
// the cache. Misses create the label and cache the new id.
func (c *Client) GetOrCreateLabel(ctx context.Context, title string) (string, error) {
	c.labelsMu.Lock()
	defer c.labelsMu.Unlock()

	if c.labels == nil {
		if err := c.loadLabels(ctx); err != nil {
			return "", err
		}
	}
	if id, ok := c.labels[title]; ok {
		return id, nil
	}

	var created apiLabel
	if _, err := c.do(ctx, http.MethodPut, "/labels", apiLabel{Title: title}, &created); err != nil {
		return "", err
	}
	if created.ID == 0 {
		return "", syncerr.New(syncerr.KindPermanent, "create label", "response carried no label id")
	}
	id := formatID(created.ID)
	c.labels[title] = id
	c.logger.Info("created label", "id", id, "title", title)
	return id, nil
}

// loadLabels fills the cache. Caller holds labelsMu.
func (c *Client) loadLabels(ctx context.Context) error {
	cache := make(map[string]string)
	err := c.paginate(ctx, "/labels", func(page []byte) error {
		var labels []apiLabel
		if err := decodePage(page, &labels); err != nil {
			return err
		}
		for _, l := range labels {
			// First label wins when duplicates exist.
			if _, ok := cache[l.Title]; !ok && l.Title != "" {
				cache[l.Title] = formatID(l.ID)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.labels = cache
	return nil
}

// ClearCache implements remote.Backend.
func (c *Client) ClearCache() {
	c.labelsMu.Lock()
	c.labels = nil
	c.labelsMu.Unlock()
}

// AttachLabel implements remote.Backend. A 409 (already attached) counts
// as success.
func (c *Client) AttachLabel(ctx context.Context, taskID, labelID string) error {
	tid, err := parseID(taskID)
	if err != nil {
		return err
	}
	lid, err := parseID(labelID)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodPut, fmt.Sprintf("/tasks/%d/labels", tid), apiLabelTask{LabelID: lid}, nil)
	if statusOf(err) == http.StatusConflict {
		return nil
	}
	return err
}

// DetachLabel implements remote.Backend. Detaching a label that is not
// attached succeeds.
func (c *Client) DetachLabel(ctx context.Context, taskID, labelID string) error {
	tid, err := parseID(taskID)
	if err != nil {
		return err
	}
	lid, err := parseID(labelID)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d/labels/%d", tid, lid), nil, nil)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil
	}
	return err
}
