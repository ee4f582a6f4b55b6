package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Item is one list item as stored in the target.
type Item struct {
	ID           int64
	ETag         string
	Fields       map[string]any
	LastModified time.Time
}

// itemResponse mirrors the Graph API list item JSON. Item IDs come back as
// strings even though they are numeric.
type itemResponse struct {
	ID           string         `json:"id"`
	ETag         string         `json:"eTag"`             //nolint:tagliatelle // Graph key
	LastModified time.Time      `json:"lastModifiedDateTime"` //nolint:tagliatelle // Graph key
	Fields       map[string]any `json:"fields"`
}

func (r *itemResponse) toItem() (*Item, error) {
	id, err := strconv.ParseInt(r.ID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("graph: non-numeric item id %q: %w", r.ID, err)
	}

	return &Item{
		ID:           id,
		ETag:         r.ETag,
		Fields:       r.Fields,
		LastModified: r.LastModified,
	}, nil
}

// CreateItem creates a list item with the given fields and returns the
// created item, including its server-assigned ID.
func (c *Client) CreateItem(ctx context.Context, siteID, listID string, fields map[string]any) (*Item, error) {
	body, err := json.Marshal(map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("graph: encoding item fields: %w", err)
	}

	path := fmt.Sprintf("/sites/%s/lists/%s/items", siteID, listID)

	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ir itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("graph: decoding create response: %w", err)
	}

	item, err := ir.toItem()
	if err != nil {
		return nil, err
	}

	c.logger.Debug("created list item",
		slog.String("list_id", listID),
		slog.Int64("item_id", item.ID),
	)

	return item, nil
}

// UpdateItemFields patches the fields of an existing list item.
func (c *Client) UpdateItemFields(ctx context.Context, siteID, listID string, itemID int64, fields map[string]any) error {
	body, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("graph: encoding item fields: %w", err)
	}

	path := fmt.Sprintf("/sites/%s/lists/%s/items/%d/fields", siteID, listID, itemID)

	resp, err := c.Do(ctx, http.MethodPatch, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.logger.Debug("updated list item",
		slog.String("list_id", listID),
		slog.Int64("item_id", itemID),
	)

	return nil
}

// DeleteItem removes a list item. Deleting an already-deleted item returns
// ErrNotFound; callers that treat deletion as idempotent check for it.
func (c *Client) DeleteItem(ctx context.Context, siteID, listID string, itemID int64) error {
	path := fmt.Sprintf("/sites/%s/lists/%s/items/%d", siteID, listID, itemID)

	resp, err := c.Do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	c.logger.Debug("deleted list item",
		slog.String("list_id", listID),
		slog.Int64("item_id", itemID),
	)

	return nil
}

// GetItem fetches a single list item with its fields expanded.
func (c *Client) GetItem(ctx context.Context, siteID, listID string, itemID int64) (*Item, error) {
	path := fmt.Sprintf("/sites/%s/lists/%s/items/%d?expand=fields", siteID, listID, itemID)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ir itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("graph: decoding item response: %w", err)
	}

	return ir.toItem()
}
