package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Change is one item-level change from a delta enumeration.
type Change struct {
	ItemID       int64
	Deleted      bool
	Fields       map[string]any
	LastModified time.Time
}

// DeltaPage is one page of delta results. Exactly one of NextLink (more
// pages follow) or DeltaLink (enumeration complete) is set on success.
type DeltaPage struct {
	Changes   []Change
	NextLink  string
	DeltaLink string
}

// deltaResponse mirrors the Graph API delta response JSON structure.
type deltaResponse struct {
	Value     []deltaItemResponse `json:"value"`
	NextLink  string              `json:"@odata.nextLink"`  //nolint:tagliatelle // OData annotation key
	DeltaLink string              `json:"@odata.deltaLink"` //nolint:tagliatelle // OData annotation key
}

type deltaItemResponse struct {
	ID           string         `json:"id"`
	LastModified time.Time      `json:"lastModifiedDateTime"` //nolint:tagliatelle // Graph key
	Deleted      *struct {
		State string `json:"state"`
	} `json:"deleted"`
	Fields map[string]any `json:"fields"`
}

// deltaHTTPPrefix detects full URL tokens returned by the delta endpoint.
const deltaHTTPPrefix = "http"

// Delta fetches one page of delta changes for a list.
// Pass an empty token for the initial enumeration (fetches all items).
// For subsequent calls, pass the DeltaLink or NextLink value from the
// previous page. HTTP 410 (Gone) means the token has expired — returns
// ErrGone; callers reset and re-enumerate.
func (c *Client) Delta(ctx context.Context, siteID, listID, token string) (*DeltaPage, error) {
	path, err := c.buildDeltaPath(siteID, listID, token)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetching delta page",
		slog.String("list_id", listID),
		slog.Bool("initial", token == ""),
	)

	resp, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var dr deltaResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("graph: decoding delta response: %w", err)
	}

	changes := make([]Change, 0, len(dr.Value))

	for i := range dr.Value {
		item := &dr.Value[i]

		id, err := strconv.ParseInt(item.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("graph: non-numeric item id %q in delta: %w", item.ID, err)
		}

		changes = append(changes, Change{
			ItemID:       id,
			Deleted:      item.Deleted != nil,
			Fields:       item.Fields,
			LastModified: item.LastModified,
		})
	}

	c.logger.Debug("fetched delta page",
		slog.Int("changes", len(changes)),
		slog.Bool("has_next_link", dr.NextLink != ""),
		slog.Bool("has_delta_link", dr.DeltaLink != ""),
	)

	return &DeltaPage{
		Changes:   changes,
		NextLink:  dr.NextLink,
		DeltaLink: dr.DeltaLink,
	}, nil
}

// buildDeltaPath constructs the API path for a delta request.
// Empty token means initial enumeration; non-empty token is a full URL from
// a previous response that gets stripped to a relative path.
func (c *Client) buildDeltaPath(siteID, listID, token string) (string, error) {
	if token == "" || !strings.HasPrefix(token, deltaHTTPPrefix) {
		return fmt.Sprintf("/sites/%s/lists/%s/items/delta", siteID, listID), nil
	}

	path, err := c.stripBaseURL(token)
	if err != nil {
		return "", fmt.Errorf("graph: invalid delta token URL: %w", err)
	}

	return path, nil
}

// DeltaAll fetches all pages of delta changes and returns the combined
// changes and the new delta token for the next cycle.
// On success, the returned token is always a non-empty DeltaLink.
func (c *Client) DeltaAll(ctx context.Context, siteID, listID, token string) ([]Change, string, error) {
	c.logger.Info("starting delta enumeration",
		slog.String("list_id", listID),
		slog.Bool("initial", token == ""),
	)

	var all []Change

	currentToken := token
	page := 1

	for {
		dp, err := c.Delta(ctx, siteID, listID, currentToken)
		if err != nil {
			return nil, "", err
		}

		all = append(all, dp.Changes...)

		// DeltaLink means all pages are consumed.
		if dp.DeltaLink != "" {
			c.logger.Info("delta enumeration complete",
				slog.String("list_id", listID),
				slog.Int("changes", len(all)),
				slog.Int("pages", page),
			)

			return all, dp.DeltaLink, nil
		}

		if dp.NextLink != "" {
			currentToken = dp.NextLink
			page++

			continue
		}

		// Neither link present: unexpected, treat as complete with empty token.
		c.logger.Warn("delta response has neither nextLink nor deltaLink",
			slog.String("list_id", listID),
			slog.Int("page", page),
		)

		return all, "", nil
	}
}
