package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

func TestCreateItemParsesID(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sites/site-1/lists/L1/items" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"id":                   "42",
			"eTag":                 "etag-1",
			"lastModifiedDateTime": "2026-08-20T10:00:00Z",
			"fields":               map[string]any{"Title": "Widget"},
		})
	}))

	item, err := c.CreateItem(context.Background(), "site-1", "L1", map[string]any{"Title": "Widget"})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	if item.ID != 42 {
		t.Errorf("ID = %d, want 42", item.ID)
	}

	fields, ok := gotBody["fields"].(map[string]any)
	if !ok || fields["Title"] != "Widget" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestUpdateItemFieldsPatchesFieldsPath(t *testing.T) {
	t.Parallel()

	var gotPath, gotMethod string

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))

	err := c.UpdateItemFields(context.Background(), "site-1", "L1", 42, map[string]any{"Title": "New"})
	if err != nil {
		t.Fatalf("UpdateItemFields: %v", err)
	}

	if gotMethod != http.MethodPatch || gotPath != "/sites/site-1/lists/L1/items/42/fields" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestDeleteItemMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.DeleteItem(context.Background(), "site-1", "L1", 99)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestGetItemExpandsFields(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("expand") != "fields" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"id":     "7",
			"fields": map[string]any{"SKU": "W-1"},
		})
	}))

	item, err := c.GetItem(context.Background(), "site-1", "L1", 7)
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}

	if item.ID != 7 || item.Fields["SKU"] != "W-1" {
		t.Errorf("item = %+v", item)
	}
}
