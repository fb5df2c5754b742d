package catalog

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/onnwee/chat-harvester/testutil"
)

func TestListLive(t *testing.T) {
	srv := testutil.NewMockCatalogServer(t)
	var gotKey, gotOrg, gotHours string
	srv.Handlers["/live"] = func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-APIKEY")
		gotOrg = r.URL.Query().Get("org")
		gotHours = r.URL.Query().Get("max_upcoming_hours")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":"vidA","title":"singing","topic_id":"singing","status":"live","live_viewers":1234,
			 "channel":{"id":"chA","name":"Alice Ch.","org":"TestOrg"}},
			{"id":"vidB","title":"upcoming stream","status":"upcoming",
			 "start_scheduled":"2026-08-28T20:00:00Z",
			 "channel":{"id":"chB","name":"Bob Ch.","org":"TestOrg"}}
		]`)) //nolint:errcheck // test handler
	}

	c := &Client{APIKey: "k", BaseURL: srv.URL, Org: "TestOrg"}
	videos, err := c.ListLive(context.Background(), 48*time.Hour)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if gotKey != "k" || gotOrg != "TestOrg" || gotHours != "48" {
		t.Errorf("request params = key %q org %q hours %q", gotKey, gotOrg, gotHours)
	}
	if len(videos) != 2 {
		t.Fatalf("videos = %d, want 2", len(videos))
	}
	if videos[0].ID != "vidA" || videos[0].Status != "live" || videos[0].LiveViewers != 1234 {
		t.Errorf("first video = %+v", videos[0])
	}
	if videos[1].StartScheduled == nil || !videos[1].StartScheduled.Equal(time.Date(2026, 8, 28, 20, 0, 0, 0, time.UTC)) {
		t.Errorf("scheduled start = %v", videos[1].StartScheduled)
	}
	if videos[1].Channel.ID != "chB" {
		t.Errorf("channel = %+v", videos[1].Channel)
	}
}

func TestListLiveNon200(t *testing.T) {
	srv := testutil.NewMockCatalogServer(t)
	srv.Handlers["/live"] = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}
	c := &Client{APIKey: "bad", BaseURL: srv.URL}
	if _, err := c.ListLive(context.Background(), 0); err == nil {
		t.Fatal("expected error on 403")
	}
}

func TestListLiveRequiresKey(t *testing.T) {
	c := &Client{}
	if _, err := c.ListLive(context.Background(), 0); err == nil {
		t.Fatal("expected error without api key")
	}
}
