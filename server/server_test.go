package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/onnwee/chat-harvester/testutil"
)

func TestHealthz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyz(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("status = %q", body["status"])
	}
}

func TestStatus(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	if _, err := database.Exec(`INSERT INTO broadcasts (id, channel_id, status, collection_status)
		VALUES ('vid1','ch1','live','progress')`); err != nil {
		t.Fatalf("seed broadcast: %v", err)
	}
	if _, err := database.Exec(`INSERT INTO chat_jobs (id, video_id, state) VALUES ('vid1','vid1','active')`); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	srv := httptest.NewServer(NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Jobs        map[string]int `json:"jobs"`
		Collections map[string]int `json:"collections"`
		Broadcasts  map[string]int `json:"broadcasts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Jobs["active"] != 1 {
		t.Errorf("jobs = %v", body.Jobs)
	}
	if body.Collections["progress"] != 1 {
		t.Errorf("collections = %v", body.Collections)
	}
	if body.Broadcasts["live"] != 1 {
		t.Errorf("broadcasts = %v", body.Broadcasts)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := httptest.NewServer(NewMux(database))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}
