package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/chat-harvester/broadcast"
	"github.com/onnwee/chat-harvester/testutil"
)

func TestSweepOnce(t *testing.T) {
	database := testutil.SetupTestDB(t)
	testutil.TruncateAll(t, database)
	ctx := context.Background()

	mustExec := func(query string, args ...any) {
		t.Helper()
		if _, err := database.Exec(query, args...); err != nil {
			t.Fatalf("exec %q: %v", query, err)
		}
	}

	// Finished long ago: eligible.
	mustExec(`INSERT INTO broadcasts (id, channel_id, status, collection_status, collection_ended_at)
		VALUES ('oldvid','ch1','past','finished', NOW() - interval '1 hour')`)
	// Finished moments ago: still inside the grace period.
	mustExec(`INSERT INTO broadcasts (id, channel_id, status, collection_status, collection_ended_at)
		VALUES ('freshvid','ch1','past','finished', NOW())`)
	// Still collecting: never eligible.
	mustExec(`INSERT INTO broadcasts (id, channel_id, status, collection_status)
		VALUES ('livevid','ch1','live','progress')`)
	for _, vid := range []string{"oldvid", "freshvid", "livevid"} {
		mustExec(`INSERT INTO chat_messages (id, message, origin_video_id, origin_channel_id)
			VALUES ($1,'hello',$2,'ch1')`, "m-"+vid, vid)
	}

	c := &Cleaner{DB: database, Store: broadcast.NewStore(database), Grace: 10 * time.Minute}
	n, err := c.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleaned = %d, want 1", n)
	}

	count := func(vid string) int {
		t.Helper()
		var n int
		if err := database.QueryRow(`SELECT COUNT(1) FROM chat_messages WHERE origin_video_id=$1`, vid).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", vid, err)
		}
		return n
	}
	if count("oldvid") != 0 {
		t.Error("oldvid chat rows should be gone")
	}
	if count("freshvid") != 1 || count("livevid") != 1 {
		t.Error("ineligible broadcasts lost chat rows")
	}

	var cleanedAt *time.Time
	if err := database.QueryRow(`SELECT collection_cleaned_at FROM broadcasts WHERE id='oldvid'`).Scan(&cleanedAt); err != nil {
		t.Fatalf("read cleaned_at: %v", err)
	}
	if cleanedAt == nil {
		t.Error("collection_cleaned_at not stamped")
	}

	// A second sweep finds nothing new.
	n, err = c.SweepOnce(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep cleaned %d, want 0", n)
	}
}
