package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/onnwee/chat-harvester/broadcast"
	"github.com/onnwee/chat-harvester/config"
	"github.com/onnwee/chat-harvester/queue"
	"github.com/onnwee/chat-harvester/stream"
	"github.com/onnwee/chat-harvester/telemetry"
	"github.com/onnwee/chat-harvester/testutil"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type failCall struct {
	errMsg  string
	backoff time.Duration
}

type fakeQueue struct {
	mu        sync.Mutex
	succeeded []queue.Result
	failed    []failCall
	permanent []string
	progress  []queue.Progress
	claimErr  error
	// strict refuses cancelled contexts, as the pgx-backed queue does.
	strict bool
}

func (q *fakeQueue) Claim(ctx context.Context) (*queue.Job, error) {
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	return nil, nil
}

func (q *fakeQueue) guard(ctx context.Context) error {
	if !q.strict {
		return nil
	}
	return ctx.Err()
}

func (q *fakeQueue) ReportProgress(ctx context.Context, jobID string, p queue.Progress) error {
	if err := q.guard(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress = append(q.progress, p)
	return nil
}

func (q *fakeQueue) Succeed(ctx context.Context, jobID string, res queue.Result) error {
	if err := q.guard(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.succeeded = append(q.succeeded, res)
	return nil
}

func (q *fakeQueue) Fail(ctx context.Context, jobID, errMsg string, backoff time.Duration) error {
	if err := q.guard(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed = append(q.failed, failCall{errMsg: errMsg, backoff: backoff})
	return nil
}

func (q *fakeQueue) FailPermanently(ctx context.Context, jobID, errMsg string) error {
	if err := q.guard(ctx); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.permanent = append(q.permanent, errMsg)
	return nil
}

type fakeBroadcasts struct {
	mu          sync.Mutex
	b           *broadcast.Broadcast
	findErr     error
	metaApplies int
	replicaSets []int
}

func (s *fakeBroadcasts) FindByID(ctx context.Context, id string) (*broadcast.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	cp := *s.b
	return &cp, nil
}

func (s *fakeBroadcasts) ApplyMetadata(ctx context.Context, videoID, channelID string, viewers, likes, subscribers *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metaApplies++
	return nil
}

func (s *fakeBroadcasts) SetReplicaCount(ctx context.Context, id string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicaSets = append(s.replicaSets, n)
	s.b.ReplicaCount = n
	return nil
}

type persistCall struct {
	kind stream.Kind
	size int
}

type fakeActions struct {
	mu    sync.Mutex
	calls []persistCall
	// dupes maps a kind to how many of each batch to reject as duplicates
	dupes map[stream.Kind]int
	err   error
}

func (a *fakeActions) PersistBatch(ctx context.Context, videoID, channelID string, kind stream.Kind, batch []stream.Action) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return 0, a.err
	}
	a.calls = append(a.calls, persistCall{kind: kind, size: len(batch)})
	return len(batch) - a.dupes[kind], nil
}

func testConfig() config.Config {
	return config.Config{
		JobConcurrency:     1,
		TickInterval:       5 * time.Millisecond,
		StreamTimeout:      time.Second,
		MetadataActions:    200,
		MetadataMaxAge:     time.Hour,
		ScaleUpThreshold:   600,
		ScaleUpWindow:      time.Minute,
		ScaleDownThreshold: 300,
		ScaleDownWindow:    10 * time.Minute,
		CounterRetention:   10 * time.Minute,
		RetryBackoff:       30 * time.Second,
	}
}

func testBroadcast() *broadcast.Broadcast {
	return &broadcast.Broadcast{ID: "vid1", ChannelID: "ch1", Status: broadcast.StatusLive, ReplicaCount: 1}
}

func chatAction(id string) stream.Action {
	return stream.Action{Kind: stream.KindChat, ID: id, Timestamp: time.Now(), Message: "hi"}
}

func TestHandleJobPersistsGroupedBatches(t *testing.T) {
	sess := &testutil.FakeSession{Batches: [][]stream.Action{{
		chatAction("m1"),
		chatAction("m2"),
		{Kind: stream.KindSuperChat, ID: "s1", Amount: 5, Currency: "USD"},
	}}}
	fq := &fakeQueue{}
	fa := &fakeActions{dupes: map[stream.Kind]int{}}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, fa, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fa.calls) != 2 {
		t.Fatalf("persist calls = %d, want one per action type (2)", len(fa.calls))
	}
	sizes := map[stream.Kind]int{}
	for _, c := range fa.calls {
		sizes[c.kind] = c.size
	}
	if sizes[stream.KindChat] != 2 || sizes[stream.KindSuperChat] != 1 {
		t.Errorf("batch sizes = %v", sizes)
	}
	if len(fq.succeeded) != 1 {
		t.Fatalf("succeeded calls = %d, want 1 (failed: %v)", len(fq.succeeded), fq.failed)
	}
	res := fq.succeeded[0]
	if res.ErrorCode != "" {
		t.Errorf("error code = %s, want clean success", res.ErrorCode)
	}
	if res.Stats == nil || res.Stats.Handled != 3 || res.Stats.Errors != 0 {
		t.Errorf("stats = %+v, want 3 handled", res.Stats)
	}
	if !sess.Closed {
		t.Error("session not closed")
	}
}

func TestHandleJobCountsDuplicates(t *testing.T) {
	sess := &testutil.FakeSession{Batches: [][]stream.Action{{chatAction("m1"), chatAction("m1")}}}
	fq := &fakeQueue{}
	fa := &fakeActions{dupes: map[stream.Kind]int{stream.KindChat: 1}}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, fa, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fq.succeeded) != 1 {
		t.Fatalf("succeeded calls = %d, want 1", len(fq.succeeded))
	}
	stats := fq.succeeded[0].Stats
	if stats.Handled != 1 || stats.Errors != 1 {
		t.Errorf("stats = %+v, want 1 handled and 1 duplicate error", stats)
	}
}

func TestHandleJobMembersOnlyIsTerminal(t *testing.T) {
	sess := &testutil.FakeSession{Err: stream.NewError(stream.CodeMembersOnly, "join required")}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fq.failed) != 0 {
		t.Fatalf("members-only must not burn retries, got %v", fq.failed)
	}
	if len(fq.succeeded) != 1 || fq.succeeded[0].ErrorCode != queue.ErrMembersOnly {
		t.Fatalf("succeeded = %+v, want MEMBERS_ONLY result", fq.succeeded)
	}
}

func TestHandleJobDisabledChatRetries(t *testing.T) {
	sess := &testutil.FakeSession{Err: stream.NewError(stream.CodeDisabled, "chat disabled")}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fq.succeeded) != 0 {
		t.Fatalf("disabled chat must retry, got terminal result %+v", fq.succeeded)
	}
	if len(fq.failed) != 1 {
		t.Fatalf("failed calls = %d, want 1", len(fq.failed))
	}
	if fq.failed[0].backoff != 0 {
		t.Errorf("backoff override = %s, want 0 (use the job's own backoff)", fq.failed[0].backoff)
	}
}

func TestHandleJobUnknownErrorUsesFixedBackoff(t *testing.T) {
	sess := &testutil.FakeSession{Err: errors.New("connection reset")}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fq.failed) != 1 {
		t.Fatalf("failed calls = %d, want 1", len(fq.failed))
	}
	if fq.failed[0].backoff != 30*time.Second {
		t.Errorf("backoff = %s, want the fixed 30s", fq.failed[0].backoff)
	}
}

func TestHandleJobShutdownFlushesQuietly(t *testing.T) {
	sess := &testutil.FakeSession{
		Batches: [][]stream.Action{{chatAction("m1")}},
		Hang:    true,
	}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{dupes: map[stream.Kind]int{}}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fq.failed) != 0 {
		t.Fatalf("shutdown must not count as failure, got %v", fq.failed)
	}
	if len(fq.succeeded) != 1 {
		t.Fatalf("succeeded calls = %d, want 1", len(fq.succeeded))
	}
	if fq.succeeded[0].Stats.Handled != 1 {
		t.Errorf("flushed stats = %+v, want the 1 handled action", fq.succeeded[0].Stats)
	}
	// Initial snapshot plus the final flush.
	if fb.metaApplies < 2 {
		t.Errorf("metadata applies = %d, want at least 2", fb.metaApplies)
	}
	if !sess.Closed {
		t.Error("session not closed on shutdown")
	}
}

func TestHandleJobScalesUpOnBurst(t *testing.T) {
	burst := make([]stream.Action, 650)
	for i := range burst {
		burst[i] = chatAction(fmt.Sprintf("m%d", i))
	}
	sess := &testutil.FakeSession{Batches: [][]stream.Action{burst}, Hang: true}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{dupes: map[stream.Kind]int{}}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.replicaSets) == 0 || fb.replicaSets[0] != 2 {
		t.Fatalf("replica sets = %v, want scale up to 2", fb.replicaSets)
	}
}

func TestHandleJobScalesDownWhenQuiet(t *testing.T) {
	trickle := []stream.Action{chatAction("m1"), chatAction("m2")}
	sess := &testutil.FakeSession{Batches: [][]stream.Action{trickle}, Hang: true}
	fq := &fakeQueue{}
	b := testBroadcast()
	b.ReplicaCount = 2
	fb := &fakeBroadcasts{b: b}
	w := New(fq, fb, &fakeActions{dupes: map[stream.Kind]int{}}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.replicaSets) == 0 || fb.replicaSets[0] != 1 {
		t.Fatalf("replica sets = %v, want scale down to 1", fb.replicaSets)
	}
}

func TestHandleJobShutdownOutcomeSurvivesCancelledContext(t *testing.T) {
	sess := &testutil.FakeSession{
		Batches: [][]stream.Action{{chatAction("m1")}},
		Hang:    true,
	}
	fq := &fakeQueue{strict: true}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{dupes: map[stream.Kind]int{}}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if len(fq.succeeded) != 1 {
		t.Fatalf("succeeded calls = %d, want the quiet shutdown result recorded past cancellation", len(fq.succeeded))
	}
	if fq.succeeded[0].Stats == nil || fq.succeeded[0].Stats.Handled != 1 {
		t.Errorf("recorded stats = %+v, want the 1 handled action", fq.succeeded[0].Stats)
	}
}

func TestRunStopsWhenQueueUnreachable(t *testing.T) {
	fq := &fakeQueue{claimErr: errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")}
	w := New(fq, &fakeBroadcasts{b: testBroadcast()}, &fakeActions{}, &testutil.FakeStreamClient{}, testConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "connection refused") {
			t.Fatalf("Run returned %v, want the unreachable error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker kept claiming against an unreachable queue")
	}
}

func TestHandleJobPersistUnreachableEscalates(t *testing.T) {
	sess := &testutil.FakeSession{Batches: [][]stream.Action{{chatAction("m1")}}}
	fa := &fakeActions{err: errors.New("write tcp 127.0.0.1:5432: write: broken pipe")}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, fa, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	select {
	case <-w.fatal:
	default:
		t.Fatal("unreachable persist error was not escalated")
	}
}

func TestHandleJobDuplicateKeyBatchTolerated(t *testing.T) {
	sess := &testutil.FakeSession{Batches: [][]stream.Action{{chatAction("m1"), chatAction("m2")}}}
	fa := &fakeActions{err: &pgconn.PgError{Code: "23505"}}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, fa, &testutil.FakeStreamClient{Session: sess}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	if len(fq.failed) != 0 {
		t.Fatalf("duplicate keys must not fail the job, got %v", fq.failed)
	}
	if len(fq.succeeded) != 1 {
		t.Fatalf("succeeded calls = %d, want 1", len(fq.succeeded))
	}
	stats := fq.succeeded[0].Stats
	if stats.Handled != 0 || stats.Errors != 2 {
		t.Errorf("stats = %+v, want the whole batch counted as duplicates", stats)
	}
}

func TestHandleJobRaidTriggersMetadataRefresh(t *testing.T) {
	sess := &testutil.FakeSession{
		Batches: [][]stream.Action{{{Kind: stream.KindRaid, ID: "r1", SourceName: "raider"}}},
		Hang:    true,
	}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{dupes: map[stream.Kind]int{}}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	// Initial snapshot, the raid-triggered refresh, and the final flush.
	if fb.metaApplies < 3 {
		t.Errorf("metadata applies = %d, want at least 3", fb.metaApplies)
	}
}

func TestHandleJobBusySecondReplicaStays(t *testing.T) {
	// 3500 actions over a 10m window is 350/min, above the scale-down floor.
	busy := make([]stream.Action, 3500)
	for i := range busy {
		busy[i] = chatAction(fmt.Sprintf("m%d", i))
	}
	sess := &testutil.FakeSession{Batches: [][]stream.Action{busy}, Hang: true}
	fq := &fakeQueue{}
	b := testBroadcast()
	b.ReplicaCount = 2
	fb := &fakeBroadcasts{b: b}
	w := New(fq, fb, &fakeActions{dupes: map[stream.Kind]int{}}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	fb.mu.Lock()
	defer fb.mu.Unlock()
	if len(fb.replicaSets) != 0 {
		t.Fatalf("replica sets = %v, want none while the room is busy", fb.replicaSets)
	}
}

func TestNonPrimaryReplicaStopsWhenRetired(t *testing.T) {
	sess := &testutil.FakeSession{Hang: true}
	fq := &fakeQueue{}
	// Target already back to 1, so replica 2 should notice and stop.
	fb := &fakeBroadcasts{b: testBroadcast()}
	cfg := testConfig()
	w := New(fq, fb, &fakeActions{}, &testutil.FakeStreamClient{Session: sess}, cfg)
	w.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.handleJob(context.Background(), &queue.Job{ID: "vid1:2", VideoID: "vid1", Replica: 2})
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("retired replica did not stop")
	}
	if len(fq.failed) != 0 {
		t.Errorf("retirement must not count as failure: %v", fq.failed)
	}
	if len(fq.succeeded) != 1 {
		t.Errorf("succeeded calls = %d, want 1 quiet success", len(fq.succeeded))
	}
}

func TestHandleJobMissingBroadcastFailsPermanently(t *testing.T) {
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{findErr: broadcast.ErrNotFound}
	w := New(fq, fb, &fakeActions{}, &testutil.FakeStreamClient{}, testConfig())

	w.handleJob(context.Background(), &queue.Job{ID: "gone", VideoID: "gone", Replica: 1})

	if len(fq.permanent) != 1 {
		t.Fatalf("permanent failures = %d, want 1", len(fq.permanent))
	}
	if len(fq.failed) != 0 || len(fq.succeeded) != 0 {
		t.Errorf("unexpected outcomes: failed=%v succeeded=%v", fq.failed, fq.succeeded)
	}
}

func TestHandleJobReportsWarmingUpUntilFirstBatch(t *testing.T) {
	sess := &testutil.FakeSession{Hang: true}
	fq := &fakeQueue{}
	fb := &fakeBroadcasts{b: testBroadcast()}
	w := New(fq, fb, &fakeActions{}, &testutil.FakeStreamClient{Session: sess}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	w.handleJob(ctx, &queue.Job{ID: "vid1", VideoID: "vid1", Replica: 1})

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if len(fq.progress) == 0 {
		t.Fatal("no progress heartbeats recorded")
	}
	for _, p := range fq.progress {
		if !p.WarmingUp {
			t.Errorf("progress %+v should still be warming up", p)
		}
	}
}
