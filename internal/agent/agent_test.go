package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu          sync.Mutex
	connected   bool
	connectPlan []bool // results of successive Connect calls; true once exhausted
	connects    int
	disconnects int
	bomOK       bool
	boms        []map[string]any
	heartbeats  []map[string]any
	errors      []map[string]any

	// When set, Connect announces itself on connecting and blocks until
	// release is closed.
	connecting chan struct{}
	release    chan struct{}
}

func (f *fakeTransport) Connect(context.Context) bool {
	if f.release != nil {
		select {
		case f.connecting <- struct{}{}:
		default:
		}
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ok := true
	if f.connects < len(f.connectPlan) {
		ok = f.connectPlan[f.connects]
	}
	f.connects++
	f.connected = ok
	return ok
}

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeTransport) SendBOMData(_ context.Context, bom map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boms = append(f.boms, bom)
	return f.bomOK
}

func (f *fakeTransport) SendHeartbeat(_ context.Context, status map[string]any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, status)
	return true
}

func (f *fakeTransport) SendError(_ context.Context, code, message string, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, map[string]any{"code": code, "message": message, "details": details})
}

func (f *fakeTransport) counts() (connects, disconnects, boms, heartbeats, errs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.disconnects, len(f.boms), len(f.heartbeats), len(f.errors)
}

type fakeCollector struct {
	calls   atomic.Int32
	inside  atomic.Int32
	maxSeen atomic.Int32
	delay   time.Duration
	err     error
	panics  bool
}

func (c *fakeCollector) AgentID() string { return "agent-test" }

func (c *fakeCollector) CollectBOM(context.Context, bool) (map[string]any, error) {
	c.calls.Add(1)
	n := c.inside.Add(1)
	defer c.inside.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if n <= seen || c.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if c.panics {
		panic("collector exploded")
	}
	if c.err != nil {
		return nil, c.err
	}
	return map[string]any{
		"scan_id":    "scan-1",
		"components": []any{map[string]any{"name": "kernel"}, map[string]any{"name": "cpu"}},
		"metadata":   map[string]any{},
	}, nil
}

func (c *fakeCollector) SystemInfo(context.Context) (map[string]any, error) {
	return map[string]any{"hostname": "test-host"}, nil
}

var fastTimings = timings{
	warmup:            time.Hour,
	reconnectPoll:     10 * time.Millisecond,
	collectionBackoff: 10 * time.Millisecond,
	heartbeatBackoff:  10 * time.Millisecond,
	reconnectBackoff:  10 * time.Millisecond,
}

func newTestAgent(tr *fakeTransport, col *fakeCollector) *Agent {
	a := New(Config{
		CollectionInterval: time.Hour,
		HeartbeatInterval:  time.Hour,
	}, tr, col, zerolog.Nop())
	a.timings = fastTimings
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runAgent(t *testing.T, a *Agent) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		ch <- a.Start(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancelFn()
		select {
		case <-stopped:
		case <-time.After(3 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return cancelFn, ch
}

func TestStart_InitialConnectFails(t *testing.T) {
	tr := &fakeTransport{connectPlan: []bool{false}, bomOK: true}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	err := a.Start(context.Background())
	if !errors.Is(err, ErrInitialConnect) {
		t.Fatalf("Start: got %v, want ErrInitialConnect", err)
	}
	if a.Running() {
		t.Error("Running: got true after failed start")
	}

	time.Sleep(50 * time.Millisecond)
	if n := col.calls.Load(); n != 0 {
		t.Errorf("collections after failed start: got %d, want 0", n)
	}
	if connects, _, _, _, _ := tr.counts(); connects != 1 {
		t.Errorf("connect attempts: got %d, want 1", connects)
	}
}

func TestStart_ImmediateCollection(t *testing.T) {
	tr := &fakeTransport{bomOK: true}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	runAgent(t, a)

	waitFor(t, "initial BOM upload", func() bool {
		_, ok := a.LastCollection()
		return ok
	})
	if !a.Running() {
		t.Error("Running: got false while loops are active")
	}
	if _, _, boms, _, _ := tr.counts(); boms != 1 {
		t.Errorf("BOM uploads: got %d, want 1", boms)
	}
}

func TestReconnect_TriggersOneCollection(t *testing.T) {
	tr := &fakeTransport{connectPlan: []bool{true, false, false, true}, bomOK: true}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	runAgent(t, a)
	waitFor(t, "initial collection", func() bool { return col.calls.Load() == 1 })

	tr.drop()
	waitFor(t, "reconnect", func() bool {
		connects, _, _, _, _ := tr.counts()
		return connects == 4 && tr.Connected()
	})
	waitFor(t, "reconnect collection", func() bool { return col.calls.Load() == 2 })

	// Further polls find the connection healthy and trigger nothing.
	time.Sleep(100 * time.Millisecond)
	if n := col.calls.Load(); n != 2 {
		t.Errorf("collections: got %d, want exactly 2", n)
	}
	if connects, _, _, _, _ := tr.counts(); connects != 4 {
		t.Errorf("connect attempts: got %d, want 4", connects)
	}
}

func TestCollectAndSend_CollectionError(t *testing.T) {
	tr := &fakeTransport{connected: true, bomOK: true}
	col := &fakeCollector{err: errors.New("disk vanished")}
	a := newTestAgent(tr, col)

	a.collectAndSend(context.Background())

	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.boms) != 0 {
		t.Errorf("BOM uploads after failed collection: got %d, want 0", len(tr.boms))
	}
	if len(tr.errors) != 1 {
		t.Fatalf("error reports: got %d, want 1", len(tr.errors))
	}
	report := tr.errors[0]
	if report["code"] != "COLLECTION_ERROR" || report["message"] != "disk vanished" {
		t.Errorf("error report: got %v", report)
	}
	if details := report["details"].(map[string]any); details["phase"] != "collection" {
		t.Errorf("details: got %v, want phase=collection", details)
	}
	if _, ok := a.LastCollection(); ok {
		t.Error("last_collection set after failed collection")
	}
}

func TestCollectAndSend_CollectorPanics(t *testing.T) {
	tr := &fakeTransport{connected: true, bomOK: true}
	col := &fakeCollector{panics: true}
	a := newTestAgent(tr, col)

	a.collectAndSend(context.Background())

	if _, _, boms, _, errs := tr.counts(); boms != 0 || errs != 1 {
		t.Errorf("got %d uploads and %d error reports, want 0 and 1", boms, errs)
	}
}

func TestCollectAndSend_SendFailureLeavesLastCollection(t *testing.T) {
	tr := &fakeTransport{connected: true, bomOK: false}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	a.collectAndSend(context.Background())

	if _, ok := a.LastCollection(); ok {
		t.Error("last_collection set although the upload was not acknowledged")
	}
	if _, _, boms, _, errs := tr.counts(); boms != 1 || errs != 0 {
		t.Errorf("got %d uploads and %d error reports, want 1 and 0", boms, errs)
	}
}

func TestCollectionLoop_NoOverlap(t *testing.T) {
	tr := &fakeTransport{connected: true, bomOK: true}
	col := &fakeCollector{delay: 20 * time.Millisecond}
	a := New(Config{CollectionInterval: time.Millisecond, HeartbeatInterval: time.Hour}, tr, col, zerolog.Nop())
	a.timings = fastTimings
	a.timings.warmup = 0
	a.running.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	a.collectionLoop(ctx)

	if n := col.calls.Load(); n < 3 {
		t.Errorf("collections: got %d, want several", n)
	}
	if m := col.maxSeen.Load(); m != 1 {
		t.Errorf("concurrent collections: got %d, want 1", m)
	}
}

func TestCollectionLoop_SkipsWhileDisconnected(t *testing.T) {
	tr := &fakeTransport{connected: false, bomOK: true}
	col := &fakeCollector{}
	a := New(Config{CollectionInterval: time.Millisecond, HeartbeatInterval: time.Hour}, tr, col, zerolog.Nop())
	a.timings = fastTimings
	a.timings.warmup = 0
	a.running.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	a.collectionLoop(ctx)

	if n := col.calls.Load(); n != 0 {
		t.Errorf("collections while disconnected: got %d, want 0", n)
	}
}

func TestHeartbeat_Status(t *testing.T) {
	tr := &fakeTransport{bomOK: true}
	col := &fakeCollector{}
	a := New(Config{CollectionInterval: time.Hour, HeartbeatInterval: 20 * time.Millisecond, DeepScan: true}, tr, col, zerolog.Nop())
	a.timings = fastTimings

	runAgent(t, a)
	waitFor(t, "heartbeat after upload", func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		for _, hb := range tr.heartbeats {
			if hb["last_collection"] != nil {
				return true
			}
		}
		return false
	})

	tr.mu.Lock()
	status := tr.heartbeats[len(tr.heartbeats)-1]
	tr.mu.Unlock()

	if _, ok := status["uptime"].(int); !ok {
		t.Errorf("uptime: got %T, want int", status["uptime"])
	}
	if sys := status["system_info"].(map[string]any); sys["hostname"] != "test-host" {
		t.Errorf("system_info: got %v", sys)
	}
	cfg := status["config"].(map[string]any)
	if cfg["collection_interval"] != 3600 || cfg["deep_scan"] != true {
		t.Errorf("config echo: got %v", cfg)
	}
}

func TestStop_EndsLoopsAndDisconnects(t *testing.T) {
	tr := &fakeTransport{bomOK: true}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- a.Start(ctx) }()
	waitFor(t, "running", a.Running)

	a.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}

	a.Stop()
	if a.Running() {
		t.Error("Running: got true after Stop")
	}
	if _, disconnects, _, _, _ := tr.counts(); disconnects != 1 {
		t.Errorf("disconnects: got %d, want 1", disconnects)
	}
}

func TestStop_DuringInitialConnect(t *testing.T) {
	tr := &fakeTransport{
		bomOK:      true,
		connecting: make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	select {
	case <-tr.connecting:
	case <-time.After(2 * time.Second):
		t.Fatal("Start never called Connect")
	}
	a.Stop()
	close(tr.release)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after Stop", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start kept running after Stop during connect")
	}

	if a.Running() {
		t.Error("Running: got true after Stop during connect")
	}
	if tr.Connected() {
		t.Error("transport left connected after Stop during connect")
	}
	time.Sleep(50 * time.Millisecond)
	if n := col.calls.Load(); n != 0 {
		t.Errorf("collections: got %d, want 0", n)
	}
}

func TestStop_BeforeStart(t *testing.T) {
	tr := &fakeTransport{bomOK: true}
	a := newTestAgent(tr, &fakeCollector{})

	a.Stop()
	if err := a.Start(context.Background()); err != nil {
		t.Errorf("Start after Stop: got %v, want nil", err)
	}
	if connects, _, _, _, _ := tr.counts(); connects != 0 {
		t.Errorf("connects: got %d, want 0", connects)
	}
}

func TestStart_ContextCancel(t *testing.T) {
	tr := &fakeTransport{bomOK: true}
	col := &fakeCollector{}
	a := newTestAgent(tr, col)

	cancel, done := runAgent(t, a)
	waitFor(t, "running", a.Running)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v after cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
	if _, disconnects, _, _, _ := tr.counts(); disconnects != 1 {
		t.Errorf("disconnects: got %d, want 1", disconnects)
	}
}

func TestComponentCount(t *testing.T) {
	if n := componentCount(map[string]any{"components": []map[string]any{{}, {}, {}}}); n != 3 {
		t.Errorf("typed slice: got %d, want 3", n)
	}
	if n := componentCount(map[string]any{}); n != 0 {
		t.Errorf("missing components: got %d, want 0", n)
	}
}
