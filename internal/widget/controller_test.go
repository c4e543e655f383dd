package widget

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/tank-level-service/internal/client"
	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/render"
)

type result struct {
	level float64
	err   error
}

// scriptedFetcher returns results in order, repeating the last one.
type scriptedFetcher struct {
	mu      sync.Mutex
	results []result
	calls   int
}

func (f *scriptedFetcher) FetchLevel(ctx context.Context, src client.Source) (models.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	f.calls++
	r := f.results[i]
	if r.err != nil {
		return models.Reading{}, r.err
	}
	status := models.StatusOK
	if r.level == models.SensorMissingLevel {
		status = models.StatusSensorMissing
	}
	return models.Reading{Tank: src.Tank, Level: r.level, Status: status}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu      sync.Mutex
	updates []Update
}

func (s *recordingSink) Publish(ctx context.Context, u Update) error {
	s.mu.Lock()
	s.updates = append(s.updates, u)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Update(nil), s.updates...)
}

type panicSink struct{}

func (panicSink) Publish(ctx context.Context, u Update) error { panic("boom") }

var testSource = client.Source{Tank: "main", ChannelID: 3026172, Field: 1}

func newTestController(f Fetcher, clk *fakeClock, sink Sink, logger *zap.Logger) *Controller {
	return New(f, Options{
		Source:      testSource,
		Name:        "Water Tank",
		WaveEnabled: true,
		Wave:        render.DefaultWaveParams(),
		Sink:        sink,
		Now:         clk.Now,
		Logger:      logger,
	})
}

func TestController_InitialStateIsWaiting(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	sink := &recordingSink{}
	c := newTestController(&scriptedFetcher{results: []result{{level: 50}}}, clk, sink, nil)

	if c.Phase() != Idle {
		t.Fatalf("Phase() = %v, want idle", c.Phase())
	}
	st := c.State()
	if st.HasData || st.LastUpdateText != render.WaitingText || st.Tank != "main" || st.Name != "Water Tank" {
		t.Errorf("State() = %+v, want waiting state for main", st)
	}

	c.Tick(clk.Now())
	updates := sink.Updates()
	if len(updates) != 1 || updates[0].Reading != nil || updates[0].State.HasData {
		t.Errorf("idle tick updates = %+v, want one waiting update", updates)
	}
}

// TestController_SecondsAgo verifies the elapsed counter reads 0 right after a
// fetch and 5 after five seconds without one.
func TestController_SecondsAgo(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestController(&scriptedFetcher{results: []result{{level: 50}}}, clk, nil, nil)

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	st := c.State()
	if st.SecondsAgo != 0 || st.LastUpdateText != "Last updated: 0 seconds ago" {
		t.Errorf("after poll: SecondsAgo=%d text=%q, want 0", st.SecondsAgo, st.LastUpdateText)
	}
	if c.Phase() != Displaying {
		t.Errorf("Phase() = %v, want displaying", c.Phase())
	}

	clk.Advance(5 * time.Second)
	c.Tick(clk.Now())
	st = c.State()
	if st.SecondsAgo != 5 || st.LastUpdateText != "Last updated: 5 seconds ago" {
		t.Errorf("after 5s: SecondsAgo=%d text=%q, want 5", st.SecondsAgo, st.LastUpdateText)
	}
	if st.Level != 50 || st.Band != models.BandC || st.StatusText != "Water Level: 50%" {
		t.Errorf("tick changed reading-derived fields: %+v", st)
	}
}

func TestController_SloshOnlyOnChange(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	f := &scriptedFetcher{results: []result{{level: 40}, {level: 40}, {level: 60}}}
	c := newTestController(f, clk, nil, nil)

	ctx := context.Background()
	if err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if c.State().Wave.Sloshing {
		t.Error("first reading started a slosh")
	}

	clk.Advance(15 * time.Second)
	if err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if c.State().Wave.Sloshing {
		t.Error("unchanged level started a slosh")
	}

	clk.Advance(15 * time.Second)
	if err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if !c.State().Wave.Sloshing {
		t.Error("40 -> 60 did not start a slosh")
	}

	clk.Advance(4 * time.Second)
	c.Tick(clk.Now())
	if c.State().Wave.Sloshing {
		t.Error("slosh still active after its duration")
	}
}

// TestController_FailureKeepsState verifies a failed poll leaves the rendered
// state untouched and the following poll still updates it.
func TestController_FailureKeepsState(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	netErr := fmt.Errorf("%w: connection refused", client.ErrNetwork)
	f := &scriptedFetcher{results: []result{{level: 80}, {err: netErr}, {level: 20}}}
	sink := &recordingSink{}
	c := newTestController(f, clk, sink, zap.New(core))

	ctx := context.Background()
	if err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	before := c.State()

	clk.Advance(15 * time.Second)
	err := c.Poll(ctx)
	if !errors.Is(err, client.ErrNetwork) {
		t.Fatalf("Poll() error = %v, want ErrNetwork", err)
	}
	if after := c.State(); !reflect.DeepEqual(before, after) {
		t.Errorf("state changed on failure:\nbefore %+v\nafter  %+v", before, after)
	}
	if n := len(sink.Updates()); n != 1 {
		t.Errorf("sink updates = %d, want 1 (failure emits nothing)", n)
	}
	entries := logs.FilterMessage("level fetch failed").All()
	if len(entries) != 1 {
		t.Fatalf("warn logs = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["category"]; got != "network" {
		t.Errorf("category = %v, want network", got)
	}

	if err := c.Poll(ctx); err != nil {
		t.Fatalf("Poll() after failure error = %v", err)
	}
	st := c.State()
	if st.Level != 20 || st.Band != models.BandA || !st.Alert {
		t.Errorf("State() = %+v, want level 20 in alert band", st)
	}
}

func TestController_PollEmitsReading(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	sink := &recordingSink{}
	c := newTestController(&scriptedFetcher{results: []result{{level: 2}}}, clk, sink, nil)

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	updates := sink.Updates()
	if len(updates) != 1 || updates[0].Reading == nil {
		t.Fatalf("updates = %+v, want one with reading", updates)
	}
	if updates[0].Reading.Status != models.StatusSensorMissing {
		t.Errorf("Reading.Status = %q, want sensor_missing", updates[0].Reading.Status)
	}
	if !updates[0].State.SensorMissing || updates[0].State.StatusText != render.SensorMissingText {
		t.Errorf("State = %+v, want sensor missing text", updates[0].State)
	}
}

func TestController_SinkPanicRecovered(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestController(&scriptedFetcher{results: []result{{level: 90}}}, clk, panicSink{}, zap.New(core))

	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if c.State().Level != 90 {
		t.Errorf("Level = %v, want 90", c.State().Level)
	}
	if logs.FilterMessage("sink publish failed").Len() != 1 {
		t.Error("expected sink failure to be logged")
	}
}

func TestController_WaveDisabled(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New(&scriptedFetcher{results: []result{{level: 50}}}, Options{Source: testSource, Now: clk.Now})
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if c.State().Wave != nil {
		t.Error("Wave set while disabled")
	}
	if c.Name() != "main" {
		t.Errorf("Name() = %q, want tank id fallback", c.Name())
	}
}

func TestController_StartStop(t *testing.T) {
	f := &scriptedFetcher{results: []result{{err: client.ErrUpstream}, {level: 30}}}
	c := New(f, Options{
		Source:          testSource,
		RefreshInterval: 10 * time.Millisecond,
		TickInterval:    5 * time.Millisecond,
	})

	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.Phase() != Displaying && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	if c.Phase() != Displaying {
		t.Fatal("data loop did not poll again after a failure")
	}
	calls := f.Calls()
	time.Sleep(30 * time.Millisecond)
	if f.Calls() != calls {
		t.Error("polling continued after Stop")
	}

	c.Stop()
	if err := c.Start(ctx); err != nil {
		t.Errorf("restart error = %v", err)
	}
	c.Stop()
}

func TestSet(t *testing.T) {
	f := &scriptedFetcher{results: []result{{level: 50}}}
	a := New(f, Options{Source: client.Source{Tank: "a", ChannelID: 1, Field: 1}})
	b := New(f, Options{Source: client.Source{Tank: "b", ChannelID: 2, Field: 1}})

	s, err := NewSet(a, b)
	if err != nil {
		t.Fatalf("NewSet() error = %v", err)
	}
	if got, ok := s.Get("b"); !ok || got != b {
		t.Error("Get(b) did not return b")
	}
	if _, ok := s.Get("c"); ok {
		t.Error("Get(c) found a controller")
	}
	all := s.All()
	if len(all) != 2 || all[0] != a || all[1] != b {
		t.Errorf("All() order wrong")
	}

	if _, err := NewSet(a, a); err == nil {
		t.Error("NewSet with duplicate ids: want error")
	}
}

// TestController_Independent verifies two widgets never share state.
func TestController_Independent(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	a := New(&scriptedFetcher{results: []result{{level: 10}}}, Options{Source: client.Source{Tank: "a", ChannelID: 1, Field: 1}, Now: clk.Now})
	b := New(&scriptedFetcher{results: []result{{level: 95}}}, Options{Source: client.Source{Tank: "b", ChannelID: 2, Field: 1}, Now: clk.Now})

	if err := a.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if b.Phase() != Idle || b.State().HasData {
		t.Error("polling a changed b")
	}
	if err := b.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if a.State().Level != 10 || b.State().Level != 95 {
		t.Errorf("levels = %v/%v, want 10/95", a.State().Level, b.State().Level)
	}
}

// gateSink records updates; once armed, the next Publish blocks until released.
type gateSink struct {
	recordingSink
	gmu     sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (s *gateSink) arm() (entered, release chan struct{}) {
	s.gmu.Lock()
	defer s.gmu.Unlock()
	s.gate = make(chan struct{})
	s.entered = make(chan struct{})
	return s.entered, s.gate
}

func (s *gateSink) Publish(ctx context.Context, u Update) error {
	s.gmu.Lock()
	gate, entered := s.gate, s.entered
	s.gate, s.entered = nil, nil
	s.gmu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return s.recordingSink.Publish(ctx, u)
}

// TestController_SinkNeverSeesOlderState verifies a display tick delayed in
// a sink cannot be delivered after a newer poll result.
func TestController_SinkNeverSeesOlderState(t *testing.T) {
	// Arrange
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	sink := &gateSink{}
	f := &scriptedFetcher{results: []result{{level: 40}, {level: 60}}}
	c := newTestController(f, clk, sink, nil)
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	// Act: a tick for level 40 blocks inside the sink while a poll for 60 completes.
	entered, release := sink.arm()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Tick(clk.Now())
	}()
	<-entered
	go func() {
		defer wg.Done()
		_ = c.Poll(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for c.State().Level != 60 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	// Assert
	updates := sink.Updates()
	last := updates[len(updates)-1].State
	if last.Level != 60 || c.State().Level != 60 {
		t.Errorf("last delivered level = %v, state level = %v, want 60", last.Level, c.State().Level)
	}
	var levels []float64
	for _, u := range updates {
		levels = append(levels, u.State.Level)
	}
	if !reflect.DeepEqual(levels, []float64{40, 40, 60}) {
		t.Errorf("delivered levels = %v, want [40 40 60]", levels)
	}
}

func TestController_EmitDropsSupersededUpdate(t *testing.T) {
	sink := &recordingSink{}
	c := New(&scriptedFetcher{results: []result{{level: 50}}}, Options{Source: testSource, Sink: sink})

	c.emit(context.Background(), Update{State: models.RenderState{Level: 60}, seq: 2})
	c.emit(context.Background(), Update{State: models.RenderState{Level: 40}, seq: 1})

	updates := sink.Updates()
	if len(updates) != 1 || updates[0].State.Level != 60 {
		t.Errorf("updates = %+v, want only the seq 2 update", updates)
	}
}

// TestController_AnimateAdvancesWave verifies redraws between display ticks
// move only the wave frame.
func TestController_AnimateAdvancesWave(t *testing.T) {
	// Arrange
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	sink := &recordingSink{}
	c := newTestController(&scriptedFetcher{results: []result{{level: 50}}}, clk, sink, nil)

	c.Animate(clk.Now())
	if len(sink.Updates()) != 0 {
		t.Fatal("Animate emitted while idle")
	}
	if err := c.Poll(context.Background()); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	before := c.State()

	// Act
	c.Animate(clk.Now().Add(100 * time.Millisecond))
	after := c.State()

	// Assert
	if after.Wave == nil || before.Wave == nil || after.Wave.Path == before.Wave.Path {
		t.Fatalf("wave did not advance: before %+v after %+v", before.Wave, after.Wave)
	}
	if after.LastUpdateText != before.LastUpdateText || after.Level != before.Level {
		t.Errorf("Animate changed non-wave state: %+v", after)
	}
	if n := len(sink.Updates()); n != 2 {
		t.Errorf("updates = %d, want 2 (poll and frame)", n)
	}
}

func TestController_StartRunsAnimationLoop(t *testing.T) {
	sink := &recordingSink{}
	c := New(&scriptedFetcher{results: []result{{level: 50}}}, Options{
		Source:          testSource,
		RefreshInterval: time.Hour,
		TickInterval:    time.Hour,
		FrameInterval:   5 * time.Millisecond,
		WaveEnabled:     true,
		Wave:            render.DefaultWaveParams(),
		Sink:            sink,
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sink.Updates()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Stop()

	updates := sink.Updates()
	if len(updates) < 4 {
		t.Fatalf("updates = %d, want animation frames between display ticks", len(updates))
	}
	first, second := updates[0].State.Wave, updates[1].State.Wave
	if first == nil || second == nil || first.Phase == second.Phase {
		t.Error("animation frames did not advance the wave")
	}
}
