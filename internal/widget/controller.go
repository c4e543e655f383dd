// Package widget runs one tank display: a data loop that polls the level
// feed and a display loop that keeps the elapsed-time text and the wave
// animation current. Each Controller owns its state; nothing is shared
// between tanks.
package widget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/tank-level-service/internal/client"
	"github.com/kjstillabower/tank-level-service/internal/degraded"
	"github.com/kjstillabower/tank-level-service/internal/lifecycle"
	"github.com/kjstillabower/tank-level-service/internal/models"
	"github.com/kjstillabower/tank-level-service/internal/observability"
	"github.com/kjstillabower/tank-level-service/internal/render"
)

// ErrAlreadyRunning is returned by Start on a controller that is running.
var ErrAlreadyRunning = errors.New("widget: already running")

// Fetcher returns the latest reading for a source. Implemented by service.LevelService.
type Fetcher interface {
	FetchLevel(ctx context.Context, src client.Source) (models.Reading, error)
}

// Update is what sinks receive. Reading is set only when the update
// follows a successful poll; display ticks carry State alone.
type Update struct {
	State   models.RenderState
	Reading *models.Reading

	seq uint64
}

// Sink receives every render. Implementations must not block for long;
// they are called from the widget loops.
type Sink interface {
	Publish(ctx context.Context, u Update) error
}

// Phase is the widget lifecycle: Idle until the first successful reading.
type Phase int

const (
	Idle Phase = iota
	Displaying
)

func (p Phase) String() string {
	if p == Displaying {
		return "displaying"
	}
	return "idle"
}

// Options configures a Controller. Zero intervals take the defaults.
type Options struct {
	Source          client.Source
	Name            string
	RefreshInterval time.Duration
	TickInterval    time.Duration
	// FrameInterval paces wave redraws when WaveEnabled. Default 100ms.
	FrameInterval time.Duration
	WaveEnabled   bool
	Wave          render.WaveParams
	SloshDuration time.Duration
	Sink          Sink
	Now           func() time.Time
	Logger        *zap.Logger
}

// Controller is one widget instance.
type Controller struct {
	fetcher Fetcher
	src     client.Source
	name    string
	refresh time.Duration
	tick    time.Duration
	frame   time.Duration
	waveOn  bool
	wave    render.WaveParams
	sink    Sink
	now     func() time.Time
	logger  *zap.Logger

	mu         sync.Mutex
	phase      Phase
	last       models.Reading
	lastUpdate time.Time
	current    models.RenderState
	slosh      *render.SloshTracker
	seq        uint64

	// emitMu serializes sink calls; sent is the newest seq delivered.
	emitMu sync.Mutex
	sent   uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an idle controller for opts.Source.
func New(f Fetcher, opts Options) *Controller {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 15 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 100 * time.Millisecond
	}
	if opts.SloshDuration <= 0 {
		opts.SloshDuration = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = opts.Source.Tank
	}
	c := &Controller{
		fetcher: f,
		src:     opts.Source,
		name:    opts.Name,
		refresh: opts.RefreshInterval,
		tick:    opts.TickInterval,
		frame:   opts.FrameInterval,
		waveOn:  opts.WaveEnabled,
		wave:    opts.Wave,
		sink:    opts.Sink,
		now:     opts.Now,
		logger:  opts.Logger.With(zap.String("tank", opts.Source.Tank)),
		slosh:   render.NewSloshTracker(opts.SloshDuration),
	}
	c.current = c.waitingLocked()
	return c
}

// ID returns the tank id.
func (c *Controller) ID() string { return c.src.Tank }

// Name returns the display name.
func (c *Controller) Name() string { return c.name }

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// State returns a snapshot of the current render state.
func (c *Controller) State() models.RenderState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.current
	st.Classes = append([]string(nil), c.current.Classes...)
	if c.current.Wave != nil {
		w := *c.current.Wave
		st.Wave = &w
	}
	return st
}

// Start launches the data and display loops, plus the animation loop when
// waves are enabled. The first poll runs immediately.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	lifecycle.PollerStarted()
	c.wg.Add(2)
	go c.dataLoop(ctx)
	go c.displayLoop(ctx)
	if c.waveOn {
		c.wg.Add(1)
		go c.animationLoop(ctx)
	}
	c.logger.Info("widget started",
		zap.Int64("channel", c.src.ChannelID),
		zap.Int("field", c.src.Field),
		zap.Duration("refresh_interval", c.refresh),
		zap.Duration("tick_interval", c.tick),
	)
	return nil
}

// Stop cancels both loops and waits for them to return. Safe to call when
// not running. A stopped controller can be started again.
func (c *Controller) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.wg.Wait()
	c.cancel = nil
	lifecycle.PollerStopped()
	c.logger.Info("widget stopped")
}

func (c *Controller) dataLoop(ctx context.Context) {
	defer c.wg.Done()
	_ = c.Poll(ctx)
	ticker := time.NewTicker(c.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Poll(ctx)
		}
	}
}

func (c *Controller) displayLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(c.now())
		}
	}
}

func (c *Controller) animationLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.frame)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Animate(c.now())
		}
	}
}

// Poll fetches once. On success the state is recomputed and emitted; on
// failure the state is left exactly as it was and the error is returned.
func (c *Controller) Poll(ctx context.Context) error {
	reading, err := c.fetcher.FetchLevel(ctx, c.src)
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		category := client.CategorizeError(err)
		observability.LevelFetchErrorsTotal.WithLabelValues(c.src.Tank, string(category)).Inc()
		degraded.RecordError()
		c.logger.Warn("level fetch failed",
			zap.String("category", string(category)),
			zap.Error(err),
		)
		return err
	}
	degraded.RecordSuccess()

	now := c.now()
	c.mu.Lock()
	sloshed := c.slosh.Observe(reading.Level, now)
	c.last = reading
	c.lastUpdate = now
	c.phase = Displaying
	st := c.renderLocked(now)
	c.current = st
	seq := c.nextSeqLocked()
	c.mu.Unlock()

	observability.RecordTankState(c.src.Tank, st.Level, st.Band.Ordinal(), st.Alert, st.SensorMissing)
	observability.TankLastUpdateAgeSeconds.WithLabelValues(c.src.Tank).Set(0)
	if sloshed {
		observability.TankSloshTotal.WithLabelValues(c.src.Tank).Inc()
	}
	if reading.Status == models.StatusSensorMissing {
		c.logger.Warn("sensor not detected", zap.Int64("entry_id", reading.EntryID))
	} else {
		c.logger.Debug("level updated",
			zap.Float64("level", reading.Level),
			zap.String("band", string(st.Band)),
			zap.Bool("slosh", sloshed),
		)
	}

	c.emit(ctx, Update{State: st, Reading: &reading, seq: seq})
	return nil
}

// Tick recomputes the elapsed-time text and the wave frame at now and emits
// the result. While idle it emits the waiting state.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	var st models.RenderState
	if c.phase == Idle {
		st = c.waitingLocked()
	} else {
		st = c.renderLocked(now)
	}
	c.current = st
	displaying := c.phase == Displaying
	seq := c.nextSeqLocked()
	c.mu.Unlock()

	if displaying {
		observability.TankLastUpdateAgeSeconds.WithLabelValues(c.src.Tank).Set(float64(st.SecondsAgo))
	}
	c.emit(context.Background(), Update{State: st, seq: seq})
}

// Animate redraws only the wave frame at now and emits it. No-op while idle
// or with waves disabled.
func (c *Controller) Animate(now time.Time) {
	c.mu.Lock()
	if c.phase != Displaying || !c.waveOn {
		c.mu.Unlock()
		return
	}
	frame := render.Wave(c.wave, c.current.HeightPercent, now, c.slosh.Active(now))
	st := c.current
	st.Classes = append([]string(nil), c.current.Classes...)
	st.Wave = &frame
	c.current = st
	seq := c.nextSeqLocked()
	c.mu.Unlock()

	c.emit(context.Background(), Update{State: st, seq: seq})
}

func (c *Controller) nextSeqLocked() uint64 {
	c.seq++
	return c.seq
}

func (c *Controller) renderLocked(now time.Time) models.RenderState {
	st := render.Render(c.last.Level)
	st.Tank = c.src.Tank
	st.Name = c.name
	st.LastUpdate = c.lastUpdate
	st.SecondsAgo, st.LastUpdateText = render.LastUpdateText(c.lastUpdate, now)
	if c.waveOn {
		frame := render.Wave(c.wave, st.HeightPercent, now, c.slosh.Active(now))
		st.Wave = &frame
	}
	return st
}

func (c *Controller) waitingLocked() models.RenderState {
	st := render.Waiting()
	st.Tank = c.src.Tank
	st.Name = c.name
	return st
}

// emit delivers u unless a newer update already went out, so sinks never
// see a state older than one they were given.
func (c *Controller) emit(ctx context.Context, u Update) {
	if c.sink == nil {
		return
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if u.seq <= c.sent {
		c.logger.Debug("dropping superseded update", zap.Uint64("seq", u.seq))
		return
	}
	c.sent = u.seq
	if err := c.publish(ctx, u); err != nil {
		c.logger.Warn("sink publish failed", zap.Error(err))
	}
}

func (c *Controller) publish(ctx context.Context, u Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return c.sink.Publish(ctx, u)
}
