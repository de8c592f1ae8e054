package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/apierr"
	"github.com/vgold/heatwatch/services/console/internal/notify"
	"github.com/vgold/heatwatch/services/console/internal/push"
	"github.com/vgold/heatwatch/services/console/internal/upstream"
)

// ErrUnknownSensor is returned for ids not in the collection.
var ErrUnknownSensor = errors.New("unknown sensor")

const (
	defaultSyncDelay   = 2 * time.Second
	defaultPageLimit   = 1000
	defaultHistorySize = 50
	subscriberBuffer   = 16
)

// API is the slice of the remote API the store reads from.
type API interface {
	ListSensors(ctx context.Context, page, limit int) ([]upstream.Record, error)
	SensorLive(ctx context.Context, id string) (upstream.Record, error)
	SensorHistory(ctx context.Context, id string, page, limit int) (upstream.HistoryPage, error)
	SyncAll(ctx context.Context) error
	SyncSensor(ctx context.Context, id string) error
}

// Notifier receives user-visible notifications.
type Notifier interface {
	Notify(kind notify.Kind, title, message string) notify.Notification
}

// Channel is the push connection as seen by the store.
type Channel interface {
	Connected() bool
	Emit(event string, data any) error
	On(event string, h push.Handler) func()
}

// Source names the update path behind a Change.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceLive    Source = "live"
	SourceHistory Source = "history"
	SourcePush    Source = "push"
)

// Change is published after every mutation. SensorID is empty for full
// replaces.
type Change struct {
	Source   Source    `json:"source"`
	SensorID string    `json:"sensor_id,omitempty"`
	At       time.Time `json:"at"`
}

// Option configures a Store.
type Option func(*Store)

// WithGate skips polls while gate returns false, e.g. while logged out.
func WithGate(gate func() bool) Option { return func(s *Store) { s.gate = gate } }

// WithSyncDelay sets the wait between a sync request and the re-fetch.
func WithSyncDelay(d time.Duration) Option { return func(s *Store) { s.syncDelay = d } }

// WithPageLimit sets the limit of the full-list request.
func WithPageLimit(n int) Option { return func(s *Store) { s.pageLimit = n } }

// WithHistoryPageSize sets the default history page size.
func WithHistoryPageSize(n int) Option { return func(s *Store) { s.historySize = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// Store is the single authoritative sensor collection. Every update path
// writes under one mutex; concurrent writers to the same sensor resolve as
// last write wins per field group.
type Store struct {
	api      API
	notifier Notifier
	logger   *zap.Logger

	gate        func() bool
	syncDelay   time.Duration
	pageLimit   int
	historySize int
	now         func() time.Time

	polling atomic.Bool

	mu        sync.RWMutex
	order     []string
	byID      map[string]*Sensor
	cursor    HistoryMeta
	lastErr   error
	attempted bool
	loaded    bool
	channel   Channel
	subs      map[int]chan Change
	nextSub   int
}

func NewStore(api API, notifier Notifier, logger *zap.Logger, opts ...Option) *Store {
	s := &Store{
		api:         api,
		notifier:    notifier,
		logger:      logger,
		syncDelay:   defaultSyncDelay,
		pageLimit:   defaultPageLimit,
		historySize: defaultHistorySize,
		now:         time.Now,
		byID:        make(map[string]*Sensor),
		subs:        make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchAll replaces the whole collection with the upstream list. On failure
// the current collection is kept and the error recorded; every failure
// except the very first attempt is also raised as a notification.
func (s *Store) FetchAll(ctx context.Context) error {
	records, err := s.api.ListSensors(ctx, 1, s.pageLimit)

	s.mu.Lock()
	first := !s.attempted
	s.attempted = true
	if err != nil {
		s.lastErr = err
		s.mu.Unlock()
		s.logger.Error("failed to fetch sensors", zap.Error(err))
		if !first {
			s.notifier.Notify(notify.KindError, "Sync Error", apierr.Message(err))
		}
		return fmt.Errorf("fetch sensors: %w", err)
	}

	now := s.now()
	order := make([]string, 0, len(records))
	byID := make(map[string]*Sensor, len(records))
	for _, rec := range records {
		sensor, ok := Adapt(rec, now)
		if !ok {
			s.logger.Warn("sensor record without id skipped")
			continue
		}
		if _, dup := byID[sensor.ID]; !dup {
			order = append(order, sensor.ID)
		}
		byID[sensor.ID] = &sensor
	}

	// The active history page survives a full replace when the list does
	// not carry one.
	if active := s.cursor.SensorID; active != "" {
		if prev, ok := s.byID[active]; ok {
			if next, ok := byID[active]; ok && len(next.History) == 0 {
				next.History = prev.History
			}
		}
	}

	s.order = order
	s.byID = byID
	s.lastErr = nil
	s.loaded = true
	s.mu.Unlock()

	s.logger.Debug("sensors replaced", zap.Int("count", len(order)))
	s.publish(Change{Source: SourcePoll})
	s.joinAll()
	return nil
}

// FetchLive refreshes one sensor's telemetry and last update. Nothing else in
// the sensor or the collection changes. A live timeout is expected for slow
// units and is not an error.
func (s *Store) FetchLive(ctx context.Context, id string) error {
	if _, ok := s.Sensor(id); !ok {
		return ErrUnknownSensor
	}

	rec, err := s.api.SensorLive(ctx, id)
	if errors.Is(err, upstream.ErrLiveTimeout) {
		s.logger.Debug("live reading timed out", zap.String("sensor_id", id))
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to fetch live reading", zap.String("sensor_id", id), zap.Error(err))
		return fmt.Errorf("fetch live %s: %w", id, err)
	}

	patch := TelemetryPatch(reading(rec))
	at, ok := reading(rec).Time(timeKeys...)
	if !ok {
		at = s.now()
	}

	s.mu.Lock()
	sensor, found := s.byID[id]
	if !found {
		s.mu.Unlock()
		return ErrUnknownSensor
	}
	patch.applyTo(sensor)
	sensor.LastUpdate = at
	s.mu.Unlock()

	s.publish(Change{Source: SourceLive, SensorID: id})
	return nil
}

// FetchHistory loads one history page for id, stores it as the sensor's
// history and moves the store-wide cursor to it. Page 1 with samples also
// refreshes the live telemetry from the newest sample.
func (s *Store) FetchHistory(ctx context.Context, id string, page, limit int) ([]Sample, HistoryMeta, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = s.historySize
	}

	hp, err := s.api.SensorHistory(ctx, id, page, limit)
	if err != nil {
		s.logger.Warn("failed to fetch history", zap.String("sensor_id", id), zap.Int("page", page), zap.Error(err))
		return nil, HistoryMeta{}, fmt.Errorf("fetch history %s: %w", id, err)
	}
	samples := AdaptSamples(hp.Samples)

	meta := HistoryMeta{
		SensorID: id,
		Page:     hp.Meta.Page,
		LastPage: hp.Meta.Pages,
		Total:    hp.Meta.Total,
		PageSize: hp.Meta.Limit,
	}
	if meta.Page < 1 {
		meta.Page = page
	}
	if meta.PageSize < 1 {
		meta.PageSize = limit
	}
	if meta.LastPage < 1 {
		meta.LastPage = 1
	}

	s.mu.Lock()
	sensor, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, HistoryMeta{}, ErrUnknownSensor
	}
	sensor.History = samples
	if meta.Page == 1 && len(samples) > 0 {
		sensor.Telemetry = samples[0].Telemetry
		if !samples[0].Time.IsZero() {
			sensor.LastUpdate = samples[0].Time
		}
	}
	s.cursor = meta
	s.mu.Unlock()

	s.publish(Change{Source: SourceHistory, SensorID: id})
	return append([]Sample(nil), samples...), meta, nil
}

// HandlePushUpdate applies a sensor_update payload as a partial patch. Events
// without a resolvable id, or for sensors not in the collection, are dropped.
func (s *Store) HandlePushUpdate(data json.RawMessage) {
	var rec upstream.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.logger.Warn("malformed sensor update dropped", zap.Error(err))
		return
	}
	id := ResolveID(rec)
	if id == "" {
		s.logger.Warn("sensor update without id dropped")
		return
	}
	patch := PushPatch(rec)

	s.mu.Lock()
	sensor, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		s.logger.Debug("sensor update for unknown sensor", zap.String("sensor_id", id))
		return
	}
	patch.applyTo(sensor)
	sensor.LastUpdate = s.now()
	s.mu.Unlock()

	s.publish(Change{Source: SourcePush, SensorID: id})
}

// Sync asks the upstream to re-read one sensor, or all when id is empty, and
// schedules a full re-fetch after the sync delay. The physical sync has no
// completion signal, so the re-fetch is best effort.
func (s *Store) Sync(ctx context.Context, id string) error {
	var err error
	if id == "" {
		err = s.api.SyncAll(ctx)
	} else {
		err = s.api.SyncSensor(ctx, id)
	}
	if err != nil {
		s.logger.Error("sync request failed", zap.String("sensor_id", id), zap.Error(err))
		return fmt.Errorf("sync: %w", err)
	}

	refetchCtx := context.WithoutCancel(ctx)
	time.AfterFunc(s.syncDelay, func() {
		if err := s.FetchAll(refetchCtx); err != nil {
			s.logger.Warn("re-fetch after sync failed", zap.Error(err))
		}
	})
	return nil
}

// Sensors returns a copy of the collection in upstream order.
func (s *Store) Sensors() []Sensor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Sensor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// Sensor returns a copy of one sensor.
func (s *Store) Sensor(id string) (Sensor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sensor, ok := s.byID[id]
	if !ok {
		return Sensor{}, false
	}
	return sensor.clone(), true
}

// HistoryMeta returns the history cursor.
func (s *Store) HistoryMeta() HistoryMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor
}

// Err returns the error of the last full fetch, or nil.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Loaded reports whether a full fetch has ever succeeded.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded
}

// Subscribe delivers changes until cancel is called. Slow subscribers miss
// changes; they are expected to re-read the store.
func (s *Store) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Store) publish(c Change) {
	c.At = s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
