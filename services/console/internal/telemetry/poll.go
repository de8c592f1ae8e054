package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/push"
)

// PollOnce runs one full fetch unless the gate is closed or a poll is already
// in flight. Skipped ticks are dropped, not queued. ran reports whether a
// fetch was issued.
func (s *Store) PollOnce(ctx context.Context) (ran bool, err error) {
	if s.gate != nil && !s.gate() {
		return false, nil
	}
	if !s.polling.CompareAndSwap(false, true) {
		s.logger.Debug("poll skipped, previous poll still running")
		return false, nil
	}
	defer s.polling.Store(false)
	return true, s.FetchAll(ctx)
}

// StartPolling polls immediately and then every interval until stop is called
// or ctx ends. Each tick runs on its own goroutine so a slow upstream does
// not delay the ticker; PollOnce drops overlapping ticks. stop is idempotent
// and returns once the ticker loop and every tick in flight have finished.
func (s *Store) StartPolling(ctx context.Context, interval time.Duration) (stop func()) {
	return every(ctx, interval, func(ctx context.Context) {
		// Failures are recorded on the store; the next tick retries.
		_, _ = s.PollOnce(ctx)
	})
}

// WatchLive reads one sensor's live telemetry immediately and then every
// interval. Failures are logged and retried on the next tick.
func (s *Store) WatchLive(ctx context.Context, id string, interval time.Duration) (stop func()) {
	return every(ctx, interval, func(ctx context.Context) {
		if err := s.FetchLive(ctx, id); err != nil {
			s.logger.Debug("live watch tick failed", zap.String("sensor_id", id), zap.Error(err))
		}
	})
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	tick := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		tick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

// AttachPush subscribes the store to sensor_update events on ch and joins
// every known sensor, now and after each reconnect. detach is idempotent.
func (s *Store) AttachPush(ch Channel) (detach func()) {
	s.mu.Lock()
	s.channel = ch
	s.mu.Unlock()

	offUpdate := ch.On(push.EventSensorUpdate, s.HandlePushUpdate)
	offConnect := ch.On(push.EventConnect, func(json.RawMessage) { s.joinAll() })
	s.joinAll()

	var once sync.Once
	return func() {
		once.Do(func() {
			offUpdate()
			offConnect()
			s.mu.Lock()
			if s.channel == ch {
				s.channel = nil
			}
			s.mu.Unlock()
		})
	}
}

// joinAll registers interest in live updates for every sensor in the
// collection. It is a no-op while the channel is down.
func (s *Store) joinAll() {
	s.mu.RLock()
	ch := s.channel
	ids := append([]string(nil), s.order...)
	s.mu.RUnlock()

	if ch == nil || !ch.Connected() {
		return
	}
	for _, id := range ids {
		if err := ch.Emit(push.EventJoinSensor, id); err != nil {
			s.logger.Debug("join_sensor failed", zap.String("sensor_id", id), zap.Error(err))
			return
		}
	}
}
