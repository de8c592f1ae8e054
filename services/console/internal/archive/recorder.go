package archive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vgold/heatwatch/services/console/internal/telemetry"
)

// Writer is the storage side of the recorder. *Store implements it.
type Writer interface {
	UpsertSensors(ctx context.Context, rows []SensorRow) error
	FetchLastReadings(ctx context.Context, sensorIDs []string) (map[string]LastReading, error)
	InsertReadings(ctx context.Context, readings []Reading) error
}

// Source is the live sensor collection.
type Source interface {
	Sensors() []telemetry.Sensor
	Subscribe() (<-chan telemetry.Change, func())
}

// Recorder archives the collection after every successful full poll.
type Recorder struct {
	writer      Writer
	source      Source
	logger      *zap.Logger
	minInterval time.Duration
	epsilon     float64
}

func NewRecorder(writer Writer, source Source, logger *zap.Logger, minInterval time.Duration, epsilon float64) *Recorder {
	return &Recorder{writer: writer, source: source, logger: logger, minInterval: minInterval, epsilon: epsilon}
}

// Run records until ctx ends.
func (r *Recorder) Run(ctx context.Context) {
	changes, cancel := r.source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			if c.Source != telemetry.SourcePoll {
				continue
			}
			n, err := r.Record(ctx, r.source.Sensors())
			if err != nil {
				r.logger.Error("archive write failed", zap.Error(err))
				continue
			}
			r.logger.Debug("archived readings", zap.Int("inserted", n))
		}
	}
}

// Record upserts sensor metadata and inserts the readings that pass the
// filter. It returns the number of inserted readings.
func (r *Recorder) Record(ctx context.Context, sensors []telemetry.Sensor) (int, error) {
	rows := BuildSensorRows(sensors)
	if err := r.writer.UpsertSensors(ctx, rows); err != nil {
		return 0, err
	}

	last, err := r.writer.FetchLastReadings(ctx, SensorIDs(rows))
	if err != nil {
		return 0, err
	}

	pending := FilterNewReadings(BuildReadings(sensors), last, r.minInterval, r.epsilon)
	if len(pending) == 0 {
		return 0, nil
	}
	if err := r.writer.InsertReadings(ctx, pending); err != nil {
		return 0, fmt.Errorf("archive %d readings: %w", len(pending), err)
	}
	return len(pending), nil
}
