// Package ingest turns a resolved reading into an immutable time-series row.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/septivank/iot-receiver/internal/db"
	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/septivank/iot-receiver/tools/timeparser"
	"go.uber.org/zap"
)

// ReadingStore persists readings. Readings are insert-only.
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *db.Reading) error
}

// Writer writes readings stamped with the ingestion clock
type Writer struct {
	store  ReadingStore
	zone   *time.Location
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Writer
type Option func(*Writer)

// WithClock replaces the ingestion clock
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter creates a writer that records wall-clock time in zone
func NewWriter(store ReadingStore, zone *time.Location, logger *zap.Logger, opts ...Option) *Writer {
	w := &Writer{
		store:  store,
		zone:   zone,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write stores value for (device, measurement). The ingestion timestamp is
// taken from the writer's clock at the moment of the write; ts only supplies
// the zoned wall-clock field.
func (w *Writer) Write(ctx context.Context, value float64, device *db.Device, measurement *db.Measurement, ts time.Time) (*db.Reading, error) {
	switch {
	case device == nil:
		return nil, errs.Errorf(errs.KindValidation, "write reading", "device is required")
	case measurement == nil:
		return nil, errs.Errorf(errs.KindValidation, "write reading", "measurement is required")
	case ts.IsZero():
		return nil, errs.Errorf(errs.KindValidation, "write reading", "timestamp is required")
	}

	reading := &db.Reading{
		UnixTime:      w.now().UnixMilli(),
		BaseTime:      timeparser.InZone(ts, w.zone),
		Value:         value,
		DeviceID:      device.ID,
		MeasurementID: measurement.ID,
	}

	if err := w.store.InsertReading(ctx, reading); err != nil {
		return nil, fmt.Errorf("failed to insert reading: %w", err)
	}

	w.logger.Debug("reading stored",
		zap.String("device_id", device.ID.String()),
		zap.String("measurement", measurement.Name),
		zap.Float64("value", value),
		zap.Int64("unix_time", reading.UnixTime),
	)

	return reading, nil
}
