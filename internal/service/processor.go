package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/iot-receiver/internal/db"
	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/septivank/iot-receiver/internal/logging"
	"github.com/septivank/iot-receiver/internal/metrics"
	"github.com/septivank/iot-receiver/internal/mq"
	"github.com/septivank/iot-receiver/internal/validator"
	"go.uber.org/zap"
)

// EntityResolver resolves the reference entities a message implies
type EntityResolver interface {
	User(ctx context.Context, username string) (*db.User, error)
	Location(ctx context.Context, city, state, country string) (*db.Location, error)
	Device(ctx context.Context, clientID string, user *db.User, location *db.Location) (*db.Device, error)
	Measurement(ctx context.Context, name string) (*db.Measurement, error)
}

// ReadingWriter persists a single reading
type ReadingWriter interface {
	Write(ctx context.Context, value float64, device *db.Device, measurement *db.Measurement, ts time.Time) (*db.Reading, error)
}

// EventPublisher publishes stored readings and dead letters downstream
type EventPublisher interface {
	PublishReading(ctx context.Context, event mq.ReadingEvent) error
	PublishDeadLetter(ctx context.Context, letter mq.DeadLetter) error
}

// LatestCache records the last value of a device series
type LatestCache interface {
	Set(ctx context.Context, deviceID uuid.UUID, measurement string, value float64) error
}

// NopPublisher is used when no downstream broker is configured
type NopPublisher struct{}

func (NopPublisher) PublishReading(context.Context, mq.ReadingEvent) error { return nil }
func (NopPublisher) PublishDeadLetter(context.Context, mq.DeadLetter) error { return nil }

// NopLatest is used when no latest-value cache is configured
type NopLatest struct{}

func (NopLatest) Set(context.Context, uuid.UUID, string, float64) error { return nil }

// ProcessorConfig bounds the blocking calls made for one message
type ProcessorConfig struct {
	// QueryTimeout bounds a single store round trip
	QueryTimeout time.Duration
	// GeocodeTimeout bounds the lookup made when a location is first seen
	GeocodeTimeout time.Duration
}

// ProcessorService handles message processing logic
type ProcessorService struct {
	resolver  EntityResolver
	writer    ReadingWriter
	publisher EventPublisher
	latest    LatestCache
	cfg       ProcessorConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessorService creates a new processor service
func NewProcessorService(
	resolver EntityResolver,
	writer ReadingWriter,
	publisher EventPublisher,
	latest LatestCache,
	cfg ProcessorConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ProcessorService {
	if publisher == nil {
		publisher = NopPublisher{}
	}
	if latest == nil {
		latest = NopLatest{}
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Second
	}
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = 10 * time.Second
	}
	return &ProcessorService{
		resolver:  resolver,
		writer:    writer,
		publisher: publisher,
		latest:    latest,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Process ingests one inbound message. Every failure is terminal for the
// message and is logged, never returned.
func (s *ProcessorService) Process(ctx context.Context, topic string, payload []byte) {
	_ = s.process(ctx, topic, payload, 1)
}

// Replay re-processes a dead letter. The error is non-nil only when nothing
// was written and a renewed failure could not be dead-lettered again, so a
// retried letter never duplicates a reading.
func (s *ProcessorService) Replay(ctx context.Context, letter mq.DeadLetter) error {
	return s.process(ctx, letter.Topic, letter.Payload, letter.Attempt+1)
}

func (s *ProcessorService) process(ctx context.Context, topic string, payload []byte, attempt int) error {
	s.metrics.MessageReceived()
	msgLogger := logging.WithTopic(s.logger, topic)
	if attempt > 1 {
		msgLogger = msgLogger.With(zap.Int("attempt", attempt))
	}

	parsed, err := validator.ParseTopic(topic)
	if err != nil {
		s.metrics.MessageDropped(metrics.ReasonTopic)
		msgLogger.Warn("dropping message with malformed topic", zap.Error(err))
		return nil
	}

	fields, err := validator.ParsePayload(payload)
	if err != nil {
		s.metrics.MessageDropped(metrics.ReasonPayload)
		msgLogger.Warn("dropping message with malformed payload",
			zap.Error(err),
			zap.ByteString("payload", payload),
		)
		return nil
	}

	user, location, err := s.resolveOrigin(ctx, parsed)
	if err != nil {
		s.metrics.MessageDropped(metrics.ReasonEntity)
		msgLogger.Error("dropping message, failed to resolve origin",
			zap.Error(err),
			zap.ByteString("payload", payload),
		)
		return s.deadLetter(ctx, msgLogger, topic, payload, attempt, err)
	}

	ingestedAt := s.now()
	var written, failed int
	var dlqErrs []error

	for _, f := range fields {
		fieldLogger := msgLogger.With(zap.String("variable", f.Name))

		reading, device, err := s.ingestField(ctx, parsed, user, location, f, ingestedAt)
		if err != nil {
			failed++
			s.metrics.ReadingFailed()
			fieldLogger.Error("failed to ingest variable",
				zap.Error(err),
				zap.Float64("value", f.Value),
			)
			if fieldPayload, encErr := validator.EncodeField(f); encErr == nil {
				if dlqErr := s.deadLetter(ctx, fieldLogger, topic, fieldPayload, attempt, err); dlqErr != nil {
					dlqErrs = append(dlqErrs, dlqErr)
				}
			}
			continue
		}

		written++
		s.metrics.ReadingWritten()
		s.afterWrite(ctx, fieldLogger, topic, device, f.Name, reading)
	}

	msgLogger.Info("message processed",
		zap.Int("readings_written", written),
		zap.Int("readings_failed", failed),
	)

	// redelivering a partly written payload would write its readings twice
	if written > 0 {
		return nil
	}
	return errors.Join(dlqErrs...)
}

func (s *ProcessorService) resolveOrigin(ctx context.Context, t validator.Topic) (*db.User, *db.Location, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*s.cfg.QueryTimeout+s.cfg.GeocodeTimeout)
	defer cancel()

	user, err := s.resolver.User(ctx, t.Username)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	location, err := s.resolver.Location(ctx, t.City, t.State, t.Country)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve location: %w", err)
	}

	return user, location, nil
}

func (s *ProcessorService) ingestField(
	ctx context.Context,
	t validator.Topic,
	user *db.User,
	location *db.Location,
	f validator.Field,
	ingestedAt time.Time,
) (*db.Reading, *db.Device, error) {
	// measurement, device and the insert
	ctx, cancel := context.WithTimeout(ctx, 3*s.cfg.QueryTimeout)
	defer cancel()

	measurement, err := s.resolver.Measurement(ctx, f.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve measurement: %w", err)
	}

	device, err := s.resolver.Device(ctx, t.DeviceClientID, user, location)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve device: %w", err)
	}

	reading, err := s.writer.Write(ctx, f.Value, device, measurement, ingestedAt)
	if err != nil {
		return nil, nil, err
	}

	return reading, device, nil
}

func (s *ProcessorService) afterWrite(ctx context.Context, logger *zap.Logger, topic string, device *db.Device, name string, reading *db.Reading) {
	if err := s.latest.Set(ctx, device.ID, name, reading.Value); err != nil {
		logger.Warn("failed to update latest value cache", zap.Error(err))
	}

	event := mq.ReadingEvent{
		Topic:         topic,
		DeviceID:      device.ID.String(),
		ClientID:      device.ClientID,
		MeasurementID: reading.MeasurementID.String(),
		Measurement:   name,
		Value:         reading.Value,
		UnixTime:      reading.UnixTime,
		BaseTime:      reading.BaseTime.Format(time.RFC3339Nano),
	}
	if err := s.publisher.PublishReading(ctx, event); err != nil {
		logger.Error("failed to publish reading event", zap.Error(err))
	}
}

// deadLetter queues payload for replay unless the failure cannot succeed on
// a retry
func (s *ProcessorService) deadLetter(ctx context.Context, logger *zap.Logger, topic string, payload []byte, attempt int, cause error) error {
	switch errs.KindOf(cause) {
	case errs.KindParse, errs.KindValidation:
		return nil
	}

	letter := mq.DeadLetter{
		Topic:    topic,
		Payload:  json.RawMessage(payload),
		Attempt:  attempt,
		Reason:   cause.Error(),
		FailedAt: s.now().UTC(),
	}
	if err := s.publisher.PublishDeadLetter(context.WithoutCancel(ctx), letter); err != nil {
		logger.Error("failed to dead-letter message",
			zap.Error(err),
			zap.ByteString("payload", payload),
		)
		return err
	}
	return nil
}
