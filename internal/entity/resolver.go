// Package entity implements get-or-create resolution of the reference
// entities implied by an inbound message: users, locations, devices and
// measurements.
//
// Each kind is looked up by its natural key and created with defaults when
// absent. The store's unique constraints are the only guard against two
// ingesting nodes creating the same key; a create that loses that race
// re-fetches the winner's row.
package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/iot-receiver/internal/db"
	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/septivank/iot-receiver/internal/geocode"
	"github.com/septivank/iot-receiver/internal/metrics"
	"github.com/septivank/iot-receiver/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Store is the persistence surface the resolver needs. Find* return
// repository.ErrNotFound for unknown keys, Create* return
// repository.ErrConflict when the key already exists.
type Store interface {
	FindUser(ctx context.Context, username string) (*db.User, error)
	CreateUser(ctx context.Context, username string) (*db.User, error)
	FindLocation(ctx context.Context, city, state, country string) (*db.Location, error)
	CreateLocation(ctx context.Context, loc *db.Location) (*db.Location, error)
	FindDevice(ctx context.Context, clientID string, locationID uuid.UUID) (*db.Device, error)
	CreateDevice(ctx context.Context, clientID string, userID, locationID uuid.UUID) (*db.Device, error)
	FindMeasurement(ctx context.Context, name string) (*db.Measurement, error)
	CreateMeasurement(ctx context.Context, name, unit string) (*db.Measurement, error)
}

// LocationKey is the natural key of a Location
type LocationKey struct {
	City    string
	State   string
	Country string
}

// DeviceKey is the natural key of a Device
type DeviceKey struct {
	ClientID   string
	LocationID uuid.UUID
}

// Config holds resolver settings
type Config struct {
	DefaultUnit string
	// MaxAttempts bounds lookup/create rounds when creates keep conflicting
	MaxAttempts int
	// ResolveTimeout bounds one shared resolution. It runs detached from
	// the caller that started it, so other waiters are not cancelled with it.
	ResolveTimeout time.Duration
}

// Resolver resolves natural keys to persisted entities
type Resolver struct {
	store    Store
	geocoder geocode.Resolver
	cfg      Config
	metrics  *metrics.Metrics
	logger   *zap.Logger

	users        *cache[string, db.User]
	locations    *cache[LocationKey, db.Location]
	devices      *cache[DeviceKey, db.Device]
	measurements *cache[string, db.Measurement]

	// inflight collapses concurrent resolutions of one key in this process
	inflight singleflight.Group
}

// NewResolver creates a new entity resolver
func NewResolver(store Store, geocoder geocode.Resolver, cfg Config, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.DefaultUnit == "" {
		cfg.DefaultUnit = "default_unit"
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 30 * time.Second
	}
	return &Resolver{
		store:        store,
		geocoder:     geocoder,
		cfg:          cfg,
		metrics:      m,
		logger:       logger,
		users:        newCache[string, db.User](),
		locations:    newCache[LocationKey, db.Location](),
		devices:      newCache[DeviceKey, db.Device](),
		measurements: newCache[string, db.Measurement](),
	}
}

// User returns the user with username, creating it on first sight
func (r *Resolver) User(ctx context.Context, username string) (*db.User, error) {
	return getOrCreate(ctx, r, "user", r.users, username, flightKey("user", username),
		func(ctx context.Context) (*db.User, error) {
			return r.store.FindUser(ctx, username)
		},
		func(ctx context.Context) (*db.User, error) {
			return r.store.CreateUser(ctx, username)
		},
	)
}

// Location returns the location for (city, state, country). A new location is
// geocoded once before it is saved; a failed or throttled lookup stores (0, 0).
func (r *Resolver) Location(ctx context.Context, city, state, country string) (*db.Location, error) {
	key := LocationKey{City: city, State: state, Country: country}
	return getOrCreate(ctx, r, "location", r.locations, key, flightKey("location", city, state, country),
		func(ctx context.Context) (*db.Location, error) {
			return r.store.FindLocation(ctx, city, state, country)
		},
		func(ctx context.Context) (*db.Location, error) {
			coords := r.coordinates(ctx, key)
			return r.store.CreateLocation(ctx, &db.Location{
				City:      city,
				State:     state,
				Country:   country,
				Latitude:  coords.Latitude,
				Longitude: coords.Longitude,
			})
		},
	)
}

// Device returns the device clientID at location, creating it owned by user.
// The same client id at two locations is two devices.
func (r *Resolver) Device(ctx context.Context, clientID string, user *db.User, location *db.Location) (*db.Device, error) {
	if user == nil || location == nil {
		return nil, errs.Errorf(errs.KindValidation, "resolve device", "user and location are required")
	}
	key := DeviceKey{ClientID: clientID, LocationID: location.ID}
	return getOrCreate(ctx, r, "device", r.devices, key, flightKey("device", clientID, location.ID.String()),
		func(ctx context.Context) (*db.Device, error) {
			return r.store.FindDevice(ctx, clientID, location.ID)
		},
		func(ctx context.Context) (*db.Device, error) {
			return r.store.CreateDevice(ctx, clientID, user.ID, location.ID)
		},
	)
}

// Measurement returns the variable definition for name. Names are global and
// case-sensitive.
func (r *Resolver) Measurement(ctx context.Context, name string) (*db.Measurement, error) {
	return getOrCreate(ctx, r, "measurement", r.measurements, name, flightKey("measurement", name),
		func(ctx context.Context) (*db.Measurement, error) {
			return r.store.FindMeasurement(ctx, name)
		},
		func(ctx context.Context) (*db.Measurement, error) {
			return r.store.CreateMeasurement(ctx, name, r.cfg.DefaultUnit)
		},
	)
}

func (r *Resolver) coordinates(ctx context.Context, key LocationKey) geocode.Coordinates {
	coords, err := r.geocoder.Resolve(ctx, key.City, key.State, key.Country)
	switch {
	case err != nil:
		r.metrics.GeocodeLookup("error")
		r.logger.Warn("geocoding failed, storing zero coordinates",
			zap.Error(err),
			zap.String("city", key.City),
			zap.String("state", key.State),
			zap.String("country", key.Country),
		)
		return geocode.Coordinates{}
	case coords.Throttled:
		r.metrics.GeocodeLookup("throttled")
	default:
		r.metrics.GeocodeLookup("ok")
	}
	return coords
}

// flightKey joins the key fields with NUL, which cannot occur in a topic
// level, so distinct keys never share a flight
func flightKey(kind string, fields ...string) string {
	return kind + "\x00" + strings.Join(fields, "\x00")
}

func getOrCreate[K comparable, V any](
	ctx context.Context,
	r *Resolver,
	kind string,
	c *cache[K, V],
	key K,
	flight string,
	find func(context.Context) (*V, error),
	create func(context.Context) (*V, error),
) (*V, error) {
	if v, ok := c.get(key); ok {
		return v, nil
	}

	ch := r.inflight.DoChan(flight, func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.ResolveTimeout)
		defer cancel()
		return resolveKey(shared, r, kind, c, key, find, create)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*V), nil
	case <-ctx.Done():
		return nil, errs.E(errs.KindStore, "resolve "+kind, ctx.Err())
	}
}

func resolveKey[K comparable, V any](
	ctx context.Context,
	r *Resolver,
	kind string,
	c *cache[K, V],
	key K,
	find func(context.Context) (*V, error),
	create func(context.Context) (*V, error),
) (*V, error) {
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		v, err := find(ctx)
		if err == nil {
			c.put(key, v)
			return v, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up %s: %w", kind, err)
		}

		v, err = create(ctx)
		if err == nil {
			r.metrics.EntityCreated(kind)
			r.logger.Info("entity created", zap.String("kind", kind), zap.Any("key", key))
			c.put(key, v)
			return v, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("failed to create %s: %w", kind, err)
		}

		r.logger.Debug("concurrent create detected, re-fetching",
			zap.String("kind", kind),
			zap.Any("key", key),
			zap.Int("attempt", attempt),
		)
	}

	return nil, errs.Errorf(errs.KindStore, "resolve "+kind,
		"key %v still conflicting after %d attempts", key, r.cfg.MaxAttempts)
}

// cache keeps resolved entities for the life of the process. Entities are
// never mutated or deleted, so entries never go stale.
type cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]*V
}

func newCache[K comparable, V any]() *cache[K, V] {
	return &cache[K, V]{items: make(map[K]*V)}
}

func (c *cache[K, V]) get(key K) (*V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[key]
	return v, ok
}

func (c *cache[K, V]) put(key K, v *V) {
	c.mu.Lock()
	c.items[key] = v
	c.mu.Unlock()
}
