package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/iot-receiver/internal/db"
	"github.com/septivank/iot-receiver/internal/errs"
)

var (
	// ErrNotFound is returned when no row matches a natural key
	ErrNotFound = errors.New("entity not found")
	// ErrConflict is returned when an insert loses a natural-key race
	ErrConflict = errors.New("entity already exists")
)

const uniqueViolation = "23505"

// Repository handles database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Ping checks that the store is reachable
func (r *Repository) Ping(ctx context.Context) error {
	return errs.E(errs.KindStore, "ping", r.pool.Ping(ctx))
}

// FindUser looks up a user by username
func (r *Repository) FindUser(ctx context.Context, username string) (*db.User, error) {
	query := `
		SELECT id, username, created_at
		FROM users
		WHERE username = $1
	`

	var user db.User
	err := r.pool.QueryRow(ctx, query, username).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		return nil, lookupErr("query user", err)
	}
	return &user, nil
}

// CreateUser inserts a user. ErrConflict means another writer created it first.
func (r *Repository) CreateUser(ctx context.Context, username string) (*db.User, error) {
	query := `
		INSERT INTO users (id, username)
		VALUES ($1, $2)
		ON CONFLICT (username) DO NOTHING
		RETURNING id, username, created_at
	`

	var user db.User
	err := r.pool.QueryRow(ctx, query, uuid.New(), username).Scan(&user.ID, &user.Username, &user.CreatedAt)
	if err != nil {
		return nil, insertErr("create user", err)
	}
	return &user, nil
}

// FindLocation looks up a location by its (city, state, country) key
func (r *Repository) FindLocation(ctx context.Context, city, state, country string) (*db.Location, error) {
	query := `
		SELECT id, city, state, country, latitude, longitude, created_at
		FROM locations
		WHERE city = $1 AND state = $2 AND country = $3
	`

	var loc db.Location
	err := r.pool.QueryRow(ctx, query, city, state, country).Scan(
		&loc.ID,
		&loc.City,
		&loc.State,
		&loc.Country,
		&loc.Latitude,
		&loc.Longitude,
		&loc.CreatedAt,
	)
	if err != nil {
		return nil, lookupErr("query location", err)
	}
	return &loc, nil
}

// CreateLocation inserts a location with its resolved coordinates. Coordinates
// of an existing location are never overwritten.
func (r *Repository) CreateLocation(ctx context.Context, loc *db.Location) (*db.Location, error) {
	query := `
		INSERT INTO locations (id, city, state, country, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (city, state, country) DO NOTHING
		RETURNING id, city, state, country, latitude, longitude, created_at
	`

	var created db.Location
	err := r.pool.QueryRow(ctx, query,
		uuid.New(),
		loc.City,
		loc.State,
		loc.Country,
		loc.Latitude,
		loc.Longitude,
	).Scan(
		&created.ID,
		&created.City,
		&created.State,
		&created.Country,
		&created.Latitude,
		&created.Longitude,
		&created.CreatedAt,
	)
	if err != nil {
		return nil, insertErr("create location", err)
	}
	return &created, nil
}

// FindDevice looks up a device by its (client id, location) key
func (r *Repository) FindDevice(ctx context.Context, clientID string, locationID uuid.UUID) (*db.Device, error) {
	query := `
		SELECT id, client_id, user_id, location_id, created_at
		FROM devices
		WHERE client_id = $1 AND location_id = $2
	`

	var device db.Device
	err := r.pool.QueryRow(ctx, query, clientID, locationID).Scan(
		&device.ID,
		&device.ClientID,
		&device.UserID,
		&device.LocationID,
		&device.CreatedAt,
	)
	if err != nil {
		return nil, lookupErr("query device", err)
	}
	return &device, nil
}

// CreateDevice inserts a device owned by userID at locationID
func (r *Repository) CreateDevice(ctx context.Context, clientID string, userID, locationID uuid.UUID) (*db.Device, error) {
	query := `
		INSERT INTO devices (id, client_id, user_id, location_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id, location_id) DO NOTHING
		RETURNING id, client_id, user_id, location_id, created_at
	`

	var device db.Device
	err := r.pool.QueryRow(ctx, query, uuid.New(), clientID, userID, locationID).Scan(
		&device.ID,
		&device.ClientID,
		&device.UserID,
		&device.LocationID,
		&device.CreatedAt,
	)
	if err != nil {
		return nil, insertErr("create device", err)
	}
	return &device, nil
}

// FindMeasurement looks up a measurement by name
func (r *Repository) FindMeasurement(ctx context.Context, name string) (*db.Measurement, error) {
	query := `
		SELECT id, name, unit, created_at
		FROM measurements
		WHERE name = $1
	`

	var m db.Measurement
	err := r.pool.QueryRow(ctx, query, name).Scan(&m.ID, &m.Name, &m.Unit, &m.CreatedAt)
	if err != nil {
		return nil, lookupErr("query measurement", err)
	}
	return &m, nil
}

// CreateMeasurement inserts a measurement with the given unit
func (r *Repository) CreateMeasurement(ctx context.Context, name, unit string) (*db.Measurement, error) {
	query := `
		INSERT INTO measurements (id, name, unit)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO NOTHING
		RETURNING id, name, unit, created_at
	`

	var m db.Measurement
	err := r.pool.QueryRow(ctx, query, uuid.New(), name, unit).Scan(&m.ID, &m.Name, &m.Unit, &m.CreatedAt)
	if err != nil {
		return nil, insertErr("create measurement", err)
	}
	return &m, nil
}

// InsertReading inserts a data point
func (r *Repository) InsertReading(ctx context.Context, reading *db.Reading) error {
	query := `
		INSERT INTO data (unix_time, base_time, variable_value, device_id, variable_id)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.pool.Exec(ctx, query,
		reading.UnixTime,
		reading.BaseTime,
		reading.Value,
		reading.DeviceID,
		reading.MeasurementID,
	)
	if err != nil {
		return errs.E(errs.KindStore, "insert reading", err)
	}

	return nil
}

func lookupErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return errs.E(errs.KindStore, op, err)
}

// insertErr maps an empty ON CONFLICT DO NOTHING result, or a unique violation
// raised by another constraint, to ErrConflict.
func insertErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return errs.E(errs.KindStore, op, err)
}
