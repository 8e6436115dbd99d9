package db

import (
	"time"

	"github.com/google/uuid"
)

// User represents a reporting account, keyed by username
type User struct {
	ID        uuid.UUID
	Username  string
	CreatedAt time.Time
}

// Location represents a physical place, keyed by (city, state, country)
type Location struct {
	ID        uuid.UUID
	City      string
	State     string
	Country   string
	Latitude  float64
	Longitude float64
	CreatedAt time.Time
}

// Device represents a sensor unit, keyed by (client id, location)
type Device struct {
	ID         uuid.UUID
	ClientID   string
	UserID     uuid.UUID
	LocationID uuid.UUID
	CreatedAt  time.Time
}

// Measurement represents a measured variable definition, keyed by name
type Measurement struct {
	ID        uuid.UUID
	Name      string
	Unit      string
	CreatedAt time.Time
}

// Reading represents a single data point. Readings are never updated.
type Reading struct {
	// UnixTime is the ingestion timestamp in milliseconds
	UnixTime      int64
	BaseTime      time.Time
	Value         float64
	DeviceID      uuid.UUID
	MeasurementID uuid.UUID
}
