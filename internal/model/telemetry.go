// Package model holds the telemetry types flowing through the pipeline:
// the decoded Batch, its Points, and the Record shape the durable sink
// receives.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Point is one sensor sample. Only the timestamp is required; every other
// field is independently nullable because device capability varies.
type Point struct {
	Timestamp int64    `json:"timestamp"`
	SubMillis *float64 `json:"subMillis,omitempty"`

	AccelX *float64 `json:"accelX,omitempty"`
	AccelY *float64 `json:"accelY,omitempty"`
	AccelZ *float64 `json:"accelZ,omitempty"`

	GyroX *float64 `json:"gyroX,omitempty"`
	GyroY *float64 `json:"gyroY,omitempty"`
	GyroZ *float64 `json:"gyroZ,omitempty"`

	MagX *float64 `json:"magX,omitempty"`
	MagY *float64 `json:"magY,omitempty"`
	MagZ *float64 `json:"magZ,omitempty"`

	// computed orientation
	Pitch *float64 `json:"pitch,omitempty"`
	Roll  *float64 `json:"roll,omitempty"`
	Yaw   *float64 `json:"yaw,omitempty"`

	Lat    *float64 `json:"lat,omitempty"`
	Lon    *float64 `json:"lon,omitempty"`
	Alt    *float64 `json:"alt,omitempty"`
	Speed  *float64 `json:"speed,omitempty"`
	Course *float64 `json:"course,omitempty"`

	HeartRate *int64   `json:"heartRate,omitempty"`
	Battery   *float64 `json:"battery,omitempty"`
	Moving    *bool    `json:"moving,omitempty"`
	Activity  *string  `json:"activity,omitempty"`
}

// Batch is a decoded delivery. Points is never empty; decode fails instead
// of constructing an empty batch.
type Batch struct {
	SessionKey string
	OwnerKey   string
	Points     []Point
	ReceivedAt time.Time
}

// Record is a Point enriched for persistence. The durable sink owns it once
// the bulk write returns.
type Record struct {
	ID         uuid.UUID
	SessionKey string
	OwnerKey   string
	Point
	CreatedAt time.Time
	UpdatedAt time.Time
}
