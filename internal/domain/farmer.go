// Package domain contains core domain types for the intake assistant.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Farmer is the identity row of the relational store.
type Farmer struct {
	ID            int64     `json:"id"`
	FirstName     string    `json:"first_name"`
	LastName      string    `json:"last_name"`
	ContactNumber string    `json:"contact_number"`
	Location      string    `json:"location"`
	PrimaryCrops  string    `json:"primary_crops"`
	Language      string    `json:"language,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FullName joins first and last name, skipping empty parts.
func (f *Farmer) FullName() string {
	switch {
	case f.FirstName == "":
		return f.LastName
	case f.LastName == "":
		return f.FirstName
	default:
		return f.FirstName + " " + f.LastName
	}
}

// Field is a parcel of land owned by a farmer.
type Field struct {
	ID        int64           `json:"id"`
	FarmerID  int64           `json:"farmer_id"`
	Name      string          `json:"name"`
	AreaHa    decimal.Decimal `json:"area_ha"`
	SoilType  string          `json:"soil_type,omitempty"`
	Latitude  decimal.Decimal `json:"latitude"`
	Longitude decimal.Decimal `json:"longitude"`
}

// CropAssignment records a crop planted on a field.
type CropAssignment struct {
	ID          int64           `json:"id"`
	FieldID     int64           `json:"field_id"`
	CropName    string          `json:"crop_name"`
	Variety     string          `json:"variety,omitempty"`
	AreaPlanted decimal.Decimal `json:"area_planted"`
	PlantedAt   *time.Time      `json:"planted_at,omitempty"`
	ExpectedAt  *time.Time      `json:"expected_harvest_at,omitempty"`
}

// Task is a scheduled or performed operation on a field.
type Task struct {
	ID          int64      `json:"id"`
	FieldID     int64      `json:"field_id"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	PerformedAt *time.Time `json:"performed_at,omitempty"`
}

// MaterialUsage records material applied to a field.
type MaterialUsage struct {
	ID       int64           `json:"id"`
	FieldID  int64           `json:"field_id"`
	Material string          `json:"material"`
	Quantity decimal.Decimal `json:"quantity"`
	Unit     string          `json:"unit"`
	UsedAt   time.Time       `json:"used_at"`
}

// Registration is a completed intake profile persisted for follow-up.
type Registration struct {
	SessionID string
	FarmerID  string
	Profile   Profile
	Language  string
	CreatedAt time.Time
}
