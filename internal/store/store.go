// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/farm-intake/internal/domain"
)

// Repository defines the relational store consumed by the intake core.
type Repository interface {
	// GetFarmer retrieves a farmer by id. Returns nil, nil when absent.
	GetFarmer(ctx context.Context, farmerID int64) (*domain.Farmer, error)

	// UpsertFarmer creates or updates a farmer and returns its id.
	UpsertFarmer(ctx context.Context, farmer *domain.Farmer) (int64, error)

	// ListFields returns the fields owned by a farmer, ordered by id.
	ListFields(ctx context.Context, farmerID int64) ([]domain.Field, error)

	// AddField inserts a field and returns its id.
	AddField(ctx context.Context, field *domain.Field) (int64, error)

	// ListCropAssignments returns crop assignments across all of a farmer's fields.
	ListCropAssignments(ctx context.Context, farmerID int64) ([]domain.CropAssignment, error)

	// AddCropAssignment inserts a crop assignment.
	AddCropAssignment(ctx context.Context, crop *domain.CropAssignment) (int64, error)

	// ListTasks returns scheduled and performed tasks across a farmer's fields.
	ListTasks(ctx context.Context, farmerID int64) ([]domain.Task, error)

	// AddTask inserts a task.
	AddTask(ctx context.Context, task *domain.Task) (int64, error)

	// ListMaterialUsage returns material usage across a farmer's fields.
	ListMaterialUsage(ctx context.Context, farmerID int64) ([]domain.MaterialUsage, error)

	// AddMaterialUsage inserts a material usage record.
	AddMaterialUsage(ctx context.Context, usage *domain.MaterialUsage) (int64, error)

	// SaveRegistration persists a completed intake profile.
	SaveRegistration(ctx context.Context, reg *domain.Registration) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
