package database

import (
	"context"
	"time"

	"github.com/flowpbx/astmrf/internal/database/models"
)

// EndpointEventFilter narrows a journal listing. Zero fields match all rows.
type EndpointEventFilter struct {
	MediaServer string
	Token       string
	Event       string
	Since       time.Time
	Limit       int
	Offset      int
}

// EndpointEventRepository stores the endpoint journal.
type EndpointEventRepository interface {
	Record(ctx context.Context, ev *models.EndpointEvent) error
	List(ctx context.Context, filter EndpointEventFilter) ([]models.EndpointEvent, error)
	Count(ctx context.Context, filter EndpointEventFilter) (int64, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
