package agent

import (
	"context"

	"github.com/ashureev/farm-intake/internal/contextcache"
	"github.com/ashureev/farm-intake/internal/domain"
	"github.com/ashureev/farm-intake/internal/extraction"
	"github.com/ashureev/farm-intake/internal/formatter"
	"github.com/ashureev/farm-intake/internal/store"
)

// Extractor turns one message into a reply and validated profile fields.
type Extractor interface {
	Process(ctx context.Context, req extraction.Request) (*extraction.Result, error)
}

// ContextProvider supplies and invalidates farmer context packages.
type ContextProvider interface {
	Get(ctx context.Context, farmerID int64) (*contextcache.Package, error)
	Invalidate(ctx context.Context, farmerID int64)
}

// RegistrationSaver persists completed registrations.
type RegistrationSaver interface {
	SaveRegistration(ctx context.Context, reg *domain.Registration) error
}

// Chunker splits a reply into chat-sized messages.
type Chunker interface {
	Format(text string) []string
}

var (
	_ Extractor         = (*extraction.Engine)(nil)
	_ ContextProvider   = (*contextcache.Cache)(nil)
	_ RegistrationSaver = (store.Repository)(nil)
	_ Chunker           = (*formatter.Formatter)(nil)
)
