package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// MockSiteStore is a mock implementation of the site config store
type MockSiteStore struct {
	mock.Mock
}

// Get mocks config lookup for one site
func (m *MockSiteStore) Get(ctx context.Context, siteName string) (*siteconfig.SiteConfig, error) {
	args := m.Called(ctx, siteName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*siteconfig.SiteConfig), args.Error(1)
}

// List mocks listing enabled site configs
func (m *MockSiteStore) List(ctx context.Context) ([]*siteconfig.SiteConfig, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*siteconfig.SiteConfig), args.Error(1)
}

// Upsert mocks config writes
func (m *MockSiteStore) Upsert(ctx context.Context, cfg *siteconfig.SiteConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

// RecordOutcome mocks crawl outcome transitions
func (m *MockSiteStore) RecordOutcome(ctx context.Context, siteName string, outcome siteconfig.Outcome) error {
	args := m.Called(ctx, siteName, outcome)
	return args.Error(0)
}
