package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/gavelhound/gavelhound/internal/fetcher"
	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// MockFetcher is a mock implementation of the page fetcher
type MockFetcher struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockFetcher) Fetch(ctx context.Context, targetURL string, site *siteconfig.SiteConfig, p *proxy.Proxy) (*fetcher.Page, error) {
	args := m.Called(ctx, targetURL, site, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*fetcher.Page), args.Error(1)
}
