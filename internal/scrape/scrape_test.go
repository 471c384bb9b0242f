package scrape

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gavelhound/gavelhound/internal/extractor"
	"github.com/gavelhound/gavelhound/internal/mocks"
	"github.com/gavelhound/gavelhound/internal/fetcher"
	"github.com/gavelhound/gavelhound/internal/predictor"
	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/results"
	"github.com/gavelhound/gavelhound/internal/riskscore"
	"github.com/gavelhound/gavelhound/internal/scheduler"
	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

const indexHTML = `<html><body>
	<a href="/lot/1">Lot 1</a>
	<a href="/lot/2">Lot 2</a>
</body></html>`

const lotHTML = `<html><body>
	<span data-field="year">2019</span>
	<span data-field="make">Toyota</span>
	<span data-field="model">Corolla</span>
	<span data-field="mileage">45,210 mi</span>
	<span data-field="current_bid">$12,500</span>
	<span data-field="vin">jtdeprae5lj031425</span>
</body></html>`

type stubFetcher struct {
	pages   map[string]*fetcher.Page
	err     error
	fetched []string
}

func (f *stubFetcher) Fetch(_ context.Context, targetURL string, _ *siteconfig.SiteConfig, _ *proxy.Proxy) (*fetcher.Page, error) {
	f.fetched = append(f.fetched, targetURL)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[targetURL]
	if !ok {
		return &fetcher.Page{URL: targetURL, FinalURL: targetURL, StatusCode: 404, HTML: "<html></html>"}, nil
	}
	return page, nil
}

type stubStore struct {
	listings   []results.Listing
	provenance []extractor.Provenance
	err        error
}

func (s *stubStore) StoreListings(_ context.Context, listings []results.Listing) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.listings = append(s.listings, listings...)
	return len(listings), nil
}

func (s *stubStore) StoreProvenance(_ context.Context, records []extractor.Provenance) error {
	s.provenance = append(s.provenance, records...)
	return nil
}

func page(url string, html string) *fetcher.Page {
	return &fetcher.Page{URL: url, FinalURL: url, StatusCode: 200, HTML: html}
}

func testSite() *siteconfig.SiteConfig {
	cfg := siteconfig.Defaults("auctions.example.com")
	cfg.BaseURL = "https://auctions.example.com/search"
	return cfg
}

func testEngine() *extractor.Engine {
	engine := extractor.NewEngine(siteconfig.NewMemoryStore())
	engine.Register("selector", &extractor.SelectorStrategy{})
	return engine
}

func testService(f Fetcher, store Storer) *Service {
	cfg := DefaultConfig()
	cfg.ListingDelay = 0
	return New(cfg, f, testEngine(), store, riskscore.NewTracker(), nil, nil)
}

func TestScrapeSiteStoresListings(t *testing.T) {
	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": page("https://auctions.example.com/search", indexHTML),
		"https://auctions.example.com/lot/1":  page("https://auctions.example.com/lot/1", lotHTML),
		"https://auctions.example.com/lot/2":  page("https://auctions.example.com/lot/2", lotHTML),
	}}
	store := &stubStore{}
	s := testService(f, store)

	outcome, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.ListingsFound)
	assert.Equal(t, 2, outcome.ListingsStored)
	assert.False(t, outcome.Blocked)
	require.Len(t, store.listings, 2)

	first := store.listings[0]
	assert.Equal(t, "https://auctions.example.com/lot/1", first.ListingURL)
	assert.Equal(t, 2019, first.Year)
	assert.Equal(t, "Toyota", first.Make)
	assert.Equal(t, "Corolla", first.Model)
	assert.Equal(t, 45210, first.Mileage)
	assert.Equal(t, 12500.0, first.CurrentBid)
	assert.Equal(t, "JTDEPRAE5LJ031425", first.VIN)

	// One provenance record per field per listing.
	assert.Len(t, store.provenance, 2*len(listingFields))
}

func TestScrapeSiteBlockedIndex(t *testing.T) {
	blocked := page("https://auctions.example.com/search", "<html></html>")
	blocked.StatusCode = 403
	blocked.Blocked = true

	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": blocked,
	}}
	store := &stubStore{}
	s := testService(f, store)

	outcome, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)
	assert.True(t, outcome.Blocked)
	assert.Empty(t, store.listings)
}

func TestScrapeSiteStopsOnBlockedListing(t *testing.T) {
	blockedLot := page("https://auctions.example.com/lot/1", "<html></html>")
	blockedLot.Blocked = true

	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": page("https://auctions.example.com/search", indexHTML),
		"https://auctions.example.com/lot/1":  blockedLot,
	}}
	store := &stubStore{}
	s := testService(f, store)

	outcome, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)
	assert.True(t, outcome.Blocked)
	assert.NotContains(t, f.fetched, "https://auctions.example.com/lot/2", "blocked site should not be hammered")
}

func TestScrapeSiteIndexFetchError(t *testing.T) {
	f := &stubFetcher{err: errors.New("connection refused")}
	s := testService(f, &stubStore{})

	_, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index page")
}

func TestScrapeSiteHonoursPageBudget(t *testing.T) {
	var links string
	pages := map[string]*fetcher.Page{}
	for i := 0; i < 10; i++ {
		url := fmt.Sprintf("https://auctions.example.com/lot/%d", i)
		links += fmt.Sprintf(`<a href="/lot/%d">Lot</a>`, i)
		pages[url] = page(url, lotHTML)
	}
	pages["https://auctions.example.com/search"] = page(
		"https://auctions.example.com/search",
		"<html><body>"+links+"</body></html>",
	)

	f := &stubFetcher{pages: pages}
	store := &stubStore{}
	site := testSite()
	site.MaxPages = 3

	s := testService(f, store)
	outcome, err := s.ScrapeSite(context.Background(), site, nil)
	require.NoError(t, err)

	assert.Equal(t, 10, outcome.ListingsFound)
	assert.Equal(t, 3, outcome.ListingsStored)
}

func TestScrapeSiteQueuesRescrapes(t *testing.T) {
	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": page("https://auctions.example.com/search", indexHTML),
		"https://auctions.example.com/lot/1":  page("https://auctions.example.com/lot/1", lotHTML),
		"https://auctions.example.com/lot/2":  page("https://auctions.example.com/lot/2", lotHTML),
	}}
	sched := scheduler.New(scheduler.DefaultConfig())

	cfg := DefaultConfig()
	cfg.ListingDelay = 0
	s := New(cfg, f, testEngine(), &stubStore{}, nil, sched, predictorStub{estimate: 3000})

	_, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)

	depths := sched.Snapshot()
	assert.Equal(t, 2, depths.New, "stored listings should be queued for re-scraping")
}

func TestScrapeSitePersistenceFailureIsNotFatal(t *testing.T) {
	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": page("https://auctions.example.com/search", indexHTML),
		"https://auctions.example.com/lot/1":  page("https://auctions.example.com/lot/1", lotHTML),
		"https://auctions.example.com/lot/2":  page("https://auctions.example.com/lot/2", lotHTML),
	}}
	store := &stubStore{err: errors.New("database unavailable")}
	s := testService(f, store)

	outcome, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err, "storage trouble is logged, not a site failure")
	assert.Equal(t, 2, outcome.ListingsFound)
	assert.Zero(t, outcome.ListingsStored)
}

func TestScrapeSiteSkipsFailedListingFetch(t *testing.T) {
	f := &mocks.MockFetcher{}
	f.On("Fetch", mock.Anything, "https://auctions.example.com/search", mock.Anything, mock.Anything).
		Return(page("https://auctions.example.com/search", indexHTML), nil)
	f.On("Fetch", mock.Anything, "https://auctions.example.com/lot/1", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset by peer"))
	f.On("Fetch", mock.Anything, "https://auctions.example.com/lot/2", mock.Anything, mock.Anything).
		Return(page("https://auctions.example.com/lot/2", lotHTML), nil)

	store := &stubStore{}
	s := testService(f, store)

	outcome, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)

	assert.Equal(t, 2, outcome.ListingsFound)
	assert.Equal(t, 1, outcome.ListingsStored, "a failed listing fetch should not abort the run")
	require.Len(t, store.listings, 1)
	assert.Equal(t, "https://auctions.example.com/lot/2", store.listings[0].ListingURL)
	f.AssertExpectations(t)
}

func TestScrapeSiteQueuesRescrapesOnPredictorError(t *testing.T) {
	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": page("https://auctions.example.com/search", indexHTML),
		"https://auctions.example.com/lot/1":  page("https://auctions.example.com/lot/1", lotHTML),
		"https://auctions.example.com/lot/2":  page("https://auctions.example.com/lot/2", lotHTML),
	}}
	sched := scheduler.New(scheduler.DefaultConfig())

	predict := &mocks.MockPredictor{}
	predict.On("Predict", mock.Anything, mock.Anything).Return(0.0, errors.New("scoring service unavailable"))

	cfg := DefaultConfig()
	cfg.ListingDelay = 0
	s := New(cfg, f, testEngine(), &stubStore{}, nil, sched, predict)

	_, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)

	// Prediction failures fall back to a zero estimate, never drop the target.
	depths := sched.Snapshot()
	assert.Equal(t, 2, depths.New)
	predict.AssertExpectations(t)
}

func TestScrapeSiteFeedsRiskTracker(t *testing.T) {
	f := &stubFetcher{pages: map[string]*fetcher.Page{
		"https://auctions.example.com/search": page("https://auctions.example.com/search", indexHTML),
		"https://auctions.example.com/lot/1":  page("https://auctions.example.com/lot/1", lotHTML),
		"https://auctions.example.com/lot/2":  page("https://auctions.example.com/lot/2", lotHTML),
	}}
	risk := riskscore.NewTracker()
	cfg := DefaultConfig()
	cfg.ListingDelay = 0
	s := New(cfg, f, testEngine(), &stubStore{}, risk, nil, nil)

	_, err := s.ScrapeSite(context.Background(), testSite(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0.0, risk.Score("auctions.example.com"))
}

type predictorStub struct {
	estimate float64
}

func (p predictorStub) Predict(context.Context, predictor.ListingSignals) (float64, error) {
	return p.estimate, nil
}
