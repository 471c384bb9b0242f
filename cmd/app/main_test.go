package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/scheduler"
)

func TestParseProxyList(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want []proxy.Proxy
	}{
		{
			name: "empty",
			raw:  "",
			want: nil,
		},
		{
			name: "single http proxy",
			raw:  "http://10.0.0.1:8080",
			want: []proxy.Proxy{{IP: "10.0.0.1", Port: 8080, Type: "http"}},
		},
		{
			name: "scheme defaults to http",
			raw:  "10.0.0.2:3128",
			want: []proxy.Proxy{{IP: "10.0.0.2", Port: 3128, Type: "http"}},
		},
		{
			name: "socks5 with country suffix",
			raw:  "socks5://10.0.0.3:1080;US",
			want: []proxy.Proxy{{IP: "10.0.0.3", Port: 1080, Type: "socks5", Country: "US"}},
		},
		{
			name: "list with whitespace and blanks",
			raw:  " http://10.0.0.1:8080 , , https://10.0.0.2:443 ",
			want: []proxy.Proxy{
				{IP: "10.0.0.1", Port: 8080, Type: "http"},
				{IP: "10.0.0.2", Port: 443, Type: "https"},
			},
		},
		{
			name: "malformed entries are skipped",
			raw:  "http://10.0.0.1:8080,nonsense,http://10.0.0.2:notaport",
			want: []proxy.Proxy{{IP: "10.0.0.1", Port: 8080, Type: "http"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseProxyList(tt.raw))
		})
	}
}

func TestParseOTLPHeaders(t *testing.T) {
	headers := parseOTLPHeaders("Authorization=Bearer abc, x-tenant=gavelhound ,malformed,=novalue")

	require.Len(t, headers, 2)
	assert.Equal(t, "Bearer abc", headers["Authorization"])
	assert.Equal(t, "gavelhound", headers["x-tenant"])
}

func TestParseOTLPHeadersEmpty(t *testing.T) {
	assert.Empty(t, parseOTLPHeaders(""))
	assert.Empty(t, parseOTLPHeaders("   "))
}

func TestUniqueSites(t *testing.T) {
	targets := []scheduler.Target{
		{SiteName: "copart.com", URL: "https://copart.com/lot/1"},
		{SiteName: "iaai.com", URL: "https://iaai.com"},
		{SiteName: "copart.com", URL: "https://copart.com/lot/2"},
		{SiteName: "", URL: "https://orphan.example"},
		{SiteName: "manheim.com", URL: "https://manheim.com"},
	}

	// Order follows first appearance; blanks and repeats drop out.
	assert.Equal(t, []string{"copart.com", "iaai.com", "manheim.com"}, uniqueSites(targets))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_CRAWL_INTERVAL", "45s")
	assert.Equal(t, 45*time.Second, getEnvDuration("TEST_CRAWL_INTERVAL", time.Minute))

	t.Setenv("TEST_CRAWL_INTERVAL", "not-a-duration")
	assert.Equal(t, time.Minute, getEnvDuration("TEST_CRAWL_INTERVAL", time.Minute))

	assert.Equal(t, time.Minute, getEnvDuration("TEST_UNSET_INTERVAL", time.Minute))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_BATCH_SIZE", "12")
	assert.Equal(t, 12, getEnvInt("TEST_BATCH_SIZE", 20))

	t.Setenv("TEST_BATCH_SIZE", "twelve")
	assert.Equal(t, 20, getEnvInt("TEST_BATCH_SIZE", 20))
}
