// Package antibot identifies bot-protection vendors and challenge pages on
// fetched responses using wappalyzergo fingerprints plus challenge-page
// markers the fingerprint database misses.
package antibot

import (
	"net/http"
	"strings"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// maxBodySample caps how much of the response body is fingerprinted.
const maxBodySample = 50 * 1024

// Detection describes the protection observed on a response.
type Detection struct {
	// Vendors are the bot-protection or CDN products identified
	// (e.g. Cloudflare, DataDome, Akamai Bot Manager).
	Vendors []string `json:"vendors"`
	// Challenged is true when the body looks like an interstitial
	// challenge page rather than real content.
	Challenged bool `json:"challenged"`
}

// Protected reports whether any bot-protection signal was found.
func (d Detection) Protected() bool {
	return d.Challenged || len(d.Vendors) > 0
}

// protectionVendors are wappalyzer technology names treated as bot-protection
// signals. CDN entries count because challenge pages are served from them.
var protectionVendors = map[string]bool{
	"Cloudflare":                true,
	"Cloudflare Bot Management": true,
	"DataDome":                  true,
	"Akamai":                    true,
	"Akamai Bot Manager":        true,
	"Imperva":                   true,
	"Incapsula":                 true,
	"PerimeterX":                true,
	"HUMAN":                     true,
	"Kasada":                    true,
	"reCAPTCHA":                 true,
	"hCaptcha":                  true,
	"FunCaptcha":                true,
}

// challengeMarkers are body substrings that indicate an interstitial page.
var challengeMarkers = []string{
	"checking your browser",
	"just a moment...",
	"cf-challenge",
	"cf_chl_opt",
	"_cf_chl_tk",
	"geo.captcha-delivery.com",
	"datadome",
	"px-captcha",
	"are you a robot",
	"verify you are human",
	"enable javascript and cookies to continue",
}

// Detector fingerprints responses for bot-protection products.
type Detector struct {
	client *wappalyzer.Wappalyze
	mu     sync.RWMutex
}

// New creates a detector. The wappalyzer fingerprint database is embedded,
// so this only fails on a corrupt build.
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}
	return &Detector{client: client}, nil
}

// Detect inspects response headers and body for protection signals.
func (d *Detector) Detect(headers http.Header, body []byte) Detection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sample := body
	if len(sample) > maxBodySample {
		sample = sample[:maxBodySample]
	}

	var detection Detection

	fingerprints := d.client.Fingerprint(headers, sample)
	for tech := range fingerprints {
		if protectionVendors[tech] {
			detection.Vendors = append(detection.Vendors, tech)
		}
	}

	lower := strings.ToLower(string(sample))
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			detection.Challenged = true
			break
		}
	}
	// The Server header gives away Cloudflare challenges even when the body
	// is empty.
	if server := strings.ToLower(headers.Get("Server")); server == "cloudflare" && headers.Get("Cf-Mitigated") != "" {
		detection.Challenged = true
	}

	if detection.Protected() {
		log.Debug().
			Strs("vendors", detection.Vendors).
			Bool("challenged", detection.Challenged).
			Msg("Bot protection detected on response")
	}

	return detection
}
