// Package filtermap validates and rewrites per-model photometric
// filter names against a remote model/filter catalog (C4).
package filtermap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/bfhealy/nmma-relay/internal/domain"
)

// filterAliases maps sncosmo filters with no trained model to a
// similar filter for which one exists.
var filterAliases = map[string]string{
	"sdssg": "ps1__g",
	"sdssi": "ps1__i",
	"sdssr": "ps1__r",
	"sdssz": "ps1__z",
	"sdssu": "ps1__u",
}

// modelEntry is one model's catalog row.
type modelEntry struct {
	Filters []string `yaml:"filters"`
}

// Mapper is the FilterMapper (C4) implementation: a YAML catalog of
// per-model filter lists, fetched remotely and cached locally, plus a
// fixed passthrough list of models for which any filter is accepted
// unchanged (central-wavelength models).
type Mapper struct {
	CentralWavelengthModels []string
	CatalogURL              string
	CacheFile               string
	HTTPClient              *http.Client

	mu      sync.RWMutex
	catalog map[string]modelEntry
}

// New constructs a Mapper. The catalog is not fetched until Load is
// called; MapFilter and ModelAllowed never fetch it themselves.
func New(centralWavelengthModels []string, catalogURL, cacheFile string) *Mapper {
	return &Mapper{
		CentralWavelengthModels: centralWavelengthModels,
		CatalogURL:              catalogURL,
		CacheFile:               cacheFile,
		HTTPClient:              &http.Client{Timeout: 15 * time.Second},
	}
}

var _ domain.FilterMapper = (*Mapper)(nil)

// Load populates the catalog, preferring the local cache file over a
// remote fetch, mirroring the original implementation's models.yaml
// cache-then-fetch behavior.
func (m *Mapper) Load(ctx context.Context) error {
	if m.CacheFile != "" {
		if b, err := os.ReadFile(m.CacheFile); err == nil {
			cat, parseErr := parseCatalog(b)
			if parseErr == nil {
				m.mu.Lock()
				m.catalog = cat
				m.mu.Unlock()
				return nil
			}
		}
	}
	return m.fetch(ctx)
}

func (m *Mapper) fetch(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	bo := backoff.WithContext(expo, ctx)

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.CatalogURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := m.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("filter catalog fetch status %d", resp.StatusCode)
		}
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = b
		return nil
	}
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=filtermap.fetch: %w", err)
	}

	cat, err := parseCatalog(body)
	if err != nil {
		return fmt.Errorf("op=filtermap.parse: %w", err)
	}

	m.mu.Lock()
	m.catalog = cat
	m.mu.Unlock()

	if m.CacheFile != "" {
		_ = os.WriteFile(m.CacheFile, body, 0o644)
	}
	return nil
}

func parseCatalog(b []byte) (map[string]modelEntry, error) {
	var cat map[string]modelEntry
	if err := yaml.Unmarshal(b, &cat); err != nil {
		return nil, err
	}
	return cat, nil
}

func (m *Mapper) isCentralWavelengthModel(model string) bool {
	for _, cw := range m.CentralWavelengthModels {
		if cw == model {
			return true
		}
	}
	return false
}

// ModelAllowed reports whether model is either a central-wavelength
// model or present (as its _tf-suffixed form) in the catalog.
func (m *Mapper) ModelAllowed(model string) bool {
	if m.isCentralWavelengthModel(model) {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.catalog[tfName(model)]
	return ok
}

func tfName(model string) string {
	if strings.HasSuffix(model, "_tf") {
		return model
	}
	return model + "_tf"
}

// MapFilter validates filter for model, returning the filter name to
// forward to the cluster batch job. Central-wavelength models accept
// any filter unchanged. Fixed-filter models require filter to be
// listed in the catalog (or an alias of a listed filter).
func (m *Mapper) MapFilter(model, filter string) (string, error) {
	if m.isCentralWavelengthModel(model) {
		return filter, nil
	}

	name := tfName(model)
	m.mu.RLock()
	entry, ok := m.catalog[name]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("op=filtermap.map: model %s: %w", model, domain.ErrUnknownFilter)
	}

	if contains(entry.Filters, filter) {
		return filter, nil
	}
	if replacement, ok := filterAliases[filter]; ok && contains(entry.Filters, replacement) {
		return replacement, nil
	}
	return "", fmt.Errorf("op=filtermap.map: filter %s not found in model %s: %w", filter, model, domain.ErrUnknownFilter)
}

func contains(s []string, v string) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
