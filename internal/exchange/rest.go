package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/qlandys/FusionTerminal-sub000/internal/infra"
)

const restTimeout = 7 * time.Second

// RestClient is a rate-limited JSON GET client for venue REST endpoints,
// routed through the configured proxy.
type RestClient struct {
	http    *http.Client
	limiter *infra.RateLimiter
	logger  *slog.Logger
}

// NewRestClient builds a client. Venues ban aggressive snapshot polling, so
// requests share a small token bucket.
func NewRestClient(proxy *infra.Proxy, logger *slog.Logger) (*RestClient, error) {
	hc, err := proxy.HTTPClient(restTimeout)
	if err != nil {
		return nil, err
	}
	return &RestClient{
		http:    hc,
		limiter: infra.NewRateLimiter(3, 2),
		logger:  logger,
	}, nil
}

// GetJSON fetches url and decodes the response body into out.
func (c *RestClient) GetJSON(ctx context.Context, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d: %.200s", url, resp.StatusCode, body)
	}

	c.logger.Debug("rest fetch", "url", url, "bytes", len(body), "took", time.Since(start))
	return json.Unmarshal(body, out)
}
