// Package refregistry is an HTTP client for the external molecule reference
// registry used by enrichment hooks.
package refregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the registry has no entry for a query.
var ErrNotFound = errors.New("registry entry not found")

// Molecule is the best registry match for a predicted structure.
type Molecule struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Association links a molecule to a node in the horizon relation graph.
type Association struct {
	ID       string `json:"id"`
	NodeName string `json:"nodeName"`
}

// Target is the entity an association points to.
type Target struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Client talks to the registry over HTTP with bounded retries.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	backoff    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetry sets the attempt count and initial backoff for transient errors.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = attempts
		c.backoff = backoff
	}
}

// NewClient creates a Client for the registry at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		backoff:    500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	return c
}

// FindMolecule returns the closest registry match for a structure string.
func (c *Client) FindMolecule(ctx context.Context, structure string) (*Molecule, error) {
	q := url.Values{}
	q.Set("SMILES", structure)
	q.Set("Threshold", "1")
	q.Set("Limit", "1")
	q.Set("WithMeta", "false")

	var matches []Molecule
	if err := c.get(ctx, "/molecule/similar/", q, &matches); err != nil {
		return nil, err
	}
	if len(matches) == 0 || matches[0].ID == "" {
		return nil, ErrNotFound
	}
	return &matches[0], nil
}

// HorizonAssociations lists the relation-graph nodes linked to a molecule.
func (c *Client) HorizonAssociations(ctx context.Context, moleculeID string) ([]Association, error) {
	var out []Association
	if err := c.get(ctx, "/horizon/associations/"+url.PathEscape(moleculeID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// HorizonTarget resolves the target of an association.
func (c *Client) HorizonTarget(ctx context.Context, associationID string) (*Target, error) {
	var out Target
	if err := c.get(ctx, "/horizon/target/"+url.PathEscape(associationID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, dst any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		retry, err := c.do(ctx, endpoint, dst)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
		if attempt == c.maxRetries {
			break
		}
		slog.Warn("Registry request failed, will retry.", "path", path, "attempt", attempt, "backoff", backoff.String(), "error", err)
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("registry %s failed after %d attempts: %w", path, c.maxRetries, lastErr)
}

// do performs one request. The bool reports whether the failure is worth
// retrying.
func (c *Client) do(ctx context.Context, endpoint string, dst any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("registry returned status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return false, fmt.Errorf("failed to decode response body: %w", err)
	}
	return false, nil
}
