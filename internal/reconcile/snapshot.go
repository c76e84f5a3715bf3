// Package reconcile merges the live streamed view of entity sync state with
// independently fetched snapshots of persisted state. The snapshot is the
// CRUD layer's entity list: read-only input, re-supplied on every fetch,
// never mutated here.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/steveohanians/pulsedashboard-sub000/internal/logging"
	"github.com/steveohanians/pulsedashboard-sub000/internal/status"
)

// EntityStatus is one entity's persisted sync state as reported by the
// entity list endpoint.
type EntityStatus struct {
	ID         string           `json:"id"`
	SyncStatus status.SyncState `json:"syncStatus"`
	UpdatedAt  time.Time        `json:"updatedAt,omitempty"`
}

// Snapshot is one fetch of the entity list.
type Snapshot struct {
	// FetchedAt is when the fetch completed; the policy compares live
	// timestamps against it.
	FetchedAt time.Time
	Entities  []EntityStatus
}

// Fetcher reads snapshots from the entity list endpoint. Fetches are bounded
// by a rate limiter so reconciliation passes cannot hammer the CRUD API.
type Fetcher struct {
	url        string
	authToken  string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewFetcher creates a Fetcher for the given entity list URL. refetchPerSec
// caps the fetch rate; values <= 0 default to one fetch per second. logger
// and authToken may be empty.
func NewFetcher(url, authToken string, refetchPerSec float64, logger *zap.Logger) *Fetcher {
	if refetchPerSec <= 0 {
		refetchPerSec = 1
	}
	return &Fetcher{
		url:       strings.TrimSuffix(url, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(refetchPerSec), 1),
		logger:  logging.OrNop(logger),
	}
}

// Fetch reads one snapshot, waiting on the rate limiter first.
func (f *Fetcher) Fetch(ctx context.Context) (*Snapshot, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+f.authToken)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var entities []EntityStatus
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.logger.Debug("fetched snapshot", zap.Int("entities", len(entities)))
	return &Snapshot{FetchedAt: time.Now().UTC(), Entities: entities}, nil
}
