package listener

import (
	"context"
	"net/http"
	"time"
)

// HealthProbe polls the remote's health endpoint and feeds the outcome
// into a Reachability monitor. It is the default connectivity signal
// when the embedding platform does not provide one.
type HealthProbe struct {
	url      string
	interval time.Duration
	reach    *Reachability
	client   *http.Client
}

// NewHealthProbe creates a probe against url, typically the remote's
// /health endpoint. A non-positive interval falls back to 30s.
func NewHealthProbe(url string, interval time.Duration, reach *Reachability) *HealthProbe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthProbe{
		url:      url,
		interval: interval,
		reach:    reach,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run probes until ctx is done. The first probe fires immediately so a
// daemon starting offline learns it without waiting a full interval.
func (p *HealthProbe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

func (p *HealthProbe) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.reach.Set(false)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.reach.Set(false)
		return
	}
	resp.Body.Close()
	p.reach.Set(resp.StatusCode == http.StatusOK)
}
