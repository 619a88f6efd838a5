package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultPollInterval = 3 * time.Second

// AnalysisPoller watches one analysis until it reaches a terminal state.
// Polls are issued from a single goroutine, so a slow status request delays
// the next tick instead of stacking requests. Stop may be called at any time,
// including after the poller finished on its own.
type AnalysisPoller struct {
	client     *PlatformClient
	analysisId uuid.UUID
	interval   time.Duration

	updates  chan Analysis
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *PlatformClient) PollAnalysis(analysisId uuid.UUID, interval time.Duration) *AnalysisPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	p := &AnalysisPoller{
		client:     c,
		analysisId: analysisId,
		interval:   interval,
		updates:    make(chan Analysis),
		stop:       make(chan struct{}),
	}
	go p.loop()
	return p
}

// Updates yields one snapshot per poll. The channel closes after the terminal
// snapshot is delivered, or once Stop is called.
func (p *AnalysisPoller) Updates() <-chan Analysis {
	return p.updates
}

func (p *AnalysisPoller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *AnalysisPoller) loop() {
	defer close(p.updates)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		analysis, err := p.client.GetAnalysis(p.analysisId)
		if err != nil {
			slog.Debug("analysis poll failed, will retry", "analysis_id", p.analysisId, "error", err)
			continue
		}

		// Checking stop before delivering means a consumer that tore down
		// between the request and the send is never blocked on.
		select {
		case <-p.stop:
			return
		case p.updates <- analysis:
		}

		if analysis.Terminal() {
			return
		}
	}
}

// AwaitAnalysis polls until the analysis reaches completed or failed, or the
// context expires.
func (c *PlatformClient) AwaitAnalysis(ctx context.Context, analysisId uuid.UUID, interval time.Duration) (Analysis, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Analysis{}, fmt.Errorf("timed out waiting for analysis %v: %w", analysisId, ctx.Err())
		case <-ticker.C:
		}

		analysis, err := c.GetAnalysis(analysisId)
		if err != nil {
			slog.Debug("analysis poll failed, will retry", "analysis_id", analysisId, "error", err)
			continue
		}
		if analysis.Terminal() {
			return analysis, nil
		}
	}
}
