package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/otel"
)

// ImagePuller refreshes runtime images at most once per interval per tag.
type ImagePuller struct {
	runtime  Runtime
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *otel.Metrics

	mu   sync.Mutex
	last map[string]time.Time
}

func NewImagePuller(rt Runtime, interval time.Duration, now func() time.Time, logger *slog.Logger, metrics *otel.Metrics) *ImagePuller {
	if interval <= 0 {
		interval = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ImagePuller{
		runtime:  rt,
		interval: interval,
		now:      now,
		logger:   logger,
		metrics:  metrics,
		last:     make(map[string]time.Time),
	}
}

// Ensure pulls ref unless it was pulled within the interval. A failed pull
// is tolerated when the image is already present locally.
func (p *ImagePuller) Ensure(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.last[ref]; ok && p.now().Sub(last) < p.interval {
		return nil
	}

	err := p.runtime.PullImage(ctx, ref)
	p.metrics.RecordImagePull(ctx, ref, err)
	if err == nil {
		p.last[ref] = p.now()
		p.logger.Info("runtime image pulled", "image", ref)
		return nil
	}

	exists, existsErr := p.runtime.ImageExists(ctx, ref)
	if existsErr != nil || !exists {
		return err
	}
	p.logger.Warn("image pull failed; using local copy", "image", ref, "error", err)
	p.last[ref] = p.now()
	return nil
}

// LastPull returns when ref was last refreshed, if ever.
func (p *ImagePuller) LastPull(ref string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.last[ref]
	return t, ok
}
