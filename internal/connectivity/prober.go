package connectivity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/park285/card-scorekeeper/internal/obslog"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Prober answers "is the network reachable" by requesting a well-known URL.
// Any HTTP response counts as reachable; transport errors are retried with backoff.
type Prober struct {
	url     string
	http    *fasthttp.Client
	timeout time.Duration
	retry   int
	clock   clockwork.Clock
	logger  *zap.Logger
}

type ProberOption func(*Prober)

func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

func WithProbeRetry(n int) ProberOption {
	return func(p *Prober) { p.retry = n }
}

func WithProbeClock(c clockwork.Clock) ProberOption {
	return func(p *Prober) { p.clock = c }
}

func WithProbeLogger(l *zap.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// NewProber returns a prober for url. A blank url makes every check succeed.
func NewProber(url string, opts ...ProberOption) *Prober {
	p := &Prober{
		url:     strings.TrimSpace(url),
		http:    &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second, MaxConnsPerHost: 4},
		timeout: 3 * time.Second,
		retry:   2,
		clock:   clockwork.NewRealClock(),
		logger:  obslog.L(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Check returns nil when the probe URL answered.
func (p *Prober) Check(ctx context.Context) error {
	if p.url == "" {
		return nil
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(p.url)

	attempts := p.retry
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.http.DoDeadline(req, resp, p.deadline(ctx))
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, backoffDuration(attempt)); err != nil {
			return err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown probe error")
	}
	return fmt.Errorf("probe %s: %w", p.url, lastErr)
}

// Watch checks every interval until ctx ends and reports each result to fn.
func (p *Prober) Watch(ctx context.Context, interval time.Duration, fn func(up bool)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	last := true
	probe := func() {
		err := p.Check(ctx)
		if ctx.Err() != nil {
			return
		}
		up := err == nil
		if up != last {
			if up {
				p.logger.Info("network_reachable", zap.String("url", p.url))
			} else {
				p.logger.Warn("network_unreachable", zap.String("url", p.url), zap.Error(err))
			}
		}
		last = up
		fn(up)
	}
	probe()
	ticker := p.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			probe()
		}
	}
}

func (p *Prober) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(p.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) error {
	t := p.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Chan():
		return nil
	}
}

// backoffDuration doubles from 100ms and stops growing after the sixth attempt.
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

// Backoff is the retry delay shared with the reconciliation pass.
func Backoff(attempt int) time.Duration { return backoffDuration(attempt) }
