package provider

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// HealthProber checks whether an instance's desktop endpoint answers.
type HealthProber struct {
	client  *http.Client
	timeout time.Duration
	logger  *logging.Logger
}

// NewHealthProber creates a prober with a shared client and per-probe timeout.
func NewHealthProber(timeout time.Duration, logger *logging.Logger) *HealthProber {
	return NewHealthProberWithClient(&http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        64,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     30 * time.Second,
		},
	}, timeout, logger)
}

// NewHealthProberWithClient uses a copy of client for every probe. Its
// transport is wrapped so each probe is traced as a client span.
func NewHealthProberWithClient(client *http.Client, timeout time.Duration, logger *logging.Logger) *HealthProber {
	traced := *client
	base := traced.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	traced.Transport = otelhttp.NewTransport(base,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "health.probe"
		}),
	)

	return &HealthProber{
		client:  &traced,
		timeout: timeout,
		logger:  logger.With("component", "health"),
	}
}

// Ready performs GET https://<host>/healthz. Any transport error or non-2xx
// status means not ready; neither is reported as an error since both are
// expected while an instance boots.
func (p *HealthProber) Ready(ctx context.Context, vm *domain.VM) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, vm.HealthURL(), nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("Health check failed", "vmID", vm.ID, "error", err)
		return false
	}
	defer func() {
		// Drain body to allow connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	ready := resp.StatusCode >= 200 && resp.StatusCode < 300
	if !ready {
		p.logger.Debug("Health check unexpected status", "vmID", vm.ID, "status", resp.StatusCode)
	}
	return ready
}
