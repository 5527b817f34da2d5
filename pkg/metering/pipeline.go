package metering

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// PipelineConfig holds pipeline configuration.
type PipelineConfig struct {
	// DispatchTimeout bounds the upstream provider call (default: 30s).
	DispatchTimeout time.Duration

	Logger  Logger
	Metrics Metrics
}

// Request is one inbound billable request.
type Request struct {
	// APIKey is the raw credential presented by the caller.
	APIKey string

	Variables []string
	Locations [][2]float64
	Timestamp string
	Timezone  string

	// Currency is the currency to charge in. Empty means the pricing
	// entry's native currency.
	Currency string

	// Endpoint is the logical endpoint recorded on the usage row.
	Endpoint  string
	ClientIP  string
	UserAgent string
}

// Result is the pipeline outcome surfaced to the transport layer. On failure
// paths Err is one of the taxonomy errors and Payload is nil; the usage
// record has been written either way.
type Result struct {
	Identity Identity
	Payload  Payload
	Cost     Price
	Rate     RateDecision
	RecordID string
}

// Pipeline orchestrates one billable request: resolve identity, check the
// rate limit, resolve the price, dispatch upstream, and record the outcome.
// One pipeline instance serves all requests; per-request state lives on the
// stack, so instances are safe for concurrent use.
type Pipeline struct {
	store    Store
	catalog  Catalog
	pricing  *PricingResolver
	limiter  *RateLimiter
	recorder *Recorder
	provider Provider
	config   PipelineConfig
}

// NewPipeline wires the metering pipeline. All collaborators are required
// except config.Logger and config.Metrics, which default to no-ops.
func NewPipeline(store Store, catalog Catalog, pricing *PricingResolver, limiter *RateLimiter, recorder *Recorder, provider Provider, config PipelineConfig) (*Pipeline, error) {
	if store == nil || catalog == nil || pricing == nil || limiter == nil || recorder == nil || provider == nil {
		return nil, errors.New("metering: all pipeline collaborators are required")
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Pipeline{
		store:    store,
		catalog:  catalog,
		pricing:  pricing,
		limiter:  limiter,
		recorder: recorder,
		provider: provider,
		config:   config,
	}, nil
}

// Process runs one request through the pipeline. Every request that passes
// authorization produces exactly one usage record, whichever branch it takes
// afterwards: denials and failures are recorded with zero cost and
// success=false, successes with the resolved cost.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	// Received -> Authorized.
	id, err := p.authorize(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &Result{Identity: *id}

	// Authorized -> RateChecked. Denials are still recorded so they stay
	// auditable.
	res.Rate = p.limiter.CheckAndIncrement(ctx, *id)
	if !res.Rate.Allowed {
		res.RecordID = p.record(ctx, *id, req, http.StatusTooManyRequests, false, Price{Currency: req.Currency}, start)
		p.config.Metrics.RecordRequest(req.Endpoint, id.Tier, false, time.Since(start))
		return res, ErrRateLimited
	}

	// RateChecked -> PriceResolved.
	cost, groups, err := p.resolve(ctx, *id, req)
	if err != nil {
		status := http.StatusBadRequest
		if !errors.Is(err, ErrUnknownVariable) && !errors.Is(err, ErrUnknownCurrency) {
			status = http.StatusInternalServerError
		}
		res.RecordID = p.record(ctx, *id, req, status, false, Price{Currency: req.Currency}, start)
		p.config.Metrics.RecordRequest(req.Endpoint, id.Tier, false, time.Since(start))
		return res, err
	}

	// PriceResolved -> Dispatched. No retries at this layer; any provider
	// failure is terminal for the request.
	dispatchCtx, cancel := context.WithTimeout(ctx, p.config.DispatchTimeout)
	dispatchStart := time.Now()
	payload, err := p.provider.Dispatch(dispatchCtx, DispatchRequest{
		Groups:    groups,
		Locations: req.Locations,
		Timestamp: req.Timestamp,
		Timezone:  req.Timezone,
	})
	cancel()
	for family := range groups {
		p.config.Metrics.RecordDispatch(family, time.Since(dispatchStart), err)
	}
	if err != nil {
		p.config.Logger.Error("provider dispatch failed",
			Field{"userId", id.UserID},
			Field{"endpoint", req.Endpoint},
			Field{"error", err},
		)
		res.RecordID = p.record(ctx, *id, req, http.StatusBadGateway, false, Price{Currency: cost.Currency}, start)
		p.config.Metrics.RecordRequest(req.Endpoint, id.Tier, false, time.Since(start))
		// Surface a generic upstream error without provider internals.
		return res, ErrProviderFailure
	}

	// Dispatched -> Recorded -> Completed.
	res.Payload = payload
	res.Cost = Price{Amount: Round2(cost.Amount), Tax: Round2(cost.Tax), Currency: cost.Currency}
	res.RecordID = p.record(ctx, *id, req, http.StatusOK, true, res.Cost, start)
	p.config.Metrics.RecordRequest(req.Endpoint, id.Tier, true, time.Since(start))
	return res, nil
}

// authorize resolves the request credential to an identity. It fails with
// ErrUnauthenticated when no identity can be resolved and ErrForbidden when
// the identity is inactive; neither produces a usage record because the
// request never reaches the Authorized state.
func (p *Pipeline) authorize(ctx context.Context, req Request) (*Identity, error) {
	if req.APIKey == "" {
		return nil, ErrUnauthenticated
	}

	id, err := p.store.ResolveAPIKey(ctx, req.APIKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("resolving api key: %w", err)
	}
	if !id.Active {
		return nil, ErrForbidden
	}
	if req.Currency != "" {
		id.Currency = req.Currency
	}
	return id, nil
}

// resolve prices every requested variable and groups them by endpoint family
// for dispatch. The per-request cost is unit price times location count,
// summed across variables, all in the requested currency.
func (p *Pipeline) resolve(ctx context.Context, id Identity, req Request) (Price, map[string][]string, error) {
	locations := len(req.Locations)
	if locations == 0 {
		locations = 1
	}

	var total Price
	groups := make(map[string][]string, 2)
	for _, variable := range req.Variables {
		unit, err := p.pricing.ResolvePrice(ctx, variable, id.Tier, req.Currency)
		if err != nil {
			return Price{}, nil, err
		}
		total.Amount += unit.Amount * float64(locations)
		total.Tax += unit.Tax * float64(locations)
		total.Currency = unit.Currency

		mapping, err := p.catalog.VariableMapping(ctx, variable)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Price{}, nil, fmt.Errorf("%w: %s", ErrUnknownVariable, variable)
			}
			return Price{}, nil, err
		}
		if !mapping.Active {
			return Price{}, nil, fmt.Errorf("%w: %s", ErrUnknownVariable, variable)
		}
		groups[mapping.EndpointFamily] = append(groups[mapping.EndpointFamily], variable)
	}

	return total, groups, nil
}

// record writes the usage row for this request. Exactly one call per request
// that reached Authorized; recorder failures are absorbed there.
func (p *Pipeline) record(ctx context.Context, id Identity, req Request, status int, success bool, cost Price, start time.Time) string {
	return p.recorder.Record(ctx, &UsageRecord{
		UserID:    id.UserID,
		APIKeyID:  id.APIKeyID,
		Endpoint:  req.Endpoint,
		Variables: req.Variables,
		Locations: len(req.Locations),
		Status:    status,
		Success:   success,
		Cost:      cost.Amount,
		Currency:  cost.Currency,
		TaxAmount: cost.Tax,
		Duration:  time.Since(start),
		ClientIP:  req.ClientIP,
		UserAgent: req.UserAgent,
		CreatedAt: time.Now().UTC(),
	})
}
