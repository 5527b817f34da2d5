package metering

import (
	"time"
)

// PlanTier is an ordered subscription level governing rate limits and
// per-variable price overrides.
type PlanTier string

const (
	// TierFree is the default tier for users with no paid subscription
	TierFree PlanTier = "free"
	// TierDeveloper is the entry-level paid tier
	TierDeveloper PlanTier = "developer"
	// TierBusiness is the mid-level paid tier
	TierBusiness PlanTier = "business"
	// TierEnterprise is the top paid tier
	TierEnterprise PlanTier = "enterprise"
)

// Rank returns the ordering of a tier (free < developer < business < enterprise).
// Unknown tiers rank below free.
func (t PlanTier) Rank() int {
	switch t {
	case TierFree:
		return 0
	case TierDeveloper:
		return 1
	case TierBusiness:
		return 2
	case TierEnterprise:
		return 3
	default:
		return -1
	}
}

// ParseTier parses a tier name. Unknown names map to TierFree so that an
// identity with no resolvable plan always gets the most restrictive limits.
func ParseTier(s string) PlanTier {
	switch PlanTier(s) {
	case TierDeveloper, TierBusiness, TierEnterprise:
		return PlanTier(s)
	default:
		return TierFree
	}
}

// Identity is the resolved caller of a billable request: an API key together
// with its owning user, or a bare user session (APIKeyID empty). It is
// resolved once at pipeline entry and passed by value through every step.
type Identity struct {
	APIKeyID string
	UserID   string
	Tier     PlanTier
	Active   bool

	// Currency is the caller's preferred billing currency. Empty means the
	// pricing entry's native currency.
	Currency string
}

// CounterKey returns the stable key under which rate-limit counters for this
// identity are kept. API keys are limited independently of their owning user.
func (id Identity) CounterKey() string {
	if id.APIKeyID != "" {
		return "key:" + id.APIKeyID
	}
	return "user:" + id.UserID
}

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionTrialing  SubscriptionStatus = "trialing"
)

// Subscription is the single active billing record for a user. The
// month-to-date usage counter resets to zero when the billing period rolls
// over (see GetSubscription on Store implementations).
type Subscription struct {
	ID                 string
	UserID             string
	Plan               PlanTier
	Status             SubscriptionStatus
	StripeCustomerID   string
	StripeSubID        string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CurrentMonthUsage  int64
	UpdatedAt          time.Time
}

// PricingEntry is administrator-managed reference data pricing one weather
// variable. VariableName is unique across entries. A tier override, when
// present, always wins over the base price regardless of which is lower.
type PricingEntry struct {
	VariableName   string
	EndpointFamily string
	BasePrice      float64
	Currency       string

	// TaxRate is a percentage (e.g. 18.0 for 18% GST), applied only when
	// TaxEnabled is set.
	TaxRate    float64
	TaxEnabled bool
	HSNCode    string

	TierOverrides map[PlanTier]float64

	Active    bool
	UpdatedAt time.Time
}

// PriceFor returns the unit price for a tier, honoring the override when one
// exists.
func (p *PricingEntry) PriceFor(tier PlanTier) float64 {
	if override, ok := p.TierOverrides[tier]; ok {
		return override
	}
	return p.BasePrice
}

// CurrencyEntry is administrator-managed reference data for one currency.
// Rates are expressed relative to the fixed base currency; exactly one entry
// (the base) carries rate 1.0.
type CurrencyEntry struct {
	Code      string
	Symbol    string
	Name      string
	Rate      float64
	Active    bool
	UpdatedAt time.Time
}

// BaseCurrency is the currency all exchange rates are expressed against.
const BaseCurrency = "INR"

// VariableMapping routes one weather variable to its upstream endpoint
// family. Every variable referenced by a PricingEntry must have exactly one
// mapping.
type VariableMapping struct {
	VariableName   string
	EndpointFamily string
	EndpointURL    string
	Unit           string
	DataType       string
	Active         bool
	UpdatedAt      time.Time
}

// Price is a resolved charge: the amount and tax in the requested currency.
type Price struct {
	Amount   float64
	Tax      float64
	Currency string
}

// Total returns amount plus tax.
func (p Price) Total() float64 {
	return p.Amount + p.Tax
}

// UsageRecord is the immutable per-request audit and billing row. Records are
// inserted exactly once per request that reaches authorization and are never
// updated.
type UsageRecord struct {
	ID        string
	UserID    string
	APIKeyID  string
	Endpoint  string
	Variables []string
	Locations int
	Status    int
	Success   bool
	Cost      float64
	Currency  string
	TaxAmount float64
	Duration  time.Duration
	ClientIP  string
	UserAgent string
	CreatedAt time.Time
}

// UsageStats summarizes a user's recorded usage over a trailing window.
type UsageStats struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	TotalCost          float64
	AvgDuration        time.Duration
	ByEndpoint         map[string]int64
}

// PlanLimits are the fixed-window rate limits attached to a plan tier.
type PlanLimits struct {
	PerMinute int
	PerMonth  int
}

// DefaultPlanLimits returns the stock per-tier limits.
func DefaultPlanLimits() map[PlanTier]PlanLimits {
	return map[PlanTier]PlanLimits{
		TierFree:       {PerMinute: 60, PerMonth: 5000},
		TierDeveloper:  {PerMinute: 600, PerMonth: 50000},
		TierBusiness:   {PerMinute: 1800, PerMonth: 200000},
		TierEnterprise: {PerMinute: 6000, PerMonth: 1000000},
	}
}

// Window identifies one rate-limit window.
type Window string

const (
	WindowMinute Window = "minute"
	WindowMonth  Window = "month"
)

// RateDecision is the outcome of a rate-limit check.
type RateDecision struct {
	Allowed    bool
	Window     Window
	Limit      int
	Remaining  int
	RetryAfter time.Duration

	// FailedOpen is set when the counter store was unreachable and the
	// limiter allowed the request anyway. Visible so that deployments can
	// reconcile quota after an outage.
	FailedOpen bool
}
