package terminology

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/opensource-finance/amrclass/internal/domain"
)

// CodeStatus is the outcome of a code check.
type CodeStatus int

const (
	// CodeUnverified means the code could not be confirmed either way.
	CodeUnverified CodeStatus = iota
	CodeValid
	CodeInvalid
)

func (s CodeStatus) String() string {
	switch s {
	case CodeValid:
		return "valid"
	case CodeInvalid:
		return "invalid"
	default:
		return "unverified"
	}
}

// CodeValidator checks SNOMED CT organism codes.
type CodeValidator interface {
	ValidateOrganismCode(ctx context.Context, code string) CodeStatus
}

// OfflineValidator checks codes against the static allow-list only.
type OfflineValidator struct{}

// ValidateOrganismCode reports known codes as valid and everything else as
// unverified. Offline mode never rejects a code.
func (OfflineValidator) ValidateOrganismCode(_ context.Context, code string) CodeStatus {
	if _, ok := OrganismByCode(code); ok {
		return CodeValid
	}
	return CodeUnverified
}

// ErrServerStatus is returned for non-200 terminology responses.
var ErrServerStatus = errors.New("terminology server returned unexpected status")

// RemoteValidator calls CodeSystem/$validate-code on a FHIR terminology
// server. Results are memoized in the cache; failures fall back to the
// offline allow-list.
type RemoteValidator struct {
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	cache    domain.Cache
	cacheTTL time.Duration
	timeout  time.Duration
	fallback OfflineValidator
}

// NewValidator returns the validator selected by cfg. A nil cache disables
// memoization.
func NewValidator(cfg domain.TerminologyConfig, cache domain.Cache) CodeValidator {
	if !cfg.Enabled || cfg.BaseURL == "" {
		return OfflineValidator{}
	}
	return NewRemoteValidator(cfg, cache)
}

// NewRemoteValidator creates a validator for cfg.BaseURL.
func NewRemoteValidator(cfg domain.TerminologyConfig, cache domain.Cache) *RemoteValidator {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "terminology",
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &RemoteValidator{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.ValidationTimeout},
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  breaker,
		cache:    cache,
		cacheTTL: cfg.CacheTTL,
		timeout:  cfg.ValidationTimeout,
	}
}

// ValidateOrganismCode never returns an error. Timeouts, transport errors
// and an open breaker degrade to the offline answer.
func (v *RemoteValidator) ValidateOrganismCode(ctx context.Context, code string) CodeStatus {
	code = strings.TrimSpace(code)
	if code == "" {
		return CodeInvalid
	}

	key := "snomed:" + code
	if status, ok := v.cached(ctx, key); ok {
		return status
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	if err := v.limiter.Wait(ctx); err != nil {
		slog.Warn("terminology rate limit wait failed", "code", code, "error", err)
		return v.fallback.ValidateOrganismCode(ctx, code)
	}

	out, err := v.breaker.Execute(func() (interface{}, error) {
		return v.lookup(ctx, code)
	})
	if err != nil {
		slog.Warn("terminology validation degraded to offline list",
			"code", code,
			"error", err,
		)
		return v.fallback.ValidateOrganismCode(ctx, code)
	}

	status := CodeInvalid
	if out.(bool) {
		status = CodeValid
	}
	v.store(ctx, key, status)
	return status
}

func (v *RemoteValidator) lookup(ctx context.Context, code string) (bool, error) {
	query := url.Values{}
	query.Set("url", SystemSNOMED)
	query.Set("code", code)
	endpoint := fmt.Sprintf("%s/CodeSystem/$validate-code?%s", v.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("validate-code request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("%w: %d", ErrServerStatus, resp.StatusCode)
	}

	var params parameters
	if err := json.NewDecoder(resp.Body).Decode(&params); err != nil {
		return false, fmt.Errorf("decode parameters: %w", err)
	}
	result, ok := params.result()
	if !ok {
		return false, errors.New("validate-code response has no result parameter")
	}
	return result, nil
}

func (v *RemoteValidator) cached(ctx context.Context, key string) (CodeStatus, bool) {
	if v.cache == nil {
		return CodeUnverified, false
	}
	data, err := v.cache.Get(ctx, key)
	if err != nil || data == nil {
		return CodeUnverified, false
	}
	switch string(data) {
	case "valid":
		return CodeValid, true
	case "invalid":
		return CodeInvalid, true
	}
	return CodeUnverified, false
}

func (v *RemoteValidator) store(ctx context.Context, key string, status CodeStatus) {
	if v.cache == nil {
		return
	}
	if err := v.cache.Set(ctx, key, []byte(status.String()), v.cacheTTL); err != nil {
		slog.Warn("failed to cache terminology result", "key", key, "error", err)
	}
}

// parameters is the subset of a FHIR Parameters resource returned by
// $validate-code.
type parameters struct {
	ResourceType string `json:"resourceType"`
	Parameter    []struct {
		Name         string `json:"name"`
		ValueBoolean *bool  `json:"valueBoolean,omitempty"`
		ValueString  string `json:"valueString,omitempty"`
	} `json:"parameter"`
}

func (p parameters) result() (bool, bool) {
	for _, param := range p.Parameter {
		if param.Name == "result" && param.ValueBoolean != nil {
			return *param.ValueBoolean, true
		}
	}
	return false, false
}
