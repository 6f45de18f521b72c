package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/devmind/internal/observability"
	"github.com/harun/devmind/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Profiles       []Profile
	Model          string
	Temperature    float64
	MaxTokens      int
	RequestTimeout time.Duration
	// MaxRetries is the number of extra attempts after the first; values
	// above 1 are clamped to 1.
	MaxRetries int
	RetryDelay time.Duration
	// Cooldown is how long a failed profile is skipped, multiplied by its
	// consecutive failure count.
	Cooldown time.Duration
	Factory  ProviderFactory
	Logger   zerolog.Logger
}

type profileState struct {
	Profile
	failures      int
	cooldownUntil time.Time
}

// Client is a Provider that fans out over ordered profiles with a
// per-request timeout and one bounded retry.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	mu        sync.Mutex
	profiles  []*profileState
	providers map[string]Provider
	now       func() time.Time
}

// NewClient creates a client. Profiles are tried in ascending priority.
func NewClient(cfg ClientConfig) (*Client, error) {
	if len(cfg.Profiles) == 0 {
		return nil, ErrNoProfiles
	}
	if cfg.Factory == nil {
		cfg.Factory = DefaultFactory{}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.MaxRetries > 1 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}

	profiles := make([]*profileState, 0, len(cfg.Profiles))
	for _, p := range cfg.Profiles {
		profiles = append(profiles, &profileState{Profile: p})
	}
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	return &Client{
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("component", "llm").Logger(),
		profiles:  profiles,
		providers: make(map[string]Provider),
		now:       time.Now,
	}, nil
}

// Name implements Provider.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profiles[0].Provider
}

// Call sends request to the first available profile. A retryable failure
// is retried once, on the next profile when there is one. The final
// failure is returned as *UpstreamError.
func (c *Client) Call(ctx context.Context, request Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "devmind.llm", "llm.call")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, c.logger)

	attempts := 1 + c.cfg.MaxRetries
	var (
		lastErr      error
		lastProvider string
		tried        int
	)
	for attempt := 0; attempt < attempts; attempt++ {
		profile := c.pick(attempt)
		lastProvider = profile.Provider
		tried++

		resp, err := c.callProfile(ctx, profile, request)
		if err == nil {
			c.markSuccess(profile.ID, profile.Provider)
			span.SetAttributes(attribute.String("provider", profile.Provider), attribute.Int("attempts", tried))
			return resp, nil
		}

		lastErr = err
		c.markFailure(profile.ID, profile.Provider)
		logger.Warn().
			Err(err).
			Str("profile", profile.label()).
			Int("attempt", attempt+1).
			Msg("Model call failed")

		if ctx.Err() != nil || !IsRetryableError(err) || attempt == attempts-1 {
			break
		}

		observability.RecordLLMRetry(profile.Provider)
		if c.cfg.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = attempts
			case <-time.After(c.cfg.RetryDelay):
			}
		}
	}

	upstream := &UpstreamError{Provider: lastProvider, Attempts: tried, Err: lastErr}
	span.RecordError(upstream)
	span.SetStatus(codes.Error, upstream.Error())
	return nil, upstream
}

func (c *Client) callProfile(ctx context.Context, profile Profile, request Request) (*Response, error) {
	provider, err := c.providerFor(profile)
	if err != nil {
		return nil, err
	}

	if profile.Model != "" {
		request.Model = profile.Model
	} else if request.Model == "" {
		request.Model = c.cfg.Model
	}
	if request.MaxTokens == 0 {
		request.MaxTokens = c.cfg.MaxTokens
	}
	if request.Temperature == 0 {
		request.Temperature = c.cfg.Temperature
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.Call(callCtx, request)
	observability.RecordLLMCall(provider.Name(), time.Since(start), err == nil)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("request timed out after %s: %w", c.cfg.RequestTimeout, context.DeadlineExceeded)
		}
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s returned no response", provider.Name())
	}
	return resp, nil
}

func (c *Client) providerFor(profile Profile) (Provider, error) {
	key := profile.label()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.providers[key]; ok {
		return p, nil
	}
	p, err := c.cfg.Factory.NewProvider(profile)
	if err != nil {
		return nil, fmt.Errorf("create provider %s: %w", key, err)
	}
	c.providers[key] = p
	return p, nil
}

// pick returns the profile for the given attempt: the attempt-th profile
// not in cooldown, wrapping around. When every profile is cooling down
// the ordering ignores cooldowns so a call is always made.
func (c *Client) pick(attempt int) Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	available := make([]*profileState, 0, len(c.profiles))
	for _, p := range c.profiles {
		if !now.Before(p.cooldownUntil) {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		available = c.profiles
	}
	return available[attempt%len(available)].Profile
}

func (c *Client) markSuccess(id, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.profiles {
		if p.ID == id && p.Provider == provider {
			p.failures = 0
			p.cooldownUntil = time.Time{}
			return
		}
	}
}

func (c *Client) markFailure(id, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.profiles {
		if p.ID == id && p.Provider == provider {
			p.failures++
			p.cooldownUntil = c.now().Add(time.Duration(p.failures) * c.cfg.Cooldown)
			return
		}
	}
}
