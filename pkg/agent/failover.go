package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/harun/stepflow/internal/observability"
	"github.com/harun/stepflow/internal/tracing"
	"github.com/rs/zerolog"
)

// FailoverConfig configures a FailoverProvider
type FailoverConfig struct {
	Profiles []AuthProfile
	Factory  ProviderCreator
	Logger   zerolog.Logger

	// Cooldown is multiplied by a profile's consecutive failure count.
	Cooldown time.Duration
	// MaxRetries bounds attempts per profile for retryable errors.
	MaxRetries int
	// RetryBackoff is the first retry delay; it doubles per attempt.
	RetryBackoff time.Duration
}

// FailoverProvider tries auth profiles in priority order. A profile that
// fails is put in cooldown and skipped until the cooldown expires.
type FailoverProvider struct {
	factory      ProviderCreator
	logger       zerolog.Logger
	cooldown     time.Duration
	maxRetries   int
	retryBackoff time.Duration

	mu        sync.Mutex
	profiles  []AuthProfile
	providers map[string]LLMProvider
	now       func() time.Time
}

// NewFailoverProvider creates a FailoverProvider
func NewFailoverProvider(cfg FailoverConfig) (*FailoverProvider, error) {
	if len(cfg.Profiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	factory := cfg.Factory
	if factory == nil {
		factory = &ProviderFactory{}
	}
	cooldown := cfg.Cooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	profiles := make([]AuthProfile, len(cfg.Profiles))
	copy(profiles, cfg.Profiles)
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})

	observability.EnsureRegistered()

	return &FailoverProvider{
		factory:      factory,
		logger:       cfg.Logger,
		cooldown:     cooldown,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		profiles:     profiles,
		providers:    make(map[string]LLMProvider),
		now:          time.Now,
	}, nil
}

// Provider returns the provider name
func (f *FailoverProvider) Provider() string {
	return "failover"
}

// Call tries each available profile until one succeeds. A non-retryable
// error stops the failover and is returned as is.
func (f *FailoverProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, f.logger)

	f.mu.Lock()
	profiles := make([]AuthProfile, len(f.profiles))
	copy(profiles, f.profiles)
	f.mu.Unlock()

	var lastErr error
	tried := 0

	for _, profile := range profiles {
		if profile.CooldownUntil != nil && f.now().UnixMilli() < *profile.CooldownUntil {
			observability.SetProviderCooldown(profile.Provider, true)
			logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
			continue
		}
		tried++

		provider, err := f.provider(profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		start := time.Now()
		response, err := f.callWithRetry(ctx, provider, request, logger)
		if err == nil {
			f.markSuccess(profile.ID)
			observability.RecordCompletion(profile.Provider, time.Since(start), true)
			return response, nil
		}

		lastErr = err
		observability.RecordCompletion(profile.Provider, time.Since(start), false)
		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")
		f.markFailure(profile.ID)

		if !IsRetryableError(err) {
			return nil, err
		}
	}

	if tried == 0 {
		return nil, fmt.Errorf("all auth profiles are cooling down")
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (f *FailoverProvider) provider(profile AuthProfile) (LLMProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p, ok := f.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := f.factory.NewProvider(profile)
	if err != nil {
		return nil, err
	}
	f.providers[profile.ID] = p
	return p, nil
}

func (f *FailoverProvider) callWithRetry(ctx context.Context, provider LLMProvider, request LLMRequest, logger zerolog.Logger) (*LLMResponse, error) {
	var lastErr error

	for attempt := 0; attempt < f.maxRetries; attempt++ {
		response, err := provider.Call(ctx, request)
		if err == nil {
			return response, nil
		}
		lastErr = err

		if !IsRetryableError(err) || attempt == f.maxRetries-1 {
			break
		}

		delay := f.retryBackoff * time.Duration(1<<attempt)
		logger.Info().
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Str("provider", provider.Provider()).
			Msg("Retrying after error")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

func (f *FailoverProvider) markSuccess(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount = 0
			f.profiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(f.profiles[i].Provider, false)
			break
		}
	}
}

func (f *FailoverProvider) markFailure(profileID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for i := range f.profiles {
		if f.profiles[i].ID == profileID {
			f.profiles[i].FailureCount++
			until := f.now().Add(f.cooldown * time.Duration(f.profiles[i].FailureCount)).UnixMilli()
			f.profiles[i].CooldownUntil = &until
			observability.SetProviderCooldown(f.profiles[i].Provider, true)
			break
		}
	}
}

// Profiles returns a copy of the profiles with their current cooldown state
func (f *FailoverProvider) Profiles() []AuthProfile {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]AuthProfile, len(f.profiles))
	copy(out, f.profiles)
	return out
}
