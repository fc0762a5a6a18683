package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sealtrack/webhook-service/internal/model"
	"github.com/sealtrack/webhook-service/internal/repository"
	apperrors "github.com/sealtrack/webhook-service/pkg/errors"
	"github.com/sealtrack/webhook-service/pkg/logger"
)

// Flusher invalidates the dispatcher's subscription match cache. Wired at
// startup so registry writes take effect on the next trigger rather than
// after the cache TTL.
type Flusher interface {
	Flush()
}

// Spec is the input for registering a subscription.
type Spec struct {
	OrganizationID uuid.UUID          `validate:"required"`
	Name           string             `validate:"required"`
	URL            string             `validate:"required"`
	Events         []string           `validate:"required,min=1,dive,required"`
	Secret         string             `validate:"omitempty,min=16"`
	Headers        map[string]string  `validate:"-"`
	RetryPolicy    *model.RetryPolicy `validate:"-"`
}

// Update carries a partial configuration change; nil fields are untouched.
type Update struct {
	Name        *string
	URL         *string
	Events      []string
	Secret      *string
	Headers     map[string]string
	RetryPolicy *model.RetryPolicy
	Active      *bool
}

type Servicer interface {
	Register(ctx context.Context, spec Spec) (*model.Subscription, error)
	Update(ctx context.Context, id uuid.UUID, update Update) (*model.Subscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
	List(ctx context.Context, organizationID uuid.UUID) ([]*model.Subscription, error)
	Activate(ctx context.Context, id uuid.UUID) (*model.Subscription, error)
}

type Service struct {
	repo     repository.SubscriptionRepository
	flusher  Flusher
	validate *validator.Validate
	defaults model.RetryPolicy
	logger   *logger.Logger
}

func NewService(repo repository.SubscriptionRepository, flusher Flusher, defaults model.RetryPolicy, logger *logger.Logger) *Service {
	if defaults.MaxAttempts <= 0 {
		defaults = model.DefaultRetryPolicy()
	}
	return &Service{
		repo:     repo,
		flusher:  flusher,
		validate: validator.New(),
		defaults: defaults,
		logger:   logger,
	}
}

func (s *Service) Register(ctx context.Context, spec Spec) (*model.Subscription, error) {
	if err := s.validate.Struct(spec); err != nil {
		return nil, apperrors.NewInvalidSpec("invalid subscription spec", err)
	}
	if err := validateEndpointURL(spec.URL); err != nil {
		return nil, apperrors.NewInvalidSpec(err.Error(), err)
	}

	secret := spec.Secret
	if secret == "" {
		var err error
		if secret, err = generateSecret(); err != nil {
			return nil, apperrors.NewInternal(err)
		}
	}

	policy := s.defaults
	if spec.RetryPolicy != nil {
		if err := validateRetryPolicy(*spec.RetryPolicy); err != nil {
			return nil, apperrors.NewInvalidSpec(err.Error(), err)
		}
		policy = *spec.RetryPolicy
	}

	now := time.Now()
	sub := &model.Subscription{
		ID:             uuid.New(),
		OrganizationID: spec.OrganizationID,
		Name:           spec.Name,
		URL:            spec.URL,
		Events:         append([]string(nil), spec.Events...),
		Secret:         secret,
		Headers:        spec.Headers,
		RetryPolicy:    policy,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.flush()
	s.logger.Info("subscription registered", "subscription_id", sub.ID.String(), "url", sub.URL)
	return sub, nil
}

func (s *Service) Update(ctx context.Context, id uuid.UUID, update Update) (*model.Subscription, error) {
	sub, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Name != nil {
		sub.Name = *update.Name
	}
	if update.URL != nil {
		if err := validateEndpointURL(*update.URL); err != nil {
			return nil, apperrors.NewInvalidSpec(err.Error(), err)
		}
		sub.URL = *update.URL
	}
	if update.Events != nil {
		if len(update.Events) == 0 {
			return nil, apperrors.NewInvalidSpec("event list cannot be empty", nil)
		}
		sub.Events = append([]string(nil), update.Events...)
	}
	if update.Secret != nil {
		if len(*update.Secret) < 16 {
			return nil, apperrors.NewInvalidSpec("secret must be at least 16 characters", nil)
		}
		sub.Secret = *update.Secret
	}
	if update.Headers != nil {
		sub.Headers = update.Headers
	}
	if update.RetryPolicy != nil {
		if err := validateRetryPolicy(*update.RetryPolicy); err != nil {
			return nil, apperrors.NewInvalidSpec(err.Error(), err)
		}
		sub.RetryPolicy = *update.RetryPolicy
	}
	if update.Active != nil {
		sub.Active = *update.Active
		if sub.Active {
			sub.ConsecutiveFailures = 0
		}
	}

	sub.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("subscription", err)
		}
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.flush()
	return sub, nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return apperrors.NewNotFound("subscription", err)
		}
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	s.flush()
	s.logger.Info("subscription deleted", "subscription_id", id.String())
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	sub, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.NewNotFound("subscription", err)
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context, organizationID uuid.UUID) ([]*model.Subscription, error) {
	subs, err := s.repo.List(ctx, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// Activate re-enables a subscription that was switched off manually or by
// the circuit breaker, and clears its failure counter.
func (s *Service) Activate(ctx context.Context, id uuid.UUID) (*model.Subscription, error) {
	active := true
	return s.Update(ctx, id, Update{Active: &active})
}

func (s *Service) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint URL must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint URL must be absolute")
	}
	return nil
}

func validateRetryPolicy(p model.RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy max attempts must be at least 1")
	}
	if p.InitialDelayMs < 0 {
		return fmt.Errorf("retry policy initial delay cannot be negative")
	}
	if p.BackoffMultiplier < 1 {
		return fmt.Errorf("retry policy backoff multiplier must be at least 1")
	}
	return nil
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
