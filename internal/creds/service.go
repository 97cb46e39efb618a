// SPDX-License-Identifier: MIT

// Package creds exchanges per-owner refresh tokens for bearer tokens used to
// fetch model artifacts. At most one refresh RPC is in flight per owner
// (singleflight); refreshes are rate limited in aggregate to respect the
// identity provider.
package creds

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/riffbench/riffbench/internal/log"
	"github.com/riffbench/riffbench/internal/metrics"
	"github.com/riffbench/riffbench/internal/store"
)

// AuthError classifies identity-provider failures. Transient errors are
// retried with backoff by the worker; permanent ones fail the job.
type AuthError struct {
	Permanent bool
	Reason    string
	Err       error
}

func (e *AuthError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", kind, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a permanent auth failure.
func IsPermanent(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.Permanent
}

// Refresher performs the actual token exchange with the identity provider.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (access, refresh string, expiresAt time.Time, err error)
}

// DefaultSkew is subtracted from the token expiry: a token this close to
// expiring is treated as expired so a long render never starts with a token
// about to die.
const DefaultSkew = 30 * time.Second

// DefaultRefreshRate is the aggregate provider budget: 100 refreshes/minute.
var DefaultRefreshRate = rate.Limit(100.0 / 60.0)

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Service caches bearer tokens per owner and refreshes them on expiry.
type Service struct {
	store     store.Store
	refresher Refresher
	skew      time.Duration
	limiter   *rate.Limiter
	group     singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedToken
}

// NewService wires a credential service over the durable store.
func NewService(st store.Store, refresher Refresher) *Service {
	return &Service{
		store:     st,
		refresher: refresher,
		skew:      DefaultSkew,
		limiter:   rate.NewLimiter(DefaultRefreshRate, 5),
		cache:     make(map[string]cachedToken),
	}
}

// BearerFor returns a live access token for ownerID.
func (s *Service) BearerFor(ctx context.Context, ownerID string) (string, error) {
	now := time.Now()

	s.mu.RLock()
	cached, ok := s.cache[ownerID]
	s.mu.RUnlock()
	if ok && now.Before(cached.expiresAt.Add(-s.skew)) {
		return cached.token, nil
	}

	cred, err := s.store.GetCredential(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", &AuthError{Permanent: true, Reason: "no credential on file"}
		}
		return "", &AuthError{Reason: "credential lookup failed", Err: err}
	}
	if cred.Broken {
		return "", &AuthError{Permanent: true, Reason: "credential marked broken"}
	}
	expiresAt := time.Unix(cred.AccessExpiresAt, 0)
	if now.Before(expiresAt.Add(-s.skew)) {
		s.remember(ownerID, cred.AccessToken, expiresAt)
		return cred.AccessToken, nil
	}

	// Expired (or inside the skew window): collapse concurrent callers into
	// one refresh per owner.
	v, err, _ := s.group.Do("refresh:"+ownerID, func() (any, error) {
		return s.refresh(ctx, ownerID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the in-memory token for ownerID. Called when a credential
// is stored or revoked out-of-band.
func (s *Service) Invalidate(ownerID string) {
	s.mu.Lock()
	delete(s.cache, ownerID)
	s.mu.Unlock()
}

func (s *Service) remember(ownerID, token string, expiresAt time.Time) {
	s.mu.Lock()
	s.cache[ownerID] = cachedToken{token: token, expiresAt: expiresAt}
	s.mu.Unlock()
}

func (s *Service) refresh(ctx context.Context, ownerID string) (string, error) {
	logger := log.WithComponent("creds")

	// Another caller may have finished a refresh while we queued on the
	// singleflight latch.
	cred, err := s.store.GetCredential(ctx, ownerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", &AuthError{Permanent: true, Reason: "no credential on file"}
		}
		return "", &AuthError{Reason: "credential lookup failed", Err: err}
	}
	if cred.Broken {
		return "", &AuthError{Permanent: true, Reason: "credential marked broken"}
	}
	expiresAt := time.Unix(cred.AccessExpiresAt, 0)
	if time.Now().Before(expiresAt.Add(-s.skew)) {
		s.remember(ownerID, cred.AccessToken, expiresAt)
		return cred.AccessToken, nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		metrics.CredentialRefreshTotal.WithLabelValues("throttled").Inc()
		return "", &AuthError{Reason: "refresh throttled", Err: err}
	}

	access, refreshTok, newExpiry, err := s.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		var ae *AuthError
		if errors.As(err, &ae) && ae.Permanent {
			metrics.CredentialRefreshTotal.WithLabelValues("permanent").Inc()
			cred.Broken = true
			if putErr := s.store.PutCredential(ctx, cred); putErr != nil {
				logger.Error().Err(putErr).Str("owner_id", ownerID).Msg("failed to flag broken credential")
			}
			s.Invalidate(ownerID)
			return "", err
		}
		metrics.CredentialRefreshTotal.WithLabelValues("transient").Inc()
		if ae != nil {
			return "", err
		}
		return "", &AuthError{Reason: "refresh failed", Err: err}
	}

	// The refresh token may rotate; persist whatever the provider returned.
	cred.AccessToken = access
	cred.RefreshToken = refreshTok
	cred.AccessExpiresAt = newExpiry.Unix()
	cred.RefreshedAtUnix = time.Now().Unix()
	if err := s.store.PutCredential(ctx, cred); err != nil {
		return "", &AuthError{Reason: "persist refreshed credential", Err: err}
	}
	s.remember(ownerID, access, newExpiry)
	metrics.CredentialRefreshTotal.WithLabelValues("ok").Inc()
	logger.Debug().Str("owner_id", ownerID).Time("expires_at", newExpiry).Msg("credential refreshed")
	return access, nil
}
