package ledger

import (
	"fmt"
	"strings"

	"github.com/ankittk/jobplane/internal/store"
	"github.com/ankittk/jobplane/pkg/models"
)

// Default cluster policy, used when no configuration overrides it.
const (
	DefaultTimeoutSeconds    = 30
	DefaultRetryCountOnStall = 0
)

// DefaultPolicy returns the built-in cluster defaults.
func DefaultPolicy() models.Policy {
	return models.Policy{
		TimeoutSeconds:    DefaultTimeoutSeconds,
		RetryCountOnStall: DefaultRetryCountOnStall,
		ApprovalMode:      models.ApprovalNone,
	}
}

// Resolve applies layers over base in order; later layers win. The cluster default is the base,
// followed by the function override and the call-site override.
func Resolve(base models.Policy, layers ...models.PolicyOverride) (models.Policy, error) {
	p := base
	for _, o := range layers {
		if o.TimeoutSeconds != nil {
			p.TimeoutSeconds = *o.TimeoutSeconds
		}
		if o.RetryCountOnStall != nil {
			p.RetryCountOnStall = *o.RetryCountOnStall
		}
		if o.ApprovalMode != nil {
			p.ApprovalMode = *o.ApprovalMode
		}
		if o.NonRecoverable != nil {
			p.NonRecoverable = *o.NonRecoverable
		}
		if o.Private != nil {
			p.Private = *o.Private
		}
	}
	mode, err := NormalizeApprovalMode(p.ApprovalMode)
	if err != nil {
		return models.Policy{}, err
	}
	p.ApprovalMode = mode
	if p.TimeoutSeconds <= 0 {
		return models.Policy{}, fmt.Errorf("%w: timeoutSeconds must be positive, got %d", store.ErrInvalid, p.TimeoutSeconds)
	}
	if p.RetryCountOnStall < 0 {
		return models.Policy{}, fmt.Errorf("%w: retryCountOnStall must not be negative, got %d", store.ErrInvalid, p.RetryCountOnStall)
	}
	return p, nil
}

// NormalizeApprovalMode maps accepted spellings to none, pre, or post.
func NormalizeApprovalMode(mode string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", models.ApprovalNone:
		return models.ApprovalNone, nil
	case models.ApprovalPre:
		return models.ApprovalPre, nil
	case models.ApprovalPost, models.ApprovalAlways:
		return models.ApprovalPost, nil
	}
	return "", fmt.Errorf("%w: unknown approval mode %q", store.ErrInvalid, mode)
}

func toStorePolicy(p models.Policy) store.Policy {
	return store.Policy{
		TimeoutSeconds:    p.TimeoutSeconds,
		RetryCountOnStall: p.RetryCountOnStall,
		ApprovalMode:      p.ApprovalMode,
		NonRecoverable:    p.NonRecoverable,
		Private:           p.Private,
	}
}
