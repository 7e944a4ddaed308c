package aggregation

import (
	"context"

	"github.com/cuongbtq/bulk-export/internal/queue/domain"
)

// EligibilityQuery is what the consent and look-back checks decide on.
type EligibilityQuery struct {
	OrgID        string
	OrgNPI       string
	ProviderNPI  string
	PatientMBI   string
	ResourceType domain.ResourceType // empty for patient-wide checks
}

// ConsentChecker reports whether a patient opted out of data sharing.
type ConsentChecker interface {
	OptedOut(ctx context.Context, q EligibilityQuery) (bool, error)
}

// ConsentFunc adapts a per-MBI opt-out lookup, such as
// (*consent.Client).OptedOut, to ConsentChecker.
type ConsentFunc func(ctx context.Context, mbi string) (bool, error)

// OptedOut implements ConsentChecker.
func (f ConsentFunc) OptedOut(ctx context.Context, q EligibilityQuery) (bool, error) {
	return f(ctx, q.PatientMBI)
}

// LookBackChecker reports whether the provider has a recent enough
// relationship with the patient to receive a resource type.
type LookBackChecker interface {
	Eligible(ctx context.Context, q EligibilityQuery) (bool, error)
}

// AlwaysEligible passes every check. It is the look-back checker of every
// deployment and the consent checker when no consent service is configured.
type AlwaysEligible struct{}

// OptedOut implements ConsentChecker.
func (AlwaysEligible) OptedOut(context.Context, EligibilityQuery) (bool, error) { return false, nil }

// Eligible implements LookBackChecker.
func (AlwaysEligible) Eligible(context.Context, EligibilityQuery) (bool, error) { return true, nil }
