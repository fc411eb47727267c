package processor

import (
	"time"

	"github.com/smallbiznis/declara/internal/allocation"
)

type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
	StatusDeferred  Status = "deferred"
)

const (
	ReasonMissingDestination  = "missing_destination"
	ReasonWrongDestination    = "wrong_destination"
	ReasonAlreadyTagged       = "already_tagged"
	ReasonNoBillableItems     = "no_billable_items"
	ReasonNonPositiveTotal    = "nonpositive_total"
	ReasonAllocationInvariant = "allocation_invariant_violation"
	ReasonMutationRejected    = "mutation_rejected"
	ReasonTransport           = "transport_error"
	ReasonAuth                = "auth_error"
	ReasonQuotaExhausted      = "quota_exhausted"
	ReasonCanceled            = "canceled"
	ReasonInternal            = "internal_error"
)

// Result is the outcome of processing one order.
type Result struct {
	OrderID     string
	Status      Status
	Reason      string
	Err         error
	CreditsUsed float64
	Allocations []allocation.Allocation
	// CreatedAt is the order's record date, used to advance the watermark.
	CreatedAt time.Time
}

func (r Result) Message() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Reason
}
