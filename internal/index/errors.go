package index

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// ErrPolicyReject is returned by SelectIndex when the recorded retention
// policy is reject. The orchestrator treats it as the signal to build the
// domain index with the weighted-sum fallback instead.
var ErrPolicyReject = eris.New("index: retention policy rejects component selection")

// DegenerateColumnError identifies a zero-variance indicator column
// encountered during standardization. Standardize does not fail on these
// (the column propagates as all zeros) but reports them so the caller can
// decide whether to treat the degeneracy as fatal.
type DegenerateColumnError struct {
	Domain string
	Column string
}

func (e *DegenerateColumnError) Error() string {
	return fmt.Sprintf("index: domain %s: column %s has zero variance", e.Domain, e.Column)
}

// MissingIndicatorError identifies a requested indicator column absent
// from the input table.
type MissingIndicatorError struct {
	Domain string
	Column string
}

func (e *MissingIndicatorError) Error() string {
	return fmt.Sprintf("index: domain %s: indicator %s not present in table", e.Domain, e.Column)
}

// SingularMatrixError reports that the covariance matrix could not be
// fully decomposed: the factorization failed, the input contained
// non-finite values, or two columns are perfectly correlated.
type SingularMatrixError struct {
	Domain string
	Reason string
}

func (e *SingularMatrixError) Error() string {
	return fmt.Sprintf("index: domain %s: singular covariance matrix: %s", e.Domain, e.Reason)
}

// DegenerateRangeError reports a min-max normalization over a column
// whose maximum equals its minimum.
type DegenerateRangeError struct {
	Domain string
	Column string
}

func (e *DegenerateRangeError) Error() string {
	return fmt.Sprintf("index: domain %s: column %s has zero range, cannot min-max normalize", e.Domain, e.Column)
}

// UnitMismatchError reports a domain index that is missing a unit present
// in the other indices being composited.
type UnitMismatchError struct {
	Domain string
	UnitID string
}

func (e *UnitMismatchError) Error() string {
	return fmt.Sprintf("index: domain %s: missing unit %s required for composite", e.Domain, e.UnitID)
}
