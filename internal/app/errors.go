package app

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotEligible      = errors.New("user is not eligible")
	ErrClosedForVoting  = errors.New("publication is closed for voting")
	ErrStaleVote        = errors.New("vote arrived after resolution")
	ErrBranchExists     = errors.New("owner already holds an active copy")
	ErrBranchInProgress = errors.New("branching already in progress")
	ErrRevisionStore    = errors.New("revision store failure")
	ErrUnauthenticated  = errors.New("missing user identity")
)

// DomainError carries the HTTP shape of a failure. It matches every sentinel
// in kinds and the wrapped cause with errors.Is.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	kinds   []error
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := append([]error{}, e.kinds...)
	if e.cause != nil {
		out = append(out, e.cause)
	}
	return out
}

func domainError(status int, code, message string, details any, kinds ...error) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
		kinds:   kinds,
	}
}

func validationError(format string, args ...any) error {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION", fmt.Sprintf(format, args...), nil, ErrValidation)
}

func notEligible(format string, args ...any) error {
	return domainError(http.StatusForbidden, "NOT_ELIGIBLE", fmt.Sprintf(format, args...), nil, ErrNotEligible)
}

func closedForVoting(format string, args ...any) error {
	return domainError(http.StatusConflict, "CLOSED_FOR_VOTING", fmt.Sprintf(format, args...), nil, ErrClosedForVoting)
}

// staleVote also matches ErrClosedForVoting: a vote on a resolved copy is a
// vote on a closed copy.
func staleVote(publicationID, resolution string) error {
	return domainError(http.StatusConflict, "STALE_VOTE",
		fmt.Sprintf("publication %s was already resolved as %q", publicationID, resolution),
		map[string]any{"publicationId": publicationID, "resolution": resolution},
		ErrStaleVote, ErrClosedForVoting)
}

func branchExists(publicationID, owner string) error {
	return domainError(http.StatusConflict, "BRANCH_EXISTS",
		fmt.Sprintf("%s already holds an active copy of %s", owner, publicationID),
		map[string]any{"publicationId": publicationID, "owner": owner},
		ErrBranchExists)
}

func branchInProgress(publicationID string) error {
	return domainError(http.StatusConflict, "BRANCH_IN_PROGRESS",
		fmt.Sprintf("publication %s is being submitted; try again shortly", publicationID),
		map[string]any{"publicationId": publicationID},
		ErrBranchInProgress)
}

func revisionStoreError(op string, err error) error {
	e := domainError(http.StatusBadGateway, "REVISION_STORE", op+" failed", nil, ErrRevisionStore)
	e.cause = err
	return e
}

func unauthenticated() error {
	return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", "X-User-ID header is required", nil, ErrUnauthenticated)
}
