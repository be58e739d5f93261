package domain

import "fmt"

// Status represents the lifecycle state of a credit application.
type Status string

const (
	StatusDraft             Status = "draft"
	StatusApplying          Status = "applying"
	StatusSubmitted         Status = "submitted"
	StatusUnderReview       Status = "under_review"
	StatusDocumentsRequired Status = "documents_required"
	StatusApproved          Status = "approved"
	StatusRejected          Status = "rejected"
	StatusDisbursed         Status = "disbursed"
	StatusCancelled         Status = "cancelled"
	StatusNotApplicable     Status = "not_applicable"
)

// allStatuses is the closed set of statuses in declaration order.
var allStatuses = []Status{
	StatusDraft,
	StatusApplying,
	StatusSubmitted,
	StatusUnderReview,
	StatusDocumentsRequired,
	StatusApproved,
	StatusRejected,
	StatusDisbursed,
	StatusCancelled,
	StatusNotApplicable,
}

// AllStatuses returns every known status in declaration order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts a raw string to a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown application status %q", s)
}

// transitionTable lists, per source status, the statuses reachable in one step.
// Slice order is the order in which the UI offers the options.
// Terminal statuses map to an empty slice.
var transitionTable = map[Status][]Status{
	StatusDraft:             {StatusApplying, StatusCancelled},
	StatusApplying:          {StatusSubmitted, StatusNotApplicable, StatusCancelled},
	StatusSubmitted:         {StatusUnderReview, StatusCancelled},
	StatusUnderReview:       {StatusApproved, StatusRejected, StatusDocumentsRequired},
	StatusDocumentsRequired: {StatusUnderReview, StatusRejected, StatusCancelled},
	StatusApproved:          {},
	StatusRejected:          {},
	StatusDisbursed:         {},
	StatusCancelled:         {},
	StatusNotApplicable:     {},
}

// Targets returns the statuses reachable directly from s, in display order.
// The returned slice is a copy and may be modified by the caller.
func Targets(s Status) []Status {
	return append([]Status(nil), transitionTable[s]...)
}

// CanTransition reports whether to is reachable from from in one step.
func CanTransition(from, to Status) bool {
	for _, s := range transitionTable[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(transitionTable[s]) == 0
}

// applicantTargets are the transitions an application owner may request
// without an administrator.
var applicantTargets = map[Status][]Status{
	StatusDraft:             {StatusApplying, StatusCancelled},
	StatusApplying:          {StatusSubmitted, StatusCancelled},
	StatusSubmitted:         {StatusCancelled},
	StatusDocumentsRequired: {StatusCancelled},
}

// ApplicantMay reports whether an application owner (as opposed to an
// administrator) may request the move from -> to.
func ApplicantMay(from, to Status) bool {
	for _, s := range applicantTargets[from] {
		if s == to {
			return CanTransition(from, to)
		}
	}
	return false
}
