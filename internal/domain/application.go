package domain

import (
	"strings"
	"time"
)

// ActorSystem is recorded as ChangedBy when no human actor is involved.
const ActorSystem = "system"

// StatusHistoryEntry is one immutable line of an application's audit trail.
type StatusHistoryEntry struct {
	Status    Status
	Timestamp time.Time
	ChangedBy string
	Reason    string
}

// ApplicationRecord is a credit application together with its status history.
// Status always equals the status of the last History entry; use Advance to
// change it.
type ApplicationRecord struct {
	ID              string
	OwnerID         string
	Status          Status
	History         []StatusHistoryEntry
	ApprovedAmount  *float64
	RiskScore       *float64
	RejectionReason string
	InternalNotes   string
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewApplicationRecord creates an application in the draft state with its
// first history entry.
func NewApplicationRecord(id, ownerID, createdBy string) ApplicationRecord {
	now := time.Now().UTC()
	if createdBy == "" {
		createdBy = ActorSystem
	}
	return ApplicationRecord{
		ID:      id,
		OwnerID: ownerID,
		Status:  StatusDraft,
		History: []StatusHistoryEntry{
			{Status: StatusDraft, Timestamp: now, ChangedBy: createdBy},
		},
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionFields carries the status-dependent data that may accompany a
// transition request. Nil pointers mean "not provided".
type TransitionFields struct {
	ApprovedAmount  *float64
	RiskScore       *float64
	RejectionReason *string
	InternalNotes   *string
}

// CheckRequiredFields enforces the per-target field requirements.
func CheckRequiredFields(target Status, fields TransitionFields) error {
	switch target {
	case StatusRejected:
		if fields.RejectionReason == nil || strings.TrimSpace(*fields.RejectionReason) == "" {
			return &MissingFieldError{Field: FieldRejectionReason}
		}
	case StatusApproved:
		if fields.ApprovedAmount == nil || !(*fields.ApprovedAmount > 0) {
			return &MissingFieldError{Field: FieldApprovedAmount}
		}
	}
	return nil
}

// Advance returns a copy of r moved to target, with the history entry appended
// and the provided fields merged. It does not validate; callers run the
// transition validator first. The receiver is left untouched.
func (r ApplicationRecord) Advance(target Status, fields TransitionFields, actor string, at time.Time) ApplicationRecord {
	if actor == "" {
		actor = ActorSystem
	}
	at = at.UTC()

	next := r
	next.History = make([]StatusHistoryEntry, len(r.History), len(r.History)+1)
	copy(next.History, r.History)
	next.History = append(next.History, StatusHistoryEntry{
		Status:    target,
		Timestamp: at,
		ChangedBy: actor,
		Reason:    historyReason(target, fields),
	})
	next.Status = target
	next.Version = r.Version + 1
	next.UpdatedAt = at

	if fields.ApprovedAmount != nil {
		v := *fields.ApprovedAmount
		next.ApprovedAmount = &v
	}
	if fields.RiskScore != nil {
		v := *fields.RiskScore
		next.RiskScore = &v
	}
	if fields.RejectionReason != nil {
		next.RejectionReason = *fields.RejectionReason
	}
	if fields.InternalNotes != nil {
		next.InternalNotes = *fields.InternalNotes
	}
	return next
}

func historyReason(target Status, fields TransitionFields) string {
	if target == StatusRejected && fields.RejectionReason != nil {
		return *fields.RejectionReason
	}
	return ""
}

// Consistent reports whether Status matches the last history entry.
func (r ApplicationRecord) Consistent() bool {
	if len(r.History) == 0 {
		return false
	}
	return r.History[len(r.History)-1].Status == r.Status
}

// StatusChangeEvent announces a committed transition to interested subscribers.
// It is keyed by OwnerID for distribution.
type StatusChangeEvent struct {
	ApplicationID  string
	OwnerID        string
	PreviousStatus Status
	NewStatus      Status
	Timestamp      time.Time
}
