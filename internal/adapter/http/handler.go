package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/cterryc/pyme-sub001/internal/adapter/auth"
	"github.com/cterryc/pyme-sub001/internal/app"
	"github.com/cterryc/pyme-sub001/internal/domain"
)

// ApplicationResponse is the API representation of a credit application.
type ApplicationResponse struct {
	ID                   string   `json:"id" doc:"Unique identifier"`
	OwnerID              string   `json:"ownerId" doc:"Applicant who owns the application"`
	Status               string   `json:"status" doc:"Lifecycle state"`
	AvailableTransitions []string `json:"availableTransitions" doc:"Statuses reachable in one step, in display order"`
	ApprovedAmount       *float64 `json:"approvedAmount,omitempty" doc:"Amount granted on approval"`
	RiskScore            *float64 `json:"riskScore,omitempty" doc:"Risk assessment score"`
	RejectionReason      string   `json:"rejectionReason,omitempty" doc:"Reason given on rejection"`
	InternalNotes        string   `json:"internalNotes,omitempty" doc:"Reviewer notes, visible to administrators only"`
	Version              int      `json:"version" doc:"Optimistic concurrency version"`
	CreatedAt            string   `json:"createdAt" doc:"Creation timestamp (RFC 3339)"`
	UpdatedAt            string   `json:"updatedAt" doc:"Last update timestamp (RFC 3339)"`
}

func toApplicationResponse(r domain.ApplicationRecord, actor app.Actor) ApplicationResponse {
	targets := domain.Targets(r.Status)
	available := make([]string, len(targets))
	for i, s := range targets {
		available[i] = string(s)
	}

	resp := ApplicationResponse{
		ID:                   r.ID,
		OwnerID:              r.OwnerID,
		Status:               string(r.Status),
		AvailableTransitions: available,
		ApprovedAmount:       r.ApprovedAmount,
		RiskScore:            r.RiskScore,
		RejectionReason:      r.RejectionReason,
		Version:              r.Version,
		CreatedAt:            r.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:            r.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if actor.Admin {
		resp.InternalNotes = r.InternalNotes
	}
	return resp
}

// HistoryEntryResponse is one line of an application's status history.
type HistoryEntryResponse struct {
	Status    string `json:"status" doc:"Status entered"`
	Timestamp string `json:"timestamp" doc:"When the status was entered (RFC 3339)"`
	ChangedBy string `json:"changedBy" doc:"Actor that requested the change"`
	Reason    string `json:"reason,omitempty" doc:"Reason recorded with the change"`
}

// --- Create Application ---

type CreateApplicationOutput struct {
	Body ApplicationResponse
}

// --- Get Application ---

type GetApplicationInput struct {
	ID string `path:"id" doc:"Application ID"`
}

type GetApplicationOutput struct {
	Body ApplicationResponse
}

// --- History ---

type GetHistoryOutput struct {
	Body []HistoryEntryResponse
}

// --- List Applications ---

type ListApplicationsInput struct {
	OwnerID string `query:"owner_id" required:"false" doc:"Filter by owner (administrators only)"`
	Status  string `query:"status" required:"false" doc:"Filter by status"`
	Limit   int    `query:"limit" required:"false" default:"50" minimum:"0" maximum:"500" doc:"Max results"`
	Offset  int    `query:"offset" required:"false" default:"0" minimum:"0" doc:"Pagination offset"`
}

type ListApplicationsOutput struct {
	Body []ApplicationResponse
}

// --- Transition ---

type TransitionInput struct {
	ID   string `path:"id" doc:"Application ID"`
	Body struct {
		TargetStatus    string   `json:"targetStatus" minLength:"1" doc:"Requested status"`
		ApprovedAmount  *float64 `json:"approvedAmount,omitempty" doc:"Required when approving; must be positive"`
		RiskScore       *float64 `json:"riskScore,omitempty" doc:"Optional risk score"`
		RejectionReason *string  `json:"rejectionReason,omitempty" doc:"Required when rejecting"`
		InternalNotes   *string  `json:"internalNotes,omitempty" doc:"Optional reviewer notes"`
	}
}

type TransitionOutput struct {
	Body ApplicationResponse
}

// --- Statuses ---

// StatusResponse describes one status and where it can lead.
type StatusResponse struct {
	Status   string   `json:"status" doc:"Status name"`
	Terminal bool     `json:"terminal" doc:"Whether no transition leaves this status"`
	Targets  []string `json:"targets" doc:"Statuses reachable in one step, in display order"`
}

type ListStatusesOutput struct {
	Body []StatusResponse
}

// Register adds all application API routes to the Huma API.
func Register(api huma.API, svc *app.ApplicationService, limiter *ActorLimiter) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-application",
		Method:        http.MethodPost,
		Path:          "/api/v1/applications",
		Summary:       "Create a draft application for the caller",
		Tags:          []string{"Applications"},
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*CreateApplicationOutput, error) {
		actor, err := actorFrom(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}
		record, err := svc.Create(ctx, actor)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &CreateApplicationOutput{Body: toApplicationResponse(record, actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application",
		Method:      http.MethodGet,
		Path:        "/api/v1/applications/{id}",
		Summary:     "Get an application by ID",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *GetApplicationInput) (*GetApplicationOutput, error) {
		actor, err := actorFrom(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}
		record, err := svc.GetByID(ctx, actor, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		return &GetApplicationOutput{Body: toApplicationResponse(record, actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-application-history",
		Method:      http.MethodGet,
		Path:        "/api/v1/applications/{id}/history",
		Summary:     "Get the status history of an application",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *GetApplicationInput) (*GetHistoryOutput, error) {
		actor, err := actorFrom(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}
		history, err := svc.History(ctx, actor, input.ID)
		if err != nil {
			return nil, toHumaError(err)
		}
		resp := make([]HistoryEntryResponse, len(history))
		for i, h := range history {
			resp[i] = HistoryEntryResponse{
				Status:    string(h.Status),
				Timestamp: h.Timestamp.UTC().Format(time.RFC3339Nano),
				ChangedBy: h.ChangedBy,
				Reason:    h.Reason,
			}
		}
		return &GetHistoryOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-applications",
		Method:      http.MethodGet,
		Path:        "/api/v1/applications",
		Summary:     "List applications visible to the caller",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *ListApplicationsInput) (*ListApplicationsOutput, error) {
		actor, err := actorFrom(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}

		filter := domain.ListFilter{
			OwnerID: input.OwnerID,
			Limit:   input.Limit,
			Offset:  input.Offset,
		}
		if input.Status != "" {
			s, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, huma.Error422UnprocessableEntity(err.Error())
			}
			filter.Status = &s
		}

		records, err := svc.List(ctx, actor, filter)
		if err != nil {
			return nil, toHumaError(err)
		}

		resp := make([]ApplicationResponse, len(records))
		for i, r := range records {
			resp[i] = toApplicationResponse(r, actor)
		}
		return &ListApplicationsOutput{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-application",
		Method:      http.MethodPost,
		Path:        "/api/v1/applications/{id}/transitions",
		Summary:     "Request a status transition",
		Tags:        []string{"Applications"},
	}, func(ctx context.Context, input *TransitionInput) (*TransitionOutput, error) {
		actor, err := actorFrom(ctx)
		if err != nil {
			return nil, toHumaError(err)
		}
		if !limiter.Allow(actor.ID, time.Now()) {
			return nil, huma.Error429TooManyRequests("too many transition requests")
		}

		target, err := domain.ParseStatus(input.Body.TargetStatus)
		if err != nil {
			return nil, huma.Error422UnprocessableEntity(err.Error(), &huma.ErrorDetail{
				Location: "body.targetStatus",
				Value:    input.Body.TargetStatus,
			})
		}

		record, err := svc.Transition(ctx, actor, input.ID, target, domain.TransitionFields{
			ApprovedAmount:  input.Body.ApprovedAmount,
			RiskScore:       input.Body.RiskScore,
			RejectionReason: input.Body.RejectionReason,
			InternalNotes:   input.Body.InternalNotes,
		})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &TransitionOutput{Body: toApplicationResponse(record, actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-statuses",
		Method:      http.MethodGet,
		Path:        "/api/v1/statuses",
		Summary:     "List statuses and the transitions between them",
		Tags:        []string{"Statuses"},
	}, func(_ context.Context, _ *struct{}) (*ListStatusesOutput, error) {
		all := domain.AllStatuses()
		resp := make([]StatusResponse, len(all))
		for i, s := range all {
			targets := domain.Targets(s)
			names := make([]string, len(targets))
			for j, t := range targets {
				names[j] = string(t)
			}
			resp[i] = StatusResponse{
				Status:   string(s),
				Terminal: domain.IsTerminal(s),
				Targets:  names,
			}
		}
		return &ListStatusesOutput{Body: resp}, nil
	})
}

// actorFrom converts the authenticated identity into a service actor.
func actorFrom(ctx context.Context) (app.Actor, error) {
	id, ok := auth.FromContext(ctx)
	if !ok || id.Subject == "" {
		return app.Actor{}, domain.ErrInvalidIdentity
	}
	return app.Actor{ID: id.Subject, Admin: id.Admin()}, nil
}

// toHumaError translates domain errors to Huma HTTP errors.
func toHumaError(err error) error {
	if errors.Is(err, domain.ErrApplicationNotFound) {
		return huma.Error404NotFound("application not found")
	}
	if errors.Is(err, domain.ErrForbidden) {
		return huma.Error403Forbidden(err.Error())
	}
	if errors.Is(err, domain.ErrInvalidIdentity) {
		return huma.Error401Unauthorized(err.Error())
	}

	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		return huma.Error409Conflict(illegal.Error())
	}

	var missing *domain.MissingFieldError
	if errors.As(err, &missing) {
		return huma.Error422UnprocessableEntity(missing.Error(), &huma.ErrorDetail{
			Message:  "required for this status",
			Location: "body." + missing.Field,
		})
	}

	var persist *domain.PersistenceError
	if errors.As(err, &persist) || errors.Is(err, domain.ErrStaleRecord) {
		return huma.Error503ServiceUnavailable("application could not be saved, retry the request")
	}

	return huma.Error500InternalServerError("internal server error")
}
