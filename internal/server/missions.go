package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

var missionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerMissions(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"open,assigned,in_progress,awaiting_validation,completed,cancelled"`
		AssignedTo string `query:"assigned_to"`
		CreatedBy  string `query:"created_by"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Mission `json:"body"`
	}, error) {
		items, err := r.ListMissions(ctx, domain.MissionFilter{
			Status:     domain.Status(input.Status),
			AssignedTo: strings.TrimSpace(input.AssignedTo),
			CreatedBy:  strings.TrimSpace(input.CreatedBy),
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Mission `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-mission",
		Method:        http.MethodPost,
		Path:          "/missions",
		Summary:       "Create mission",
		DefaultStatus: http.StatusCreated,
		Errors:        missionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ctx, authErr := actorContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := missionFromRequest(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		created, err := r.InsertMission(ctx, m)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}",
		Summary:     "Get mission",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		m, err := r.GetMission(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-mission",
		Method:      http.MethodPatch,
		Path:        "/missions/{mission_id}",
		Summary:     "Conditionally update mission",
		Description: "Applies patch only while the mission is still in status expect and, when expect_assignee is given, still held by that actor (empty means unassigned). A mismatch is 409 conflict. A status change no lifecycle event allows is 422.",
		Errors:      missionErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      UpdateMissionRequest `json:"body"`
	}) (*struct {
		Body domain.Mission `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ctx, authErr := actorContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expect := domain.Status(input.Body.Expect)
		if !expect.Valid() {
			return nil, handleError(engine.ValidationError{Field: "expect", Reason: "unknown status"})
		}
		patch := input.Body.Patch
		if patch.Empty() {
			return nil, handleError(engine.ValidationError{Field: "patch", Reason: "nothing to update"})
		}
		if patch.Status != nil && !patch.Status.Valid() {
			return nil, handleError(engine.ValidationError{Field: "patch.status", Reason: "unknown status"})
		}
		if patch.Status != nil && !engine.StatusChangeAllowed(expect, *patch.Status) {
			return nil, handleError(engine.ValidationError{
				Field:  "patch.status",
				Reason: fmt.Sprintf("no transition moves a mission from %s to %s", expect, *patch.Status),
			})
		}
		cond := domain.Expectation{Status: expect, AssignedTo: input.Body.ExpectAssignee}
		m, err := r.UpdateMission(ctx, input.MissionID, cond, patch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Mission `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-mission",
		Method:        http.MethodDelete,
		Path:          "/missions/{mission_id}",
		Summary:       "Delete mission and its thread",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct{}, error) {
		ctx, authErr := actorContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := r.DeleteMission(ctx, input.MissionID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func missionFromRequest(ctx context.Context, in CreateMissionRequest) (domain.Mission, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Mission{}, engine.ValidationError{Field: "title", Reason: "a title is required"}
	}
	urgency, err := domain.ParseUrgency(in.Urgency)
	if err != nil {
		return domain.Mission{}, engine.ValidationError{Field: "urgency", Reason: err.Error()}
	}
	status := domain.StatusOpen
	if in.AssignedTo != nil && strings.TrimSpace(*in.AssignedTo) != "" {
		status = domain.StatusAssigned
	}
	if in.Status != "" && domain.Status(in.Status) != status {
		return domain.Mission{}, engine.ValidationError{Field: "status", Reason: "must be assigned exactly when assigned_to is set"}
	}
	creator, _ := actorIDFromContext(ctx)
	if in.CreatedBy != "" && in.CreatedBy != creator {
		return domain.Mission{}, engine.ValidationError{Field: "created_by", Reason: "must match the authenticated actor"}
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	m := domain.Mission{
		ID:              id,
		Title:           title,
		Description:     strings.TrimSpace(in.Description),
		Status:          status,
		Urgency:         urgency,
		XPReward:        in.XPReward,
		CreatedBy:       creator,
		NeedsAttachment: in.NeedsAttachment,
		Deadline:        in.Deadline,
	}
	if status == domain.StatusAssigned {
		assignee := strings.TrimSpace(*in.AssignedTo)
		m.AssignedTo = &assignee
	}
	return m, nil
}

func registerMessages(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/missions/{mission_id}/messages",
		Summary:     "List a mission thread, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `path:"mission_id"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		msgs, err := r.ListMessages(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(msgs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-message",
		Method:        http.MethodPost,
		Path:          "/missions/{mission_id}/messages",
		Summary:       "Post to a mission thread",
		DefaultStatus: http.StatusCreated,
		Errors:        missionErrors,
	}, func(ctx context.Context, input *struct {
		MissionID string               `path:"mission_id"`
		Body      CreateMessageRequest `json:"body"`
	}) (*struct {
		Body domain.Message `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ctx, authErr := actorContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		author, _ := actorIDFromContext(ctx)
		if input.Body.AuthorID != "" && input.Body.AuthorID != author {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "author_id must match the authenticated actor", nil)
		}
		content := strings.TrimSpace(input.Body.Content)
		if content == "" {
			return nil, handleError(engine.ValidationError{Field: "content", Reason: "message is empty"})
		}
		m, err := r.InsertMessage(ctx, domain.Message{MissionID: input.MissionID, AuthorID: author, Content: content})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Message `json:"body"`
		}{Body: m}, nil
	})
}
