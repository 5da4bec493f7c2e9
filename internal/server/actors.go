package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/repo"
)

func registerActors(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-actors",
		Method:      http.MethodGet,
		Path:        "/actors",
		Summary:     "List actors",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Actor `json:"body"`
	}, error) {
		items, err := r.ListActors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Actor `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-actor",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}",
		Summary:     "Get actor profile",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		a, err := r.GetActor(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-actor",
		Method:      http.MethodPut,
		Path:        "/actors/{actor_id}",
		Summary:     "Create or update actor profile",
		Description: "The role accepts assigner/manager and assignee/technician spellings and is stored canonically.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ActorID string             `path:"actor_id"`
		Body    UpsertActorRequest `json:"body"`
	}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		role, err := domain.ParseRole(input.Body.Role)
		if err != nil {
			return nil, handleError(engine.ValidationError{Field: "role", Reason: err.Error()})
		}
		a, err := r.UpsertActor(ctx, domain.Actor{
			ID:        strings.TrimSpace(input.ActorID),
			Role:      role,
			FirstName: input.Body.FirstName,
			LastName:  input.Body.LastName,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := r.GetActor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: a}, nil
	})
}

func registerNotifications(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/notifications",
		Summary:     "List an actor's notifications, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
		Unread  bool   `query:"unread"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		items, err := r.ListNotifications(ctx, input.ActorID, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-notification",
		Method:        http.MethodPost,
		Path:          "/notifications",
		Summary:       "Record a notification",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateNotificationRequest `json:"body"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.RecipientID) == "" {
			return nil, handleError(engine.ValidationError{Field: "recipient_id", Reason: "a recipient is required"})
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, handleError(engine.ValidationError{Field: "title", Reason: "a title is required"})
		}
		n, err := r.InsertNotification(ctx, domain.Notification{
			RecipientID: strings.TrimSpace(input.Body.RecipientID),
			Type:        input.Body.Type,
			Title:       strings.TrimSpace(input.Body.Title),
			Body:        input.Body.Body,
			Link:        input.Body.Link,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-notification",
		Method:        http.MethodPost,
		Path:          "/notifications/{notification_id}/read",
		Summary:       "Mark a notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		NotificationID string `path:"notification_id"`
	}) (*struct{}, error) {
		if err := r.MarkNotificationRead(ctx, input.NotificationID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRewards(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "credit-reward",
		Method:      http.MethodPost,
		Path:        "/rewards",
		Summary:     "Credit a reward once per key",
		Description: "Crediting an existing key is a no-op and returns credited=false.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreditRewardRequest `json:"body"`
	}) (*struct {
		Body CreditResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c := input.Body
		switch {
		case strings.TrimSpace(c.Key) == "":
			return nil, handleError(engine.ValidationError{Field: "key", Reason: "an idempotency key is required"})
		case strings.TrimSpace(c.ActorID) == "":
			return nil, handleError(engine.ValidationError{Field: "actor_id", Reason: "a recipient is required"})
		case c.Amount <= 0:
			return nil, handleError(engine.ValidationError{Field: "amount", Reason: "must be positive"})
		}
		credited, err := r.CreditReward(ctx, domain.RewardCredit{
			Key:       strings.TrimSpace(c.Key),
			ActorID:   strings.TrimSpace(c.ActorID),
			MissionID: c.MissionID,
			Amount:    c.Amount,
			Reason:    c.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditResponse `json:"body"`
		}{Body: CreditResponse{Credited: credited}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rewards",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/rewards",
		Summary:     "List an actor's reward credits",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []domain.RewardCredit `json:"body"`
	}, error) {
		items, err := r.ListRewards(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RewardCredit `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-xp",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/xp",
		Summary:     "XP total and level",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body XPResponse `json:"body"`
	}, error) {
		total, err := r.TotalXP(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body XPResponse `json:"body"`
		}{Body: xpResponse(input.ActorID, total)}, nil
	})
}
