package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/internal/service"
)

// ActivityHandler exposes the audit trail.
type ActivityHandler struct {
	activity *service.ActivityService
}

// NewActivityHandler creates a new activity handler.
func NewActivityHandler(activity *service.ActivityService) *ActivityHandler {
	return &ActivityHandler{activity: activity}
}

// Register registers the activity routes with the API.
func (h *ActivityHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listActivity",
		Method:      "GET",
		Path:        "/api/v1/activity",
		Summary:     "List activity log entries",
		Description: "Returns the audit trail newest first, optionally scoped to one request or item",
		Tags:        []string{"Activity"},
	}, h.List)
}

// ListActivityInput narrows and pages the activity feed.
type ListActivityInput struct {
	PageInput
	RequestID string `query:"requestId" doc:"Scope to one request"`
	ItemID    string `query:"itemId" doc:"Scope to one item"`
	Level     string `query:"level" enum:",info,warn,error" doc:"Filter by level"`
	Event     string `query:"event" doc:"Filter by event tag"`
}

// ListActivityOutput is one page of the activity feed.
type ListActivityOutput struct {
	Body service.ActivityPage
}

// List returns audit entries newest first.
func (h *ActivityHandler) List(ctx context.Context, input *ListActivityInput) (*ListActivityOutput, error) {
	filter := repository.ActivityFilter{
		Level: models.ActivityLevel(input.Level),
		Event: input.Event,
	}
	if input.RequestID != "" {
		id, err := parseID(input.RequestID)
		if err != nil {
			return nil, err
		}
		filter.RequestID = &id
	}
	if input.ItemID != "" {
		id, err := parseID(input.ItemID)
		if err != nil {
			return nil, err
		}
		filter.ItemID = &id
	}

	page, err := h.activity.List(ctx, filter, input.Offset, input.Limit)
	if err != nil {
		return nil, apiError(err)
	}
	return &ListActivityOutput{Body: *page}, nil
}
