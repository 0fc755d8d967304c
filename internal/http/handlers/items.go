package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
)

// ItemControl is the orchestrator surface the item endpoints drive.
type ItemControl interface {
	RetryItem(ctx context.Context, itemID models.ULID) error
	CancelItem(ctx context.Context, itemID models.ULID) error
	ApproveDiscoveredItem(ctx context.Context, itemID models.ULID, approve bool) error
	OverrideDiscoveredRelease(ctx context.Context, itemID models.ULID, release models.Release) error
}

// ItemsHandler handles the per-item endpoints.
type ItemsHandler struct {
	control ItemControl
}

// NewItemsHandler creates a new items handler.
func NewItemsHandler(control ItemControl) *ItemsHandler {
	return &ItemsHandler{control: control}
}

// Register registers the item routes with the API.
func (h *ItemsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "retryItem",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/retry",
		Summary:     "Retry a failed item",
		Description: "Resets the attempt budget and sends the item back to pending",
		Tags:        []string{"Items"},
	}, h.Retry)

	huma.Register(api, huma.Operation{
		OperationID: "cancelItem",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/cancel",
		Summary:     "Cancel an item",
		Tags:        []string{"Items"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "approveItem",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/approve",
		Summary:     "Approve or reject a discovered item",
		Description: "Resolves an approval gate for an episode discovered beyond the original ask",
		Tags:        []string{"Items"},
	}, h.Approve)

	huma.Register(api, huma.Operation{
		OperationID: "overrideItemRelease",
		Method:      "POST",
		Path:        "/api/v1/items/{id}/override-release",
		Summary:     "Pin a user-chosen release for an item",
		Tags:        []string{"Items"},
	}, h.OverrideRelease)
}

// ItemActionInput addresses one item.
type ItemActionInput struct {
	ID string `path:"id" doc:"Item id"`
}

// Retry retries a failed item.
func (h *ItemsHandler) Retry(ctx context.Context, input *ItemActionInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.RetryItem(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

// Cancel cancels an item without touching its siblings.
func (h *ItemsHandler) Cancel(ctx context.Context, input *ItemActionInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.CancelItem(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

// ApproveItemInput resolves an approval gate.
type ApproveItemInput struct {
	ID   string `path:"id" doc:"Item id"`
	Body struct {
		Approve bool `json:"approve"`
	}
}

// Approve approves or rejects a discovered item.
func (h *ItemsHandler) Approve(ctx context.Context, input *ApproveItemInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.ApproveDiscoveredItem(ctx, id, input.Body.Approve); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

// OverrideReleaseInput pins a user-chosen release on an item.
type OverrideReleaseInput struct {
	ID   string `path:"id" doc:"Item id"`
	Body struct {
		Release models.Release `json:"release"`
	}
}

// OverrideRelease pins a specific release and unparks quality holds.
func (h *ItemsHandler) OverrideRelease(ctx context.Context, input *OverrideReleaseInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.OverrideDiscoveredRelease(ctx, id, input.Body.Release); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}
