package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/orchestrator"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// RequestControl is the orchestrator surface the request endpoints drive.
type RequestControl interface {
	CreateRequest(ctx context.Context, params orchestrator.CreateRequestParams) (*models.Request, error)
	CancelRequest(ctx context.Context, requestID models.ULID) error
	RetryRequest(ctx context.Context, requestID models.ULID) error
	AcceptLowerQuality(ctx context.Context, requestID models.ULID, index int) error
}

// RequestsHandler handles the request lifecycle endpoints.
type RequestsHandler struct {
	control  RequestControl
	requests repository.RequestRepository
	items    repository.ProcessingItemRepository
}

// NewRequestsHandler creates a new requests handler.
func NewRequestsHandler(control RequestControl, requests repository.RequestRepository, items repository.ProcessingItemRepository) *RequestsHandler {
	return &RequestsHandler{
		control:  control,
		requests: requests,
		items:    items,
	}
}

// Register registers the request routes with the API.
func (h *RequestsHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "createRequest",
		Method:      "POST",
		Path:        "/api/v1/requests",
		Summary:     "Create a request",
		Description: "Creates an ingestion request and starts its pipeline",
		Tags:        []string{"Requests"},
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listRequests",
		Method:      "GET",
		Path:        "/api/v1/requests",
		Summary:     "List requests",
		Tags:        []string{"Requests"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getRequest",
		Method:      "GET",
		Path:        "/api/v1/requests/{id}",
		Summary:     "Get a request",
		Tags:        []string{"Requests"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "listRequestItems",
		Method:      "GET",
		Path:        "/api/v1/requests/{id}/items",
		Summary:     "List the processing items of a request",
		Tags:        []string{"Requests"},
	}, h.ListItems)

	huma.Register(api, huma.Operation{
		OperationID: "cancelRequest",
		Method:      "POST",
		Path:        "/api/v1/requests/{id}/cancel",
		Summary:     "Cancel a request",
		Description: "Cancels the request, its executions and any remote encoder jobs",
		Tags:        []string{"Requests"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "retryRequest",
		Method:      "POST",
		Path:        "/api/v1/requests/{id}/retry",
		Summary:     "Retry a failed request",
		Tags:        []string{"Requests"},
	}, h.Retry)

	huma.Register(api, huma.Operation{
		OperationID: "acceptLowerQuality",
		Method:      "POST",
		Path:        "/api/v1/requests/{id}/accept-lower-quality",
		Summary:     "Accept a below-quality release",
		Description: "Picks one of the held alternatives and resumes the pipeline",
		Tags:        []string{"Requests"},
	}, h.AcceptLowerQuality)
}

// EpisodeBody names one episode of a TV request.
type EpisodeBody struct {
	Season  int        `json:"season" minimum:"0"`
	Episode int        `json:"episode" minimum:"1"`
	Title   string     `json:"title,omitempty"`
	AirsAt  *time.Time `json:"airs_at,omitempty"`
}

// CreateRequestInput is the create-request payload.
type CreateRequestInput struct {
	Body struct {
		Kind            string        `json:"kind" enum:"movie,tv"`
		TmdbID          int64         `json:"tmdb_id" minimum:"1"`
		Title           string        `json:"title" minLength:"1"`
		Year            int           `json:"year,omitempty"`
		DeliveryTargets []string      `json:"delivery_targets" minItems:"1"`
		Episodes        []EpisodeBody `json:"episodes,omitempty" doc:"Required for tv requests"`
	}
}

// RequestOutput wraps one request row.
type RequestOutput struct {
	Body *models.Request
}

// Create creates a request and starts its root pipeline execution.
func (h *RequestsHandler) Create(ctx context.Context, input *CreateRequestInput) (*RequestOutput, error) {
	params := orchestrator.CreateRequestParams{
		Kind:            models.MediaKind(input.Body.Kind),
		TmdbID:          input.Body.TmdbID,
		Title:           input.Body.Title,
		Year:            input.Body.Year,
		DeliveryTargets: input.Body.DeliveryTargets,
	}
	for _, ep := range input.Body.Episodes {
		params.Episodes = append(params.Episodes, orchestrator.EpisodeRef{
			Season:  ep.Season,
			Episode: ep.Episode,
			Title:   ep.Title,
			AirsAt:  ep.AirsAt,
		})
	}

	request, err := h.control.CreateRequest(ctx, params)
	if err != nil {
		return nil, apiError(err)
	}
	return &RequestOutput{Body: request}, nil
}

// ListRequestsInput narrows and pages the request listing.
type ListRequestsInput struct {
	PageInput
	Status string `query:"status" enum:",pending,processing,quality_unavailable,completed,failed,cancelled" doc:"Filter by status"`
	Kind   string `query:"kind" enum:",movie,tv" doc:"Filter by media kind"`
}

// ListRequestsOutput is one page of requests.
type ListRequestsOutput struct {
	Body struct {
		Requests []*models.Request `json:"requests"`
		Total    int64             `json:"total"`
	}
}

// List returns requests newest first.
func (h *RequestsHandler) List(ctx context.Context, input *ListRequestsInput) (*ListRequestsOutput, error) {
	filter := repository.RequestFilter{
		Status: models.RequestStatus(input.Status),
		Kind:   models.MediaKind(input.Kind),
	}
	requests, total, err := h.requests.List(ctx, filter, input.Offset, input.Limit)
	if err != nil {
		return nil, apiError(err)
	}

	out := &ListRequestsOutput{}
	out.Body.Requests = requests
	out.Body.Total = total
	return out, nil
}

// GetRequestInput addresses one request.
type GetRequestInput struct {
	ID string `path:"id" doc:"Request id"`
}

// Get returns one request.
func (h *RequestsHandler) Get(ctx context.Context, input *GetRequestInput) (*RequestOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	if request == nil {
		return nil, huma.Error404NotFound("request not found")
	}
	return &RequestOutput{Body: request}, nil
}

// ListItemsOutput holds the items of one request.
type ListItemsOutput struct {
	Body struct {
		Items []*models.ProcessingItem `json:"items"`
	}
}

// ListItems returns the processing items of a request in season/episode order.
func (h *RequestsHandler) ListItems(ctx context.Context, input *GetRequestInput) (*ListItemsOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}

	request, err := h.requests.GetByID(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}
	if request == nil {
		return nil, huma.Error404NotFound("request not found")
	}

	items, err := h.items.GetByRequestID(ctx, id)
	if err != nil {
		return nil, apiError(err)
	}

	out := &ListItemsOutput{}
	out.Body.Items = items
	return out, nil
}

// ActionOutput acknowledges a state-changing call.
type ActionOutput struct {
	Body struct {
		Success bool `json:"success"`
	}
}

func ack() *ActionOutput {
	out := &ActionOutput{}
	out.Body.Success = true
	return out
}

// Cancel cancels a request.
func (h *RequestsHandler) Cancel(ctx context.Context, input *GetRequestInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.CancelRequest(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

// Retry retries a failed request.
func (h *RequestsHandler) Retry(ctx context.Context, input *GetRequestInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.RetryRequest(ctx, id); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}

// AcceptLowerQualityInput picks one held alternative release by index.
type AcceptLowerQualityInput struct {
	ID   string `path:"id" doc:"Request id"`
	Body struct {
		Index int `json:"index" minimum:"0" doc:"Index into available_releases"`
	}
}

// AcceptLowerQuality resumes a quality_unavailable request with the chosen
// release.
func (h *RequestsHandler) AcceptLowerQuality(ctx context.Context, input *AcceptLowerQualityInput) (*ActionOutput, error) {
	id, err := parseID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.control.AcceptLowerQuality(ctx, id, input.Body.Index); err != nil {
		return nil, apiError(err)
	}
	return ack(), nil
}
