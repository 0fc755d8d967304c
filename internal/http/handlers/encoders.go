package handlers

import (
	"context"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// EncoderPool is the dispatcher surface the fleet endpoints read.
type EncoderPool interface {
	Encoders(ctx context.Context) ([]*models.RemoteEncoder, error)
	ConnectedCount() int
}

// EncodersHandler exposes the encoder fleet and its assignments.
type EncodersHandler struct {
	pool        EncoderPool
	assignments repository.EncoderAssignmentRepository
}

// NewEncodersHandler creates a new encoders handler.
func NewEncodersHandler(pool EncoderPool, assignments repository.EncoderAssignmentRepository) *EncodersHandler {
	return &EncodersHandler{
		pool:        pool,
		assignments: assignments,
	}
}

// Register registers the fleet routes with the API.
func (h *EncodersHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listEncoders",
		Method:      "GET",
		Path:        "/api/v1/encoders",
		Summary:     "List remote encoders",
		Description: "Returns every known encoder with its live connection state",
		Tags:        []string{"Encoders"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "listAssignments",
		Method:      "GET",
		Path:        "/api/v1/assignments",
		Summary:     "List encoder assignments",
		Tags:        []string{"Encoders"},
	}, h.ListAssignments)
}

// ListEncodersOutput holds the encoder fleet view.
type ListEncodersOutput struct {
	Body struct {
		Encoders  []*models.RemoteEncoder `json:"encoders"`
		Connected int                     `json:"connected"`
	}
}

// List returns every known encoder row plus the live connection count.
func (h *EncodersHandler) List(ctx context.Context, _ *struct{}) (*ListEncodersOutput, error) {
	encoders, err := h.pool.Encoders(ctx)
	if err != nil {
		return nil, apiError(err)
	}

	out := &ListEncodersOutput{}
	out.Body.Encoders = encoders
	out.Body.Connected = h.pool.ConnectedCount()
	return out, nil
}

// ListAssignmentsInput narrows and pages the assignment listing.
type ListAssignmentsInput struct {
	PageInput
	Status string `query:"status" enum:",pending,encoding,completed,failed,cancelled" doc:"Filter by status"`
}

// ListAssignmentsOutput is one page of assignments.
type ListAssignmentsOutput struct {
	Body struct {
		Assignments []*models.EncoderAssignment `json:"assignments"`
		Total       int64                       `json:"total"`
	}
}

// ListAssignments returns assignments newest first.
func (h *EncodersHandler) ListAssignments(ctx context.Context, input *ListAssignmentsInput) (*ListAssignmentsOutput, error) {
	assignments, total, err := h.assignments.List(ctx, models.AssignmentStatus(input.Status), input.Offset, input.Limit)
	if err != nil {
		return nil, apiError(err)
	}

	out := &ListAssignmentsOutput{}
	out.Body.Assignments = assignments
	out.Body.Total = total
	return out, nil
}
