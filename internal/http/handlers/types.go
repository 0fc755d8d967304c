// Package handlers provides the REST API handlers for fetcharr.
package handlers

import (
	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
)

// apiError converts a control-plane error into the huma error carrying the
// status code mapped from its kind.
func apiError(err error) error {
	if err == nil {
		return nil
	}
	return huma.NewError(apperrors.HTTPStatus(err), err.Error())
}

// parseID parses a path id, answering 422 via huma on bad input.
func parseID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, huma.Error422UnprocessableEntity("invalid id", err)
	}
	return id, nil
}

// PageInput carries the shared pagination query parameters.
type PageInput struct {
	Offset int `query:"offset" minimum:"0" default:"0" doc:"Rows to skip"`
	Limit  int `query:"limit" minimum:"1" maximum:"500" default:"50" doc:"Page size"`
}
