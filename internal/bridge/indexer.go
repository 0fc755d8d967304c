package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/pkg/httpclient"
)

// HTTPIndexer queries a release indexer's JSON search API.
type HTTPIndexer struct {
	cfg    config.IndexerConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewIndexer creates the indexer adapter. An empty URL yields a disabled
// stub so the caller needs no nil check.
func NewIndexer(cfg config.IndexerConfig, logger *slog.Logger) steps.Indexer {
	if cfg.URL == "" {
		logger.Warn("indexer not configured, search steps will park")
		return disabledIndexer{}
	}
	return &HTTPIndexer{
		cfg:    cfg,
		client: newClient(cfg.Timeout, logger),
		logger: logger.With("component", "indexer"),
	}
}

type searchResponse struct {
	Releases []models.Release `json:"releases"`
}

// Search asks the indexer for releases matching the query.
func (i *HTTPIndexer) Search(ctx context.Context, query steps.SearchQuery) ([]models.Release, error) {
	params := url.Values{}
	params.Set("q", query.Title)
	params.Set("type", string(query.Kind))
	if query.Year > 0 {
		params.Set("year", strconv.Itoa(query.Year))
	}
	if query.Season > 0 {
		params.Set("season", strconv.Itoa(query.Season))
	}
	if query.Episode > 0 {
		params.Set("episode", strconv.Itoa(query.Episode))
	}

	req, err := newRequest(ctx, http.MethodGet,
		joinURL(i.cfg.URL, "/api/v1/search")+"?"+params.Encode(), nil, i.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := i.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, unavailable(err, "searching indexer")
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, statusError("indexer", resp.StatusCode)
	}

	var body searchResponse
	if err := decodeBody(resp, &body); err != nil {
		return nil, err
	}

	i.logger.Debug("indexer search",
		slog.String("title", query.Title),
		slog.Int("season", query.Season),
		slog.Int("episode", query.Episode),
		slog.Int("releases", len(body.Releases)),
	)
	return body.Releases, nil
}

type disabledIndexer struct{}

func (disabledIndexer) Search(context.Context, steps.SearchQuery) ([]models.Release, error) {
	return nil, apperrors.New(apperrors.KindExternalUnavailable, "indexer not configured")
}
