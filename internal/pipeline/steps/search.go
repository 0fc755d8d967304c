package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/release"
	"github.com/jmylchreest/fetcharr/internal/repository"
	"github.com/jmylchreest/fetcharr/pkg/format"
)

// SearchStep discovers a release for the request: it prefers a completed
// download already sitting in the torrent client, otherwise queries the
// indexer and picks the best release meeting every target's quality bar.
// Items covered by the chosen release move to found.
type SearchStep struct {
	items    repository.ProcessingItemRepository
	services Services
	indexer  Indexer
	torrents TorrentClient
	breaker  *breaker.Breaker
	cfg      config.SearchConfig
	delivery config.DeliveryConfig
	logger   *slog.Logger

	now func() time.Time
}

// NewSearchStep creates the search step.
func NewSearchStep(deps Dependencies) *SearchStep {
	return &SearchStep{
		items:    deps.Items,
		services: deps.Services,
		indexer:  deps.Indexer,
		torrents: deps.Torrents,
		breaker:  deps.Breaker,
		cfg:      deps.SearchCfg,
		delivery: deps.DeliveryCfg,
		logger:   deps.Logger.With(slog.String("step", "search")),
		now:      time.Now,
	}
}

// Type implements pipeline.Step.
func (s *SearchStep) Type() models.StepType { return models.StepTypeSearch }

// ValidateConfig accepts an optional max_resolution cap and check_existing
// toggle.
func (s *SearchStep) ValidateConfig(cfg map[string]any) error {
	if raw, ok := cfg["max_resolution"]; ok {
		str, isStr := raw.(string)
		if !isStr || release.ResolutionRank(str) == 0 {
			return apperrors.New(apperrors.KindConfig, "max_resolution %v is not a known resolution", raw)
		}
	}
	return nil
}

// Execute implements pipeline.Step.
func (s *SearchStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	if state.Context.Search != nil {
		return pipeline.Succeed(), nil
	}

	// A user acceptance or override lands on the request; adopt it instead
	// of searching again.
	if state.Request.SelectedRelease != nil {
		return s.adoptSelected(ctx, state)
	}

	scope, err := scopeItems(ctx, s.items, state, models.ProcessingStatusPending, models.ProcessingStatusSearching)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		// Nothing left to discover; any remaining work belongs to other
		// executions.
		return &pipeline.StepOutput{Success: true, NextStep: pipeline.EndWalk()}, nil
	}

	eligible := s.eligibleNow(scope)
	if len(eligible) == 0 {
		return pipeline.Retryf(s.cfg.RetryDelay, "all %d items deferred until air date", len(scope)), nil
	}

	for _, item := range eligible {
		if _, err := s.services.TransitionItem(ctx, item.ID, models.ProcessingStatusSearching, pipeline.ItemPatch{
			CurrentStep: strPtr("search"),
		}); err != nil {
			return nil, err
		}
	}
	if err := s.services.SetRequestProgress(ctx, state.Request.ID, 10, "searching"); err != nil {
		return nil, err
	}

	criteria := s.buildCriteria(state.Request, cfg)

	if configBool(cfg, "check_existing", true) {
		out, err := s.checkExistingDownloads(ctx, state, eligible, criteria)
		if err != nil {
			return nil, err
		}
		if out != nil {
			return out, nil
		}
	}

	return s.searchIndexer(ctx, state, eligible, criteria)
}

// adoptSelected consumes a release injected onto the request by a quality
// acceptance or manual override.
func (s *SearchStep) adoptSelected(ctx context.Context, state *pipeline.State) (*pipeline.StepOutput, error) {
	selected := state.Request.SelectedRelease

	state.Context.Search = &models.SearchContext{
		SelectedRelease: selected,
		SearchedAt:      s.now(),
	}

	scope, err := scopeItems(ctx, s.items, state, models.ProcessingStatusPending, models.ProcessingStatusSearching)
	if err != nil {
		return nil, err
	}
	covered := coveredItems(scope, state.Request.Kind, selected.Season, selected.Episode)
	if err := s.markFound(ctx, state, covered); err != nil {
		return nil, err
	}

	s.logger.Info("adopted selected release",
		slog.String("request_id", state.Request.ID.String()),
		slog.String("release", selected.Title))
	return pipeline.Succeed(), nil
}

// eligibleNow drops items deferred past their air date.
func (s *SearchStep) eligibleNow(scope []*models.ProcessingItem) []*models.ProcessingItem {
	now := s.now()
	var eligible []*models.ProcessingItem
	for _, item := range scope {
		if item.SkipUntil != nil && item.SkipUntil.After(now) {
			continue
		}
		eligible = append(eligible, item)
	}
	return eligible
}

// buildCriteria derives the quality bar from the request's delivery targets:
// the strictest minimum resolution wins, the first preference sets the codec.
func (s *SearchStep) buildCriteria(request *models.Request, cfg map[string]any) release.Criteria {
	var criteria release.Criteria
	for _, targetID := range request.DeliveryTargets {
		server := s.delivery.Server(targetID)
		if server == nil {
			continue
		}
		if release.ResolutionRank(server.MinResolution) > release.ResolutionRank(criteria.MinResolution) {
			criteria.MinResolution = server.MinResolution
		}
		if criteria.PreferredCodec == "" {
			criteria.PreferredCodec = server.PreferredCodec
		}
	}
	if raw, ok := cfg["max_resolution"].(string); ok {
		criteria.MaxResolution = raw
	}
	return criteria
}

// checkExistingDownloads looks for a completed torrent that already covers
// the media at acceptable quality. Client trouble is logged and ignored; the
// indexer path still runs.
func (s *SearchStep) checkExistingDownloads(ctx context.Context, state *pipeline.State, eligible []*models.ProcessingItem, criteria release.Criteria) (*pipeline.StepOutput, error) {
	var completed []Torrent
	err := s.breaker.Execute(ctx, "torrent_client", func(ctx context.Context) error {
		var listErr error
		completed, listErr = s.torrents.ListCompleted(ctx)
		return listErr
	})
	if err != nil {
		s.logger.Warn("existing download probe failed",
			slog.String("request_id", state.Request.ID.String()),
			slog.String("error", err.Error()))
		return nil, nil
	}

	req := state.Request
	season := 0
	if req.IsTV() {
		season = eligible[0].Season
	}

	for _, torrent := range completed {
		if !release.MatchesMedia(torrent.Name, req.Kind, req.Title, req.Year, season) {
			continue
		}
		parsed := release.Parse(torrent.Name)
		if criteria.MinResolution != "" && !release.MeetsMinimum(parsed.Resolution, criteria.MinResolution) {
			continue
		}

		state.Context.Search = &models.SearchContext{
			ExistingDownload: &models.ExistingDownload{
				TorrentHash: torrent.Hash,
				Name:        torrent.Name,
				SavePath:    torrent.SavePath,
			},
			SearchedAt: s.now(),
		}
		covered := coveredItems(eligible, req.Kind, parsed.Season, parsed.Episode)
		if err := s.markFound(ctx, state, covered); err != nil {
			return nil, err
		}

		s.logger.Info("adopting existing completed download",
			slog.String("request_id", req.ID.String()),
			slog.String("torrent", torrent.Name),
			slog.String("hash", torrent.Hash))
		return pipeline.Succeed(), nil
	}
	return nil, nil
}

// searchIndexer queries the indexer and partitions results into releases
// meeting the quality bar and lower-quality alternatives.
func (s *SearchStep) searchIndexer(ctx context.Context, state *pipeline.State, eligible []*models.ProcessingItem, criteria release.Criteria) (*pipeline.StepOutput, error) {
	req := state.Request

	query := SearchQuery{Title: req.Title, Year: req.Year, Kind: req.Kind}
	if req.IsTV() {
		query.Season = eligible[0].Season
		if len(eligible) == 1 && eligible[0].Episode > 0 {
			query.Episode = eligible[0].Episode
		}
	}

	var found []models.Release
	err := s.breaker.Execute(ctx, "indexer", func(ctx context.Context) error {
		var searchErr error
		found, searchErr = s.indexer.Search(ctx, query)
		return searchErr
	})
	if err != nil {
		return pipeline.Retryf(0, "indexer search failed: %v", err), nil
	}

	if max := s.cfg.MaxReleaseSize.Int64(); max > 0 {
		kept := found[:0]
		for _, r := range found {
			if r.SizeBytes <= max {
				kept = append(kept, r)
			}
		}
		found = kept
	}

	meets, alternatives := release.Partition(found, criteria)

	switch {
	case len(meets) > 0:
		best := meets[0]
		state.Context.Search = &models.SearchContext{
			SelectedRelease: &best,
			SearchedAt:      s.now(),
		}
		if err := s.services.SetSelectedRelease(ctx, req.ID, &best); err != nil {
			return nil, err
		}
		covered := coveredItems(eligible, req.Kind, best.Season, best.Episode)
		if err := s.markFound(ctx, state, covered); err != nil {
			return nil, err
		}
		s.logger.Info("selected release",
			slog.String("request_id", req.ID.String()),
			slog.String("release", best.Title),
			slog.String("size", format.Bytes(best.SizeBytes)),
			slog.Int("seeders", best.Seeders))
		return pipeline.Succeed(), nil

	case len(alternatives) > 0:
		if err := s.services.MarkQualityUnavailable(ctx, req.ID, alternatives); err != nil {
			return nil, err
		}
		s.logger.Info("only below-quality releases found, awaiting user decision",
			slog.String("request_id", req.ID.String()),
			slog.Int("alternatives", len(alternatives)))
		return &pipeline.StepOutput{
			Success:       true,
			ShouldPause:   true,
			CorrelationID: pipeline.QualityCorrelation(req.ID),
		}, nil

	default:
		return pipeline.Retryf(s.cfg.RetryDelay, "no releases found"), nil
	}
}

// markFound advances covered items to found, carrying the search context the
// transition validator requires.
func (s *SearchStep) markFound(ctx context.Context, state *pipeline.State, covered []*models.ProcessingItem) error {
	for _, item := range covered {
		if _, err := s.services.TransitionItem(ctx, item.ID, models.ProcessingStatusFound, pipeline.ItemPatch{
			CurrentStep: strPtr("search"),
			Context:     &models.StepContext{Search: state.Context.Search},
		}); err != nil {
			return err
		}
	}
	return s.services.SetRequestProgress(ctx, state.Request.ID, 25, "found")
}

// coveredItems narrows scope items to those a release actually covers: an
// episode release covers its episode, a season pack its season, anything
// else (movies included) the whole scope.
func coveredItems(scope []*models.ProcessingItem, kind models.MediaKind, season, episode int) []*models.ProcessingItem {
	if kind != models.MediaKindTV || season == 0 {
		return scope
	}
	var covered []*models.ProcessingItem
	for _, item := range scope {
		if item.Season != season {
			continue
		}
		if episode > 0 && item.Episode != episode {
			continue
		}
		covered = append(covered, item)
	}
	return covered
}

var _ pipeline.Step = (*SearchStep)(nil)
