// Package steps implements the pipeline step types: search, download, encode,
// deliver, approval, notification and conditional. Steps mutate the execution
// context and drive processing items through the orchestrator; they never
// write item statuses themselves.
package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/jmylchreest/fetcharr/internal/breaker"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/delivery"
	"github.com/jmylchreest/fetcharr/internal/dispatch"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
	"github.com/jmylchreest/fetcharr/internal/repository"
)

// Services is the orchestrator surface steps drive item and request state
// through. TransitionItem is the single writer of ProcessingItem.status.
type Services interface {
	// TransitionItem moves an item to a new status, applying the patch
	// atomically. It returns the updated row. Replaying the current status
	// is a no-op that still applies the patch.
	TransitionItem(ctx context.Context, itemID models.ULID, to models.ProcessingStatus, patch pipeline.ItemPatch) (*models.ProcessingItem, error)

	// SetRequestProgress updates the request's coarse progress and step label.
	SetRequestProgress(ctx context.Context, requestID models.ULID, progress float64, currentStep string) error

	// SetSelectedRelease records the release chosen for the request.
	SetSelectedRelease(ctx context.Context, requestID models.ULID, release *models.Release) error

	// MarkQualityUnavailable parks the request with below-bar alternatives
	// until a user accepts one.
	MarkQualityUnavailable(ctx context.Context, requestID models.ULID, alternatives []models.Release) error
}

// BranchStarter spawns per-episode branch executions. Implemented by the
// executor; declared here so the encode step does not depend on it directly.
type BranchStarter interface {
	StartBranches(ctx context.Context, parent *models.PipelineExecution, items []*models.ProcessingItem) (int, error)
}

// SearchQuery asks an indexer for releases of one piece of media. Season and
// Episode are zero for movies; Episode is zero for whole-season queries.
type SearchQuery struct {
	Title   string
	Year    int
	Kind    models.MediaKind
	Season  int
	Episode int
}

// Indexer finds releases. External collaborator, always breaker-wrapped.
type Indexer interface {
	Search(ctx context.Context, query SearchQuery) ([]models.Release, error)
}

// Torrent is the client-side view of one download.
type Torrent struct {
	Hash        string
	Name        string
	SavePath    string
	Progress    float64
	CompletedAt time.Time
}

// TorrentClient drives the downloader. External collaborator, always
// breaker-wrapped.
type TorrentClient interface {
	// Add submits a magnet and returns the torrent hash.
	Add(ctx context.Context, magnetURI, title string) (string, error)
	// Get returns the torrent with the given hash, or nil when unknown.
	Get(ctx context.Context, hash string) (*Torrent, error)
	// ListCompleted returns every torrent at 100%.
	ListCompleted(ctx context.Context) ([]Torrent, error)
	// Remove deletes a torrent, optionally with its files.
	Remove(ctx context.Context, hash string, deleteFiles bool) error
}

// Encoder enqueues transcoding jobs. Implemented by the dispatcher.
type Encoder interface {
	QueueJob(ctx context.Context, params dispatch.QueueJobParams) (string, error)
}

// Deliverer places one encoded file on one storage server.
type Deliverer interface {
	Deliver(ctx context.Context, server config.StorageServerConfig, media delivery.Media, file models.EncodedFile, progress func(done, total int64)) (*delivery.Result, error)
}

// Notifier sends outbound event notifications. External collaborator,
// breaker-wrapped; failures never fail a pipeline.
type Notifier interface {
	Send(ctx context.Context, event string, payload any) error
}

// Dependencies bundles everything the step set needs. The composition root
// fills it once and calls RegisterAll.
type Dependencies struct {
	Items       repository.ProcessingItemRepository
	Download    repository.DownloadRepository
	Profiles    repository.EncodingProfileRepository
	Assignments repository.EncoderAssignmentRepository

	Services Services
	Branches BranchStarter
	Indexer  Indexer
	Torrents TorrentClient
	Encoder  Encoder
	Deliver  Deliverer
	Notifier Notifier
	Breaker  *breaker.Breaker

	SearchCfg   config.SearchConfig
	DeliveryCfg config.DeliveryConfig

	// EncodeOutputDir is where encoded files land before delivery.
	EncodeOutputDir string

	Logger *slog.Logger
}

// RegisterAll builds every step implementation and registers it.
func RegisterAll(registry *pipeline.Registry, deps Dependencies) {
	registry.Register(NewSearchStep(deps))
	registry.Register(NewDownloadStep(deps))
	registry.Register(NewEncodeStep(deps))
	registry.Register(NewDeliverStep(deps))
	registry.Register(NewApprovalStep(deps))
	registry.Register(NewNotificationStep(deps))
	registry.Register(NewConditionalStep())
}

// scopeItems resolves which processing items a step run acts on: the branch
// item alone for branch executions, otherwise every item of the request whose
// status is in the given set. An empty set means all items.
func scopeItems(ctx context.Context, items repository.ProcessingItemRepository, state *pipeline.State, statuses ...models.ProcessingStatus) ([]*models.ProcessingItem, error) {
	if state.Item != nil {
		for _, s := range statuses {
			if state.Item.Status == s {
				return []*models.ProcessingItem{state.Item}, nil
			}
		}
		if len(statuses) == 0 {
			return []*models.ProcessingItem{state.Item}, nil
		}
		return nil, nil
	}

	all, err := items.GetByRequestID(ctx, state.Request.ID)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return all, nil
	}
	var scoped []*models.ProcessingItem
	for _, item := range all {
		for _, s := range statuses {
			if item.Status == s {
				scoped = append(scoped, item)
				break
			}
		}
	}
	return scoped, nil
}

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

func configString(cfg map[string]any, key string) string {
	if raw, ok := cfg[key]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return ""
}

func configBool(cfg map[string]any, key string, fallback bool) bool {
	if raw, ok := cfg[key]; ok {
		if b, ok := raw.(bool); ok {
			return b
		}
	}
	return fallback
}
