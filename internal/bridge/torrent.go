package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/config"
	"github.com/jmylchreest/fetcharr/internal/pipeline/steps"
	"github.com/jmylchreest/fetcharr/pkg/httpclient"
)

// HTTPTorrentClient drives a torrent daemon's JSON API.
type HTTPTorrentClient struct {
	cfg    config.TorrentConfig
	client *httpclient.Client
	logger *slog.Logger
}

// NewTorrentClient creates the torrent adapter. An empty URL yields a
// disabled stub so the caller needs no nil check.
func NewTorrentClient(cfg config.TorrentConfig, logger *slog.Logger) steps.TorrentClient {
	if cfg.URL == "" {
		logger.Warn("torrent client not configured, download steps will park")
		return disabledTorrentClient{}
	}
	return &HTTPTorrentClient{
		cfg:    cfg,
		client: newClient(cfg.Timeout, logger),
		logger: logger.With("component", "torrent"),
	}
}

type torrentResource struct {
	Hash        string     `json:"hash"`
	Name        string     `json:"name"`
	SavePath    string     `json:"save_path"`
	Progress    float64    `json:"progress"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (t torrentResource) toTorrent() steps.Torrent {
	out := steps.Torrent{
		Hash:     t.Hash,
		Name:     t.Name,
		SavePath: t.SavePath,
		Progress: t.Progress,
	}
	if t.CompletedAt != nil {
		out.CompletedAt = *t.CompletedAt
	}
	return out
}

// Add submits a magnet link and returns the torrent hash.
func (c *HTTPTorrentClient) Add(ctx context.Context, magnetURI, title string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"magnet_uri": magnetURI,
		"title":      title,
	})
	if err != nil {
		return "", fmt.Errorf("encoding add request: %w", err)
	}

	req, err := newRequest(ctx, http.MethodPost,
		joinURL(c.cfg.URL, "/api/v1/torrents"), bytes.NewReader(payload), c.cfg.APIKey)
	if err != nil {
		return "", err
	}

	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		return "", unavailable(err, "adding torrent")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		drain(resp)
		return "", statusError("torrent client", resp.StatusCode)
	}

	var body struct {
		Hash string `json:"hash"`
	}
	if err := decodeBody(resp, &body); err != nil {
		return "", err
	}
	if body.Hash == "" {
		return "", apperrors.New(apperrors.KindExternalUnavailable, "torrent client returned no hash")
	}

	c.logger.Info("torrent added",
		slog.String("hash", body.Hash),
		slog.String("title", title),
	)
	return body.Hash, nil
}

// Get returns the torrent with the given hash, or nil when the daemon does
// not know it.
func (c *HTTPTorrentClient) Get(ctx context.Context, hash string) (*steps.Torrent, error) {
	req, err := newRequest(ctx, http.MethodGet,
		joinURL(c.cfg.URL, "/api/v1/torrents/"+url.PathEscape(hash)), nil, c.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, unavailable(err, "fetching torrent %s", hash)
	}
	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, statusError("torrent client", resp.StatusCode)
	}

	var body torrentResource
	if err := decodeBody(resp, &body); err != nil {
		return nil, err
	}
	torrent := body.toTorrent()
	return &torrent, nil
}

// ListCompleted returns every torrent the daemon reports as finished.
func (c *HTTPTorrentClient) ListCompleted(ctx context.Context) ([]steps.Torrent, error) {
	req, err := newRequest(ctx, http.MethodGet,
		joinURL(c.cfg.URL, "/api/v1/torrents")+"?filter=completed", nil, c.cfg.APIKey)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		return nil, unavailable(err, "listing completed torrents")
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, statusError("torrent client", resp.StatusCode)
	}

	var body struct {
		Torrents []torrentResource `json:"torrents"`
	}
	if err := decodeBody(resp, &body); err != nil {
		return nil, err
	}

	torrents := make([]steps.Torrent, 0, len(body.Torrents))
	for _, t := range body.Torrents {
		torrents = append(torrents, t.toTorrent())
	}
	return torrents, nil
}

// Remove deletes a torrent, optionally with its payload files. Removing an
// unknown hash is not an error.
func (c *HTTPTorrentClient) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	endpoint := joinURL(c.cfg.URL, "/api/v1/torrents/"+url.PathEscape(hash))
	if deleteFiles {
		endpoint += "?delete_files=true"
	}

	req, err := newRequest(ctx, http.MethodDelete, endpoint, nil, c.cfg.APIKey)
	if err != nil {
		return err
	}

	resp, err := c.client.DoWithContext(ctx, req)
	if err != nil {
		return unavailable(err, "removing torrent %s", hash)
	}
	drain(resp)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return statusError("torrent client", resp.StatusCode)
	}
}

type disabledTorrentClient struct{}

func (disabledTorrentClient) Add(context.Context, string, string) (string, error) {
	return "", apperrors.New(apperrors.KindExternalUnavailable, "torrent client not configured")
}

func (disabledTorrentClient) Get(context.Context, string) (*steps.Torrent, error) {
	return nil, apperrors.New(apperrors.KindExternalUnavailable, "torrent client not configured")
}

func (disabledTorrentClient) ListCompleted(context.Context) ([]steps.Torrent, error) {
	return nil, apperrors.New(apperrors.KindExternalUnavailable, "torrent client not configured")
}

func (disabledTorrentClient) Remove(context.Context, string, bool) error {
	return apperrors.New(apperrors.KindExternalUnavailable, "torrent client not configured")
}
