package diag

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"tvboxd/internal/channel"
	"tvboxd/internal/database"
	"tvboxd/internal/models"
	"tvboxd/internal/player"
	"tvboxd/internal/storage"
)

// Resyncer triggers a manifest refresh for the device.
type Resyncer interface {
	Fetch(ctx context.Context, deviceID string) (*models.Manifest, error)
}

// Handler serves the diagnostics endpoints.
type Handler struct {
	version   string
	deviceID  string
	startTime time.Time

	scheduler *player.Scheduler
	session   *channel.Session
	sync      Resyncer
	cache     *storage.MediaCache
	db        *database.DB
}

// NewHandler creates a diagnostics handler.
func NewHandler(version, deviceID string) *Handler {
	return &Handler{
		version:   version,
		deviceID:  deviceID,
		startTime: time.Now(),
	}
}

// WithScheduler attaches the playback scheduler.
func (h *Handler) WithScheduler(s *player.Scheduler) *Handler {
	h.scheduler = s
	return h
}

// WithSession attaches the live channel session.
func (h *Handler) WithSession(s *channel.Session) *Handler {
	h.session = s
	return h
}

// WithSynchronizer attaches the manifest synchronizer.
func (h *Handler) WithSynchronizer(r Resyncer) *Handler {
	h.sync = r
	return h
}

// WithCache attaches the media cache.
func (h *Handler) WithCache(c *storage.MediaCache) *Handler {
	h.cache = c
	return h
}

// WithDB attaches the device database for health checks.
func (h *Handler) WithDB(db *database.DB) *Handler {
	h.db = db
	return h
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	GoVersion     string  `json:"go_version"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Database      string  `json:"database"`
	Load1         float64 `json:"load1,omitempty"`
	MemUsedPct    float64 `json:"mem_used_pct,omitempty"`
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Player          player.Snapshot `json:"player"`
	Session         string          `json:"session"`
	Offline         bool            `json:"offline"`
	LastHeartbeat   *time.Time      `json:"last_heartbeat,omitempty"`
	ManifestVersion int64           `json:"manifest_version"`
	CacheEntries    int             `json:"cache_entries"`
	CacheBytes      int64           `json:"cache_bytes"`
}

// ResyncResponse is the body of the resync endpoint.
type ResyncResponse struct {
	ManifestVersion int64 `json:"manifest_version"`
	ItemCount       int   `json:"item_count"`
}

// AckResponse acknowledges an affordance request.
type AckResponse struct {
	OK bool `json:"ok"`
}

// CacheClearResponse reports the cache state after a clear.
type CacheClearResponse struct {
	Entries int   `json:"entries"`
	Bytes   int64 `json:"bytes"`
}

type healthOutput struct {
	Body HealthResponse
}

type statusOutput struct {
	Body StatusResponse
}

type resyncOutput struct {
	Body ResyncResponse
}

type ackOutput struct {
	Body AckResponse
}

type cacheClearOutput struct {
	Body CacheClearResponse
}

// Register registers all diagnostics operations with the API.
func (h *Handler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.getHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/v1/status",
		Summary:     "Playback and connectivity status",
		Tags:        []string{"Playback"},
	}, h.getStatus)

	huma.Register(api, huma.Operation{
		OperationID: "postResync",
		Method:      "POST",
		Path:        "/api/v1/resync",
		Summary:     "Force a manifest resync",
		Tags:        []string{"Playback"},
	}, h.postResync)

	huma.Register(api, huma.Operation{
		OperationID: "postInteract",
		Method:      "POST",
		Path:        "/api/v1/interact",
		Summary:     "Report a user interaction",
		Description: "Retries playback when the platform blocked autoplay.",
		Tags:        []string{"Playback"},
	}, h.postInteract)

	huma.Register(api, huma.Operation{
		OperationID: "postCacheClear",
		Method:      "POST",
		Path:        "/api/v1/cache/clear",
		Summary:     "Clear the media cache",
		Tags:        []string{"Storage"},
	}, h.postCacheClear)
}

func (h *Handler) getHealth(ctx context.Context, _ *struct{}) (*healthOutput, error) {
	resp := HealthResponse{
		Status:        "ok",
		Version:       h.version,
		GoVersion:     runtime.Version(),
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Database:      "disabled",
	}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Database = "error"
		} else {
			resp.Database = "ok"
		}
	}

	if avg, err := load.Avg(); err == nil && avg != nil {
		resp.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		resp.MemUsedPct = vm.UsedPercent
	}

	return &healthOutput{Body: resp}, nil
}

func (h *Handler) getStatus(ctx context.Context, _ *struct{}) (*statusOutput, error) {
	resp := StatusResponse{Session: "disabled"}

	if h.scheduler != nil {
		resp.Player = h.scheduler.Snapshot()
		resp.ManifestVersion = resp.Player.ManifestVersion
	}

	if h.session != nil {
		state := h.session.State()
		resp.Session = state.String()
		resp.Offline = state != channel.StateConnected
		if last := h.session.LastHeartbeat(); !last.IsZero() {
			resp.LastHeartbeat = &last
		}
	}

	if h.cache != nil {
		resp.CacheEntries, resp.CacheBytes = h.cache.Stats()
	}

	return &statusOutput{Body: resp}, nil
}

func (h *Handler) postResync(ctx context.Context, _ *struct{}) (*resyncOutput, error) {
	if h.sync == nil {
		return nil, huma.Error503ServiceUnavailable("synchronizer not available")
	}

	m, err := h.sync.Fetch(ctx, h.deviceID)
	if err != nil {
		return nil, huma.Error502BadGateway("manifest resync failed", err)
	}

	if h.scheduler != nil {
		h.scheduler.ApplyManifest(m)
	}

	return &resyncOutput{Body: ResyncResponse{
		ManifestVersion: m.Version,
		ItemCount:       m.ItemCount(),
	}}, nil
}

func (h *Handler) postInteract(ctx context.Context, _ *struct{}) (*ackOutput, error) {
	if h.scheduler != nil {
		h.scheduler.UserInteraction()
	}
	return &ackOutput{Body: AckResponse{OK: true}}, nil
}

func (h *Handler) postCacheClear(ctx context.Context, _ *struct{}) (*cacheClearOutput, error) {
	if h.cache == nil {
		return nil, huma.Error503ServiceUnavailable("cache not available")
	}

	if err := h.cache.Clear(); err != nil {
		return nil, huma.Error500InternalServerError("clearing cache failed", err)
	}

	entries, bytes := h.cache.Stats()
	return &cacheClearOutput{Body: CacheClearResponse{Entries: entries, Bytes: bytes}}, nil
}
