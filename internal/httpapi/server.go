package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"watchtogether/server/internal/core"
	"watchtogether/server/internal/discovery"
	"watchtogether/server/internal/media"
	"watchtogether/server/internal/protocol"
	"watchtogether/server/internal/store"
	"watchtogether/server/internal/ws"
)

// Upload caps.
const (
	MaxMediaBytes    = 15 << 30 // 15 GiB
	MaxSubtitleBytes = 5 << 20  // 5 MiB
)

const headerSocketID = "x-socket-id"

// Server is the Echo application: health, discovery, uploads, byte-serving
// and the websocket mount.
type Server struct {
	echo       *echo.Echo
	instanceID string
	registry   *core.Registry
	uploads    *store.Store
	storage    *media.Storage
	prober     media.Prober

	// Discovery collaborators; nil in tests that do not exercise them.
	listener  *discovery.Listener
	lanProber *discovery.Prober

	directStreamMaxBPS int64
}

// Options wires the server's collaborators.
type Options struct {
	InstanceID         string
	Registry           *core.Registry
	Uploads            *store.Store
	Storage            *media.Storage
	FFProbePath        string
	Listener           *discovery.Listener
	LANProber          *discovery.Prober
	DirectStreamMaxBPS int64
}

// New constructs the Echo app and registers all routes.
func New(opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:               e,
		instanceID:         opts.InstanceID,
		registry:           opts.Registry,
		uploads:            opts.Uploads,
		storage:            opts.Storage,
		prober:             media.Prober{Path: opts.FFProbePath},
		listener:           opts.Listener,
		lanProber:          opts.LANProber,
		directStreamMaxBPS: opts.DirectStreamMaxBPS,
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/api/health", s.handleHealth)
	s.echo.GET("/api/discovery", s.handleDiscovery)
	s.echo.GET("/api/discovery/peers", s.handleDiscoveryPeers)
	s.echo.POST("/api/rooms/:roomId/media", s.handleMediaUpload)
	s.echo.POST("/api/rooms/:roomId/subtitle", s.handleSubtitleUpload)
	s.echo.GET("/api/rooms/:roomId/media/:mediaId", s.handleMediaBytes)
	s.echo.GET("/api/rooms/:roomId/subtitles/:subtitleId", s.handleSubtitleBytes)
	ws.NewHandler(s.registry).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	OK        bool  `json:"ok"`
	RoomCount int   `json:"roomCount"`
	Timestamp int64 `json:"timestamp"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		OK:        true,
		RoomCount: s.registry.Count(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleDiscovery lists the rooms hosted by this instance; probing peers
// fetch it during subnet scans.
func (s *Server) handleDiscovery(c echo.Context) error {
	rooms := s.registry.Summaries()
	if rooms == nil {
		rooms = []protocol.RoomSummary{}
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, protocol.DiscoveryResponse{
		ProtocolVersion: protocol.ProtocolVersion,
		InstanceID:      s.instanceID,
		Rooms:           rooms,
	})
}

// handleDiscoveryPeers merges broadcast and probe entries for the local UI.
func (s *Server) handleDiscoveryPeers(c echo.Context) error {
	var lists [][]discovery.Entry
	if s.listener != nil {
		lists = append(lists, s.listener.Entries())
	}
	if s.lanProber != nil {
		lists = append(lists, s.lanProber.Probe(c.Request().Context()))
	}
	merged := discovery.Merge(lists...)
	if merged == nil {
		merged = []discovery.Entry{}
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.JSON(http.StatusOK, merged)
}

type mediaUploadResponse struct {
	Media               *protocol.MediaDescriptor `json:"media"`
	OptimizedForNetwork bool                      `json:"optimizedForNetwork"`
	SourceBitrateMbps   *float64                  `json:"sourceBitrateMbps"`
}

func (s *Server) handleMediaUpload(c echo.Context) error {
	room, ok := s.registry.Get(c.Param("roomId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	connID := strings.TrimSpace(c.Request().Header.Get(headerSocketID))
	if connID == "" || !room.IsHost(connID) {
		return echo.NewHTTPError(http.StatusForbidden, "only the host may upload media")
	}

	fileHeader, err := c.FormFile("video")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"video\" is required")
	}
	if fileHeader.Size > MaxMediaBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "media file exceeds the 15 GiB limit")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	saved, err := s.storage.Save(room.ID, fileHeader.Filename, src)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist media: %v", err))
	}

	probed := s.prober.Probe(c.Request().Context(), saved.Path)

	mimeType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	desc := protocol.MediaDescriptor{
		ID:       uuid.NewString(),
		Name:     fileHeader.Filename,
		Size:     saved.SizeBytes,
		MimeType: mimeType,
		Duration: probed.Duration,
		SHA256:   saved.SHA256,
	}

	if err := s.uploads.CreateUpload(c.Request().Context(), store.UploadMetadata{
		ID:           desc.ID,
		RoomID:       room.ID,
		Kind:         store.KindMedia,
		OriginalName: desc.Name,
		ContentType:  desc.MimeType,
		DiskPath:     saved.Path,
		SizeBytes:    saved.SizeBytes,
		Duration:     probed.Duration,
		SHA256:       saved.SHA256,
	}); err != nil {
		s.storage.Remove(saved.Path)
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist media metadata: %v", err))
	}

	if err := room.SetMediaUpload(connID, desc, saved.Path); err != nil {
		s.storage.Remove(saved.Path)
		_ = s.uploads.DeleteUpload(c.Request().Context(), desc.ID)
		if errors.Is(err, core.ErrNotHost) || errors.Is(err, core.ErrNotMember) {
			return echo.NewHTTPError(http.StatusForbidden, "only the host may upload media")
		}
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	resp := mediaUploadResponse{Media: &desc}
	if probed.BitrateBPS != nil {
		mbps := float64(*probed.BitrateBPS) / 1e6
		resp.SourceBitrateMbps = &mbps
		resp.OptimizedForNetwork = *probed.BitrateBPS <= s.directStreamMaxBPS
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSubtitleUpload(c echo.Context) error {
	room, ok := s.registry.Get(c.Param("roomId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	connID := strings.TrimSpace(c.Request().Header.Get(headerSocketID))
	if connID == "" || !room.IsHost(connID) {
		return echo.NewHTTPError(http.StatusForbidden, "only the host may upload subtitles")
	}

	fileHeader, err := c.FormFile("subtitle")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"subtitle\" is required")
	}
	if fileHeader.Size > MaxSubtitleBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "subtitle file exceeds the 5 MiB limit")
	}

	format, err := media.SubtitleFormat(fileHeader.Filename)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	raw, err := io.ReadAll(io.LimitReader(src, MaxSubtitleBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read uploaded file: %v", err))
	}
	if int64(len(raw)) > MaxSubtitleBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "subtitle file exceeds the 5 MiB limit")
	}

	storedName := fileHeader.Filename
	if media.NeedsVTTConversion(storedName) {
		raw = media.ConvertSRTToVTT(raw)
		storedName = strings.TrimSuffix(storedName, filepath.Ext(storedName)) + ".vtt"
	}

	saved, err := s.storage.SaveBytes(room.ID, storedName, raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist subtitle: %v", err))
	}

	var language *string
	if lang := strings.TrimSpace(c.FormValue("language")); lang != "" {
		language = &lang
	}
	desc := protocol.SubtitleDescriptor{
		ID:       uuid.NewString(),
		Name:     fileHeader.Filename,
		Format:   format,
		Language: language,
	}

	if err := s.uploads.CreateUpload(c.Request().Context(), store.UploadMetadata{
		ID:           desc.ID,
		RoomID:       room.ID,
		Kind:         store.KindSubtitle,
		OriginalName: desc.Name,
		ContentType:  media.SubtitleContentType(format),
		DiskPath:     saved.Path,
		SizeBytes:    saved.SizeBytes,
		Format:       format,
		Language:     language,
	}); err != nil {
		s.storage.Remove(saved.Path)
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist subtitle metadata: %v", err))
	}

	if err := room.SetSubtitle(connID, desc, saved.Path); err != nil {
		s.storage.Remove(saved.Path)
		_ = s.uploads.DeleteUpload(c.Request().Context(), desc.ID)
		if errors.Is(err, core.ErrNotHost) || errors.Is(err, core.ErrNotMember) {
			return echo.NewHTTPError(http.StatusForbidden, "only the host may upload subtitles")
		}
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}

	return c.JSON(http.StatusOK, map[string]any{"subtitle": desc})
}

// handleMediaBytes serves the media file with full Range support:
// a valid range gets 206 with Content-Range, a malformed range header is
// ignored (200 full body) and an out-of-bounds range gets 416.
func (s *Server) handleMediaBytes(c echo.Context) error {
	meta, err := s.lookupUpload(c, store.KindMedia, c.Param("mediaId"))
	if err != nil {
		return err
	}

	f, err := os.Open(meta.DiskPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "media file not found")
	}
	defer f.Close()

	dropMalformedRange(c.Request())
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set(echo.HeaderContentType, meta.ContentType)
	http.ServeContent(c.Response(), c.Request(), meta.OriginalName, meta.CreatedAt, f)
	return nil
}

// dropMalformedRange removes a Range header that carries no parseable
// byte-range spec, so ServeContent falls back to a 200 full-body response.
// Well-formed but unsatisfiable ranges stay and earn their 416.
func dropMalformedRange(r *http.Request) {
	header := r.Header.Get("Range")
	if header == "" {
		return
	}
	rest, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		r.Header.Del("Range")
		return
	}
	for _, part := range strings.Split(rest, ",") {
		start, end, found := strings.Cut(strings.TrimSpace(part), "-")
		if !found {
			continue
		}
		if isDigits(start) || isDigits(end) {
			return // at least one valid spec, let ServeContent handle it
		}
	}
	r.Header.Del("Range")
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (s *Server) handleSubtitleBytes(c echo.Context) error {
	meta, err := s.lookupUpload(c, store.KindSubtitle, c.Param("subtitleId"))
	if err != nil {
		return err
	}

	f, err := os.Open(meta.DiskPath)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "subtitle file not found")
	}
	defer f.Close()

	dropMalformedRange(c.Request())
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set(echo.HeaderContentType, media.SubtitleContentType(meta.Format))
	http.ServeContent(c.Response(), c.Request(), meta.OriginalName, meta.CreatedAt, f)
	return nil
}

func (s *Server) lookupUpload(c echo.Context, kind, id string) (store.UploadMetadata, error) {
	room, ok := s.registry.Get(c.Param("roomId"))
	if !ok {
		return store.UploadMetadata{}, echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	meta, err := s.uploads.UploadByID(c.Request().Context(), room.ID, id)
	if err != nil {
		if errors.Is(err, store.ErrUploadNotFound) {
			return store.UploadMetadata{}, echo.NewHTTPError(http.StatusNotFound, "upload not found")
		}
		return store.UploadMetadata{}, echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("lookup upload: %v", err))
	}
	if meta.Kind != kind {
		return store.UploadMetadata{}, echo.NewHTTPError(http.StatusNotFound, "upload not found")
	}
	return meta, nil
}
