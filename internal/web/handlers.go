package web

import (
	"context"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/microscopio/microscopio/internal/device"
	"github.com/microscopio/microscopio/internal/fsutil"
	"github.com/microscopio/microscopio/internal/logic/environment"
	"github.com/microscopio/microscopio/internal/logic/experiment"
	"github.com/microscopio/microscopio/internal/logic/illumination"
	"github.com/microscopio/microscopio/internal/sysinfo"
)

// Cameras is the set of connected devices.
type Cameras interface {
	List() []device.ID
	Contains(id device.ID) bool
}

// Lights drives the per-camera LEDs.
type Lights interface {
	On(id device.ID) error
	Off(id device.ID) error
	OnAll() illumination.Report
	OffAll() illumination.Report
	SetLevel(id device.ID, value int) (int, error)
	Level(id device.ID) (int, error)
	Levels() map[device.ID]int
}

// Streamer yields live frames for one camera.
type Streamer interface {
	Frames(ctx context.Context, id device.ID) iter.Seq2[[]byte, error]
}

// Environment reads the ambient sensor.
type Environment interface {
	Read(ctx context.Context) (environment.Reading, bool)
}

// Experiments controls the experiment runner.
type Experiments interface {
	Start(p experiment.Params) ([]device.ID, error)
	Stop(ctx context.Context) error
	Status() experiment.Status
}

// Host samples system health.
type Host interface {
	Snapshot(ctx context.Context) sysinfo.Snapshot
}

// Deps are the components behind the HTTP surface.
type Deps struct {
	Cameras     Cameras
	Lights      Lights
	Frames      Streamer
	Env         Environment
	Experiments Experiments
	Host        Host
	Files       *fsutil.Root
	Broadcaster *StatusBroadcaster
	// Shutdown is called once the /shutdown response is written.
	Shutdown func()
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Deps
	heartbeat time.Duration
	log       zerolog.Logger
}

// NewHandlers creates handlers with the given dependencies.
func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	if deps.Broadcaster == nil {
		deps.Broadcaster = NewStatusBroadcaster()
	}
	return &Handlers{Deps: deps, heartbeat: 30 * time.Second, log: logger}
}

// cameraParam parses {id} and checks it against the registry.
func (h *Handlers) cameraParam(r *http.Request) (device.ID, error) {
	n, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q", errUnknownCamera, chi.URLParam(r, "id"))
	}
	id := device.ID(n)
	if !h.Cameras.Contains(id) {
		return 0, fmt.Errorf("%w: %d", errUnknownCamera, id)
	}
	return id, nil
}

// HandleCameras lists connected camera ids.
func (h *Handlers) HandleCameras(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, device.Ints(h.Cameras.List()))
}

// HandleLED handles POST /led/{id}/{on|off}.
func (h *Handlers) HandleLED(w http.ResponseWriter, r *http.Request) {
	id, err := h.cameraParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	switch action := chi.URLParam(r, "action"); action {
	case "on":
		err = h.Lights.On(id)
	case "off":
		err = h.Lights.Off(id)
	default:
		err = fmt.Errorf("%w: %q", errInvalidAction, action)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

// HandleLEDAll handles POST /led/all/{on|off}. Per-LED failures are
// logged, the response is still ok.
func (h *Handlers) HandleLEDAll(w http.ResponseWriter, r *http.Request) {
	var rep illumination.Report
	switch action := chi.URLParam(r, "action"); action {
	case "on":
		rep = h.Lights.OnAll()
	case "off":
		rep = h.Lights.OffAll()
	default:
		writeError(w, fmt.Errorf("%w: %q", errInvalidAction, action))
		return
	}
	for id, err := range rep.Failed {
		h.log.Warn().Err(err).Int("device", int(id)).Msg("led switch failed")
	}
	writeOK(w)
}

type brightnessBody struct {
	Value *int `json:"value"`
}

type brightnessResponse struct {
	Status string `json:"status"`
	Value  int    `json:"value"`
}

// HandleGetBrightness returns the stored level of one LED.
func (h *Handlers) HandleGetBrightness(w http.ResponseWriter, r *http.Request) {
	id, err := h.cameraParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v, err := h.Lights.Level(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, brightnessResponse{Status: "ok", Value: v})
}

// HandleSetBrightness stores a new level. A lit LED changes at once, an
// unlit one keeps duty 0.
func (h *Handlers) HandleSetBrightness(w http.ResponseWriter, r *http.Request) {
	id, err := h.cameraParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body brightnessBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Value == nil {
		writeError(w, fmt.Errorf("%w: missing value", errBadBody))
		return
	}
	v, err := h.Lights.SetLevel(id, *body.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, brightnessResponse{Status: "ok", Value: v})
}

// HandleBrightnessMap returns every mapped LED's level.
func (h *Handlers) HandleBrightnessMap(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "values": h.Lights.Levels()})
}

type sensorResponse struct {
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// HandleSensor takes one environment reading. An unavailable sensor
// yields nulls, not an error.
func (h *Handlers) HandleSensor(w http.ResponseWriter, r *http.Request) {
	var resp sensorResponse
	if rd, ok := h.Env.Read(r.Context()); ok {
		resp.Temperature, resp.Humidity = &rd.TemperatureC, &rd.HumidityPct
	}
	writeJSON(w, http.StatusOK, resp)
}

// seconds accepts a whole number of seconds as a JSON number or a
// numeric string.
type seconds int

// maxSeconds is the largest count that still fits a time.Duration.
const maxSeconds = math.MaxInt64 / int64(time.Second)

func (s *seconds) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%q is not a whole number of seconds", raw)
	}
	if int64(n) > maxSeconds || int64(n) < -maxSeconds {
		return fmt.Errorf("%d seconds is out of range", n)
	}
	*s = seconds(n)
	return nil
}

type startRequest struct {
	SavePath  string   `json:"save_path"`
	Duration  *seconds `json:"duration"`
	Interval  *seconds `json:"interval"`
	CameraIDs []int    `json:"camera_ids"`
}

type startResponse struct {
	Status    string `json:"status"`
	SavePath  string `json:"save_path"`
	CameraIDs []int  `json:"camera_ids"`
}

// HandleStartExperiment handles POST /experiment/start.
func (h *Handlers) HandleStartExperiment(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, fmt.Errorf("%w: %w", experiment.ErrInvalidParameters, err))
		return
	}
	if strings.TrimSpace(req.SavePath) == "" || req.Duration == nil || req.Interval == nil {
		writeError(w, fmt.Errorf("%w: save_path, duration and interval are required", experiment.ErrInvalidParameters))
		return
	}
	folder, err := h.Files.Resolve(req.SavePath)
	if err != nil {
		writeError(w, err)
		return
	}

	ids := make([]device.ID, 0, len(req.CameraIDs))
	for _, n := range req.CameraIDs {
		ids = append(ids, device.ID(n))
	}
	used, err := h.Experiments.Start(experiment.Params{
		Folder:   folder,
		Duration: time.Duration(*req.Duration) * time.Second,
		Interval: time.Duration(*req.Interval) * time.Second,
		Devices:  ids,
	})
	if err != nil {
		h.log.Warn().Err(err).Str("save_path", req.SavePath).Msg("experiment start rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{Status: "ok", SavePath: folder, CameraIDs: device.Ints(used)})
}

// HandleStopExperiment ends the current run. Stopping an idle runner
// succeeds.
func (h *Handlers) HandleStopExperiment(w http.ResponseWriter, r *http.Request) {
	if err := h.Experiments.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeOK(w)
}

type experimentView struct {
	experiment.Status
	LEDBrightness map[device.ID]int `json:"led_brightness"`
}

type statusResponse struct {
	System     sysinfo.Snapshot `json:"system"`
	Experiment experimentView   `json:"experiment"`
}

// HandleStatus returns host health and the runner snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Experiment: experimentView{Status: h.Experiments.Status(), LEDBrightness: h.Lights.Levels()},
	}
	if h.Host != nil {
		resp.System = h.Host.Snapshot(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

type listResponse struct {
	Status string `json:"status"`
	fsutil.Listing
}

// HandleListDir lists a folder under the base.
func (h *Handlers) HandleListDir(w http.ResponseWriter, r *http.Request) {
	l, err := h.Files.ListDir(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Status: "success", Listing: l})
}

type createFolderRequest struct {
	FolderPath string `json:"folder_path"`
}

type createFolderResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path"`
}

// HandleCreateFolder creates a folder under the base.
func (h *Handlers) HandleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	abs, err := h.Files.CreateFolder(req.FolderPath)
	if err != nil {
		h.log.Warn().Err(err).Str("folder_path", req.FolderPath).Msg("create folder rejected")
		writeError(w, err)
		return
	}
	rel := h.Files.Rel(abs)
	writeJSON(w, http.StatusOK, createFolderResponse{
		Status:  "success",
		Message: "created: " + rel,
		Path:    rel,
	})
}

// HandleShutdown answers first, then triggers the teardown.
func (h *Handlers) HandleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": "shutting down"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	h.log.Info().Msg("shutdown requested")
	if h.Shutdown != nil {
		go h.Shutdown()
	}
}

// HandleHealth reports liveness.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleVideoFeed streams motion JPEG. A failure before the first frame
// is a 503; a failure mid-stream ends it with one text part carrying the
// error.
func (h *Handlers) HandleVideoFeed(w http.ResponseWriter, r *http.Request) {
	id, err := h.cameraParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	started := false
	for frame, err := range h.Frames.Frames(r.Context(), id) {
		if err != nil {
			h.log.Warn().Err(err).Int("device", int(id)).Msg("live view ended")
			if !started {
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Status: "error", Message: err.Error()})
				return
			}
			fmt.Fprintf(w, "--frame\r\nContent-Type: text/plain\r\n\r\n%s\r\n", err)
			flusher.Flush()
			return
		}
		if !started {
			w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}
