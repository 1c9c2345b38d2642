package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/imgfx-api/internal/advisor"
	"github.com/Brownie44l1/imgfx-api/internal/model"
	"github.com/Brownie44l1/imgfx-api/internal/session"
)

// Processor is the part of model.Processor the handlers use.
type Processor interface {
	Process(ctx context.Context, task model.Task, img image.Image, dev advisor.Device) (*model.Output, error)
}

type Handler struct {
	processor Processor
	maxUpload int64
	maxPixels int64
	log       *slog.Logger
}

// NewHandler limits uploads to maxUpload bytes and maxPixels decoded pixels.
// A maxPixels of 0 disables the pixel limit.
func NewHandler(processor Processor, maxUpload, maxPixels int64, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		processor: processor,
		maxUpload: maxUpload,
		maxPixels: maxPixels,
		log:       log,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /scale-factor", h.ScaleFactor)
	mux.HandleFunc("POST /image/{task}", h.Transform)
	return mux
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type scaleFactorResponse struct {
	Width       int            `json:"width"`
	ScaleFactor int            `json:"scale_factor"`
	Device      advisor.Device `json:"device"`
}

// ScaleFactor advises an upscale multiplier for ?width= on the calling device.
func (h *Handler) ScaleFactor(w http.ResponseWriter, r *http.Request) {
	width, err := strconv.Atoi(r.URL.Query().Get("width"))
	if err != nil || width <= 0 {
		http.Error(w, "width must be a positive integer", http.StatusBadRequest)
		return
	}
	dev := advisor.DeviceFromRequest(r)
	writeJSON(w, http.StatusOK, scaleFactorResponse{
		Width:       width,
		ScaleFactor: advisor.DetermineScaleFactor(dev, width),
		Device:      dev,
	})
}

// Transform runs the task named in the path on the uploaded "image" field
// and responds with a PNG.
func (h *Handler) Transform(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()
	log := h.log.With("request_id", id)
	w.Header().Set("X-Request-ID", id)

	task, err := model.ParseTask(r.PathValue("task"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Image too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	cfg, _, err := image.DecodeConfig(file)
	if err != nil {
		http.Error(w, "Invalid image format", http.StatusBadRequest)
		return
	}
	if h.maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > h.maxPixels {
		log.Warn("image rejected", "task", task, "width", cfg.Width, "height", cfg.Height, "max_pixels", h.maxPixels)
		http.Error(w, "Image dimensions too large", http.StatusRequestEntityTooLarge)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "Failed to read image", http.StatusInternalServerError)
		return
	}

	img, format, err := image.Decode(file)
	if err != nil {
		http.Error(w, "Invalid image format", http.StatusBadRequest)
		return
	}
	b := img.Bounds()
	log.Info("image received", "task", task, "format", format, "width", b.Dx(), "height", b.Dy())

	out, err := h.processor.Process(r.Context(), task, img, advisor.DeviceFromRequest(r))
	switch {
	case errors.Is(err, session.ErrNoBackend):
		log.Error("no backend for model", "task", task, "error", err)
		http.Error(w, "Model unavailable", http.StatusServiceUnavailable)
		return
	case err != nil:
		log.Error("processing failed", "task", task, "error", err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
		return
	case out == nil:
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Scale-Factor", strconv.Itoa(out.Scale))
	w.Header().Set("X-Backends", out.Backends.String())
	if err := png.Encode(w, out.Image); err != nil {
		log.Warn("failed to write response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
