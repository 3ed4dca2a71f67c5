package library

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/xingzihai/listen-sync/internal/db"
)

// multipart overhead allowed on top of the file itself
const formSlack = 1 << 20

type Handlers struct {
	Lib *Library
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

type trackView struct {
	Name     string    `json:"name"`
	Format   string    `json:"format"`
	Size     int64     `json:"size"`
	SizeMB   float64   `json:"size_mb"`
	Modified time.Time `json:"modified"`
}

func viewOf(t db.Track) trackView {
	return trackView{Name: t.Name, Format: t.Format, Size: t.Size, SizeMB: SizeMB(t.Size), Modified: t.ModTime}
}

// Upload accepts a multipart form with the audio in field "file".
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	maxMB := h.Lib.MaxBytes() / (1 << 20)
	r.Body = http.MaxBytesReader(w, r.Body, h.Lib.MaxBytes()+formSlack)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			jsonError(w, fmt.Sprintf("File too large. Maximum size: %dMB", maxMB), http.StatusBadRequest)
			return
		}
		// a part with an empty filename parses as a plain form value
		if r.MultipartForm != nil && len(r.MultipartForm.Value["file"]) > 0 {
			jsonError(w, "No selected file", http.StatusBadRequest)
			return
		}
		jsonError(w, "No file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	t, err := h.Lib.Ingest(header.Filename, file, header.Size)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoFile):
		jsonError(w, "No selected file", http.StatusBadRequest)
		return
	case errors.Is(err, ErrBadType):
		jsonError(w, "Invalid file type. Allowed: "+AllowedList, http.StatusBadRequest)
		return
	case errors.Is(err, ErrTooLarge):
		jsonError(w, fmt.Sprintf("File too large. Maximum size: %dMB", maxMB), http.StatusBadRequest)
		return
	default:
		h.Lib.log.Error("upload failed", "name", header.Filename, "err", err)
		jsonError(w, "Upload failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	jsonOK(w, map[string]any{
		"message":  "File uploaded successfully",
		"filename": t.Name,
		"size_mb":  SizeMB(t.Size),
	})
}

// ListTracks returns the catalog.
func (h *Handlers) ListTracks(w http.ResponseWriter, r *http.Request) {
	tracks, err := h.Lib.Tracks()
	if err != nil {
		h.Lib.log.Error("list tracks failed", "err", err)
		jsonError(w, "list tracks failed", http.StatusInternalServerError)
		return
	}
	out := make([]trackView, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, viewOf(t))
	}
	jsonOK(w, map[string]any{"tracks": out})
}

// GetTrack returns one catalog entry by name.
func (h *Handlers) GetTrack(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	t, err := h.Lib.Track(name)
	if errors.Is(err, db.ErrNotFound) {
		jsonError(w, "track not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.Lib.log.Error("get track failed", "name", name, "err", err)
		jsonError(w, "get track failed", http.StatusInternalServerError)
		return
	}
	jsonOK(w, viewOf(*t))
}
