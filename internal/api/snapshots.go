package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fidde/pgworkload/internal/storage"
	"github.com/fidde/pgworkload/internal/storage/snapshots"
	"github.com/fidde/pgworkload/pkg/models"
	"github.com/go-chi/chi/v5"
)

// CreateSnapshotRequest is the body of POST /api/v1/snapshots.
type CreateSnapshotRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SnapshotHandler handles snapshot-related API requests.
type SnapshotHandler struct {
	snapshots  *snapshots.Store
	store      storage.Storage
	bucket     time.Duration
	maxSamples int
}

// NewSnapshotHandler creates a snapshot handler over the workload in store.
// bucket is the granularity the workload is aggregated at; snapshots taken at
// another granularity cannot be loaded into it.
func NewSnapshotHandler(snapshotStore *snapshots.Store, store storage.Storage, bucket time.Duration, maxSamples int) *SnapshotHandler {
	return &SnapshotHandler{
		snapshots:  snapshotStore,
		store:      store,
		bucket:     bucket,
		maxSamples: maxSamples,
	}
}

// ListSnapshots returns metadata for all saved snapshots.
// GET /api/v1/snapshots
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	list, err := h.snapshots.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list snapshots: "+err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": list,
		"total":     len(list),
	})
}

// GetSnapshotMetadata returns metadata for a specific snapshot.
// GET /api/v1/snapshots/{name}
func (h *SnapshotHandler) GetSnapshotMetadata(w http.ResponseWriter, r *http.Request) {
	meta, err := h.snapshots.GetMetadata(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		respondSnapshotError(w, err, "Failed to get snapshot")
		return
	}

	respondJSON(w, http.StatusOK, meta)
}

// CreateSnapshot saves the current workload as a new snapshot.
// POST /api/v1/snapshots?force=true overwrites an existing one.
func (h *SnapshotHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := models.ValidateSnapshotName(req.Name); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	force := r.URL.Query().Get("force") == "true"
	_, err := h.snapshots.GetMetadata(ctx, req.Name)
	switch {
	case err == nil && !force:
		respondError(w, http.StatusConflict, "Snapshot already exists. Use ?force=true to overwrite.")
		return
	case err != nil && !errors.Is(err, models.ErrSnapshotNotFound):
		respondError(w, http.StatusInternalServerError, "Failed to check snapshot: "+err.Error())
		return
	}

	workload, err := h.store.Export(ctx)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to export workload: "+err.Error())
		return
	}

	snap := snapshots.FromWorkload(req.Name, req.Description, h.bucket, workload)
	if err := h.snapshots.Save(ctx, snap); err != nil {
		respondSnapshotError(w, err, "Failed to save snapshot")
		return
	}

	meta, err := h.snapshots.GetMetadata(ctx, req.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to read snapshot: "+err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"message":  "Snapshot created successfully",
		"snapshot": meta,
	})
}

// DeleteSnapshot removes a snapshot.
// DELETE /api/v1/snapshots/{name}
func (h *SnapshotHandler) DeleteSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := h.snapshots.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		respondSnapshotError(w, err, "Failed to delete snapshot")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// LoadSnapshot replaces the stored workload with a snapshot.
// POST /api/v1/snapshots/{name}/load
func (h *SnapshotHandler) LoadSnapshot(w http.ResponseWriter, r *http.Request) {
	h.restore(w, r, true)
}

// MergeSnapshot merges a snapshot into the stored workload.
// POST /api/v1/snapshots/{name}/merge
func (h *SnapshotHandler) MergeSnapshot(w http.ResponseWriter, r *http.Request) {
	h.restore(w, r, false)
}

func (h *SnapshotHandler) restore(w http.ResponseWriter, r *http.Request, replace bool) {
	ctx := r.Context()

	snap, err := h.snapshots.Load(ctx, chi.URLParam(r, "name"))
	if err != nil {
		respondSnapshotError(w, err, "Failed to load snapshot")
		return
	}
	if h.bucket > 0 && time.Duration(snap.Bucket) != h.bucket {
		respondError(w, http.StatusConflict, fmt.Sprintf(
			"Snapshot bucket %s does not match workload bucket %s", time.Duration(snap.Bucket), h.bucket))
		return
	}

	workload, err := snapshots.ToWorkload(snap, h.maxSamples)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if replace {
		if err := h.store.Clear(ctx); err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to clear store: "+err.Error())
			return
		}
	}
	if err := h.store.StoreWorkload(ctx, workload); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to store snapshot: "+err.Error())
		return
	}

	action, message := "merge", "Snapshot merged successfully"
	if replace {
		action, message = "replace", "Snapshot loaded successfully"
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"message":  message,
		"snapshot": snap.Name,
		"action":   action,
		"stats":    snap.Stats,
	})
}

// DiffSnapshots compares the templates of two snapshots.
// GET /api/v1/snapshots/diff?from=A&to=B&min_severity=warning
func (h *SnapshotHandler) DiffSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fromName := r.URL.Query().Get("from")
	toName := r.URL.Query().Get("to")
	if fromName == "" || toName == "" {
		respondError(w, http.StatusBadRequest, "Both 'from' and 'to' query parameters are required")
		return
	}
	minSeverity := models.SeverityInfo
	if v := r.URL.Query().Get("min_severity"); v != "" {
		var err error
		if minSeverity, err = models.ParseSeverity(v); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	from, err := h.templates(ctx, fromName)
	if err != nil {
		respondSnapshotError(w, err, "Failed to load source snapshot")
		return
	}
	to, err := h.templates(ctx, toName)
	if err != nil {
		respondSnapshotError(w, err, "Failed to load target snapshot")
		return
	}

	diff := models.DiffTemplates(fromName, toName, from, to)
	diff.FilterBySeverity(minSeverity)

	respondJSON(w, http.StatusOK, diff)
}

func (h *SnapshotHandler) templates(ctx context.Context, name string) ([]*models.TemplateStats, error) {
	snap, err := h.snapshots.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	workload, err := snapshots.ToWorkload(snap, 0)
	if err != nil {
		return nil, err
	}
	return workload.Templates(), nil
}

func respondSnapshotError(w http.ResponseWriter, err error, prefix string) {
	switch {
	case errors.Is(err, models.ErrSnapshotNotFound):
		respondError(w, http.StatusNotFound, "Snapshot not found")
	case errors.Is(err, models.ErrInvalidSnapshotName):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrTooManySnapshots):
		respondError(w, http.StatusConflict, "Maximum number of snapshots reached")
	case errors.Is(err, models.ErrSnapshotTooLarge):
		respondError(w, http.StatusRequestEntityTooLarge, "Snapshot data too large")
	default:
		respondError(w, http.StatusInternalServerError, prefix+": "+err.Error())
	}
}
