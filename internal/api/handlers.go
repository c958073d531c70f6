package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/pidsync"
	"github.com/ddr-archive/corpus-cli/internal/provenance"
)

type syncRequest struct {
	Mode   string   `json:"mode"`
	PIDs   []string `json:"pids"`
	DryRun bool     `json:"dry_run"`
}

func (s *Server) triggerSync(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")

	var req syncRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = string(model.SyncModeManual)
	}
	mode, err := model.ParseSyncMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	syncID, err := s.syncer.Trigger(r.Context(), sourceID, mode, pidsync.RunOptions{PIDs: req.PIDs, DryRun: req.DryRun})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.log.Info("api: sync triggered", zap.String("source_id", sourceID), zap.String("sync_id", syncID), zap.String("mode", string(mode)))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":    "accepted",
		"sync_id":   syncID,
		"source_id": sourceID,
	})
}

func (s *Server) cancelSync(w http.ResponseWriter, r *http.Request) {
	syncID := chi.URLParam(r, "syncID")
	if !s.syncer.Cancel(syncID) {
		writeError(w, http.StatusNotFound, "no active sync "+syncID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "sync_id": syncID})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	all, err := s.syncer.StatusAll(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) syncStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.syncer.Status(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) syncHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.syncer.History(r.Context(), chi.URLParam(r, "sourceID"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if runs == nil {
		runs = []model.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) citation(w http.ResponseWriter, r *http.Request) {
	c, err := s.ledger.GetCitation(r.Context(), chi.URLParam(r, "chunkID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"citation":  c,
		"formatted": c.Formatted(),
	})
}

func (s *Server) lineage(w http.ResponseWriter, r *http.Request) {
	l, err := s.ledger.GetLineage(r.Context(), chi.URLParam(r, "chunkID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) attachChunks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Chunks []model.Chunk `json:"chunks"`
	}
	if !decode(w, r, &req) {
		return
	}
	n, err := s.ledger.AttachChunks(r.Context(), chi.URLParam(r, "pid"), req.Chunks)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": n, "received": len(req.Chunks)})
}

func (s *Server) recordTrainingRun(w http.ResponseWriter, r *http.Request) {
	var in provenance.TrainingRunInput
	if !decode(w, r, &in) {
		return
	}
	id, err := s.ledger.RecordTrainingRun(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"run_id": id})
}

func (s *Server) recordInference(w http.ResponseWriter, r *http.Request) {
	var in provenance.InferenceInput
	if !decode(w, r, &in) {
		return
	}
	id, err := s.ledger.RecordInference(r.Context(), in)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"inference_id": id})
}

func (s *Server) buildSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.snapshots.BuildSnapshot(r.Context(), req.Name, req.Description)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}
