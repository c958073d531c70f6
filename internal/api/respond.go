package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/pidsync"
	"github.com/ddr-archive/corpus-cli/internal/provenance"
	"github.com/ddr-archive/corpus-cli/internal/snapshot"
	"github.com/ddr-archive/corpus-cli/internal/store"
)

const maxBodyBytes = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads a required JSON body.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// decodeOptional is decode for endpoints that accept an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	var concurrent *pidsync.ConcurrentRunError
	if errors.As(err, &concurrent) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":          concurrent.Error(),
			"active_sync_id": concurrent.ActiveSyncID,
		})
		return
	}

	switch {
	case eris.Is(err, pidsync.ErrUnknownSource), eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case eris.Is(err, pidsync.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case eris.Is(err, provenance.ErrInvalidInput), eris.Is(err, snapshot.ErrNameRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case eris.Is(err, provenance.ErrUnknownChunk),
		eris.Is(err, provenance.ErrUnknownSnapshot),
		eris.Is(err, provenance.ErrUnknownTrainingRun),
		eris.Is(err, provenance.ErrNoPID):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
