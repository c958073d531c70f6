package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

const defaultFrequencySecs = int64(24 * time.Hour / time.Second)

// runPayload holds the JSON-encoded columns of a sync run.
type runPayload struct {
	counts, processed, failed, errorLog []byte
}

func encodeRun(run *model.SyncRun) (runPayload, error) {
	var p runPayload
	var err error
	if p.counts, err = json.Marshal(run.Counts); err != nil {
		return p, eris.Wrap(err, "store: marshal counts")
	}
	if p.processed, err = json.Marshal(nonNil(run.ItemsProcessed)); err != nil {
		return p, eris.Wrap(err, "store: marshal items processed")
	}
	if p.failed, err = json.Marshal(nonNil(run.ItemsFailed)); err != nil {
		return p, eris.Wrap(err, "store: marshal items failed")
	}
	if p.errorLog, err = json.Marshal(nonNil(run.ErrorLog)); err != nil {
		return p, eris.Wrap(err, "store: marshal error log")
	}
	return p, nil
}

func decodeRun(run *model.SyncRun, p runPayload) error {
	for _, f := range []struct {
		data []byte
		dst  any
	}{
		{p.counts, &run.Counts},
		{p.processed, &run.ItemsProcessed},
		{p.failed, &run.ItemsFailed},
		{p.errorLog, &run.ErrorLog},
	} {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return eris.Wrapf(err, "store: decode sync run %s", run.SyncID)
		}
	}
	return nil
}

func decodePending(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, eris.Wrap(err, "store: decode pending retry")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return ids, nil
}

// authorityPayload holds the JSON-encoded columns of an authority record.
type authorityPayload struct {
	metadata, files []byte
}

func encodeAuthority(rec *model.AuthorityRecord) (authorityPayload, error) {
	var p authorityPayload
	var err error
	meta := rec.AuthorityMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	if p.metadata, err = json.Marshal(meta); err != nil {
		return p, eris.Wrap(err, "store: marshal authority metadata")
	}
	if p.files, err = json.Marshal(nonNil(rec.EligibleFiles)); err != nil {
		return p, eris.Wrap(err, "store: marshal eligible files")
	}
	return p, nil
}

func decodeAuthority(rec *model.AuthorityRecord, p authorityPayload) error {
	if len(p.metadata) > 0 {
		if err := json.Unmarshal(p.metadata, &rec.AuthorityMetadata); err != nil {
			return eris.Wrapf(err, "store: decode metadata of %s", rec.PID)
		}
	}
	if len(p.files) > 0 {
		if err := json.Unmarshal(p.files, &rec.EligibleFiles); err != nil {
			return eris.Wrapf(err, "store: decode eligible files of %s", rec.PID)
		}
	}
	return nil
}

// snapshotPayload holds the JSON-encoded columns of a corpus snapshot.
type snapshotPayload struct {
	pids, yearRange, yearDist, stats, changes []byte
}

func encodeSnapshot(snap *model.CorpusSnapshot) (snapshotPayload, error) {
	var p snapshotPayload
	var err error
	if p.pids, err = json.Marshal(nonNil(snap.PIDList)); err != nil {
		return p, eris.Wrap(err, "store: marshal pid list")
	}
	if snap.YearRange != nil {
		if p.yearRange, err = json.Marshal(snap.YearRange); err != nil {
			return p, eris.Wrap(err, "store: marshal year range")
		}
	}
	dist := snap.YearDistribution
	if dist == nil {
		dist = map[string]int{}
	}
	if p.yearDist, err = json.Marshal(dist); err != nil {
		return p, eris.Wrap(err, "store: marshal year distribution")
	}
	if p.stats, err = json.Marshal(snap.Statistics); err != nil {
		return p, eris.Wrap(err, "store: marshal statistics")
	}
	if snap.ChangesSinceLast != nil {
		if p.changes, err = json.Marshal(snap.ChangesSinceLast); err != nil {
			return p, eris.Wrap(err, "store: marshal changes")
		}
	}
	return p, nil
}

func decodeSnapshot(snap *model.CorpusSnapshot, p snapshotPayload) error {
	for _, f := range []struct {
		data []byte
		dst  any
	}{
		{p.pids, &snap.PIDList},
		{p.yearRange, &snap.YearRange},
		{p.yearDist, &snap.YearDistribution},
		{p.stats, &snap.Statistics},
		{p.changes, &snap.ChangesSinceLast},
	} {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return eris.Wrapf(err, "store: decode snapshot %s", snap.SnapshotID)
		}
	}
	return nil
}

func decodeJSON(data []byte, dst any, what string) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, dst), "store: decode %s", what)
}

func marshalJSON(v any, what string) ([]byte, error) {
	data, err := json.Marshal(v)
	return data, eris.Wrapf(err, "store: marshal %s", what)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func frequencySecs(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if secs <= 0 {
		return defaultFrequencySecs
	}
	return secs
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
