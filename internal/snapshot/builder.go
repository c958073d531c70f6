// Package snapshot builds immutable, checksummed views of the training
// corpus. Two snapshots of unchanged data always carry the same checksum.
package snapshot

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ddr-archive/corpus-cli/internal/model"
	"github.com/ddr-archive/corpus-cli/internal/store"
)

// ErrNameRequired is returned when a snapshot is built without a name.
var ErrNameRequired = eris.New("snapshot: name is required")

// Builder creates corpus snapshots from the authority store.
type Builder struct {
	store     store.Store
	publisher Publisher
	log       *zap.Logger
	now       func() time.Time
}

// NewBuilder creates a Builder. publisher may be nil, in which case
// manifests are not uploaded.
func NewBuilder(st store.Store, publisher Publisher) *Builder {
	return &Builder{
		store:     st,
		publisher: publisher,
		log:       zap.L().With(zap.String("component", "snapshot")),
		now:       time.Now,
	}
}

// BuildSnapshot captures every pid-bearing record and its chunks, stores
// the snapshot and returns it.
func (b *Builder) BuildSnapshot(ctx context.Context, name, description string) (*model.CorpusSnapshot, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrNameRequired
	}

	entries, err := b.store.ListCorpus(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "snapshot: list corpus")
	}
	manifest := NewManifest(entries)

	created := b.now().UTC()
	snap := &model.CorpusSnapshot{
		SnapshotID:       newSnapshotID(created),
		Name:             name,
		Description:      description,
		CreatedAt:        created,
		ManifestChecksum: manifest.Checksum(),
	}
	summarize(snap, entries)

	prev, err := b.store.LatestSnapshot(ctx)
	switch {
	case err == nil:
		snap.ChangesSinceLast = diff(prev, snap)
	case eris.Is(err, store.ErrNotFound):
	default:
		return nil, eris.Wrap(err, "snapshot: load previous snapshot")
	}

	if b.publisher != nil {
		uri, err := b.publisher.Publish(ctx, snap.SnapshotID, manifest.Bytes())
		if err != nil {
			return nil, eris.Wrap(err, "snapshot: publish manifest")
		}
		snap.ManifestURI = uri
	}

	if err := b.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, eris.Wrap(err, "snapshot: insert")
	}

	b.log.Info("snapshot: created",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Int("documents", snap.DocumentCount),
		zap.Int("chunks", snap.ChunkCount),
		zap.String("checksum", snap.ManifestChecksum),
	)
	return snap, nil
}

// summarize fills the pid list, counts, year figures and statistics.
// Years and text statistics count chunks, so chunkless records only show
// up in the pid list and document count.
func summarize(snap *model.CorpusSnapshot, entries []model.CorpusEntry) {
	pids := make(map[string]bool)
	years := make(map[string]int)
	var chunks, tokens, chars int
	var minYear, maxYear int

	for _, e := range entries {
		pids[e.PID] = true
		if e.ChunkID == "" {
			continue
		}
		chunks++
		tokens += len(strings.Fields(e.Text))
		chars += utf8.RuneCountInString(e.Text)

		if e.PublicationYear == nil {
			continue
		}
		y := *e.PublicationYear
		years[strconv.Itoa(y)]++
		if minYear == 0 || y < minYear {
			minYear = y
		}
		if y > maxYear {
			maxYear = y
		}
	}

	snap.PIDList = make([]string, 0, len(pids))
	for pid := range pids {
		snap.PIDList = append(snap.PIDList, pid)
	}
	sort.Strings(snap.PIDList)

	snap.DocumentCount = len(pids)
	snap.ChunkCount = chunks
	snap.YearDistribution = years
	if len(years) > 0 {
		snap.YearRange = &model.YearRange{Start: minYear, End: maxYear}
	}
	snap.Statistics = model.SnapshotStats{
		TotalTokens:   tokens,
		UniqueSources: len(pids),
	}
	if chunks > 0 {
		snap.Statistics.AvgChunkLength = chars / chunks
	}
}

// diff compares the pid lists of two snapshots. Both lists are sorted.
func diff(prev, cur *model.CorpusSnapshot) *model.SnapshotDiff {
	d := &model.SnapshotDiff{
		PreviousSnapshotID: prev.SnapshotID,
		AddedPIDs:          []string{},
		RemovedPIDs:        []string{},
		ChunkDelta:         cur.ChunkCount - prev.ChunkCount,
	}
	i, j := 0, 0
	for i < len(prev.PIDList) || j < len(cur.PIDList) {
		switch {
		case i == len(prev.PIDList):
			d.AddedPIDs = append(d.AddedPIDs, cur.PIDList[j])
			j++
		case j == len(cur.PIDList):
			d.RemovedPIDs = append(d.RemovedPIDs, prev.PIDList[i])
			i++
		case prev.PIDList[i] == cur.PIDList[j]:
			i++
			j++
		case prev.PIDList[i] < cur.PIDList[j]:
			d.RemovedPIDs = append(d.RemovedPIDs, prev.PIDList[i])
			i++
		default:
			d.AddedPIDs = append(d.AddedPIDs, cur.PIDList[j])
			j++
		}
	}
	return d
}

func newSnapshotID(at time.Time) string {
	return "snap_" + at.Format("20060102_150405") + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}
