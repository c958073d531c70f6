package allowlist

import (
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

func flag(v bool) *bool { return &v }

func master(id string, ml *bool) model.FileRef {
	return model.FileRef{ID: id, Role: "master", MLEnabled: ml}
}

func TestEvaluate(t *testing.T) {
	f := New(nil)

	tests := []struct {
		name      string
		item      model.ExternalItem
		eligible  bool
		reason    RejectReason
		fileCount int
	}{
		{
			name:      "single ml-enabled master",
			item:      model.ExternalItem{PID: "564310168393", Files: []model.FileRef{master("f1", flag(true))}},
			eligible:  true,
			fileCount: 1,
		},
		{
			name:   "missing pid",
			item:   model.ExternalItem{PID: "  ", Files: []model.FileRef{master("f1", flag(true))}},
			reason: ReasonMissingPID,
		},
		{
			name:   "malformed pid",
			item:   model.ExternalItem{PID: "ddr-12", Files: []model.FileRef{master("f1", flag(true))}},
			reason: ReasonMalformedPID,
		},
		{
			name: "preview only",
			item: model.ExternalItem{PID: "564310168393", Files: []model.FileRef{
				{ID: "p1", Role: "preview", MLEnabled: flag(true)},
				{ID: "p2", Role: "browser_friendly", MLEnabled: flag(true)},
			}},
			reason: ReasonNoMaster,
		},
		{
			name: "master without flag",
			item: model.ExternalItem{PID: "564310168393", Files: []model.FileRef{
				master("f1", nil),
				master("f2", flag(false)),
			}},
			reason: ReasonNoMLEnabled,
		},
		{
			name: "role is case insensitive",
			item: model.ExternalItem{PID: "564310168393", Files: []model.FileRef{
				{ID: "f1", Role: " Master ", MLEnabled: flag(true)},
			}},
			eligible:  true,
			fileCount: 1,
		},
		{
			name: "preview with flag does not count beside master",
			item: model.ExternalItem{PID: "564310168393", Files: []model.FileRef{
				master("f1", flag(true)),
				{ID: "p1", Role: "preview", MLEnabled: flag(true)},
			}},
			eligible:  true,
			fileCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := f.Evaluate(tt.item)
			assert.Equal(t, tt.eligible, d.Eligible)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Len(t, d.EligibleFiles, tt.fileCount)
		})
	}
}

func TestEvaluate_GatesPerFile(t *testing.T) {
	files := make([]model.FileRef, 10)
	for i := range files {
		files[i] = master(fmt.Sprintf("file-%d", i+1), flag(i+1 == 7))
	}

	d := New(nil).Evaluate(model.ExternalItem{PID: "564310168393", Files: files})

	require.True(t, d.Eligible)
	require.Len(t, d.EligibleFiles, 1)
	assert.Equal(t, "file-7", d.EligibleFiles[0].ID)
}

func TestEvaluate_CustomPattern(t *testing.T) {
	f := New(regexp.MustCompile(`^[A-Z]+$`))

	assert.True(t, f.Evaluate(model.ExternalItem{PID: "A", Files: []model.FileRef{master("f", flag(true))}}).Eligible)
	assert.Equal(t, ReasonMalformedPID, f.Evaluate(model.ExternalItem{PID: "123456", Files: []model.FileRef{master("f", flag(true))}}).Reason)
}

func TestCount_SumsFilesNotItems(t *testing.T) {
	decisions := []Decision{
		{Eligible: true, EligibleFiles: []model.FileRef{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
		{Eligible: true, EligibleFiles: []model.FileRef{{ID: "d"}}},
		{Reason: ReasonNoMaster},
		{Reason: ReasonMissingPID},
		{Reason: ReasonMissingPID},
	}

	fc := Count(decisions)

	assert.Equal(t, 5, fc.Items)
	assert.Equal(t, 2, fc.EligibleItems)
	assert.Equal(t, 4, fc.EligibleFiles)
	assert.Equal(t, 2, fc.Rejected[ReasonMissingPID])
	assert.Equal(t, 1, fc.Rejected[ReasonNoMaster])
}

func TestFileCount_AddFromZero(t *testing.T) {
	var fc FileCount
	fc.Add(Decision{Reason: ReasonNoMLEnabled})
	fc.Add(Decision{Eligible: true, EligibleFiles: []model.FileRef{{ID: "a"}, {ID: "b"}}})

	assert.Equal(t, 2, fc.Items)
	assert.Equal(t, 1, fc.Skipped())
	assert.Equal(t, 2, fc.EligibleFiles)
	assert.Equal(t, map[RejectReason]int{ReasonNoMLEnabled: 1}, fc.Rejected)
}
