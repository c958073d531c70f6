// Package allowlist decides which external items, and which of their files,
// may enter the training corpus.
//
// Eligibility and counting both operate on files. An item passes when it has
// a well-formed PID and at least one master file whose asset record enables
// ML use; only those files are returned and only those files are counted.
package allowlist

import (
	"regexp"
	"strings"

	"github.com/ddr-archive/corpus-cli/internal/model"
)

// DefaultPIDPattern matches numeric archive PIDs.
var DefaultPIDPattern = regexp.MustCompile(`^[0-9]{6,20}$`)

// RejectReason explains why an item was not accepted.
type RejectReason string

const (
	ReasonNone         RejectReason = ""
	ReasonMissingPID   RejectReason = "missing_pid"
	ReasonMalformedPID RejectReason = "malformed_pid"
	ReasonNoMaster     RejectReason = "no_master"
	ReasonNoMLEnabled  RejectReason = "no_ml_enabled"
)

// Decision is the result of evaluating one item.
type Decision struct {
	Eligible      bool
	EligibleFiles []model.FileRef
	Reason        RejectReason
}

// Filter evaluates items against a source's PID syntax. It is safe for
// concurrent use.
type Filter struct {
	pidPattern *regexp.Regexp
}

// New returns a Filter. A nil pattern uses DefaultPIDPattern.
func New(pidPattern *regexp.Regexp) *Filter {
	if pidPattern == nil {
		pidPattern = DefaultPIDPattern
	}
	return &Filter{pidPattern: pidPattern}
}

// Evaluate applies the gate to one item.
func (f *Filter) Evaluate(item model.ExternalItem) Decision {
	pid := strings.TrimSpace(item.PID)
	if pid == "" {
		return Decision{Reason: ReasonMissingPID}
	}
	if !f.pidPattern.MatchString(pid) {
		return Decision{Reason: ReasonMalformedPID}
	}

	var hasMaster bool
	var eligible []model.FileRef
	for _, file := range item.Files {
		if !file.IsMaster() {
			continue
		}
		hasMaster = true
		if file.MLAllowed() {
			eligible = append(eligible, file)
		}
	}

	switch {
	case !hasMaster:
		return Decision{Reason: ReasonNoMaster}
	case len(eligible) == 0:
		return Decision{Reason: ReasonNoMLEnabled}
	}
	return Decision{Eligible: true, EligibleFiles: eligible}
}

// FileCount tallies a batch of decisions.
type FileCount struct {
	Items         int
	EligibleItems int
	EligibleFiles int
	Rejected      map[RejectReason]int
}

// Add tallies one decision.
func (fc *FileCount) Add(d Decision) {
	fc.Items++
	if !d.Eligible {
		if fc.Rejected == nil {
			fc.Rejected = make(map[RejectReason]int)
		}
		fc.Rejected[d.Reason]++
		return
	}
	fc.EligibleItems++
	fc.EligibleFiles += len(d.EligibleFiles)
}

// Skipped is the number of rejected items.
func (fc FileCount) Skipped() int {
	return fc.Items - fc.EligibleItems
}

// Count sums eligible files over the decisions' EligibleFiles.
func Count(decisions []Decision) FileCount {
	fc := FileCount{Rejected: make(map[RejectReason]int)}
	for _, d := range decisions {
		fc.Add(d)
	}
	return fc
}
