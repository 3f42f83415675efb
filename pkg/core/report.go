package core

import (
	"sort"
	"time"
)

// FailureReport describes an instance that failed permanently.
type FailureReport struct {
	InstanceID  string
	StepID      string
	JobID       string
	Range       WorkRange
	Attempts    int
	LastError   string
	CompletedAt *time.Time
}

// NewFailureReport summarises a permanently failed instance.
func NewFailureReport(inst *StepInstance) FailureReport {
	r := FailureReport{
		InstanceID: inst.ID,
		StepID:     inst.StepID,
		JobID:      inst.JobID,
		Range:      inst.Range,
		Attempts:   inst.ExecutionCount(),
	}
	if last := inst.LatestExecution(); last != nil {
		r.LastError = last.LastError
		r.CompletedAt = copyTime(last.CompletedAt)
	}
	return r
}

// PermanentFailures lists the instances whose retry budget is exhausted,
// ordered by step then range. Instances of unknown steps are skipped.
func PermanentFailures(p *Pipeline, instances []*StepInstance) []FailureReport {
	var reports []FailureReport
	for _, inst := range instances {
		step, ok := p.Step(inst.StepID)
		if !ok || !inst.RetriesExhausted(step) {
			continue
		}
		reports = append(reports, NewFailureReport(inst))
	}
	SortFailureReports(reports)
	return reports
}

// SortFailureReports orders reports by step then range.
func SortFailureReports(reports []FailureReport) {
	sort.Slice(reports, func(a, b int) bool {
		if reports[a].StepID != reports[b].StepID {
			return reports[a].StepID < reports[b].StepID
		}
		return reports[a].Range.Lower < reports[b].Range.Lower
	})
}
