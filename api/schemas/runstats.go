package schemas

import (
	"time"
)

// -- Run Statistics --

// RunStats is a snapshot of one run's counters. TotalCount is derived, never stored independently.
type RunStats struct {
	RunID                 string        `json:"runId"`
	StartTime             time.Time     `json:"startTime"`
	EndTime               *time.Time    `json:"endTime"`
	Duration              time.Duration `json:"duration"`
	AlreadyProcessedCount int           `json:"alreadyProcessedCount"`
	NewlyProcessedCount   int           `json:"newlyProcessedCount"`
	TotalCount            int           `json:"totalCount"`
	Error                 bool          `json:"error"`
	ErrorMessage          *string       `json:"errorMessage"`
}

// StopReason records why the polling loop exited.
type StopReason string

const (
	StopEndOfContent  StopReason = "end_of_content"
	StopRequested     StopReason = "stopped"
	StopMaxDuration   StopReason = "max_duration"
	StopMaxIterations StopReason = "max_iterations"
	StopError         StopReason = "error"
)

// StatsPayload is the JSON body delivered to the webhook at the end of a run.
type StatsPayload struct {
	RunID                 string     `json:"runId"`
	StartTime             time.Time  `json:"startTime"`
	EndTime               time.Time  `json:"endTime"`
	DurationMs            int64      `json:"durationMs"`
	AlreadyProcessedCount int        `json:"alreadyProcessedCount"`
	NewlyProcessedCount   int        `json:"newlyProcessedCount"`
	TotalCount            int        `json:"totalCount"`
	Iterations            int        `json:"iterations"`
	Error                 bool       `json:"error"`
	ErrorMessage          string     `json:"errorMessage,omitempty"`
	StopReason            StopReason `json:"stopReason"`
}

// NewStatsPayload builds the delivery payload from a finalized snapshot.
func NewStatsPayload(s RunStats, iterations int, reason StopReason) StatsPayload {
	p := StatsPayload{
		RunID:                 s.RunID,
		StartTime:             s.StartTime,
		DurationMs:            s.Duration.Milliseconds(),
		AlreadyProcessedCount: s.AlreadyProcessedCount,
		NewlyProcessedCount:   s.NewlyProcessedCount,
		TotalCount:            s.TotalCount,
		Iterations:            iterations,
		Error:                 s.Error,
		StopReason:            reason,
	}
	if s.EndTime != nil {
		p.EndTime = *s.EndTime
	}
	if s.ErrorMessage != nil {
		p.ErrorMessage = *s.ErrorMessage
	}
	return p
}
