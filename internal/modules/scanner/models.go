// Package scanner turns the broker's tradable universe into a ranked set of
// scan candidates for the day's cycle.
package scanner

import "time"

// Candidate is one symbol moving through the cycle pipeline. Stage scores
// are filled in by the filter stages; zero-valued scores mean "not scored
// yet", fallback scores are assigned explicitly by the stage policy.
type Candidate struct {
	Symbol     string
	SecurityID int64
	Price      float64
	Volume     float64
	GapPct     float64
	RelVolume  float64

	CatalystScore  float64
	PatternScore   float64
	TechnicalScore float64
	MomentumScore  float64
	VolumeScore    float64
	CompositeScore float64

	// Degraded lists the stages that fell back to their fallback score.
	Degraded []string
}

// ScanStatus is the lifecycle of a scan result row.
type ScanStatus string

const (
	ScanCandidate ScanStatus = "candidate"
	ScanSelected  ScanStatus = "selected"
	ScanRejected  ScanStatus = "rejected"
)

// ScanResult is the persisted form of a candidate at scan time. Immutable
// after the scan completes, save for the final status and scores.
type ScanResult struct {
	ID          string
	CycleID     string
	SecurityID  int64
	TimeID      int64
	ScanTS      time.Time
	Rank        int
	Price       float64
	Volume      float64
	GapPct      float64
	RelVolume   float64
	FloatShares *float64

	CatalystScore  float64
	PatternScore   float64
	TechnicalScore float64
	CompositeScore float64

	Status   ScanStatus
	Metadata map[string]any
}
