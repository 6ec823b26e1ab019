// Package stages holds the concrete pipeline stages and the presets that
// order them.
//
// The market preset runs acquisition → analysis → validation → report.
// The advocacy preset runs document → policy → report.
package stages

// Stage names.
const (
	StageAcquisition = "acquisition"
	StageAnalysis    = "analysis"
	StageValidation  = "validation"
	StageReport      = "report"
	StageDocument    = "document"
	StagePolicy      = "policy"
)
