package models

type GenerationJobStatus string

const (
	GenerationJobStatusQueued     GenerationJobStatus = "Queued"
	GenerationJobStatusProcessing GenerationJobStatus = "Processing"
	GenerationJobStatusCompleted  GenerationJobStatus = "Completed"
	GenerationJobStatusFailed     GenerationJobStatus = "Failed"
)

type ReportPackStatus string

const (
	ReportPackStatusGenerating ReportPackStatus = "Generating"
	ReportPackStatusGenerated  ReportPackStatus = "Generated"
	ReportPackStatusFailed     ReportPackStatus = "Failed"
)

type ArtifactKind string

const (
	ArtifactKindPrimaryDocument   ArtifactKind = "PrimaryDocument"
	ArtifactKindSecondaryDocument ArtifactKind = "SecondaryDocument"
	ArtifactKindArchive           ArtifactKind = "Archive"
)

// EvidenceCategory is the photo ordering key. Non-photo evidence (deeds,
// approvals) is carried as annexures regardless of category.
type EvidenceCategory string

const (
	EvidenceCategoryExterior         EvidenceCategory = "exterior"
	EvidenceCategoryInterior         EvidenceCategory = "interior"
	EvidenceCategorySurroundings     EvidenceCategory = "surroundings"
	EvidenceCategoryGps              EvidenceCategory = "gps"
	EvidenceCategoryOtherScreenshots EvidenceCategory = "other_screenshots"
)

const (
	HistoryActionPackGenerated        = "PackGenerated"
	HistoryActionPackGenerationFailed = "PackGenerationFailed"
)

type IdempotencyStatus string

const (
	IdempotencyStatusStarted   IdempotencyStatus = "STARTED"
	IdempotencyStatusSucceeded IdempotencyStatus = "SUCCEEDED"
	IdempotencyStatusFailed    IdempotencyStatus = "FAILED"
)
