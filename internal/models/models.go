package models

import "time"

// JobState represents the current state of a conversion job.
type JobState string

const (
	StateInitializing    JobState = "initializing"
	StateProcessingBatch JobState = "processing_batch"
	StateAggregating     JobState = "aggregating"
	StateComplete        JobState = "complete"
	StatePartialFailure  JobState = "partial_failure"
	StateFatalFailure    JobState = "fatal_failure"
)

// Terminal reports whether no further transitions can happen.
func (s JobState) Terminal() bool {
	return s == StateComplete || s == StatePartialFailure || s == StateFatalFailure
}

// ExtractFormat is the output token that unpacks an archive instead of
// converting it.
const ExtractFormat = "extract"

// IngestedFile is a file that passed the security gate. SafePath is the
// only path any component reads from; OriginalName is display-only.
type IngestedFile struct {
	ID                string    `json:"id"`
	SafePath          string    `json:"-"`
	OriginalName      string    `json:"originalName"`
	DetectedExtension string    `json:"detectedExtension"`
	MIME              string    `json:"mime"`
	Size              int64     `json:"size"`
	IngestedAt        time.Time `json:"ingestedAt"`
}

// Settings holds the recognized job overrides. Empty or "original" means
// keep the source value.
type Settings struct {
	Resolution   string `json:"resolution,omitempty"`
	AudioBitrate string `json:"audioBitrate,omitempty"`
}

// ConversionJob stores one user-initiated request.
type ConversionJob struct {
	SessionID    string         `json:"sessionId"`
	Files        []IngestedFile `json:"files"`
	OutputFormat string         `json:"outputFormat"`
	Settings     Settings       `json:"settings"`
}

// ResultKind tags the ConversionResult variant.
type ResultKind string

const (
	ResultSingleFile ResultKind = "single_file"
	ResultBundle     ResultKind = "bundle"
	ResultExtracted  ResultKind = "extracted"
	ResultFailure    ResultKind = "failure"
)

// ConversionResult is the single outcome of a job.
type ConversionResult struct {
	Kind      ResultKind `json:"kind"`
	SessionID string     `json:"sessionId,omitempty"`
	// Path is the durable artifact for single_file and bundle.
	Path string `json:"-"`
	// Name is the artifact file name inside the session's store directory.
	Name      string   `json:"name,omitempty"`
	FileNames []string `json:"fileNames,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func SingleFile(sessionID, path, name string) ConversionResult {
	return ConversionResult{Kind: ResultSingleFile, SessionID: sessionID, Path: path, Name: name}
}

func Bundle(sessionID, zipPath, name string) ConversionResult {
	return ConversionResult{Kind: ResultBundle, SessionID: sessionID, Path: zipPath, Name: name}
}

func ExtractedListing(sessionID string, fileNames []string) ConversionResult {
	return ConversionResult{Kind: ResultExtracted, SessionID: sessionID, FileNames: fileNames}
}

func Failure(sessionID, message string) ConversionResult {
	return ConversionResult{Kind: ResultFailure, SessionID: sessionID, Message: message}
}

// ArchiveScanReport is the result of pre-extraction inspection.
type ArchiveScanReport struct {
	Entries           int   `json:"entries"`
	TotalUncompressed int64 `json:"totalUncompressed"`
	SizeOK            bool  `json:"sizeOk"`
	CountOK           bool  `json:"countOk"`
	NestingOK         bool  `json:"nestingOk"`
	PathsOK           bool  `json:"pathsOk"`
}

// Safe reports whether every quota passed.
func (r ArchiveScanReport) Safe() bool {
	return r.SizeOK && r.CountOK && r.NestingOK && r.PathsOK
}

// JobRecord stores metadata and runtime state for a submitted job.
type JobRecord struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"sessionId"`
	OutputFormat string            `json:"outputFormat"`
	FileNames    []string          `json:"fileNames"`
	State        JobState          `json:"state"`
	Progress     int               `json:"progress"`
	Result       *ConversionResult `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}
