// Package progress defines the event structures emitted while a crawl runs.
package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobProgress Stage = "JOB_PROGRESS"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StagePageDone    Stage = "PAGE_DONE"
	StagePageError   Stage = "PAGE_ERROR"
)

// Crawl phases reported by JOB_PROGRESS events.
const (
	PhaseDiscovering = "discovering"
	PhaseCrawling    = "crawling"
	PhaseIndexing    = "indexing"
	PhaseDone        = "done"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single component of crawl progress.
type Event struct {
	// JobID identifies the crawl run.
	JobID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// Phase, Message and Percentage describe JOB_PROGRESS events.
	Phase      string
	Message    string
	Percentage float64
	// Site optionally scopes page events to a host label.
	Site string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// ContentHash identifies the stored document for PAGE_DONE.
	ContentHash string
	// Chunks is the number of chunks written for PAGE_DONE.
	Chunks int
	// Bytes carries the fetched body size.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures latency for pages and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobDone, StageJobError:
	case StageJobProgress:
		if e.Phase == "" {
			return errors.New("job progress requires phase")
		}
		if e.Percentage < 0 || e.Percentage > 100 {
			return fmt.Errorf("percentage %v out of range", e.Percentage)
		}
	case StagePageDone, StagePageError:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
