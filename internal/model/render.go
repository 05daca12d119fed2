package model

import "time"

// RenderStatus represents the state of a recorded pipeline run.
type RenderStatus string

const (
	RenderStatusRunning  RenderStatus = "running"
	RenderStatusComplete RenderStatus = "complete"
	RenderStatusFailed   RenderStatus = "failed"
)

// RenderRequest is the persisted description of what a run was asked to do.
type RenderRequest struct {
	Query        EventQuery `json:"query"`
	Imagery      *Bounds    `json:"imagery_bounds,omitempty"`
	Region       string     `json:"region,omitempty"`
	OutputPath   string     `json:"output_path,omitempty"`
	SkipImagery  bool       `json:"skip_imagery,omitempty"`
	ImageryLayer string     `json:"imagery_layer,omitempty"`
}

// RenderSummary is the persisted outcome of a run.
type RenderSummary struct {
	Events           int      `json:"events"`
	Tiles            int      `json:"tiles"`
	Flagged          int      `json:"flagged"`
	Dropped          int      `json:"dropped"`
	CoverageFraction float64  `json:"coverage_fraction"`
	Warnings         []string `json:"warnings,omitempty"`
	DurationMs       int64    `json:"duration_ms"`
}

// Render is one recorded pipeline run.
type Render struct {
	ID        string         `json:"id"`
	Request   RenderRequest  `json:"request"`
	Status    RenderStatus   `json:"status"`
	Summary   *RenderSummary `json:"summary,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// RenderNotice is published when a run finishes, successfully or not.
type RenderNotice struct {
	RenderID string         `json:"render_id,omitempty"`
	Region   string         `json:"region,omitempty"`
	Status   RenderStatus   `json:"status"`
	Summary  *RenderSummary `json:"summary,omitempty"`
	Error    string         `json:"error,omitempty"`
	Output   string         `json:"output,omitempty"`
	At       time.Time      `json:"at"`
}
