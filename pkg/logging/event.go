package logging

import (
	"encoding/json"
	"time"
)

// Event is the structured audit record written by the theming pipeline.
// Required fields: Timestamp, RunID, Service, EventType, Summary.
// Optional fields use omitempty tags.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	RunID     string          `json:"run_id"`
	Service   string          `json:"service"`
	EventType string          `json:"event_type"`
	Summary   string          `json:"summary"`
	Component string          `json:"component,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	EventThemeCompiled    = "theme_compiled"
	EventThemeApplied     = "theme_applied"
	EventThemePassthrough = "theme_passthrough"
	EventThemeError       = "theme_error"
)

// ThemeCompiledData is the data payload for theme_compiled events.
type ThemeCompiledData struct {
	CompileID  string `json:"compile_id"`
	Theme      string `json:"theme"`
	Rules      string `json:"rules"`
	Engine     string `json:"engine"`
	RuleCount  int    `json:"rule_count"`
	DurationMS int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Stage      string `json:"stage,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ThemeAppliedData is the data payload for theme_applied events.
type ThemeAppliedData struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	InBytes    int    `json:"in_bytes"`
	OutBytes   int    `json:"out_bytes"`
	DurationMS int64  `json:"duration_ms"`
}

// ThemePassthroughData is the data payload for theme_passthrough events.
type ThemePassthroughData struct {
	Method     string `json:"method"`
	Path       string `json:"path"`
	StatusCode int    `json:"status_code"`
	Reason     string `json:"reason"`
	Pattern    string `json:"pattern,omitempty"`
}

// ThemeErrorData is the data payload for theme_error events.
type ThemeErrorData struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Error  string `json:"error"`
}
