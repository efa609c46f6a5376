// Package sop defines the procedural-knowledge record synthesized from
// task transcripts.
package sop

import "time"

// SOP is one version of the synthesized procedure for a task: a markdown
// procedure plus free-text notes. Records are immutable once written;
// multiple versions coexist per task, newest first.
type SOP struct {
	ID        string    `json:"id"`
	TaskName  string    `json:"taskName"`
	Markdown  string    `json:"markdown"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"createdAt"`
}
