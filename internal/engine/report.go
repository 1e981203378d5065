package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"modelsync/internal/session"
)

type Status string

const (
	StatusCreated Status = "created"
	StatusUpdated Status = "updated"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Entry is the result for one object. An updated entry with no Changes is a
// write that produced no field deltas.
type Entry struct {
	Kind    session.Kind `json:"kind"`
	Name    string       `json:"name"`
	Owner   string       `json:"owner,omitempty"`
	Status  Status       `json:"status"`
	Changes []string     `json:"changes,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

type Report struct {
	Entries []Entry `json:"entries"`
}

// Failed reports whether any object failed or was skipped.
func (r *Report) Failed() bool {
	for _, e := range r.Entries {
		if e.Status == StatusFailed || e.Status == StatusSkipped {
			return true
		}
	}
	return false
}

func (r *Report) Count(status Status) int {
	n := 0
	for _, e := range r.Entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

// Find returns the entry for kind/owner/name.
func (r *Report) Find(kind session.Kind, owner, name string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Kind == kind && e.Owner == owner && e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

func (r *Report) Summary() string {
	return fmt.Sprintf("%d created, %d updated, %d failed, %d skipped",
		r.Count(StatusCreated), r.Count(StatusUpdated), r.Count(StatusFailed), r.Count(StatusSkipped))
}

// Render writes the report as a table followed by the summary line.
func (r *Report) Render(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Kind", "Owner", "Name", "Status", "Changes", "Reason"})
	for _, e := range r.Entries {
		tw.AppendRow(table.Row{e.Kind, e.Owner, e.Name, e.Status, strings.Join(e.Changes, ", "), e.Reason})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", r.Summary()})
	tw.Render()
}
