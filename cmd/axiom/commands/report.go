package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/batlogic/axiom/pkg/config"
	"github.com/batlogic/axiom/pkg/engine"
	"github.com/batlogic/axiom/pkg/policy"
	"github.com/batlogic/axiom/pkg/stores"
)

// compileReport is the outcome of one build cycle.
type compileReport struct {
	Sources  []string                 `json:"sources"`
	Invalid  []config.ValidationError `json:"invalid,omitempty"`
	Lint     *policy.PolicyResult     `json:"lint,omitempty"`
	Applied  *applySummary            `json:"applied,omitempty"`
	Surfaces []surfaceReport          `json:"surfaces,omitempty"`
	Errors   []errorReport            `json:"errors,omitempty"`
}

type applySummary struct {
	Created      []string `json:"created,omitempty"`
	Updated      []string `json:"updated,omitempty"`
	Removed      []string `json:"removed,omitempty"`
	Connected    int      `json:"connected"`
	Disconnected int      `json:"disconnected"`
	Deferred     []string `json:"deferred,omitempty"`
	Failed       []string `json:"failed,omitempty"`
}

type surfaceReport struct {
	Surface  string `json:"surface"`
	Pass     uint64 `json:"pass"`
	Status   string `json:"status"`
	Compiled int    `json:"compiled"`
	Failed   int    `json:"failed"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

type errorReport struct {
	Location string `json:"location"`
	Class    string `json:"class"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

func (r *compileReport) setApplied(res *config.ApplyResult) {
	r.Applied = &applySummary{
		Created:      res.Created,
		Updated:      res.Updated,
		Removed:      res.Removed,
		Connected:    res.Connected,
		Disconnected: res.Disconnected,
		Deferred:     res.Deferred,
	}
	for _, err := range res.Errors {
		r.Applied.Failed = append(r.Applied.Failed, err.Error())
	}
}

func (r *compileReport) setRuns(runs []*stores.CompileRun) {
	r.Surfaces = r.Surfaces[:0]
	for _, run := range runs {
		sr := surfaceReport{
			Surface:  run.Surface,
			Pass:     run.Pass,
			Status:   string(run.Status),
			Compiled: run.Compiled,
			Failed:   run.Failed,
			Duration: run.Duration.String(),
		}
		if run.Error != nil {
			sr.Error = *run.Error
		}
		r.Surfaces = append(r.Surfaces, sr)
	}
}

// setErrors copies the runtime's error log with unit IDs replaced by paths.
func (r *compileReport) setErrors(rt *engine.Runtime) {
	names := unitNames(rt)
	r.Errors = r.Errors[:0]
	for _, e := range rt.Errors().Entries() {
		r.Errors = append(r.Errors, errorReport{
			Location: describeLocation(e.Location, names),
			Class:    string(e.Class),
			Code:     e.Code,
			Message:  e.Message,
		})
	}
	sort.SliceStable(r.Errors, func(i, j int) bool { return r.Errors[i].Location < r.Errors[j].Location })
}

// Err summarises why the cycle did not fully succeed, or returns nil.
func (r *compileReport) Err() error {
	var errs []error
	if r.Applied != nil && len(r.Applied.Failed) > 0 {
		errs = append(errs, fmt.Errorf("%d edits failed", len(r.Applied.Failed)))
	}
	for _, s := range r.Surfaces {
		switch stores.RunStatus(s.Status) {
		case stores.RunStatusAborted, stores.RunStatusPartial:
			errs = append(errs, fmt.Errorf("surface %s: %s", s.Surface, s.Status))
		}
	}
	return errors.Join(errs...)
}

// describeLocation renders an error location using the names of the units
// it points at.
func describeLocation(loc engine.SourceLocation, names map[string]string) string {
	name := func(id string) string {
		if n, ok := names[id]; ok {
			return n
		}
		return id
	}

	s := name(loc.Surface)
	switch {
	case loc.Node != "":
		s = name(loc.Node)
	case loc.Group != "":
		s = name(loc.Group)
	}
	if loc.Line > 0 {
		s += fmt.Sprintf(":%d:%d", loc.Line, loc.Column)
	}
	return s
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeViolations(w io.Writer, lint *policy.PolicyResult) {
	if lint == nil {
		return
	}
	for _, v := range lint.Violations {
		fmt.Fprintf(w, "error: %s\n", v.String())
	}
	for _, v := range lint.Warnings {
		fmt.Fprintf(w, "warning: %s\n", v.String())
	}
	for _, f := range lint.Failures {
		fmt.Fprintf(w, "policy failure: %s\n", f)
	}
}

// writeText prints the report in human readable form.
func (r *compileReport) writeText(w io.Writer) {
	for _, e := range r.Invalid {
		fmt.Fprintf(w, "%s: %s\n", e.Severity, e.Error())
	}
	writeViolations(w, r.Lint)

	if a := r.Applied; a != nil {
		fmt.Fprintf(w, "applied: %d created, %d updated, %d removed, %d connected, %d disconnected\n",
			len(a.Created), len(a.Updated), len(a.Removed), a.Connected, a.Disconnected)
		for _, f := range a.Failed {
			fmt.Fprintf(w, "edit failed: %s\n", f)
		}
		for _, d := range a.Deferred {
			fmt.Fprintf(w, "value deferred: %s\n", d)
		}
	}

	if len(r.Surfaces) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "SURFACE\tPASS\tSTATUS\tCOMPILED\tFAILED\tDURATION")
		for _, s := range r.Surfaces {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d\t%s\n", s.Surface, s.Pass, s.Status, s.Compiled, s.Failed, s.Duration)
		}
		_ = tw.Flush()
	}

	for _, e := range r.Errors {
		fmt.Fprintf(w, "%s: [%s] %s\n", e.Location, e.Class, e.Message)
	}
}
