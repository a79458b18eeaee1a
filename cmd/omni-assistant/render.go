package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/vanky2viva/omni-assistant/internal/domain"
)

// renderer prints the growing answer of the latest assistant turn from a
// sequence of snapshots. Only the new suffix of the content is written and
// snapshots older than the last one seen are ignored.
type renderer struct {
	out io.Writer

	mu       sync.Mutex
	version  uint64
	turnID   string
	printed  int
	thinking bool
	done     bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// seed prints the history of snap and marks its last turn as already shown.
func (r *renderer) seed(snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = snap.Version
	for _, t := range snap.Turns {
		if t.Role == domain.RoleUser {
			fmt.Fprintf(r.out, "> %s\n", t.Content)
			continue
		}
		fmt.Fprintf(r.out, "%s\n", t.Content)
		r.turnID = t.ID
		r.printed = len(t.Content)
		r.done = t.Status.IsTerminal()
	}
}

func (r *renderer) render(snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snap.Version < r.version {
		return
	}
	r.version = snap.Version
	if len(snap.Turns) == 0 {
		return
	}
	t := snap.Turns[len(snap.Turns)-1]
	if t.Role != domain.RoleAssistant {
		return
	}
	if t.ID != r.turnID {
		r.turnID = t.ID
		r.printed = 0
		r.thinking = false
		r.done = false
	}
	if r.done {
		return
	}

	if t.Status == domain.TurnStatusFailed {
		if r.printed > 0 {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, t.Content)
		r.done = true
		return
	}
	if t.Thinking != "" && !r.thinking {
		fmt.Fprintln(r.out, "(思考中...)")
		r.thinking = true
	}
	if len(t.Content) > r.printed {
		fmt.Fprint(r.out, t.Content[r.printed:])
		r.printed = len(t.Content)
	}
	if t.Status == domain.TurnStatusFinalized {
		fmt.Fprintln(r.out)
		if d := t.Decision; d != nil {
			fmt.Fprintf(r.out, "[decision] risk=%s actions=%d %s\n", d.RiskLevel, len(d.Actions), d.DecisionSummary)
		}
		for _, src := range t.Sources {
			fmt.Fprintf(r.out, "[source] %s %s\n", src.Title, src.URL)
		}
		r.done = true
	}
}
