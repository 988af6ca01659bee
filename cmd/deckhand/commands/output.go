package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// planView is the JSON form of a planned transaction.
type planView struct {
	Levels  [][]string   `json:"levels"`
	Actions []actionView `json:"actions"`
}

type actionView struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	Level      int               `json:"level"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Reversible bool              `json:"reversible"`
	Labels     map[string]string `json:"labels,omitempty"`
}

func newPlanView(actions []*engine.Action, graph *engine.ActionGraph) planView {
	view := planView{Levels: graph.Levels}
	for _, a := range actions {
		level := 0
		if node, ok := graph.Nodes[a.ID]; ok {
			level = node.Level
		}
		view.Actions = append(view.Actions, actionView{
			ID:         a.ID,
			Name:       a.Name,
			Kind:       string(a.Kind),
			Level:      level,
			DependsOn:  a.DependsOn,
			Reversible: a.Reversible(),
			Labels:     a.Labels,
		})
	}
	return view
}

// printPlan lists actions level by level. Actions in one level may run in
// parallel.
func printPlan(w io.Writer, actions []*engine.Action, graph *engine.ActionGraph, asJSON bool) error {
	if asJSON {
		return printJSON(w, newPlanView(actions, graph))
	}

	byID := make(map[string]*engine.Action, len(actions))
	for _, a := range actions {
		byID[a.ID] = a
	}

	fmt.Fprintf(w, "Plan: %d action(s) in %d level(s)\n\n", len(actions), graph.Depth())
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for i, level := range graph.Levels {
		fmt.Fprintf(tw, "Level %d\n", i)
		for _, id := range level {
			a := byID[id]
			rollback := "rollback"
			if !a.Reversible() {
				rollback = "no rollback"
			}
			deps := "-"
			if len(a.DependsOn) > 0 {
				deps = strings.Join(a.DependsOn, ",")
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\tafter %s\t%s\n", id, a.Kind, a.Name, deps, rollback)
		}
	}
	return tw.Flush()
}

// resultView is the JSON form of a transaction result.
type resultView struct {
	TransactionID string            `json:"transaction_id"`
	Result        engine.ResultKind `json:"result"`
	Error         string            `json:"error,omitempty"`
	RollbackError string            `json:"rollback_error,omitempty"`
	Succeeded     []string          `json:"succeeded"`
	RolledBack    []string          `json:"rolled_back,omitempty"`
	Retained      []string          `json:"retained,omitempty"`
	Skipped       []string          `json:"skipped,omitempty"`
	Actions       []actionStateView `json:"actions"`
	StartedAt     time.Time         `json:"started_at"`
	Duration      string            `json:"duration"`
}

type actionStateView struct {
	ID       string              `json:"id"`
	Status   engine.ActionStatus `json:"status"`
	Attempts int                 `json:"attempts"`
	Error    string              `json:"error,omitempty"`
}

func newResultView(result *engine.TransactionResult, graph *engine.ActionGraph) resultView {
	view := resultView{
		TransactionID: result.TransactionID,
		Result:        result.Kind,
		Succeeded:     result.Succeeded,
		RolledBack:    result.RolledBack,
		Retained:      result.Retained,
		Skipped:       result.Skipped,
		StartedAt:     result.StartedAt,
		Duration:      result.Duration.Round(time.Millisecond).String(),
	}
	if result.Err != nil {
		view.Error = result.Err.Error()
	}
	if result.RollbackErr != nil {
		view.RollbackError = result.RollbackErr.Error()
	}
	for _, id := range graph.Order {
		st := result.States[id]
		view.Actions = append(view.Actions, actionStateView{
			ID:       id,
			Status:   st.Status,
			Attempts: st.Attempts,
			Error:    st.Error(),
		})
	}
	return view
}

var statusMarks = map[engine.ActionStatus]string{
	engine.ActionStatusSucceeded:      "✓",
	engine.ActionStatusRolledBack:     "↺",
	engine.ActionStatusFailed:         "✗",
	engine.ActionStatusRollbackFailed: "✗",
}

func printResult(w io.Writer, result *engine.TransactionResult, graph *engine.ActionGraph) {
	fmt.Fprintf(w, "Transaction %s: %s (%s)\n\n", result.TransactionID, result.Kind,
		result.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, id := range graph.Order {
		st := result.States[id]
		mark, ok := statusMarks[st.Status]
		if !ok {
			mark = "·"
		}
		fmt.Fprintf(tw, "  %s %s\t%s\t%s\n", mark, id, st.Status, st.Error())
	}
	_ = tw.Flush()

	switch result.Kind {
	case engine.ResultOk:
		fmt.Fprintf(w, "\n✅ %d action(s) applied\n", len(result.Succeeded))
	case engine.ResultRollback:
		fmt.Fprintf(w, "\n❌ %v\n", result.Err)
		fmt.Fprintf(w, "   rolled back %d action(s)", len(result.RolledBack))
		if len(result.Retained) > 0 {
			fmt.Fprintf(w, ", retained %s", strings.Join(result.Retained, ", "))
		}
		fmt.Fprintln(w)
	default:
		fmt.Fprintf(w, "\n❌ %v\n", result.Err)
		fmt.Fprintf(w, "   rollback failed: %v\n", result.RollbackErr)
		if len(result.Retained) > 0 {
			fmt.Fprintf(w, "   left in place: %s\n", strings.Join(result.Retained, ", "))
		}
		fmt.Fprintln(w, "   manual intervention required; see 'deckhand history unresolved'")
	}
}
