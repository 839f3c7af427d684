package lifecycle

import (
	"strings"

	"github.com/basket/go-quest/internal/persistence"
)

// State is the lifecycle state of a task row.
type State string

const (
	StateOneTime        State = "ONE_TIME"
	StateTemplate       State = "TEMPLATE"
	StateInstance       State = "INSTANCE"
	StateEditedInstance State = "EDITED_INSTANCE"
)

// StateOf classifies t.
func StateOf(t *persistence.Task) State {
	switch {
	case t.IsTemplate:
		return StateTemplate
	case t.SeriesID != "" && t.IsEditedInstance:
		return StateEditedInstance
	case t.SeriesID != "":
		return StateInstance
	default:
		return StateOneTime
	}
}

// Scope selects whether an edit or delete applies to one row or the series.
type Scope string

const (
	ScopeSingle Scope = "single"
	ScopeSeries Scope = "series"
)

// ParseScope parses a scope query value. Empty means ScopeSingle.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeSingle:
		return ScopeSingle, nil
	case ScopeSeries:
		return ScopeSeries, nil
	default:
		return "", invalid("scope", "unknown scope %q", s)
	}
}

// Transition names a committed state change.
type Transition string

const (
	TransitionCreate             Transition = "create"
	TransitionUpdate             Transition = "update"
	TransitionConvertToRecurring Transition = "convert_to_recurring"
	TransitionConvertToOneTime   Transition = "convert_to_one_time"
	TransitionPatternChange      Transition = "update_pattern"
	TransitionSingleEdit         Transition = "update_single"
	TransitionSeriesEdit         Transition = "update_series"
	TransitionDelete             Transition = "delete"
	TransitionSkip               Transition = "skip_instance"
)

func requireState(op string, t *persistence.Task, allowed ...State) error {
	st := StateOf(t)
	for _, a := range allowed {
		if st == a {
			return nil
		}
	}
	return refused(op, "task %s is %s", t.ID, st)
}
