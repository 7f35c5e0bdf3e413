// Package plan implements the rebuild planner: it observes emulation
// events, records commands that saw different results, commands whose
// output is stale, and the dependency graph between them, and
// computes the minimal set of commands that must rerun.
//
// The mark(c, reason) propagation algorithm walks children,
// needs-output-from, and output-used-by edge sets exactly once per
// command via a marked-set guard, with a fourth reason (Child) beyond
// the three obvious ones (changed input, may-change input, stale
// output) to track a command whose rerun is caused by a parent that
// launched it, carrying that parent along as the "previous command"
// for diagnostics.
package plan

import (
	"fmt"
	"sort"

	"warp/internal/ids"
)

// Reason is why a command was marked for rerun.
type Reason string

const (
	ReasonChanged        Reason = "changed"
	ReasonChild          Reason = "child"
	ReasonInputMayChange Reason = "input_may_change"
	ReasonOutputNeeded   Reason = "output_needed"
)

// Mark records one command's rerun reason and, for propagated reasons,
// the upstream command that caused it.
type Mark struct {
	Command  ids.CommandID
	Reason   Reason
	Previous ids.CommandID
	HasPrev  bool
}

// Plan is the result of planBuild: every command that must rerun, with
// its reason. Unmarked commands are not listed; they have their
// recorded steps replayed unchanged.
type Plan struct {
	Marks map[ids.CommandID]Mark
}

// MustRun reports whether c is marked for rerun.
func (p *Plan) MustRun(c ids.CommandID) bool {
	_, ok := p.Marks[c]
	return ok
}

// Sorted returns the plan's marks ordered by command id, for
// deterministic reporting.
func (p *Plan) Sorted() []Mark {
	out := make([]Mark, 0, len(p.Marks))
	for _, m := range p.Marks {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// InputType distinguishes an input observation that merely requires a
// version to exist from one that actually reads its content, per the
// observeInput event category: an Exists-only input never creates a
// output-used-by edge, since the consuming command's behavior would
// not change if the producer's output changed shape.
type InputType string

const (
	InputExists InputType = "exists"
	InputRead   InputType = "read"
)

// Planner accumulates rebuild-planning observations during emulation
// and computes a Plan once emulation completes.
type Planner struct {
	changed      map[ids.CommandID]bool
	outputNeeded map[ids.CommandID]bool

	children       map[ids.CommandID][]ids.CommandID
	outputUsedBy   map[ids.CommandID][]ids.CommandID
	needsOutputFrom map[ids.CommandID][]ids.CommandID
}

// New creates an empty Planner.
func New() *Planner {
	return &Planner{
		changed:         map[ids.CommandID]bool{},
		outputNeeded:    map[ids.CommandID]bool{},
		children:        map[ids.CommandID][]ids.CommandID{},
		outputUsedBy:    map[ids.CommandID][]ids.CommandID{},
		needsOutputFrom: map[ids.CommandID][]ids.CommandID{},
	}
}

// ObserveNeverRun marks c as Changed because it has no prior trace.
func (p *Planner) ObserveNeverRun(c ids.CommandID) { p.changed[c] = true }

// ObserveMismatch marks c as Changed because an expected version did
// not match the observed one.
func (p *Planner) ObserveMismatch(c ids.CommandID) { p.changed[c] = true }

// ObserveResolutionChange marks c as Changed because a reference did
// not resolve as expected.
func (p *Planner) ObserveResolutionChange(c ids.CommandID) { p.changed[c] = true }

// ObserveExitCodeChange marks parent as Changed because a child did
// not exit with the expected status.
func (p *Planner) ObserveExitCodeChange(parent ids.CommandID) { p.changed[parent] = true }

// ObserveFinalMismatch marks creator as OutputNeeded, unless canCommit
// is true, in which case the discrepancy can be repaired by staging
// the cached version in without rerunning anything.
func (p *Planner) ObserveFinalMismatch(creator ids.CommandID, canCommit bool) {
	if canCommit {
		return
	}
	p.outputNeeded[creator] = true
}

// ObserveInput records that command c depends on version v (produced
// by creator, if any) of some artifact. If t is not Exists and v has a
// creator, an output-used-by edge is recorded so a rerun of creator
// propagates to c. If additionally the artifact cannot commit v
// without rerunning creator, a needs-output-from edge is also recorded
// so a rerun of c pulls creator along with it.
func (p *Planner) ObserveInput(c ids.CommandID, creator ids.CommandID, hasCreator bool, t InputType, canCommit bool) {
	if !hasCreator {
		return
	}
	if t == InputExists {
		return
	}
	p.outputUsedBy[creator] = appendUnique(p.outputUsedBy[creator], c)
	if !canCommit {
		p.needsOutputFrom[c] = appendUnique(p.needsOutputFrom[c], creator)
	}
}

// ObserveLaunch records that parent launched child, for propagating a
// parent's rerun to every child regardless of file-based dependency.
func (p *Planner) ObserveLaunch(parent ids.CommandID, hasParent bool, child ids.CommandID) {
	if !hasParent {
		return
	}
	p.children[parent] = appendUnique(p.children[parent], child)
}

// PlanBuild computes the rerun plan from the accumulated observations.
func (p *Planner) PlanBuild() *Plan {
	plan := &Plan{Marks: map[ids.CommandID]Mark{}}

	changedList := sortedKeys(p.changed)
	for _, c := range changedList {
		p.mark(plan, c, ReasonChanged, "", false)
	}

	outputNeededList := sortedKeys(p.outputNeeded)
	for _, c := range outputNeededList {
		p.mark(plan, c, ReasonOutputNeeded, "", false)
	}

	return plan
}

func (p *Planner) mark(plan *Plan, c ids.CommandID, reason Reason, prev ids.CommandID, hasPrev bool) {
	if _, already := plan.Marks[c]; already {
		return
	}
	if (reason == ReasonChild || reason == ReasonInputMayChange) && !hasPrev {
		panic(fmt.Sprintf("plan: mark(%s, %s) called without a previous command", c, reason))
	}

	plan.Marks[c] = Mark{Command: c, Reason: reason, Previous: prev, HasPrev: hasPrev}

	for _, child := range p.children[c] {
		p.mark(plan, child, ReasonChild, c, true)
	}
	for _, w := range p.needsOutputFrom[c] {
		p.mark(plan, w, ReasonOutputNeeded, c, true)
	}
	for _, d := range p.outputUsedBy[c] {
		p.mark(plan, d, ReasonInputMayChange, c, true)
	}
}

func appendUnique(s []ids.CommandID, v ids.CommandID) []ids.CommandID {
	for _, e := range s {
		if e == v {
			return s
		}
	}
	return append(s, v)
}

func sortedKeys(m map[ids.CommandID]bool) []ids.CommandID {
	out := make([]ids.CommandID, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
