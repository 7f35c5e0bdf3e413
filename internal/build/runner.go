// Package build implements the build runner: it feeds IR into a step
// handler in two modes (emulate, execute), dispatching
// each step to the Environment and Artifacts, and reports every
// deviation and dependency edge to the rebuild planner.
package build

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"golang.org/x/sys/unix"

	"warp/internal/artifact"
	"warp/internal/builderrors"
	"warp/internal/command"
	"warp/internal/env"
	"warp/internal/fingerprint"
	"warp/internal/ids"
	"warp/internal/interceptor"
	"warp/internal/ir"
	"warp/internal/plan"
	"warp/internal/tracelog"
	"warp/internal/version"
)

// defaultSymlinkBudget bounds ELOOP chains, matching common kernel
// behavior (Linux's MAXSYMLINKS is 40; this engine does not need to
// match it exactly, only apply consistently across runs).
const defaultSymlinkBudget = 40

// resolvedRef is the runner's bookkeeping for one reference: the
// artifact it names (if resolution succeeded), the path it names (for
// PathRef bases), and the errno actually observed at resolution time.
type resolvedRef struct {
	artifact ids.ArtifactID
	path     string
	errno    int
	ok       bool
}

// Runner drives one build: replaying a trace against an Environment in
// emulation mode, computing a rerun plan, and re-executing the
// commands the plan marks while replaying the rest, all while writing
// a fresh trace.
type Runner struct {
	Env      *env.Environment
	Planner  *plan.Planner
	Tracer   interceptor.Tracer
	Sink     tracelog.Sink
	Store    *fingerprint.Store
	RootPath string // the absolute path of the process root, "/"
	Logger   *log.Logger

	// ShowOnRun controls whether Run logs each rerun command's argv as
	// it launches. Defaults to true; the CLI's --show-on-run=false
	// flips it off for quiet builds.
	ShowOnRun bool

	commands map[ids.CommandID]*command.Command
	order    []*command.Command
	refs     map[ids.RefID]*resolvedRef

	// lastCombine tracks the (kind, command, ref) of the immediately
	// preceding UpdateMetadata/UpdateContent step, so consecutive
	// identical writes collapse into one recorded output, per the
	// write-combining optimization.
	lastCombine combineKey
}

type combineKey struct {
	kind ir.Kind
	cmd  ids.CommandID
	ref  ids.RefID
	set  bool
}

// New creates a Runner. rootPath is the filesystem path the "root"
// SpecialRef resolves to (ordinarily "/").
func New(e *env.Environment, p *plan.Planner, tracer interceptor.Tracer, sink tracelog.Sink, store *fingerprint.Store, rootPath string, logger *log.Logger) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	return &Runner{
		Env: e, Planner: p, Tracer: tracer, Sink: sink, Store: store, RootPath: rootPath, Logger: logger,
		ShowOnRun: true,
		commands:  map[ids.CommandID]*command.Command{},
		refs:      map[ids.RefID]*resolvedRef{},
	}
}

// Plan replays source in emulation mode and returns the resulting
// rebuild plan without executing or replaying anything, for callers
// that only want to inspect what would run (the CLI's plan
// subcommand and --dry-run).
func (r *Runner) Plan(source tracelog.Source) (p *plan.Plan, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &builderrors.InvariantViolation{Msg: fmt.Sprintf("%v", rec)}
		}
	}()

	cmds, err := source.Commands()
	if err != nil {
		return nil, err
	}
	r.order = cmds
	for _, c := range cmds {
		r.commands[c.ID] = c
	}
	if err := source.Replay(r.emulateStep); err != nil {
		return nil, err
	}
	if err := r.observeFinalMismatches(); err != nil {
		return nil, err
	}
	return r.Planner.PlanBuild(), nil
}

// observeFinalMismatches checks every artifact's recorded final
// version against what is actually on disk and reports each mismatch
// to the planner as OutputNeeded on its producing command, unless the
// mismatch can be repaired by re-staging the version's own cached
// content rather than rerunning anything.
func (r *Runner) observeFinalMismatches() error {
	mismatches, err := r.Env.CheckFinalState()
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		creator, hasCreator := m.Produced.Creator()
		if !hasCreator {
			continue
		}
		r.Planner.ObserveFinalMismatch(creator, m.Produced.CanCommit())
	}
	return nil
}

// plannerObserver adapts artifact.Observer to the rebuild planner's
// narrower event vocabulary. Self-read suppression falls directly out
// of comparing a read version's own creator to the reading command:
// a version this command produced (in this build or an earlier one)
// never creates a dependency edge back onto its own producer.
type plannerObserver struct {
	planner *plan.Planner
}

func (o *plannerObserver) ObserveInput(cmd ids.CommandID, _ ids.ArtifactID, v version.Version, alwaysExists bool) {
	if v == nil {
		return
	}
	creator, hasCreator := v.Creator()
	if hasCreator && creator == cmd {
		return
	}
	t := plan.InputRead
	if alwaysExists {
		t = plan.InputExists
	}
	o.planner.ObserveInput(cmd, creator, hasCreator, t, v.CanCommit())
}

func (o *plannerObserver) ObserveOutput(ids.CommandID, ids.ArtifactID, version.Version) {
	// Outputs only matter to the planner once some other command
	// observes them as an input; recorded there, not here.
}

func (o *plannerObserver) ObserveMismatch(cmd ids.CommandID, _ ids.ArtifactID, _, _ version.Version) {
	o.planner.ObserveMismatch(cmd)
}

// resolveEnvAdapter satisfies artifact.ResolveEnv against a Runner's
// Environment, the seam artifact.Resolve uses to materialize entries
// and create files without importing env directly.
type resolveEnvAdapter struct{ e *env.Environment }

func (a resolveEnvAdapter) ArtifactByID(id ids.ArtifactID) (artifact.Artifact, error) {
	return a.e.ArtifactByID(id)
}
func (a resolveEnvAdapter) MaterializeChild(parentPath, name string) (artifact.Artifact, error) {
	return a.e.MaterializeChild(parentPath, name)
}
func (a resolveEnvAdapter) CreateFile(cmd ids.CommandID) (*artifact.FileArtifact, error) {
	return a.e.CreateFile(cmd)
}

// Run is the top-level driver: emulate the saved trace, plan, execute
// what must rerun, replay what need not, and flush the combined trace.
// A panic from one of the engine's internal invariant assertions is
// recovered here and reported as a typed InvariantViolation rather
// than crashing the process.
func (r *Runner) Run(ctx context.Context, source tracelog.Source) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &builderrors.InvariantViolation{Msg: fmt.Sprintf("%v", p)}
		}
	}()

	cmds, err := source.Commands()
	if err != nil {
		return err
	}
	r.order = cmds
	for _, c := range cmds {
		r.commands[c.ID] = c
	}
	if err := source.Replay(r.emulateStep); err != nil {
		return err
	}
	if err := r.observeFinalMismatches(); err != nil {
		return err
	}

	built := r.Planner.PlanBuild()

	running, emulated := 0, 0
	for _, c := range r.order {
		if built.MustRun(c.ID) {
			running++
		} else {
			emulated++
		}
	}
	r.Logger.Printf("build: %d running, %d emulated", running, emulated)

	// Index-based: executing a must-run command can launch children
	// not present in the original trace order (applyLaunch appends
	// them to r.order), so the loop bound must be re-read each pass
	// rather than snapshotting len(r.order) up front.
	for i := 0; i < len(r.order); i++ {
		c := r.order[i]
		// A command discovered only while executing its parent (a
		// child not present in the original trace) has no prior
		// steps to replay and always must run.
		if built.MustRun(c.ID) || c.NeverRun() {
			if r.ShowOnRun {
				r.Logger.Printf("run: %v", c.Argv)
			}
			if err := r.executeCommand(ctx, c); err != nil {
				return err
			}
			c.MarkHasPriorTrace()
		} else {
			for _, step := range c.Steps {
				if err := r.Sink.Append(step); err != nil {
					r.Logger.Printf("trace: append failed for %s: %v", c.ID, err)
				}
			}
		}
	}

	commitCtx := version.CommitContext{}
	if r.Store != nil {
		commitCtx.RestoreContent = r.Store.Restore
		commitCtx.SaveContent = r.Store.Save
	}
	if err := r.Env.CommitFinalState(commitCtx); err != nil {
		return err
	}

	return r.Sink.Flush()
}

// executeCommand launches c under the interceptor and applies each
// freshly observed step exactly as emulation would, additionally
// appending every step to the output trace.
func (r *Runner) executeCommand(ctx context.Context, c *command.Command) error {
	c.Reset()
	dir := r.RootPath
	_, err := r.Tracer.Launch(ctx, c.ID, c.Argv, dir, nil, func(rec ir.Record) error {
		if err := c.AppendStep(rec); err != nil {
			return err
		}
		if err := r.applyStep(rec); err != nil {
			return err
		}
		if err := r.Sink.Append(rec); err != nil {
			r.Logger.Printf("trace: append failed for %s: %v", c.ID, err)
		}
		return nil
	})
	if err != nil {
		return &builderrors.BuildFailed{Reason: &builderrors.InterceptorFailure{Command: c.ID, Argv: c.Argv, Err: err}}
	}
	return nil
}

// emulateStep is the Handler passed to the trace source: it applies
// one recorded step to the Environment without launching anything.
func (r *Runner) emulateStep(rec ir.Record) error {
	c := r.commandFor(rec)
	if c.NeverRun() {
		r.Planner.ObserveNeverRun(c.ID)
	}
	if err := c.AppendStep(rec); err != nil {
		return err
	}
	return r.applyStep(rec)
}

// registerRef records a reference in both the runner's own resolution
// scratch (used to look artifacts back up while dispatching later
// steps) and the owning command's reference set: a Reference belongs
// to the command that created it.
func (r *Runner) registerRef(owner ids.CommandID, id ids.RefID, kind command.ReferenceKind, artifactID ids.ArtifactID, path string, ok bool, errno int) {
	r.refs[id] = &resolvedRef{artifact: artifactID, path: path, ok: ok, errno: errno}
	if c, found := r.commands[owner]; found {
		c.AddReference(&command.Reference{ID: id, Kind: kind, Artifact: artifactID, Expected: errno, Resolved: ok})
	}
}

// commandFor looks up the command a record belongs to. Every command a
// source will ever dispatch a record for is pre-populated into
// r.commands from Commands() before Replay runs, so a miss here means
// a record named a command the source never declared; treat it as
// never-run so it conservatively reruns rather than silently being
// trusted.
func (r *Runner) commandFor(rec ir.Record) *command.Command {
	c, ok := r.commands[rec.Command]
	if !ok {
		c = command.New(rec.Command, nil)
		r.commands[rec.Command] = c
	}
	return c
}

// applyStep dispatches one IR record to the Environment/Artifact
// layer. Shared by both emulate and execute mode: the two passes
// differ only in where the records come from.
func (r *Runner) applyStep(rec ir.Record) error {
	obs := &plannerObserver{planner: r.Planner}
	if rec.Kind != ir.KindUpdateMetadata && rec.Kind != ir.KindUpdateContent {
		r.lastCombine = combineKey{}
	}

	switch rec.Kind {
	case ir.KindSpecialRef:
		return r.applySpecialRef(rec)
	case ir.KindPipeRef:
		return r.applyPipeRef(rec)
	case ir.KindFileRef:
		f, err := r.Env.CreateFile(rec.Command)
		if err != nil {
			return err
		}
		r.registerRef(rec.Command, rec.Out, command.RefAnonFile, f.ID(), "", true, 0)
		return nil
	case ir.KindSymlinkRef:
		s := r.Env.GetSymlink(rec.Command, rec.Target)
		r.registerRef(rec.Command, rec.Out, command.RefAnonSymlink, s.ID(), "", true, 0)
		return nil
	case ir.KindDirRef:
		d := r.Env.GetDir(rec.Command)
		r.registerRef(rec.Command, rec.Out, command.RefAnonDir, d.ID(), "", true, 0)
		return nil
	case ir.KindPathRef:
		return r.applyPathRef(rec, obs)
	case ir.KindExpectResult:
		return r.applyExpectResult(rec)
	case ir.KindMatchMetadata:
		return r.applyMatchMetadata(rec, obs)
	case ir.KindMatchContent:
		return r.applyMatchContent(rec, obs)
	case ir.KindUpdateMetadata:
		return r.applyUpdateMetadata(rec, obs)
	case ir.KindUpdateContent:
		return r.applyUpdateContent(rec, obs)
	case ir.KindLaunch:
		return r.applyLaunch(rec)
	case ir.KindJoin:
		return r.applyJoin(rec)
	case ir.KindExit:
		c := r.commandFor(rec)
		c.ExitStatus = rec.ExitStatus
		c.Exited = true
		return nil
	default:
		return fmt.Errorf("build: unhandled record kind %q", rec.Kind)
	}
}

func (r *Runner) applySpecialRef(rec ir.Record) error {
	var (
		a   artifact.Artifact
		p   string
		err error
	)
	switch rec.Entity {
	case ir.EntityRoot, ir.EntityCwd:
		p = r.RootPath
		a, err = r.Env.GetRootDir()
	case ir.EntityLaunchExe:
		p = r.RootPath
		a, err = r.Env.GetFilesystemArtifact(r.RootPath)
	case ir.EntityStdin, ir.EntityStdout, ir.EntityStderr:
		a = r.Env.GetPipe(rec.Command)
	default:
		return fmt.Errorf("build: unknown special entity %q", rec.Entity)
	}
	if err != nil {
		return err
	}
	r.registerRef(rec.Command, rec.Out, command.RefSpecial, a.ID(), p, true, 0)
	return nil
}

func (r *Runner) applyPipeRef(rec ir.Record) error {
	p := r.Env.GetPipe(rec.Command)
	r.registerRef(rec.Command, rec.OutRd, command.RefPipe, p.ID(), "", true, 0)
	r.registerRef(rec.Command, rec.OutWr, command.RefPipe, p.ID(), "", true, 0)
	return nil
}

func (r *Runner) applyPathRef(rec ir.Record, obs artifact.Observer) error {
	base, ok := r.refs[rec.Base]
	if !ok || !base.ok {
		r.registerRef(rec.Command, rec.Out, command.RefPath, "", "", false, int(unix.ENOENT))
		return nil
	}
	baseArt, err := r.Env.ArtifactByID(base.artifact)
	if err != nil {
		return err
	}

	res, err := artifact.Resolve(rec.Command, baseArt, base.path, rec.Path, rec.Flags, defaultSymlinkBudget, resolveEnvAdapter{r.Env}, obs)
	if err != nil {
		return err
	}
	if res.Errno != 0 {
		r.registerRef(rec.Command, rec.Out, command.RefPath, "", "", false, res.Errno)
		return nil
	}
	fullPath := filepath.Join(base.path, rec.Path)
	res.Artifact.CommitLink(fullPath)
	r.registerRef(rec.Command, rec.Out, command.RefPath, res.Artifact.ID(), fullPath, true, 0)
	return nil
}

func (r *Runner) applyExpectResult(rec ir.Record) error {
	ref, ok := r.refs[rec.Ref]
	observed := int(unix.ENOENT)
	if ok {
		if ref.ok {
			observed = 0
		} else {
			observed = ref.errno
		}
	}
	if observed != rec.ExpectedErrno {
		r.Planner.ObserveResolutionChange(rec.Command)
	}
	return nil
}

func (r *Runner) resolvedArtifact(refID ids.RefID) (artifact.Artifact, bool, error) {
	ref, ok := r.refs[refID]
	if !ok || !ref.ok {
		return nil, false, nil
	}
	a, err := r.Env.ArtifactByID(ref.artifact)
	if err != nil {
		return nil, false, err
	}
	return a, true, nil
}

func (r *Runner) applyMatchMetadata(rec ir.Record, obs artifact.Observer) error {
	a, ok, err := r.resolvedArtifact(rec.Ref)
	if err != nil || !ok {
		return err
	}
	md, ok := rec.MetadataVer.(*version.Metadata)
	if !ok {
		return fmt.Errorf("build: MatchMetadata record carries no metadata version")
	}
	a.MatchMetadata(rec.Command, md, obs)
	return nil
}

func (r *Runner) applyMatchContent(rec ir.Record, obs artifact.Observer) error {
	a, ok, err := r.resolvedArtifact(rec.Ref)
	if err != nil || !ok {
		return err
	}
	a.MatchContent(rec.Command, rec.ContentVer, obs)
	return nil
}

func (r *Runner) applyUpdateMetadata(rec ir.Record, obs artifact.Observer) error {
	a, ok, err := r.resolvedArtifact(rec.Ref)
	if err != nil || !ok {
		return err
	}
	md, ok := rec.MetadataVer.(*version.Metadata)
	if !ok {
		return fmt.Errorf("build: UpdateMetadata record carries no metadata version")
	}
	_, wrapped := r.combinedObserver(ir.KindUpdateMetadata, rec.Command, rec.Ref, obs)
	a.UpdateMetadata(rec.Command, md, wrapped)
	return nil
}

// contentReplacer is implemented by artifact kinds whose UpdateContent
// accumulates a version history (currently only directories); write
// combining uses it to collapse a run of consecutive writes into the
// single version the run ends on instead of recording each one.
type contentReplacer interface {
	ReplaceContent(cmd ids.CommandID, v version.Version, obs artifact.Observer) error
}

func (r *Runner) applyUpdateContent(rec ir.Record, obs artifact.Observer) error {
	a, ok, err := r.resolvedArtifact(rec.Ref)
	if err != nil || !ok {
		return err
	}
	combine, wrapped := r.combinedObserver(ir.KindUpdateContent, rec.Command, rec.Ref, obs)
	if combine {
		if cr, ok := a.(contentReplacer); ok {
			return cr.ReplaceContent(rec.Command, rec.ContentVer, wrapped)
		}
	}
	return a.UpdateContent(rec.Command, rec.ContentVer, wrapped)
}

// combinedObserver implements the write-combining optimization: if
// the immediately preceding step was the same kind of write by the
// same command through the same reference, it reports combine=true (so
// the caller can collapse the write in place rather than accumulating
// another version) and suppresses the output notification, since the
// dependency edge it would report was already reported for the first
// write in the run.
func (r *Runner) combinedObserver(kind ir.Kind, cmd ids.CommandID, ref ids.RefID, obs artifact.Observer) (combine bool, out artifact.Observer) {
	key := combineKey{kind: kind, cmd: cmd, ref: ref, set: true}
	combine = r.lastCombine == key
	r.lastCombine = key
	if combine {
		return true, nil
	}
	return false, obs
}

func (r *Runner) applyLaunch(rec ir.Record) error {
	parent := r.commandFor(rec)
	child, ok := r.commands[rec.Child]
	if !ok {
		child = command.New(rec.Child, nil)
		r.commands[rec.Child] = child
		r.order = append(r.order, child)
	}
	parent.Launch(child.ID)
	r.Planner.ObserveLaunch(parent.ID, true, child.ID)
	r.lastCombine = combineKey{}
	return nil
}

func (r *Runner) applyJoin(rec ir.Record) error {
	child, ok := r.commands[rec.Child]
	if ok && child.Exited && child.ExitStatus != rec.ExitStatus {
		r.Planner.ObserveExitCodeChange(rec.Command)
	}
	r.lastCombine = combineKey{}
	return nil
}
