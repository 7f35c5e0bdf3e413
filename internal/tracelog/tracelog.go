// Package tracelog implements the trace source/sink and default-trace
// synthesis. A trace source yields IR records in order and dispatches
// each to a handler; when no saved trace is found (file missing or
// deserialization failure) it synthesizes a default trace so the very
// first invocation is a full build. A trace sink appends records
// produced during a run and flushes them to disk as a length-prefixed
// gob stream, using an atomic-write idiom (temp file in the target
// directory, fsync, rename, fsync parent) so a crash mid-write never
// corrupts the previous log.
package tracelog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"warp/internal/builderrors"
	"warp/internal/command"
	"warp/internal/ids"
	"warp/internal/ir"
)

func init() {
	gob.Register(ir.Record{})
}

// Handler receives each IR record in order as a source replays them.
type Handler func(r ir.Record) error

// Source yields IR records in order.
type Source interface {
	// Commands returns the ordered set of commands this source will
	// dispatch records for (root first, in launch order), each already
	// flagged with whether it has a prior trace. Safe to call before
	// Replay: a caller needs this to build its Command table ahead of
	// dispatch, since a command's prior-trace status must be known
	// before the first record naming it is applied.
	Commands() ([]*command.Command, error)
	// Replay dispatches every record in order to handle.
	Replay(handle Handler) error
}

// Sink appends records produced during a run and flushes to disk.
//
// Append must be inert with respect to the run: a failing sink must
// never abort the build it is recording, so build code should route
// Append errors to a log line, not a fatal path, except at the final
// Flush.
type Sink interface {
	Append(r ir.Record) error
	Flush() error
}

// FileSource reads a length-prefixed gob stream of IR records from
// path. If the file is missing or fails to deserialize, Replay falls
// back to the synthesized default trace rather than returning an
// error.
type FileSource struct {
	Path     string
	UserArgs []string

	resolveOnce sync.Once
	records     []ir.Record
	cmds        []*command.Command
}

// resolve loads the trace file exactly once, on whichever of Commands
// or Replay is called first, so both see the same records and the
// same fallback decision if the file is missing or corrupt.
func (s *FileSource) resolve() {
	s.resolveOnce.Do(func() {
		records, cmds, err := s.load()
		if err != nil {
			records, cmds = defaultTrace(s.UserArgs)
		}
		s.records, s.cmds = records, cmds
	})
}

// Commands implements Source.
func (s *FileSource) Commands() ([]*command.Command, error) {
	s.resolve()
	return s.cmds, nil
}

// Replay implements Source.
func (s *FileSource) Replay(handle Handler) error {
	s.resolve()
	for _, r := range s.records {
		if err := handle(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSource) load() ([]ir.Record, []*command.Command, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var records []ir.Record
	seen := map[ids.CommandID]*command.Command{}
	var order []*command.Command

	for {
		var length uint32
		if err := binary.Read(r, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, nil, &builderrors.TraceCorrupt{Path: s.Path, Err: err}
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, nil, &builderrors.TraceCorrupt{Path: s.Path, Err: err}
		}
		var rec ir.Record
		dec := gob.NewDecoder(bytes.NewReader(buf))
		if err := dec.Decode(&rec); err != nil {
			return nil, nil, &builderrors.TraceCorrupt{Path: s.Path, Err: err}
		}
		if err := rec.Validate(); err != nil {
			return nil, nil, &builderrors.TraceCorrupt{Path: s.Path, Err: err}
		}
		records = append(records, rec)

		if _, ok := seen[rec.Command]; !ok {
			c := command.NewFromTrace(rec.Command, nil)
			seen[rec.Command] = c
			order = append(order, c)
		}
		if rec.Kind == ir.KindLaunch {
			if _, ok := seen[rec.Child]; !ok {
				c := command.NewFromTrace(rec.Child, nil)
				seen[rec.Child] = c
				order = append(order, c)
			}
		}
	}
	return records, order, nil
}

// FileSink appends records to an in-memory buffer and writes the full
// length-prefixed gob stream to path atomically on Flush.
type FileSink struct {
	Path    string
	records []ir.Record
}

func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

// Append implements Sink.
func (s *FileSink) Append(r ir.Record) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("tracelog: refusing to append invalid record: %w", err)
	}
	s.records = append(s.records, r)
	return nil
}

// Flush writes the accumulated records to Path using a temp-file-and-
// rename sequence: a crash mid-write leaves the previous trace log
// intact rather than a truncated one.
func (s *FileSink) Flush() error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("tracelog: creating trace dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("tracelog: creating temp trace file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	for _, r := range s.records {
		buf := &bytes.Buffer{}
		enc := gob.NewEncoder(buf)
		if err := enc.Encode(r); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("tracelog: encoding record: %w", err)
		}
		if err := binary.Write(w, binary.BigEndian, uint32(buf.Len())); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("tracelog: writing length prefix: %w", err)
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("tracelog: writing record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tracelog: flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("tracelog: syncing temp trace file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tracelog: closing temp trace file: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("tracelog: committing trace file: %w", err)
	}
	committed = true

	if dirf, err := os.Open(dir); err == nil {
		_ = dirf.Sync()
		_ = dirf.Close()
	}
	return nil
}

// defaultTrace synthesizes the initial trace used when no saved trace
// exists: SpecialRefs for stdin/stdout/stderr/root/cwd/launch-exe, a
// root Command whose argv is ["launch", <userArgs>...], and a Launch
// record of that root command.
func defaultTrace(userArgs []string) ([]ir.Record, []*command.Command) {
	root := command.New(ids.RootCommandID, append([]string{"launch"}, userArgs...))

	specials := []struct {
		entity ir.SpecialEntity
		ref    ids.RefID
	}{
		{ir.EntityStdin, ids.NewRefID()},
		{ir.EntityStdout, ids.NewRefID()},
		{ir.EntityStderr, ids.NewRefID()},
		{ir.EntityRoot, ids.NewRefID()},
		{ir.EntityCwd, ids.NewRefID()},
		{ir.EntityLaunchExe, ids.NewRefID()},
	}

	var records []ir.Record
	for _, s := range specials {
		records = append(records, ir.Record{
			Kind:    ir.KindSpecialRef,
			Command: root.ID,
			Entity:  s.entity,
			Out:     s.ref,
		})
	}
	records = append(records, ir.Record{
		Kind:    ir.KindLaunch,
		Command: root.ID,
		Child:   root.ID,
	})

	return records, []*command.Command{root}
}
