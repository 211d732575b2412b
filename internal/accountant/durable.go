package accountant

import (
	"fmt"
	"os"
	"path/filepath"
)

// serializable is anything the durable writer can dump to a temp file and
// atomically publish. offsets.Set and bins both implement it via the small
// adapter types offsetSnapshot and binSnapshot in accountant.go.
type serializable interface {
	writeTo(path string) error
}

// writerFunc adapts a plain write function to serializable.
type writerFunc func(path string) error

func (f writerFunc) writeTo(path string) error { return f(path) }

// command is one request sent to the durable writer actor.
type command struct {
	kind  cmdKind
	value serializable // for cmdMutate; ignored otherwise
	done  chan error   // for cmdFlush/cmdClose, signalled when handled
}

type cmdKind int

const (
	cmdMutate cmdKind = iota // apply a new snapshot and mark dirty
	cmdWrite                 // triggerWrite: rewrite the file if dirty
	cmdFlush                 // block until any in-flight write settles
	cmdClose                 // flush, then stop the actor
)

// durableFile owns one authoritative CSV file. Mutations are applied
// in-memory by the caller (under Accountant's mutex) and handed to this
// actor as an immutable snapshot; the actor's only job is deciding when to
// persist that snapshot via a temp-file-then-rename, so a crash mid-write
// never leaves a truncated authoritative file. This collapses to a purely
// synchronous fsync-on-commit if a future caller wants no background
// goroutine at all -- see triggerWrite.
type durableFile struct {
	path    string
	tempDir string

	cmds chan command

	// current, dirty and lastErr are only touched by the actor goroutine.
	current serializable
	dirty   bool
	lastErr error

	done chan struct{}
}

func newDurableFile(path, tempDir string, initial serializable) *durableFile {
	d := &durableFile{
		path:    path,
		tempDir: tempDir,
		cmds:    make(chan command, 64),
		current: initial,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *durableFile) run() {
	defer close(d.done)
	for cmd := range d.cmds {
		switch cmd.kind {
		case cmdMutate:
			d.current = cmd.value
			d.dirty = true
		case cmdWrite:
			if d.dirty {
				if err := d.persist(); err != nil {
					// Logged by the caller of TriggerWrite via the returned
					// error channel would be ideal, but triggerWrite is
					// fire-and-forget by design (spec §4.2); surface via
					// the next Flush instead.
					d.lastErr = err
				} else {
					d.dirty = false
				}
			}
		case cmdFlush:
			if d.dirty {
				d.lastErr = d.persist()
				d.dirty = false
			}
			cmd.done <- d.lastErr
			d.lastErr = nil
		case cmdClose:
			if d.dirty {
				d.lastErr = d.persist()
				d.dirty = false
			}
			cmd.done <- d.lastErr
			return
		}
	}
}

func (d *durableFile) persist() error {
	tmp, err := os.CreateTemp(d.tempDir, "accountant-*.tmp")
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := d.current.writeTo(tmpPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write scratch file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("create output directory: %w", err)
	}

	if err := os.Rename(tmpPath, d.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("publish %s: %w", d.path, err)
	}
	return nil
}

// Mutate hands the actor a fresh immutable snapshot to persist on the next
// TriggerWrite or Flush.
func (d *durableFile) Mutate(s serializable) {
	d.cmds <- command{kind: cmdMutate, value: s}
}

// TriggerWrite asks the actor to persist the latest snapshot if it hasn't
// already. It does not block on completion.
func (d *durableFile) TriggerWrite() {
	d.cmds <- command{kind: cmdWrite}
}

// Flush blocks until any pending write completes and the latest state is on
// disk.
func (d *durableFile) Flush() error {
	done := make(chan error, 1)
	d.cmds <- command{kind: cmdFlush, done: done}
	return <-done
}

// Close flushes then stops the actor. The durableFile must not be used
// afterward.
func (d *durableFile) Close() error {
	done := make(chan error, 1)
	d.cmds <- command{kind: cmdClose, done: done}
	err := <-done
	close(d.cmds)
	<-d.done
	return err
}
