// Package vfs answers worker filesystem queries from a virtual file table.
//
// Files opened for reading come from live-edited content when an editor
// supplied some, otherwise from disk (searched along an inclusion path).
// Files opened for writing never touch the disk: their content is kept in
// memory and exposed as outputs (the rendered document, its synctex data,
// the log and the worker's stdout).
package vfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/Zereker/sprotocol"
)

// MaxFiles bounds the file ids a worker may use.
const MaxFiles = 1024

// StdoutFID is the file id a worker writes to for its standard output.
const StdoutFID = ^uint32(0)

var (
	ErrBadFID          = errors.New("vfs: file id out of range")
	ErrFIDInUse        = errors.New("vfs: file id already open")
	ErrNotOpen         = errors.New("vfs: file id not open")
	ErrNotFound        = errors.New("vfs: file not found")
	ErrAccess          = errors.New("vfs: file not opened with the required access")
	ErrOutOfRange      = errors.New("vfs: position beyond end of file")
	ErrDuplicateOutput = errors.New("vfs: output opened twice")
	ErrFence           = errors.New("vfs: position crosses the active fence")
)

type level int

const (
	levelNone level = iota
	levelRead
	levelWrite
)

// Role classifies files the worker writes.
type Role int

const (
	RoleNone Role = iota
	RoleDocument
	RoleSynctex
	RoleLog
	RoleStdout
)

func (r Role) String() string {
	switch r {
	case RoleDocument:
		return "document"
	case RoleSynctex:
		return "synctex"
	case RoleLog:
		return "log"
	case RoleStdout:
		return "stdout"
	default:
		return "none"
	}
}

// roleOf maps an output path to its role by extension.
func roleOf(path string) Role {
	if path == "stdout" {
		return RoleStdout
	}
	switch strings.TrimPrefix(filepath.Ext(path), ".") {
	case "xdv", "dvi", "pdf":
		return RoleDocument
	case "synctex":
		return RoleSynctex
	case "log":
		return RoleLog
	}
	return RoleNone
}

type entry struct {
	path string

	diskData []byte
	editData []byte // nil when no editor content
	saved    []byte // written content
	level    level
	seen     int

	pic    sprotocol.PicCache
	hasPic bool
}

// data returns the content a reader sees.
func (e *entry) data() []byte {
	if e.level == levelWrite {
		return e.saved
	}
	if e.editData != nil {
		return e.editData
	}
	return e.diskData
}

func (e *entry) hasData() bool {
	return e.level == levelWrite || e.editData != nil || e.level == levelRead
}

// Fence stops reads of one file at a position: reads end there, and a read
// starting at the fence is answered with a fork.
type Fence struct {
	Path     string
	Position int
}

// TraceEntry records that the worker consumed a file up to a new position.
type TraceEntry struct {
	Path                  string
	SeenBefore, SeenAfter int
	Time                  uint32
}

// OutputFunc is called after a write to an output file. from is the offset
// where the written region begins. data must not be retained.
type OutputFunc func(role Role, data []byte, from int)

// FS is the virtual filesystem serving one worker session.
type FS struct {
	mu sync.Mutex

	entries   map[string]*entry
	table     [MaxFiles]*entry
	outputs   map[Role]*entry
	stdout    *entry
	fences    []Fence
	trace     []TraceEntry
	inclusion []string

	logger   sprotocol.Logger
	onOutput OutputFunc
}

// Option configures an FS.
type Option func(*FS)

// InclusionPathOption sets directories searched for relative paths that do
// not exist in the working directory.
func InclusionPathOption(dirs ...string) Option {
	return func(fs *FS) {
		fs.inclusion = append(fs.inclusion, dirs...)
	}
}

// LoggerOption sets the logger.
func LoggerOption(logger sprotocol.Logger) Option {
	return func(fs *FS) {
		fs.logger = logger
	}
}

// OutputOption sets the callback notified of output writes.
func OutputOption(fn OutputFunc) Option {
	return func(fs *FS) {
		fs.onOutput = fn
	}
}

// New creates an empty filesystem.
func New(opts ...Option) *FS {
	fs := &FS{
		entries: make(map[string]*entry),
		outputs: make(map[Role]*entry),
		logger:  nopLogger{},
	}
	for _, opt := range opts {
		opt(fs)
	}
	return fs
}

// SetEdit replaces the content readers of path see with data, taking
// precedence over the disk. A nil data reverts to the disk content.
func (fs *FS) SetEdit(path string, data []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e := fs.lookupOrCreate(path)
	if data == nil {
		e.editData = nil
		return
	}
	e.editData = append([]byte{}, data...)
}

// Output returns a copy of the content written to the output with role.
func (fs *FS) Output(role Role) []byte {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e := fs.outputs[role]
	if e == nil {
		return nil
	}
	return append([]byte{}, e.saved...)
}

// File returns a copy of what a reader of path currently sees.
func (fs *FS) File(path string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e := fs.entries[path]
	if e == nil || !e.hasData() {
		return nil, false
	}
	return append([]byte{}, e.data()...), true
}

// PushFence installs a fence, the last pushed one being active.
func (fs *FS) PushFence(f Fence) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.fences = append(fs.fences, f)
}

// PopFence removes the active fence. It is called when the worker forks at
// the fence: the child continues past it.
func (fs *FS) PopFence() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.fences) > 0 {
		fs.fences = fs.fences[:len(fs.fences)-1]
	}
}

// Trace returns a copy of the consumption trace.
func (fs *FS) Trace() []TraceEntry {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]TraceEntry{}, fs.trace...)
}

// Mark returns a position in the trace to roll back to.
func (fs *FS) Mark() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.trace)
}

// Rollback undoes the trace past mark, restoring the seen positions.
func (fs *FS) Rollback(mark int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for len(fs.trace) > mark {
		t := fs.trace[len(fs.trace)-1]
		if e := fs.entries[t.Path]; e != nil {
			e.seen = t.SeenBefore
		}
		fs.trace = fs.trace[:len(fs.trace)-1]
	}
}

func (fs *FS) lookupOrCreate(path string) *entry {
	e := fs.entries[path]
	if e == nil {
		e = &entry{path: path}
		fs.entries[path] = e
	}
	return e
}

// resolve finds path on disk, trying the inclusion path for relative
// names. It returns "" when nothing exists.
func (fs *FS) resolve(path string) (string, os.FileInfo) {
	if st, err := os.Stat(path); err == nil {
		return path, st
	}
	if filepath.IsAbs(path) {
		return "", nil
	}
	name := strings.TrimLeft(strings.TrimPrefix(path, "./"), "/")
	for _, dir := range fs.inclusion {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if st, err := os.Stat(candidate); err == nil {
			return candidate, st
		}
	}
	return "", nil
}

func (fs *FS) fileAt(fid uint32) (*entry, error) {
	if fid >= MaxFiles {
		return nil, errors.Wrapf(ErrBadFID, "fid %d", fid)
	}
	e := fs.table[fid]
	if e == nil {
		return nil, errors.Wrapf(ErrNotOpen, "fid %d", fid)
	}
	return e, nil
}

// activeFence returns the active fence when it applies to e.
func (fs *FS) activeFence(e *entry) (Fence, bool) {
	if len(fs.fences) == 0 {
		return Fence{}, false
	}
	f := fs.fences[len(fs.fences)-1]
	return f, f.Path == e.path
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
