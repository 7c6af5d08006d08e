package vfs

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Zereker/sprotocol"
)

// Answer computes the reply to q. A nil answer means the query takes none.
// Errors are worker misbehaviour and end the session.
func (fs *FS) Answer(q sprotocol.Query) (sprotocol.Answer, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch q := q.(type) {
	case sprotocol.OpenQuery:
		return fs.open(q)
	case sprotocol.ReadQuery:
		return fs.read(q)
	case sprotocol.WriteQuery:
		return fs.write(q)
	case sprotocol.CloseQuery:
		return fs.close(q)
	case sprotocol.SizeQuery:
		e, err := fs.fileAt(q.FID)
		if err != nil {
			return nil, err
		}
		return sprotocol.SizeAnswer{Size: uint32(len(e.data()))}, nil
	case sprotocol.SeenQuery:
		return nil, fs.seen(q)
	case sprotocol.AccessQuery:
		return fs.access(q), nil
	case sprotocol.StatQuery:
		return fs.stat(q), nil
	case sprotocol.GetPicQuery:
		e := fs.entries[q.Path]
		if e == nil || e.level != levelRead || !e.hasPic ||
			e.pic.Type != q.Type || e.pic.Page != q.Page {
			return sprotocol.PassAnswer{}, nil
		}
		return sprotocol.GetPicAnswer{Bounds: e.pic.Bounds}, nil
	case sprotocol.SetPicQuery:
		if e := fs.entries[q.Path]; e != nil && e.level == levelRead {
			e.pic = q.Cache
			e.hasPic = true
		}
		return sprotocol.DoneAnswer{}, nil
	default:
		return nil, errors.Errorf("vfs: unsupported query %s", q.Tag())
	}
}

func (fs *FS) open(q sprotocol.OpenQuery) (sprotocol.Answer, error) {
	if q.FID >= MaxFiles {
		return nil, errors.Wrapf(ErrBadFID, "fid %d", q.FID)
	}
	if fs.table[q.FID] != nil {
		return nil, errors.Wrapf(ErrFIDInUse, "fid %d", q.FID)
	}

	var e *entry
	switch {
	case len(q.Mode) > 0 && q.Mode[0] == 'r':
		e = fs.entries[q.Path]
		if e == nil || e.level < levelRead {
			edited := e != nil && e.editData != nil
			diskPath, _ := fs.resolve(q.Path)
			if diskPath == "" && !edited {
				if len(q.Mode) > 1 && q.Mode[1] == '?' {
					return sprotocol.PassAnswer{}, nil
				}
				return nil, errors.Wrapf(ErrNotFound, "open %q", q.Path)
			}
			e = fs.lookupOrCreate(q.Path)
			if diskPath != "" {
				data, err := os.ReadFile(diskPath)
				if err != nil {
					return nil, errors.Wrapf(err, "open %q", q.Path)
				}
				e.diskData = data
			}
			e.level = levelRead
		}

	case len(q.Mode) > 0 && q.Mode[0] == 'w':
		e = fs.lookupOrCreate(q.Path)
		role := roleOf(q.Path)
		if role != RoleNone {
			if prev := fs.outputs[role]; prev != nil && prev != e && fs.isOpen(prev) {
				return nil, errors.Wrapf(ErrDuplicateOutput, "%s %q", role, q.Path)
			}
			fs.outputs[role] = e
		}
		e.level = levelWrite
		e.saved = make([]byte, 0, 1024)
		e.seen = 0

	default:
		return nil, errors.Errorf("vfs: open %q: invalid mode %q", q.Path, q.Mode)
	}

	fs.table[q.FID] = e
	// The worker gets its own path back, never the resolved one.
	return sprotocol.OpenAnswer{Path: []byte(q.Path)}, nil
}

func (fs *FS) isOpen(e *entry) bool {
	for _, f := range fs.table {
		if f == e {
			return true
		}
	}
	return false
}

func (fs *FS) read(q sprotocol.ReadQuery) (sprotocol.Answer, error) {
	e, err := fs.fileAt(q.FID)
	if err != nil {
		return nil, err
	}
	if e.level < levelRead {
		return nil, errors.Wrapf(ErrAccess, "read fid %d", q.FID)
	}

	data := e.data()
	pos := int(q.Pos)
	if pos > len(data) {
		return nil, errors.Wrapf(ErrOutOfRange, "read fid %d at %d of %d", q.FID, pos, len(data))
	}
	n := min(int(q.Size), len(data)-pos)

	if f, ok := fs.activeFence(e); ok && f.Position < pos+n {
		if f.Position < pos {
			return nil, errors.Wrapf(ErrFence, "read fid %d at %d, fence at %d", q.FID, pos, f.Position)
		}
		n = f.Position - pos
		if n == 0 {
			fs.logger.Debug("fork at fence", "path", e.path, "position", f.Position)
			return sprotocol.ForkAnswer{}, nil
		}
	}
	return sprotocol.ReadAnswer{Data: data[pos : pos+n]}, nil
}

func (fs *FS) write(q sprotocol.WriteQuery) (sprotocol.Answer, error) {
	var e *entry
	pos := int(q.Pos)
	if q.FID == StdoutFID {
		if pos != 0 {
			return nil, errors.Errorf("vfs: stdout write at %d", pos)
		}
		if fs.stdout == nil {
			fs.stdout = fs.lookupOrCreate("stdout")
			fs.stdout.level = levelWrite
			fs.outputs[RoleStdout] = fs.stdout
		}
		e = fs.stdout
		pos = len(e.saved)
	} else {
		var err error
		if e, err = fs.fileAt(q.FID); err != nil {
			return nil, err
		}
		if e.level != levelWrite {
			return nil, errors.Wrapf(ErrAccess, "write fid %d", q.FID)
		}
	}

	// Data aliases the channel scratch buffer: always copy.
	if end := pos + len(q.Data); end > len(e.saved) {
		if pos > len(e.saved) {
			e.saved = append(e.saved, make([]byte, pos-len(e.saved))...)
		}
		e.saved = append(e.saved[:pos], q.Data...)
	} else {
		copy(e.saved[pos:], q.Data)
	}

	if fs.onOutput != nil {
		if role := roleOf(e.path); role != RoleNone {
			fs.onOutput(role, e.saved, pos)
		}
	}
	return sprotocol.DoneAnswer{}, nil
}

func (fs *FS) close(q sprotocol.CloseQuery) (sprotocol.Answer, error) {
	e, err := fs.fileAt(q.FID)
	if err != nil {
		return nil, err
	}
	fs.table[q.FID] = nil
	if e.level == levelWrite {
		fs.logger.Debug("output closed", "path", e.path, "size", len(e.saved))
	}
	return sprotocol.DoneAnswer{}, nil
}

func (fs *FS) seen(q sprotocol.SeenQuery) error {
	e, err := fs.fileAt(q.FID)
	if err != nil {
		return err
	}
	if e.level < levelRead {
		return errors.Wrapf(ErrAccess, "seen fid %d", q.FID)
	}
	pos := int(q.Pos)
	if f, ok := fs.activeFence(e); ok && pos > f.Position {
		return errors.Wrapf(ErrFence, "seen fid %d at %d, fence at %d", q.FID, pos, f.Position)
	}
	if pos > e.seen {
		fs.trace = append(fs.trace, TraceEntry{
			Path:       e.path,
			SeenBefore: e.seen,
			SeenAfter:  pos,
			Time:       q.Elapsed(),
		})
		e.seen = pos
	}
	return nil
}

func (fs *FS) access(q sprotocol.AccessQuery) sprotocol.Answer {
	if e := fs.entries[q.Path]; e != nil && e.level == levelWrite {
		return sprotocol.AccessAnswer{Flag: sprotocol.AccessOK}
	}

	var mode uint32
	if q.Flags&sprotocol.AccessRead != 0 {
		mode |= unix.R_OK
	}
	if q.Flags&sprotocol.AccessWrite != 0 {
		mode |= unix.W_OK
	}
	if q.Flags&sprotocol.AccessExec != 0 {
		mode |= unix.X_OK
	}

	path, _ := fs.resolve(q.Path)
	if path == "" {
		return sprotocol.AccessAnswer{Flag: sprotocol.AccessNotExist}
	}
	switch err := unix.Access(path, mode); {
	case err == nil:
		return sprotocol.AccessAnswer{Flag: sprotocol.AccessOK}
	case errors.Is(err, unix.ENOENT):
		return sprotocol.AccessAnswer{Flag: sprotocol.AccessNotExist}
	case errors.Is(err, unix.EACCES):
		return sprotocol.AccessAnswer{Flag: sprotocol.AccessDenied}
	default:
		fs.logger.Warn("access failed", "path", q.Path, "error", err)
		return sprotocol.AccessAnswer{Flag: sprotocol.AccessDenied}
	}
}

func (fs *FS) stat(q sprotocol.StatQuery) sprotocol.Answer {
	e := fs.entries[q.Path]
	if e == nil || e.level != levelWrite {
		return sprotocol.StatAnswer{Flag: sprotocol.AccessPass}
	}
	return sprotocol.StatAnswer{
		Flag: sprotocol.AccessOK,
		Stat: sprotocol.StatRecord{
			Mode:    unix.S_IFREG | 0o644,
			Nlink:   1,
			UID:     uint32(os.Getuid()),
			GID:     uint32(os.Getgid()),
			Size:    uint32(len(e.saved)),
			Blksize: 4096,
			Blocks:  uint32((len(e.saved) + 4095) / 4096),
		},
	}
}
