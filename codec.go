package sprotocol

import (
	"fmt"
	"io"
)

// fieldReader decodes the consecutive fields of one message, keeping the
// first error so that a message shape reads as a flat list of fields.
type fieldReader struct {
	c   *Channel
	off int // next free scratch offset
	err error
}

func (r *fieldReader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, err := r.c.readU32()
	r.err = err
	return v
}

func (r *fieldReader) f32() float32 {
	if r.err != nil {
		return 0
	}
	v, err := r.c.readF32()
	r.err = err
	return v
}

func (r *fieldReader) bounds() (b [4]float32) {
	for i := range b {
		b[i] = r.f32()
	}
	return b
}

func (r *fieldReader) str() string {
	if r.err != nil {
		return ""
	}
	s, err := r.c.readString(&r.off)
	r.err = err
	return s
}

// bytes reads n payload bytes into the scratch buffer and returns a view.
func (r *fieldReader) bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	// Checked before converting so an int32 platform cannot wrap.
	if uint64(r.off)+uint64(n) > uint64(r.c.scratch.limit) {
		r.err = r.c.fail(KindAlloc, "read payload", ErrScratchLimit)
		return nil
	}
	b, err := r.c.readBytes(r.off, int(n))
	r.err = err
	r.off += int(n)
	return b
}

// fieldWriter is the encoding counterpart of fieldReader.
type fieldWriter struct {
	c   *Channel
	err error
}

func (w *fieldWriter) u32(v uint32) {
	if w.err == nil {
		w.err = w.c.writeU32(v)
	}
}

func (w *fieldWriter) f32(f float32) {
	if w.err == nil {
		w.err = w.c.writeF32(f)
	}
}

func (w *fieldWriter) bounds(b [4]float32) {
	for _, f := range b {
		w.f32(f)
	}
}

func (w *fieldWriter) str(s string) {
	if w.err == nil {
		w.err = w.c.writeCString(s)
	}
}

func (w *fieldWriter) bytes(p []byte) {
	if w.err == nil {
		w.err = w.c.write(p)
	}
}

// NextQuery decodes the next query from the worker, blocking until it is
// complete. It returns io.EOF when the worker closed the stream between
// two messages, which is how a terminated worker shows up.
//
// String fields are owned copies. WriteQuery.Data is a view of the scratch
// buffer valid until the next call on the channel.
func (c *Channel) NextQuery() (Query, error) {
	if c.closed.Load() {
		return nil, ErrChannelClosed
	}

	tag, ok, err := c.tryReadTag()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, io.EOF
	}

	q, err := c.decodeQuery(tag)
	if err != nil {
		return nil, withTag(err, tag)
	}

	c.opts.metrics.MessageReceived(FamilyQuery, tag)
	c.logQuery(q)
	return q, nil
}

func (c *Channel) decodeQuery(tag Tag) (Query, error) {
	r := fieldReader{c: c}
	s := Stamp{Time: r.u32()}

	var q Query
	switch tag {
	case TagOpenQuery:
		q = OpenQuery{Stamp: s, FID: r.u32(), Path: r.str(), Mode: r.str()}
	case TagReadQuery:
		q = ReadQuery{Stamp: s, FID: r.u32(), Pos: r.u32(), Size: r.u32()}
	case TagWriteQuery:
		w := WriteQuery{Stamp: s, FID: r.u32(), Pos: r.u32()}
		w.Data = r.bytes(r.u32())
		q = w
	case TagCloseQuery:
		q = CloseQuery{Stamp: s, FID: r.u32()}
	case TagSizeQuery:
		q = SizeQuery{Stamp: s, FID: r.u32()}
	case TagSeenQuery:
		q = SeenQuery{Stamp: s, FID: r.u32(), Pos: r.u32()}
	case TagChildQuery:
		q = ChildQuery{Stamp: s, PID: r.u32()}
	case TagBackQuery:
		q = BackQuery{Stamp: s, PID: r.u32(), CID: r.u32(), ExitCode: r.u32()}
	case TagAccessQuery:
		q = AccessQuery{Stamp: s, Path: r.str(), Flags: AccessMode(r.u32())}
	case TagStatQuery:
		q = StatQuery{Stamp: s, Path: r.str()}
	case TagGetPicQuery:
		q = GetPicQuery{Stamp: s, Path: r.str(), Type: r.u32(), Page: r.u32()}
	case TagSetPicQuery:
		q = SetPicQuery{Stamp: s, Path: r.str(), Cache: PicCache{Type: r.u32(), Page: r.u32(), Bounds: r.bounds()}}
	default:
		if r.err != nil {
			return nil, r.err
		}
		return nil, c.fail(KindProtocol, "decode query", ErrUnknownTag)
	}

	if r.err != nil {
		return nil, r.err
	}
	return q, nil
}

// WriteAnswer encodes a into the output cache. Call Flush to deliver it.
func (c *Channel) WriteAnswer(a Answer) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	c.logAnswer(a)

	w := fieldWriter{c: c}
	w.u32(uint32(a.Tag()))
	switch a := a.(type) {
	case DoneAnswer, PassAnswer, ForkAnswer:
	case ReadAnswer:
		w.u32(uint32(len(a.Data)))
		w.bytes(a.Data)
	case AccessAnswer:
		w.u32(uint32(a.Flag))
	case StatAnswer:
		w.u32(uint32(a.Flag))
		if a.Flag == AccessOK {
			w.stat(a.Stat)
		}
	case SizeAnswer:
		w.u32(a.Size)
	case OpenAnswer:
		w.u32(uint32(len(a.Path)))
		w.bytes(a.Path)
	case GetPicAnswer:
		w.bounds(a.Bounds)
	default:
		panic(fmt.Sprintf("sprotocol: cannot encode answer %T", a))
	}

	if w.err != nil {
		return withTag(w.err, a.Tag())
	}
	c.opts.metrics.MessageSent(FamilyAnswer, a.Tag())
	return nil
}

func (w *fieldWriter) stat(st StatRecord) {
	for _, v := range [...]uint32{
		st.Dev, st.Ino, st.Mode, st.Nlink, st.UID, st.GID,
		st.Rdev, st.Size, st.Blksize, st.Blocks,
	} {
		w.u32(v)
	}
	for _, t := range [...]StatTime{st.Atime, st.Ctime, st.Mtime} {
		w.u32(t.Sec)
		w.u32(t.Nsec)
	}
}

// WriteAsk encodes an out-of-band ask into the output cache. Call Flush to
// deliver it.
func (c *Channel) WriteAsk(a Ask) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	c.opts.logger.Debug("ask", "channel", c.opts.name, "tag", a.Tag())

	w := fieldWriter{c: c}
	w.u32(uint32(a.Tag()))
	switch a := a.(type) {
	case TermAsk:
		w.u32(a.PID)
	case FlushAsk:
	default:
		panic(fmt.Sprintf("sprotocol: cannot encode ask %T", a))
	}

	if w.err != nil {
		return withTag(w.err, a.Tag())
	}
	c.opts.metrics.MessageSent(FamilyAsk, a.Tag())
	return nil
}
