package sprotocol

import (
	"fmt"
	"io"
)

// This file holds the worker side of the protocol: encoding queries and
// decoding answers and asks. A supervisor never calls these.

// WriteQuery encodes q into the output cache. Call Flush to deliver it.
func (c *Channel) WriteQuery(q Query) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}

	w := fieldWriter{c: c}
	w.u32(uint32(q.Tag()))
	w.u32(q.Elapsed())
	switch q := q.(type) {
	case OpenQuery:
		w.u32(q.FID)
		w.str(q.Path)
		w.str(q.Mode)
	case ReadQuery:
		w.u32(q.FID)
		w.u32(q.Pos)
		w.u32(q.Size)
	case WriteQuery:
		w.u32(q.FID)
		w.u32(q.Pos)
		w.u32(uint32(len(q.Data)))
		w.bytes(q.Data)
	case CloseQuery:
		w.u32(q.FID)
	case SizeQuery:
		w.u32(q.FID)
	case SeenQuery:
		w.u32(q.FID)
		w.u32(q.Pos)
	case ChildQuery:
		w.u32(q.PID)
	case BackQuery:
		w.u32(q.PID)
		w.u32(q.CID)
		w.u32(q.ExitCode)
	case AccessQuery:
		w.str(q.Path)
		w.u32(uint32(q.Flags))
	case StatQuery:
		w.str(q.Path)
	case GetPicQuery:
		w.str(q.Path)
		w.u32(q.Type)
		w.u32(q.Page)
	case SetPicQuery:
		w.str(q.Path)
		w.u32(q.Cache.Type)
		w.u32(q.Cache.Page)
		w.bounds(q.Cache.Bounds)
	default:
		panic(fmt.Sprintf("sprotocol: cannot encode query %T", q))
	}

	if w.err != nil {
		return withTag(w.err, q.Tag())
	}
	c.opts.metrics.MessageSent(FamilyQuery, q.Tag())
	return nil
}

// NextReply decodes the supervisor's next message, which is either the
// answer to the last query or an ask. Exactly one of the results is
// non-nil on success. It returns io.EOF when the supervisor closed the
// stream between two messages.
//
// ReadAnswer.Data and OpenAnswer.Path are views of the scratch buffer
// valid until the next call on the channel.
func (c *Channel) NextReply() (Answer, Ask, error) {
	if c.closed.Load() {
		return nil, nil, ErrChannelClosed
	}

	tag, ok, err := c.tryReadTag()
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, io.EOF
	}

	if tag == TagTermAsk || tag == TagFlushAsk {
		a, err := c.decodeAsk(tag)
		if err != nil {
			return nil, nil, withTag(err, tag)
		}
		c.opts.metrics.MessageReceived(FamilyAsk, tag)
		return nil, a, nil
	}

	a, err := c.decodeAnswer(tag)
	if err != nil {
		return nil, nil, withTag(err, tag)
	}
	c.opts.metrics.MessageReceived(FamilyAnswer, tag)
	return a, nil, nil
}

// NextAnswer decodes the next message as an answer. An ask in its place
// is a protocol violation.
func (c *Channel) NextAnswer() (Answer, error) {
	a, ask, err := c.NextReply()
	if err != nil {
		return nil, err
	}
	if ask != nil {
		return nil, withTag(c.fail(KindProtocol, "decode answer", ErrUnknownTag), ask.Tag())
	}
	return a, nil
}

// NextAsk decodes the next message as an ask.
func (c *Channel) NextAsk() (Ask, error) {
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

	a, err := c.decodeAsk(tag)
	if err != nil {
		return nil, withTag(err, tag)
	}
	c.opts.metrics.MessageReceived(FamilyAsk, tag)
	return a, nil
}

func (c *Channel) decodeAsk(tag Tag) (Ask, error) {
	r := fieldReader{c: c}
	var a Ask
	switch tag {
	case TagTermAsk:
		a = TermAsk{PID: r.u32()}
	case TagFlushAsk:
		a = FlushAsk{}
	default:
		return nil, c.fail(KindProtocol, "decode ask", ErrUnknownTag)
	}
	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

func (c *Channel) decodeAnswer(tag Tag) (Answer, error) {
	r := fieldReader{c: c}
	var a Answer
	switch tag {
	case TagDoneAnswer:
		a = DoneAnswer{}
	case TagPassAnswer:
		a = PassAnswer{}
	case TagForkAnswer:
		a = ForkAnswer{}
	case TagReadAnswer:
		a = ReadAnswer{Data: r.bytes(r.u32())}
	case TagAccessAnswer:
		a = AccessAnswer{Flag: AccessFlag(r.u32())}
	case TagStatAnswer:
		st := StatAnswer{Flag: AccessFlag(r.u32())}
		if r.err == nil && st.Flag == AccessOK {
			st.Stat = r.stat()
		}
		a = st
	case TagSizeAnswer:
		a = SizeAnswer{Size: r.u32()}
	case TagOpenAnswer:
		a = OpenAnswer{Path: r.bytes(r.u32())}
	case TagGetPicAnswer:
		a = GetPicAnswer{Bounds: r.bounds()}
	default:
		return nil, c.fail(KindProtocol, "decode answer", ErrUnknownTag)
	}
	if r.err != nil {
		return nil, r.err
	}
	return a, nil
}

func (r *fieldReader) stat() StatRecord {
	var st StatRecord
	for _, p := range [...]*uint32{
		&st.Dev, &st.Ino, &st.Mode, &st.Nlink, &st.UID, &st.GID,
		&st.Rdev, &st.Size, &st.Blksize, &st.Blocks,
	} {
		*p = r.u32()
	}
	for _, t := range [...]*StatTime{&st.Atime, &st.Ctime, &st.Mtime} {
		t.Sec = r.u32()
		t.Nsec = r.u32()
	}
	return st
}
