package sprotocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"reflect"
	"testing"

	"github.com/pkg/errors"
)

func sampleQueries() []Query {
	nan := math.Float32frombits(0x7fc00001)
	negZero := math.Float32frombits(0x80000000)
	return []Query{
		OpenQuery{Stamp: Stamp{Time: 1}, FID: 7, Path: "main.tex", Mode: "r"},
		ReadQuery{Stamp: Stamp{Time: 2}, FID: 7, Pos: 128, Size: 4096},
		WriteQuery{Stamp: Stamp{Time: 3}, FID: 9, Pos: 12, Data: []byte("hello, world")},
		CloseQuery{Stamp: Stamp{Time: 4}, FID: 7},
		SizeQuery{Stamp: Stamp{Time: 5}, FID: 8},
		SeenQuery{Stamp: Stamp{Time: 6}, FID: 8, Pos: 300},
		ChildQuery{Stamp: Stamp{Time: 7}, PID: 4242},
		BackQuery{Stamp: Stamp{Time: 8}, PID: 4241, CID: 4242, ExitCode: 1},
		AccessQuery{Stamp: Stamp{Time: 9}, Path: "/usr/share/texmf/tex/latex/base/article.cls", Flags: AccessRead | AccessExists},
		StatQuery{Stamp: Stamp{Time: 10}, Path: "figure.pdf"},
		GetPicQuery{Stamp: Stamp{Time: 11}, Path: "figure.pdf", Type: 2, Page: 1},
		SetPicQuery{Stamp: Stamp{Time: 12}, Path: "figure.pdf", Cache: PicCache{
			Type: 2, Page: 1, Bounds: [4]float32{negZero, 1.5, 595.275, nan},
		}},
	}
}

// equalQuery compares field by field, floats by bit pattern.
func equalQuery(a, b Query) bool {
	if sa, ok := a.(SetPicQuery); ok {
		sb, ok := b.(SetPicQuery)
		if !ok || sa.Stamp != sb.Stamp || sa.Path != sb.Path ||
			sa.Cache.Type != sb.Cache.Type || sa.Cache.Page != sb.Cache.Page {
			return false
		}
		for i := range sa.Cache.Bounds {
			if math.Float32bits(sa.Cache.Bounds[i]) != math.Float32bits(sb.Cache.Bounds[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func decodeAll(t *testing.T, c *Channel, want []Query) {
	t.Helper()
	for i, w := range want {
		got, err := c.NextQuery()
		if err != nil {
			t.Fatalf("query %d: NextQuery failed: %v", i, err)
		}
		if !equalQuery(got, w) {
			t.Errorf("query %d = %#v, want %#v", i, got, w)
		}
	}
	if _, err := c.NextQuery(); err != io.EOF {
		t.Errorf("after last query: err = %v, want io.EOF", err)
	}
}

func TestQuery_RoundTrip(t *testing.T) {
	want := sampleQueries()
	d := &mockDescriptor{in: encodeQueries(t, want...)}
	decodeAll(t, newMockChannel(t, d), want)
}

func TestQuery_RoundTripOneBytePerRead(t *testing.T) {
	want := sampleQueries()
	d := &mockDescriptor{in: encodeQueries(t, want...), chunk: 1}
	decodeAll(t, newMockChannel(t, d), want)
}

func TestQuery_RoundTripInterrupted(t *testing.T) {
	want := sampleQueries()
	wire := encodeQueries(t, want...)

	// Encode again through an interrupting, chunked descriptor.
	w := &mockDescriptor{interrupt: true, chunk: 3}
	c := newMockChannel(t, w)
	for _, q := range want {
		if err := c.WriteQuery(q); err != nil {
			t.Fatalf("WriteQuery failed: %v", err)
		}
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if !bytes.Equal(w.out.Bytes(), wire) {
		t.Fatal("interrupted writes produced different bytes")
	}

	d := &mockDescriptor{in: wire, interrupt: true, chunk: 5}
	decodeAll(t, newMockChannel(t, d), want)
}

func TestQuery_TinyInputCache(t *testing.T) {
	want := sampleQueries()
	d := &mockDescriptor{in: encodeQueries(t, want...)}
	decodeAll(t, newMockChannel(t, d, InputCacheSizeOption(4)), want)
}

func TestQuery_Open(t *testing.T) {
	d := &mockDescriptor{in: encodeQueries(t,
		OpenQuery{Stamp: Stamp{Time: 123}, FID: 7, Path: "main.tex", Mode: "r"})}
	c := newMockChannel(t, d)

	q, err := c.NextQuery()
	if err != nil {
		t.Fatalf("NextQuery failed: %v", err)
	}
	open, ok := q.(OpenQuery)
	if !ok {
		t.Fatalf("query is %T, want OpenQuery", q)
	}
	if open.FID != 7 || open.Path != "main.tex" || open.Mode != "r" || open.Elapsed() != 123 {
		t.Errorf("open = %+v", open)
	}
	if q.String() != `open(7, "main.tex", "r")` {
		t.Errorf("String() = %s", q.String())
	}
}

func TestQuery_LargeWrite(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	d := &mockDescriptor{in: encodeQueries(t, WriteQuery{FID: 3, Data: payload})}
	c := newMockChannel(t, d)

	q, err := c.NextQuery()
	if err != nil {
		t.Fatalf("NextQuery failed: %v", err)
	}
	w := q.(WriteQuery)
	if !bytes.Equal(w.Data, payload) {
		t.Error("payload corrupted")
	}
	if !bytes.Equal(c.scratch.buf[:5000], payload) {
		t.Error("scratch buffer does not hold the payload")
	}
	if got := c.ScratchCap(); got != 8192 {
		t.Errorf("ScratchCap() = %d, want 8192", got)
	}
}

func TestQuery_Exactness(t *testing.T) {
	first := WriteQuery{Stamp: Stamp{Time: 1}, FID: 1, Pos: 0, Data: bytes.Repeat([]byte{0xAB}, 300)}
	second := SeenQuery{Stamp: Stamp{Time: 2}, FID: 1, Pos: 300}
	wire := encodeQueries(t, first, second)

	if want := 4 + 4 + 12 + 300 + 4 + 4 + 8; len(wire) != want {
		t.Fatalf("wire length = %d, want %d", len(wire), want)
	}

	d := &mockDescriptor{in: wire}
	c := newMockChannel(t, d)
	q, err := c.NextQuery()
	if err != nil {
		t.Fatalf("first NextQuery failed: %v", err)
	}
	if !bytes.Equal(q.(WriteQuery).Data, first.Data) {
		t.Error("first payload corrupted")
	}
	q, err = c.NextQuery()
	if err != nil {
		t.Fatalf("second NextQuery failed: %v", err)
	}
	if q != second {
		t.Errorf("second = %#v, want %#v", q, second)
	}
}

func TestQuery_EarlyClose(t *testing.T) {
	wire := encodeQueries(t, WriteQuery{FID: 1, Data: make([]byte, 100)})
	d := &mockDescriptor{in: wire[:len(wire)-50]}
	c := newMockChannel(t, d)

	_, err := c.NextQuery()
	if !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
	if !IsConnectionFatal(err) || IsProcessFatal(err) {
		t.Errorf("misclassified: %v", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Tag != TagWriteQuery || e.Kind != KindProtocol {
		t.Errorf("error = %#v", e)
	}
}

func TestQuery_EarlyCloseInString(t *testing.T) {
	wire := encodeQueries(t, StatQuery{Path: "somewhere/long.tex"})
	d := &mockDescriptor{in: wire[:12], chunk: 1}
	c := newMockChannel(t, d)

	if _, err := c.NextQuery(); !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want ErrUnexpectedEOF", err)
	}
}

func TestQuery_UnknownTag(t *testing.T) {
	var wire [12]byte
	binary.NativeEndian.PutUint32(wire[0:], uint32(TagDoneAnswer))
	d := &mockDescriptor{in: wire[:]}
	c := newMockChannel(t, d)

	_, err := c.NextQuery()
	if !errors.Is(err, ErrUnknownTag) {
		t.Fatalf("err = %v, want ErrUnknownTag", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.Tag != TagDoneAnswer || !IsConnectionFatal(err) {
		t.Errorf("error = %v", err)
	}
}

func TestQuery_ScratchLimit(t *testing.T) {
	d := &mockDescriptor{in: encodeQueries(t, WriteQuery{FID: 1, Data: make([]byte, 2000)})}
	c := newMockChannel(t, d, MaxScratchSizeOption(1024))

	_, err := c.NextQuery()
	if !errors.Is(err, ErrScratchLimit) {
		t.Fatalf("err = %v, want ErrScratchLimit", err)
	}
	if !IsProcessFatal(err) || IsConnectionFatal(err) {
		t.Errorf("misclassified: %v", err)
	}
}

func TestQuery_HugeDeclaredPayload(t *testing.T) {
	var in []byte
	for _, v := range []uint32{uint32(TagWriteQuery), 0, 1, 0, math.MaxUint32} {
		in = binary.NativeEndian.AppendUint32(in, v)
	}
	c := newMockChannel(t, &mockDescriptor{in: in})

	_, err := c.NextQuery()
	if !errors.Is(err, ErrScratchLimit) {
		t.Fatalf("err = %v, want ErrScratchLimit", err)
	}
	if !IsProcessFatal(err) {
		t.Errorf("misclassified: %v", err)
	}
}

func TestQuery_EmptyStream(t *testing.T) {
	c := newMockChannel(t, &mockDescriptor{})
	if _, err := c.NextQuery(); err != io.EOF {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestQuery_LittleEndianWire(t *testing.T) {
	d := &mockDescriptor{}
	c := newMockChannel(t, d, ByteOrderOption(binary.LittleEndian))
	if err := c.WriteQuery(CloseQuery{FID: 1}); err != nil {
		t.Fatalf("WriteQuery failed: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if got := string(d.out.Bytes()[:4]); got != "CLOS" {
		t.Errorf("tag bytes = %q, want CLOS", got)
	}
}

func sampleAnswers() []Answer {
	return []Answer{
		DoneAnswer{},
		PassAnswer{},
		ForkAnswer{},
		ReadAnswer{Data: []byte("\\documentclass{article}")},
		SizeAnswer{Size: 98765},
		AccessAnswer{Flag: AccessNotExist},
		StatAnswer{Flag: AccessPass},
		StatAnswer{Flag: AccessOK, Stat: StatRecord{
			Dev: 1, Ino: 2, Mode: 0o100644, Nlink: 1, UID: 1000, GID: 0,
			Rdev: 0, Size: 5000, Blksize: 4096, Blocks: 2,
			Atime: StatTime{Sec: 10, Nsec: 11}, Ctime: StatTime{Sec: 12, Nsec: 13}, Mtime: StatTime{Sec: 14, Nsec: 15},
		}},
		OpenAnswer{Path: []byte("/home/user/main.tex")},
		GetPicAnswer{Bounds: [4]float32{0, 0, 612, 792.5}},
	}
}

func TestAnswer_RoundTrip(t *testing.T) {
	want := sampleAnswers()

	w := &mockDescriptor{}
	enc := newMockChannel(t, w)
	for _, a := range want {
		if err := enc.WriteAnswer(a); err != nil {
			t.Fatalf("WriteAnswer(%T) failed: %v", a, err)
		}
	}
	if err := enc.WriteAsk(TermAsk{PID: 77}); err != nil {
		t.Fatalf("WriteAsk failed: %v", err)
	}
	if err := enc.WriteAsk(FlushAsk{}); err != nil {
		t.Fatalf("WriteAsk failed: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	dec := newMockChannel(t, &mockDescriptor{in: w.out.Bytes(), chunk: 1})
	for i, a := range want {
		got, err := dec.NextAnswer()
		if err != nil {
			t.Fatalf("answer %d: NextAnswer failed: %v", i, err)
		}
		if !reflect.DeepEqual(got, a) {
			t.Errorf("answer %d = %#v, want %#v", i, got, a)
		}
	}

	ans, ask, err := dec.NextReply()
	if err != nil || ans != nil || ask != (TermAsk{PID: 77}) {
		t.Errorf("NextReply = %v, %v, %v; want TERM(77)", ans, ask, err)
	}
	ask, err = dec.NextAsk()
	if err != nil || ask != (FlushAsk{}) {
		t.Errorf("NextAsk = %v, %v; want FLSH", ask, err)
	}
}

func TestAnswer_StatLayout(t *testing.T) {
	st := StatRecord{
		Dev: 1, Ino: 2, Mode: 3, Nlink: 4, UID: 5, GID: 6, Rdev: 7,
		Size: 8, Blksize: 9, Blocks: 10,
		Atime: StatTime{Sec: 11, Nsec: 12},
		Ctime: StatTime{Sec: 13, Nsec: 14},
		Mtime: StatTime{Sec: 15, Nsec: 16},
	}
	d := &mockDescriptor{}
	c := newMockChannel(t, d)
	if err := c.WriteAnswer(StatAnswer{Flag: AccessOK, Stat: st}); err != nil {
		t.Fatalf("WriteAnswer failed: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	wire := d.out.Bytes()
	if len(wire) != 4*(2+16) {
		t.Fatalf("wire length = %d, want %d", len(wire), 4*(2+16))
	}
	field := func(i int) uint32 { return binary.NativeEndian.Uint32(wire[4*i:]) }
	if Tag(field(0)) != TagStatAnswer {
		t.Errorf("tag = %s", Tag(field(0)))
	}
	if AccessFlag(field(1)) != AccessOK {
		t.Errorf("flag = %d", field(1))
	}
	for i := 1; i <= 16; i++ {
		if got := field(1 + i); got != uint32(i) {
			t.Errorf("field %d = %d, want %d", i, got, i)
		}
	}
}

func TestAnswer_StatWithoutRecord(t *testing.T) {
	d := &mockDescriptor{}
	c := newMockChannel(t, d)
	if err := c.WriteAnswer(StatAnswer{Flag: AccessPass, Stat: StatRecord{Size: 1}}); err != nil {
		t.Fatalf("WriteAnswer failed: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if d.out.Len() != 8 {
		t.Errorf("wire length = %d, want 8", d.out.Len())
	}
}

func TestAnswer_FromWriteBuffer(t *testing.T) {
	d := &mockDescriptor{}
	c := newMockChannel(t, d)

	buf, err := c.WriteBuffer(1000)
	if err != nil {
		t.Fatalf("WriteBuffer failed: %v", err)
	}
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := c.WriteAnswer(ReadAnswer{Data: buf}); err != nil {
		t.Fatalf("WriteAnswer failed: %v", err)
	}
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	dec := newMockChannel(t, &mockDescriptor{in: d.out.Bytes()})
	a, err := dec.NextAnswer()
	if err != nil {
		t.Fatalf("NextAnswer failed: %v", err)
	}
	if !bytes.Equal(a.(ReadAnswer).Data, buf) {
		t.Error("payload corrupted")
	}
}

func TestAnswer_AskWhereAnswerExpected(t *testing.T) {
	w := &mockDescriptor{}
	enc := newMockChannel(t, w)
	if err := enc.WriteAsk(FlushAsk{}); err != nil {
		t.Fatalf("WriteAsk failed: %v", err)
	}
	if err := enc.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	dec := newMockChannel(t, &mockDescriptor{in: w.out.Bytes()})
	if _, err := dec.NextAnswer(); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("err = %v, want ErrUnknownTag", err)
	}
}

func TestAnswer_UnknownAsk(t *testing.T) {
	var wire [4]byte
	binary.NativeEndian.PutUint32(wire[:], uint32(TagDoneAnswer))
	c := newMockChannel(t, &mockDescriptor{in: wire[:]})
	if _, err := c.NextAsk(); !errors.Is(err, ErrUnknownTag) {
		t.Errorf("err = %v, want ErrUnknownTag", err)
	}
}

func TestTag_String(t *testing.T) {
	if got := TagSetPicQuery.String(); got != "SPIC" {
		t.Errorf("String() = %s, want SPIC", got)
	}
	if got := Tag(1).String(); got != "0x00000001" {
		t.Errorf("String() = %s, want 0x00000001", got)
	}
}

func TestQuery_Strings(t *testing.T) {
	tests := []struct {
		q    Query
		want string
	}{
		{ReadQuery{FID: 1, Pos: 2, Size: 3}, "read(1, 2, 3)"},
		{WriteQuery{FID: 1, Pos: 2, Data: make([]byte, 3)}, "write(1, 2, 3)"},
		{BackQuery{PID: 1, CID: 2, ExitCode: 3}, "back(1, 2, 3)"},
		{AccessQuery{Path: "a", Flags: 4}, `access("a", 4)`},
		{GetPicQuery{Path: "p.png", Type: 1, Page: 2}, `gpic("p.png", 1, 2)`},
		{SetPicQuery{Path: "p.png", Cache: PicCache{Type: 1, Page: 2, Bounds: [4]float32{0, 0, 10, 20}}},
			`spic("p.png", 1, 2, 0.00, 0.00, 10.00, 20.00)`},
	}
	for _, tt := range tests {
		if got := tt.q.String(); got != tt.want {
			t.Errorf("String() = %s, want %s", got, tt.want)
		}
	}
}
