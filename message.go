package sprotocol

import "fmt"

// Tag is the 4-byte discriminator opening every message. It is built from
// four ASCII characters so that it reads as the mnemonic in a byte dump.
type Tag uint32

// String returns the four mnemonic characters, or the hex value when the
// tag is not printable.
func (t Tag) String() string {
	b := [4]byte{byte(t), byte(t >> 8), byte(t >> 16), byte(t >> 24)}
	for _, ch := range b {
		if ch < 0x20 || ch > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(t))
		}
	}
	return string(b[:])
}

// Query tags, sent by the worker.
const (
	TagOpenQuery   = Tag('O') | 'P'<<8 | 'E'<<16 | 'N'<<24
	TagReadQuery   = Tag('R') | 'E'<<8 | 'A'<<16 | 'D'<<24
	TagWriteQuery  = Tag('W') | 'R'<<8 | 'I'<<16 | 'T'<<24
	TagCloseQuery  = Tag('C') | 'L'<<8 | 'O'<<16 | 'S'<<24
	TagSizeQuery   = Tag('S') | 'I'<<8 | 'Z'<<16 | 'E'<<24
	TagSeenQuery   = Tag('S') | 'E'<<8 | 'E'<<16 | 'N'<<24
	TagChildQuery  = Tag('C') | 'H'<<8 | 'L'<<16 | 'D'<<24
	TagBackQuery   = Tag('B') | 'A'<<8 | 'C'<<16 | 'K'<<24
	TagAccessQuery = Tag('A') | 'C'<<8 | 'C'<<16 | 'S'<<24
	TagStatQuery   = Tag('S') | 'T'<<8 | 'A'<<16 | 'T'<<24
	TagGetPicQuery = Tag('G') | 'P'<<8 | 'I'<<16 | 'C'<<24
	TagSetPicQuery = Tag('S') | 'P'<<8 | 'I'<<16 | 'C'<<24
)

// Answer tags, sent by the supervisor in reply to a query.
const (
	TagDoneAnswer   = Tag('D') | 'O'<<8 | 'N'<<16 | 'E'<<24
	TagPassAnswer   = Tag('P') | 'A'<<8 | 'S'<<16 | 'S'<<24
	TagSizeAnswer   = Tag('S') | 'I'<<8 | 'Z'<<16 | 'E'<<24
	TagReadAnswer   = Tag('R') | 'E'<<8 | 'A'<<16 | 'D'<<24
	TagForkAnswer   = Tag('F') | 'O'<<8 | 'R'<<16 | 'K'<<24
	TagAccessAnswer = Tag('A') | 'C'<<8 | 'C'<<16 | 'S'<<24
	TagStatAnswer   = Tag('S') | 'T'<<8 | 'A'<<16 | 'T'<<24
	TagOpenAnswer   = Tag('O') | 'P'<<8 | 'E'<<16 | 'N'<<24
	TagGetPicAnswer = Tag('G') | 'P'<<8 | 'I'<<16 | 'C'<<24
)

// Ask tags, sent by the supervisor unsolicited.
const (
	TagTermAsk  = Tag('T') | 'E'<<8 | 'R'<<16 | 'M'<<24
	TagFlushAsk = Tag('F') | 'L'<<8 | 'S'<<16 | 'H'<<24
)

// Query is a request decoded from the worker. The concrete types are the
// *Query structs of this package; the set is closed.
type Query interface {
	Tag() Tag
	// Elapsed is the worker's millisecond counter when it issued the
	// query. It is only meaningful for diagnostics and ordering.
	Elapsed() uint32
	String() string
	isQuery()
}

// Stamp carries the elapsed-time field shared by every query.
type Stamp struct {
	Time uint32
}

// Elapsed returns Time.
func (s Stamp) Elapsed() uint32 { return s.Time }
func (Stamp) isQuery()          {}

// OpenQuery asks to bind FID to Path. Mode starts with 'r' or 'w'; "r?"
// means the worker accepts a PassAnswer when the file does not exist.
type OpenQuery struct {
	Stamp
	FID  uint32
	Path string
	Mode string
}

// ReadQuery asks for up to Size bytes of FID starting at Pos.
type ReadQuery struct {
	Stamp
	FID, Pos, Size uint32
}

// WriteQuery carries a payload to store at Pos. Data is a view of the
// channel scratch buffer, valid until the next call on the channel.
type WriteQuery struct {
	Stamp
	FID, Pos uint32
	Data     []byte
}

// CloseQuery releases FID.
type CloseQuery struct {
	Stamp
	FID uint32
}

// SizeQuery asks for the current length of FID.
type SizeQuery struct {
	Stamp
	FID uint32
}

// SeenQuery reports how far the worker consumed a file. It has no answer.
type SeenQuery struct {
	Stamp
	FID, Pos uint32
}

// ChildQuery announces that the worker forked and PID is now talking.
type ChildQuery struct {
	Stamp
	PID uint32
}

// BackQuery announces that PID resumed after child CID exited.
type BackQuery struct {
	Stamp
	PID, CID, ExitCode uint32
}

// AccessQuery mirrors access(2) on Path.
type AccessQuery struct {
	Stamp
	Path  string
	Flags AccessMode
}

// StatQuery mirrors stat(2) on Path. It is always answered with a
// StatAnswer, AccessPass meaning the worker stats the file itself.
type StatQuery struct {
	Stamp
	Path string
}

// GetPicQuery looks up cached bounds for one page of a picture.
type GetPicQuery struct {
	Stamp
	Path       string
	Type, Page uint32
}

// SetPicQuery stores the bounds the worker computed for a picture page.
type SetPicQuery struct {
	Stamp
	Path  string
	Cache PicCache
}

// PicCache is the rendering bounds of one page of a picture file.
type PicCache struct {
	Type, Page uint32
	Bounds     [4]float32
}

// Tag methods report the wire tag of each query.
func (OpenQuery) Tag() Tag   { return TagOpenQuery }
func (ReadQuery) Tag() Tag   { return TagReadQuery }
func (WriteQuery) Tag() Tag  { return TagWriteQuery }
func (CloseQuery) Tag() Tag  { return TagCloseQuery }
func (SizeQuery) Tag() Tag   { return TagSizeQuery }
func (SeenQuery) Tag() Tag   { return TagSeenQuery }
func (ChildQuery) Tag() Tag  { return TagChildQuery }
func (BackQuery) Tag() Tag   { return TagBackQuery }
func (AccessQuery) Tag() Tag { return TagAccessQuery }
func (StatQuery) Tag() Tag   { return TagStatQuery }
func (GetPicQuery) Tag() Tag { return TagGetPicQuery }
func (SetPicQuery) Tag() Tag { return TagSetPicQuery }

func (q OpenQuery) String() string {
	return fmt.Sprintf("open(%d, %q, %q)", q.FID, q.Path, q.Mode)
}

func (q ReadQuery) String() string {
	return fmt.Sprintf("read(%d, %d, %d)", q.FID, q.Pos, q.Size)
}

func (q WriteQuery) String() string {
	return fmt.Sprintf("write(%d, %d, %d)", q.FID, q.Pos, len(q.Data))
}

func (q CloseQuery) String() string { return fmt.Sprintf("close(%d)", q.FID) }
func (q SizeQuery) String() string  { return fmt.Sprintf("size(%d)", q.FID) }
func (q SeenQuery) String() string  { return fmt.Sprintf("seen(%d, %d)", q.FID, q.Pos) }
func (q ChildQuery) String() string { return fmt.Sprintf("child(%d)", q.PID) }

func (q BackQuery) String() string {
	return fmt.Sprintf("back(%d, %d, %d)", q.PID, q.CID, q.ExitCode)
}

func (q AccessQuery) String() string { return fmt.Sprintf("access(%q, %d)", q.Path, q.Flags) }
func (q StatQuery) String() string   { return fmt.Sprintf("stat(%q)", q.Path) }

func (q GetPicQuery) String() string {
	return fmt.Sprintf("gpic(%q, %d, %d)", q.Path, q.Type, q.Page)
}

func (q SetPicQuery) String() string {
	b := q.Cache.Bounds
	return fmt.Sprintf("spic(%q, %d, %d, %.02f, %.02f, %.02f, %.02f)",
		q.Path, q.Cache.Type, q.Cache.Page, b[0], b[1], b[2], b[3])
}

// AccessMode is the bit set of an AccessQuery.
type AccessMode uint32

// Access bits, combined in AccessQuery.Flags.
const (
	AccessRead AccessMode = 1 << iota
	AccessWrite
	AccessExec
	AccessExists
)

// AccessFlag is the outcome carried by access and stat answers.
type AccessFlag uint32

// Outcomes of access and stat queries.
const (
	AccessOK AccessFlag = iota
	// AccessPass tells the worker to perform the operation itself.
	AccessPass
	AccessNotExist
	AccessDenied
)

// String returns the errno-style name of f.
func (f AccessFlag) String() string {
	switch f {
	case AccessOK:
		return "OK"
	case AccessPass:
		return "PASS"
	case AccessNotExist:
		return "ENOENT"
	case AccessDenied:
		return "EACCES"
	default:
		return fmt.Sprintf("AccessFlag(%d)", uint32(f))
	}
}

// Answer is a reply to one query. The concrete types are the *Answer
// structs of this package; the set is closed.
type Answer interface {
	Tag() Tag
	isAnswer()
}

// DoneAnswer acknowledges a query that needs no data back.
type DoneAnswer struct{}

// PassAnswer tells the worker to handle the query on its own.
type PassAnswer struct{}

// ForkAnswer tells the worker that a read reached a fence: it should fork
// and let the child continue past it.
type ForkAnswer struct{}

// ReadAnswer carries file content. Data may be a view obtained from
// Channel.WriteBuffer; when decoded, it is a view of the scratch buffer.
type ReadAnswer struct {
	Data []byte
}

// SizeAnswer carries the length of a file.
type SizeAnswer struct {
	Size uint32
}

// AccessAnswer carries the outcome of an AccessQuery.
type AccessAnswer struct {
	Flag AccessFlag
}

// StatAnswer carries Stat only when Flag is AccessOK.
type StatAnswer struct {
	Flag AccessFlag
	Stat StatRecord
}

// OpenAnswer confirms an open and echoes the path the worker asked for.
type OpenAnswer struct {
	Path []byte
}

// GetPicAnswer carries cached picture bounds.
type GetPicAnswer struct {
	Bounds [4]float32
}

// StatRecord is the subset of stat(2) fields sent to the worker, in wire
// order.
type StatRecord struct {
	Dev, Ino, Mode, Nlink, UID, GID, Rdev uint32
	Size, Blksize, Blocks                 uint32
	Atime, Ctime, Mtime                   StatTime
}

// StatTime is a timestamp of a StatRecord.
type StatTime struct {
	Sec, Nsec uint32
}

// Tag methods report the wire tag of each answer.
func (DoneAnswer) Tag() Tag   { return TagDoneAnswer }
func (PassAnswer) Tag() Tag   { return TagPassAnswer }
func (ForkAnswer) Tag() Tag   { return TagForkAnswer }
func (ReadAnswer) Tag() Tag   { return TagReadAnswer }
func (SizeAnswer) Tag() Tag   { return TagSizeAnswer }
func (AccessAnswer) Tag() Tag { return TagAccessAnswer }
func (StatAnswer) Tag() Tag   { return TagStatAnswer }
func (OpenAnswer) Tag() Tag   { return TagOpenAnswer }
func (GetPicAnswer) Tag() Tag { return TagGetPicAnswer }

func (DoneAnswer) isAnswer()   {}
func (PassAnswer) isAnswer()   {}
func (ForkAnswer) isAnswer()   {}
func (ReadAnswer) isAnswer()   {}
func (SizeAnswer) isAnswer()   {}
func (AccessAnswer) isAnswer() {}
func (StatAnswer) isAnswer()   {}
func (OpenAnswer) isAnswer()   {}
func (GetPicAnswer) isAnswer() {}

// Ask is an out-of-band request from the supervisor.
type Ask interface {
	Tag() Tag
	isAsk()
}

// TermAsk asks the worker process PID to terminate.
type TermAsk struct {
	PID uint32
}

// FlushAsk asks the worker to flush its pending output.
type FlushAsk struct{}

// Tag methods report the wire tag of each ask.
func (TermAsk) Tag() Tag  { return TagTermAsk }
func (FlushAsk) Tag() Tag { return TagFlushAsk }
func (TermAsk) isAsk()    {}
func (FlushAsk) isAsk()   {}
