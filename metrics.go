package sprotocol

// Family names one of the three disjoint message families.
type Family int

// Message families, used as a metrics label.
const (
	FamilyQuery Family = iota
	FamilyAnswer
	FamilyAsk
)

func (f Family) String() string {
	switch f {
	case FamilyQuery:
		return "query"
	case FamilyAnswer:
		return "answer"
	case FamilyAsk:
		return "ask"
	default:
		return "unknown"
	}
}

// Metrics receives counters from a channel. Implementations are called on
// the goroutine driving the channel and must not block.
type Metrics interface {
	// MessageReceived is called after a message has been decoded completely.
	MessageReceived(family Family, tag Tag)
	// MessageSent is called after a message has been encoded into the
	// output cache. It does not imply delivery.
	MessageSent(family Family, tag Tag)
	// BytesRead counts bytes obtained from the descriptor.
	BytesRead(n int)
	// BytesWritten counts bytes handed to the descriptor.
	BytesWritten(n int)
}

type nopMetrics struct{}

func (nopMetrics) MessageReceived(Family, Tag) {}
func (nopMetrics) MessageSent(Family, Tag)     {}
func (nopMetrics) BytesRead(int)               {}
func (nopMetrics) BytesWritten(int)            {}
