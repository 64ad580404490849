package action

import (
	"fmt"
	"time"
)

// Result is what an action produced. It is either a single line of text or
// a summary with a list of items.
type Result struct {
	text      string
	count     int
	items     []Item
	aggregate bool
	failed    bool
}

func Simple(text string) Result { return Result{text: text} }

func Aggregate(summary string, n int, items []Item) Result {
	return Result{text: summary, count: n, items: items, aggregate: true}
}

// Errorf builds a failed simple result prefixed with "error: ".
func Errorf(format string, args ...any) Result {
	return Result{text: "error: " + fmt.Sprintf(format, args...), failed: true}
}

// Text is the simple text or the aggregate summary.
func (r Result) Text() string      { return r.text }
func (r Result) Count() int        { return r.count }
func (r Result) Items() []Item     { return r.items }
func (r Result) IsAggregate() bool { return r.aggregate }
func (r Result) Failed() bool      { return r.failed }

// Item is one message returned by an external search.
type Item struct {
	ID          string
	ThreadID    string
	Subject     string
	From        string
	To          string
	Date        time.Time
	Snippet     string
	Body        string
	Attachments []Attachment
}

type Attachment struct {
	Filename string
	MimeType string
	Size     int64
	// Data is nil when the attachment was too large to fetch.
	Data []byte
}
