package delivery

import (
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	"telly/internal/action"
	"telly/internal/tale"
)

const (
	Source  = "telly"
	Version = "1.0"

	ISOLayout = "2006-01-02T15:04:05.000-0700"

	maxBodyChars        = 10000
	inlineAttachmentMax = 1 << 20
)

type Payload struct {
	Source       string   `json:"source"`
	Version      string   `json:"version"`
	Device       string   `json:"device"`
	Tale         taleInfo `json:"tale"`
	Timestamp    int64    `json:"timestamp"`
	TimestampISO string   `json:"timestamp_iso"`
	Data         any      `json:"data"`
}

type taleInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Action      string `json:"action"`
	SearchQuery string `json:"searchQuery,omitempty"`
}

type simpleData struct {
	Result string `json:"result"`
}

type searchData struct {
	Summary    string      `json:"summary"`
	EmailCount int         `json:"emailCount"`
	Emails     []emailJSON `json:"emails"`
}

type emailJSON struct {
	ID          string           `json:"id"`
	ThreadID    string           `json:"threadId"`
	Subject     string           `json:"subject"`
	From        string           `json:"from"`
	To          string           `json:"to"`
	Date        int64            `json:"date"`
	DateISO     string           `json:"date_iso"`
	Snippet     string           `json:"snippet"`
	Body        string           `json:"body"`
	Attachments []attachmentJSON `json:"attachments"`
}

type attachmentJSON struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	Data     string `json:"data,omitempty"`
}

// BuildPayload assembles the delivery envelope. Times are rendered in loc.
func BuildPayload(device string, t tale.Tale, r action.Result, now time.Time, loc *time.Location) Payload {
	if loc == nil {
		loc = time.Local
	}
	p := Payload{
		Source:       Source,
		Version:      Version,
		Device:       device,
		Tale:         taleInfo{ID: t.ID, Name: t.Name, Action: string(t.Action)},
		Timestamp:    now.UnixMilli(),
		TimestampISO: now.In(loc).Format(ISOLayout),
	}
	if t.Action == tale.ActionExternalSearch {
		p.Tale.SearchQuery = t.Query
	}

	if !r.IsAggregate() {
		p.Data = simpleData{Result: r.Text()}
		return p
	}
	emails := make([]emailJSON, 0, len(r.Items()))
	for _, it := range r.Items() {
		emails = append(emails, toEmailJSON(it, loc))
	}
	p.Data = searchData{Summary: r.Text(), EmailCount: r.Count(), Emails: emails}
	return p
}

func toEmailJSON(it action.Item, loc *time.Location) emailJSON {
	e := emailJSON{
		ID:          it.ID,
		ThreadID:    it.ThreadID,
		Subject:     it.Subject,
		From:        it.From,
		To:          it.To,
		Snippet:     it.Snippet,
		Body:        truncateChars(it.Body, maxBodyChars),
		Attachments: make([]attachmentJSON, 0, len(it.Attachments)),
	}
	if !it.Date.IsZero() {
		e.Date = it.Date.UnixMilli()
		e.DateISO = it.Date.In(loc).Format(ISOLayout)
	}
	for _, a := range it.Attachments {
		aj := attachmentJSON{Filename: a.Filename, MimeType: a.MimeType, Size: a.Size}
		if len(a.Data) > 0 && (isPDF(a) || a.Size < inlineAttachmentMax) {
			aj.Data = base64.StdEncoding.EncodeToString(a.Data)
		}
		e.Attachments = append(e.Attachments, aj)
	}
	return e
}

func isPDF(a action.Attachment) bool {
	return strings.EqualFold(a.MimeType, "application/pdf") ||
		strings.HasSuffix(strings.ToLower(a.Filename), ".pdf")
}

func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
