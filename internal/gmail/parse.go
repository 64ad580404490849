package gmail

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	gm "google.golang.org/api/gmail/v1"

	"telly/internal/action"
)

const noSubject = "(No Subject)"

// decodeBody accepts base64url with or without padding.
func decodeBody(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func header(p *gm.MessagePart, name string) string {
	if p == nil {
		return ""
	}
	for _, h := range p.Headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// itemFromMessage maps the summary fields. Attachments are added by the
// caller since fetching them needs the API.
func itemFromMessage(m *gm.Message) action.Item {
	subject := header(m.Payload, "Subject")
	if strings.TrimSpace(subject) == "" {
		subject = noSubject
	}
	date := time.Now()
	if m.InternalDate > 0 {
		date = time.UnixMilli(m.InternalDate)
	}
	return action.Item{
		ID:       m.Id,
		ThreadID: m.ThreadId,
		Subject:  subject,
		From:     header(m.Payload, "From"),
		To:       header(m.Payload, "To"),
		Date:     date,
		Snippet:  m.Snippet,
		Body:     extractBody(m.Payload),
	}
}

// extractBody returns the first readable text: a text/* leaf, else a direct
// text/plain child, else a direct text/html child with markup removed, else
// the first non-blank result from recursing into children.
func extractBody(p *gm.MessagePart) string {
	if p == nil {
		return ""
	}
	if p.Body != nil && p.Body.Data != "" && strings.HasPrefix(p.MimeType, "text/") {
		b, err := decodeBody(p.Body.Data)
		if err != nil {
			return ""
		}
		if p.MimeType == "text/html" {
			return htmlText(string(b))
		}
		return string(b)
	}
	if len(p.Parts) == 0 {
		return ""
	}
	for _, mime := range []string{"text/plain", "text/html"} {
		for _, c := range p.Parts {
			if c == nil || c.MimeType != mime || c.Body == nil || c.Body.Data == "" {
				continue
			}
			b, err := decodeBody(c.Body.Data)
			if err != nil {
				continue
			}
			if mime == "text/html" {
				return htmlText(string(b))
			}
			return string(b)
		}
	}
	for _, c := range p.Parts {
		if body := extractBody(c); strings.TrimSpace(body) != "" {
			return body
		}
	}
	return ""
}

// htmlText drops markup, scripts and styles and collapses whitespace.
func htmlText(src string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return strings.Join(strings.Fields(src), " ")
	}
	doc.Find("script, style, head").Remove()

	var parts []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			parts = append(parts, n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// attachmentRef is an attachment part found in the MIME tree.
type attachmentRef struct {
	ID       string
	Filename string
	MimeType string
	Size     int64
}

func collectAttachments(p *gm.MessagePart, out []attachmentRef) []attachmentRef {
	if p == nil {
		return out
	}
	if strings.TrimSpace(p.Filename) != "" && p.Body != nil && p.Body.AttachmentId != "" {
		mime := p.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		out = append(out, attachmentRef{
			ID:       p.Body.AttachmentId,
			Filename: p.Filename,
			MimeType: mime,
			Size:     p.Body.Size,
		})
	}
	for _, c := range p.Parts {
		out = collectAttachments(c, out)
	}
	return out
}
