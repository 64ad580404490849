package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telly/internal/action"
	"telly/internal/tale"
	logx "telly/pkg/logx"
)

var testLoc = time.FixedZone("UTC+2", 2*60*60)

func TestDeliverPostsEnvelope(t *testing.T) {
	t.Parallel()

	var (
		gotBody map[string]any
		gotCT   string
		gotUA   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		gotUA = r.Header.Get("User-Agent")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	d := New(Config{Device: "bench", Location: testLoc}, logx.Nop())
	tl := tale.New("clock", tale.ActionTimeFetch, tale.Once())
	now := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)

	out := d.Deliver(context.Background(), srv.URL, tl, action.Simple("2024-01-02 05:04:05.006"), now)
	if out != "OK (201)" {
		t.Fatalf("Deliver() = %q, want OK (201)", out)
	}
	if gotCT != "application/json" || !strings.HasPrefix(gotUA, "Telly/1.0") {
		t.Fatalf("headers = %q / %q", gotCT, gotUA)
	}

	want := map[string]any{
		"source":        "telly",
		"version":       "1.0",
		"device":        "bench",
		"tale":          map[string]any{"id": tl.ID, "name": "clock", "action": "TIME"},
		"timestamp":     float64(now.UnixMilli()),
		"timestamp_iso": "2024-01-02T05:04:05.006+0200",
		"data":          map[string]any{"result": "2024-01-02 05:04:05.006"},
	}
	if diff := cmp.Diff(want, gotBody); diff != "" {
		t.Fatalf("payload mismatch (-want +got):\n%s", diff)
	}
}

func TestDeliverOutcomes(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	d := New(Config{Timeout: 2 * time.Second}, logx.Nop())
	tl := tale.New("x", tale.ActionTimeFetch, tale.Once())

	if out := d.Deliver(context.Background(), srv.URL, tl, action.Simple("r"), time.Now()); out != "Failed (502)" {
		t.Fatalf("Deliver(502) = %q", out)
	}

	closed := httptest.NewServer(http.NotFoundHandler())
	url := closed.URL
	closed.Close()
	if out := d.Deliver(context.Background(), url, tl, action.Simple("r"), time.Now()); !strings.HasPrefix(out, "Error: ") {
		t.Fatalf("Deliver(closed) = %q, want Error prefix", out)
	}

	if out := d.Deliver(context.Background(), "://bad", tl, action.Simple("r"), time.Now()); !strings.HasPrefix(out, "Error: ") {
		t.Fatalf("Deliver(bad url) = %q, want Error prefix", out)
	}
}

func TestBuildPayloadSearch(t *testing.T) {
	t.Parallel()

	tl := tale.New("inbox", tale.ActionExternalSearch, tale.DailyAt("08:00"))
	tl.Query = "has:attachment"
	date := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	big := make([]byte, 2<<20)

	items := []action.Item{{
		ID:       "m1",
		ThreadID: "t1",
		Subject:  "Invoice",
		From:     "a@example.com",
		To:       "b@example.com",
		Date:     date,
		Snippet:  "see attached",
		Body:     strings.Repeat("é", maxBodyChars+50),
		Attachments: []action.Attachment{
			{Filename: "small.txt", MimeType: "text/plain", Size: 3, Data: []byte("abc")},
			{Filename: "huge.bin", MimeType: "application/octet-stream", Size: int64(len(big)), Data: big},
			{Filename: "scan.PDF", MimeType: "application/octet-stream", Size: int64(len(big)), Data: big},
		},
	}}
	p := BuildPayload("dev", tl, action.Aggregate("Found 1 emails", 1, items), date, testLoc)

	if p.Tale.SearchQuery != "has:attachment" {
		t.Fatalf("searchQuery = %q", p.Tale.SearchQuery)
	}
	data, ok := p.Data.(searchData)
	if !ok {
		t.Fatalf("Data = %T, want searchData", p.Data)
	}
	if data.Summary != "Found 1 emails" || data.EmailCount != 1 || len(data.Emails) != 1 {
		t.Fatalf("data = %+v", data)
	}
	e := data.Emails[0]
	if n := len([]rune(e.Body)); n != maxBodyChars {
		t.Fatalf("body runes = %d, want %d", n, maxBodyChars)
	}
	if e.DateISO != "2024-01-01T12:00:00.000+0200" || e.Date != date.UnixMilli() {
		t.Fatalf("date = %d / %q", e.Date, e.DateISO)
	}
	if e.Attachments[0].Data != "YWJj" {
		t.Fatalf("small attachment data = %q", e.Attachments[0].Data)
	}
	if e.Attachments[1].Data != "" {
		t.Fatalf("large non-pdf attachment should not be inlined")
	}
	if e.Attachments[2].Data == "" {
		t.Fatalf("pdf attachment should be inlined")
	}
}
