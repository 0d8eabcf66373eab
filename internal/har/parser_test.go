package har

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/internal/filter"
)

const sampleHAR = `{"log":{"entries":[
 {"startedDateTime":"2024-05-01T10:00:02.000Z","time":120.5,
  "request":{"method":"get","url":"https://api.example.com/users/42?x=1"},
  "response":{"status":200,"content":{"mimeType":"application/json","size":10}}},
 {"startedDateTime":"2024-05-01T10:00:00.000Z","time":3000,
  "request":{"method":"POST","url":"https://api.example.com/orders"},
  "response":{"status":503,"content":{"mimeType":"text/plain"}}},
 {"startedDateTime":"2024-05-01T10:00:01.000Z","time":4,
  "request":{"method":"GET","url":"https://api.example.com/static/app.js"},
  "response":{"status":200,"content":{"mimeType":"application/javascript"}}}
]}}`

func defaultFilter() *filter.Filter {
	c := &config.Config{}
	c.SetDefaults()
	return filter.New(c.Filter)
}

func TestParseReader(t *testing.T) {
	ms, err := ParseReader(strings.NewReader(sampleHAR), defaultFilter())
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 2 {
		t.Fatalf("expected 2 tracked calls, got %d", len(ms))
	}
	// ordered by completion: the slow POST finishes last
	if ms[0].Endpoint != "GET /users/:id" || !ms[0].Success || ms[0].DurationMs != 120 {
		t.Fatalf("unexpected first call: %+v", ms[0])
	}
	if ms[0].Metadata["host"] != "api.example.com" {
		t.Fatalf("host not captured: %+v", ms[0].Metadata)
	}
	if ms[1].Endpoint != "POST /orders" || ms[1].Success {
		t.Fatalf("expected failing POST /orders last, got %+v", ms[1])
	}
}

func TestParseWithoutFilterKeepsAll(t *testing.T) {
	ms, err := ParseReader(strings.NewReader(sampleHAR), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(ms))
	}
}

func TestParseFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.har")
	if err := os.WriteFile(p, []byte(`{"log":{"entries":[]}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	ms, err := Parse(p, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) != 0 {
		t.Fatalf("expected no calls")
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse(filepath.Join(t.TempDir(), "not-exist.har"), nil); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := ParseReader(strings.NewReader("{"), nil); err == nil {
		t.Fatalf("expected error for malformed json")
	}
	bad := `{"log":{"entries":[{"startedDateTime":"yesterday","request":{"method":"GET","url":"/"}}]}}`
	if _, err := ParseReader(strings.NewReader(bad), nil); err == nil {
		t.Fatalf("expected error for bad timestamp")
	}
}
