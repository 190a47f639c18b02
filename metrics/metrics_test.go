package metrics

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestEncodeLineFormatsTagsAndFields(t *testing.T) {
	at := time.Unix(0, 1700000000000000000)
	line := encodeLine("ping", map[string]string{"instance": "vm1"}, map[string]any{"rtt_ms": 1.5, "ok": true}, at)
	want := `ping,instance=vm1 ok=true,rtt_ms=1.5 1700000000000000000`
	if line != want {
		t.Fatalf("encodeLine() = %q, want %q", line, want)
	}
}

func TestInfluxLineSinkPostsToWriteEndpoint(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	host, port := splitHostPort(t, srv.URL)
	sink := NewInfluxLineSink(Config{Host: host, Port: port, Database: "testbed"})

	if err := sink.Write("ping", nil, map[string]any{"rtt_ms": 2.0}, time.Now()); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if gotPath != "/write" {
		t.Fatalf("path = %q, want /write", gotPath)
	}
	if gotQuery != "db=testbed" {
		t.Fatalf("query = %q, want db=testbed", gotQuery)
	}
}

func TestNewInfluxLineSinkWithNoHostIsNoop(t *testing.T) {
	sink := NewInfluxLineSink(Config{})
	if _, ok := sink.(NoopSink); !ok {
		t.Fatalf("expected NoopSink for empty config, got %T", sink)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, string) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), u.Port()
}
