package overpass

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dokzlo13/osmwatch/internal/definition"
	"github.com/dokzlo13/osmwatch/internal/element"
)

const nodeBody = `{
  "version": 0.6,
  "generator": "Overpass API 0.7.62",
  "osm3s": {
    "timestamp_osm_base": "2026-01-01T00:00:00Z"
  },
  "elements": [
{
  "type": "node",
  "id": 100,
  "lat": 48.1,
  "lon": 11.5
}
  ]
}
`

func newServer(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{Endpoint: srv.URL, Timeout: 5 * time.Second})
}

func TestFetchSnapshot_Success(t *testing.T) {
	var gotQuery, gotUA string
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		gotQuery = r.FormValue("data")
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(nodeBody))
	})

	body, err := c.FetchSnapshot(context.Background(), element.Identity{Kind: element.KindNode, ID: 100})
	if err != nil {
		t.Fatalf("FetchSnapshot: %v", err)
	}
	if string(body) != nodeBody {
		t.Errorf("body = %q", body)
	}
	if gotQuery != "[out:json][timeout:5];node(100);(._;>;);out;" {
		t.Errorf("query = %q", gotQuery)
	}
	if gotUA != "osmwatch/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
}

func TestFetchSnapshot_Failures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		service bool
	}{
		{"http_500", http.StatusInternalServerError, "boom", true},
		{"too_many_requests", http.StatusTooManyRequests, "slow down", true},
		{"html_error_page", http.StatusOK, "<html><body>runtime error</body></html>", true},
		{"remark_error", http.StatusOK, `{"elements": [], "remark": "runtime error: Query timed out in \"query\" at line 1 after 2 seconds."}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := c.FetchSnapshot(context.Background(), element.Identity{Kind: element.KindWay, ID: 1})
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrServiceError) != tt.service {
				t.Errorf("errors.Is(ErrServiceError) = %v, err = %v", !tt.service, err)
			}
		})
	}
}

func TestFetchSnapshot_EmptyElementsIsValid(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"elements": [], "remark": "no data"}`))
	})
	if _, err := c.FetchSnapshot(context.Background(), element.Identity{Kind: element.KindNode, ID: 1}); err != nil {
		t.Errorf("empty element list should be accepted: %v", err)
	}
}

func TestFetchSnapshot_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, Timeout: 100 * time.Millisecond})
	if _, err := c.FetchSnapshot(context.Background(), element.Identity{Kind: element.KindNode, ID: 1}); err == nil {
		t.Error("expected timeout error")
	}
}

func TestFetchSnapshot_MaxBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"elements": [` + strings.Repeat(" ", 100) + `]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{Endpoint: srv.URL, MaxBytes: 50})
	_, err := c.FetchSnapshot(context.Background(), element.Identity{Kind: element.KindNode, ID: 1})
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Errorf("err = %v", err)
	}
}

func TestFetchIDSet_Literal(t *testing.T) {
	c := NewClient(Config{Endpoint: "http://127.0.0.1:1"})
	def := &definition.Definition{
		Title:  "Fountains",
		Kind:   element.KindNode,
		Method: definition.MethodIDs,
		IDs:    []int64{200, 100, 200},
	}
	ids, err := c.FetchIDSet(context.Background(), def)
	if err != nil {
		t.Fatalf("FetchIDSet: %v", err)
	}
	want := []element.Identity{{Kind: element.KindNode, ID: 200}, {Kind: element.KindNode, ID: 100}}
	if len(ids) != len(want) || ids[0] != want[0] || ids[1] != want[1] {
		t.Errorf("ids = %v, want %v", ids, want)
	}
}

func TestFetchIDSet_Query(t *testing.T) {
	const query = `[out:csv(::id)];way["historic"="castle"](47.0,11.0,48.0,12.0);out ids;`
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.FormValue("data"); got != query {
			t.Errorf("query = %q", got)
		}
		w.Write([]byte("@id\n30\n10\n20\n"))
	})

	def := &definition.Definition{Title: "Castles", Kind: element.KindWay, Method: definition.MethodQuery, Query: query}
	ids, err := c.FetchIDSet(context.Background(), def)
	if err != nil {
		t.Fatalf("FetchIDSet: %v", err)
	}
	var got []int64
	for _, id := range ids {
		if id.Kind != element.KindWay {
			t.Errorf("kind = %s", id.Kind)
		}
		got = append(got, id.ID)
	}
	if len(got) != 3 || got[0] != 30 || got[1] != 10 || got[2] != 20 {
		t.Errorf("ids = %v", got)
	}
}

func TestFetchIDSet_QueryFailure(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	def := &definition.Definition{Title: "x", Kind: element.KindNode, Method: definition.MethodQuery, Query: "q"}
	if _, err := c.FetchIDSet(context.Background(), def); !errors.Is(err, ErrServiceError) {
		t.Errorf("err = %v", err)
	}
}

func TestParseIDList(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []int64
		wantErr bool
	}{
		{"with_header", "@id\n1\n2\n", []int64{1, 2}, false},
		{"no_header", "1\n2", []int64{1, 2}, false},
		{"blank_lines", "@id\n\n3\r\n\n", []int64{3}, false},
		{"empty", "", nil, false},
		{"garbage", "@id\n1\nerror: runtime\n", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseIDList([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestClient_RequestsPerMinute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(nodeBody))
	}))
	defer srv.Close()
	c := NewClient(Config{Endpoint: srv.URL, Timeout: 5 * time.Second, RequestsPerMinute: 600})

	id := element.Identity{Kind: element.KindNode, ID: 100}
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.FetchSnapshot(context.Background(), id); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("three requests at 600/min took %v, want at least 200ms", elapsed)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.FetchSnapshot(ctx, id); err == nil {
		t.Error("cancelled context should fail the wait")
	}
}
