package openai

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"snapish/api/internal/assistant"
)

func fakeAssistantsAPI(t *testing.T) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	check := func(r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "assistants=v2" {
			t.Errorf("OpenAI-Beta = %q", got)
		}
	}
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		io.WriteString(w, `{"id":"thread_abc","object":"thread"}`)
	})
	mux.HandleFunc("POST /threads/thread_abc/messages", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode message: %v", err)
		}
		if body["role"] != "user" || body["content"] != "참돔" {
			t.Errorf("message body = %v", body)
		}
		io.WriteString(w, `{"id":"msg_1"}`)
	})
	mux.HandleFunc("POST /threads/thread_abc/runs", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["assistant_id"] != "asst_1" {
			t.Errorf("assistant_id = %q", body["assistant_id"])
		}
		io.WriteString(w, `{"id":"run_xyz","status":"queued"}`)
	})
	mux.HandleFunc("GET /threads/thread_abc/runs/run_xyz", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		if polls.Add(1) < 3 {
			io.WriteString(w, `{"id":"run_xyz","status":"in_progress"}`)
			return
		}
		io.WriteString(w, `{"id":"run_xyz","status":"completed"}`)
	})
	mux.HandleFunc("GET /threads/thread_abc/messages", func(w http.ResponseWriter, r *http.Request) {
		check(r)
		if r.URL.Query().Get("order") != "desc" {
			t.Errorf("order = %q, want desc", r.URL.Query().Get("order"))
		}
		io.WriteString(w, `{"data":[
			{"role":"assistant","content":[{"type":"text","text":{"value":"참돔은 농어목 도미과입니다. 맛이 좋습니다【1:2†guide.pdf】."}}]},
			{"role":"user","content":[{"type":"text","text":{"value":"참돔"}}]}
		]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLaunchAndWait(t *testing.T) {
	srv := fakeAssistantsAPI(t)
	c := assistant.New(New("sk-test", "asst_1", srv.URL), time.Millisecond, 5*time.Second)

	h, err := c.Launch(context.Background(), "참돔")
	if err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if h.ThreadID != "thread_abc" || h.RunID != "run_xyz" {
		t.Fatalf("Launch() = %+v", h)
	}

	got, err := c.Wait(context.Background(), h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := "참돔은 농어목 도미과입니다.\n맛이 좋습니다."
	if got != want {
		t.Errorf("Wait() = %q, want %q", got, want)
	}
}

func TestErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Incorrect API key provided"}}`)
	}))
	defer srv.Close()

	_, err := New("sk-bad", "asst_1", srv.URL).CreateThread(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("CreateThread() error = %v, want 401", err)
	}
}

func TestMissingKey(t *testing.T) {
	if _, err := New("", "asst_1", "http://127.0.0.1:0").CreateThread(context.Background()); err == nil {
		t.Error("CreateThread() without key should fail")
	}
}
