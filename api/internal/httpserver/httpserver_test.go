package httpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"snapish/api/internal/assistant"
	"snapish/api/internal/auth"
	"snapish/api/internal/catch"
	"snapish/api/internal/detect"
	"snapish/api/internal/filestore"
	"snapish/api/internal/handle"
	"snapish/api/internal/imaging"
	"snapish/api/internal/pipeline"
	"snapish/api/internal/store"
)

type stubModel struct{ cands []detect.Candidate }

func (m *stubModel) Name() string { return "stub" }

func (m *stubModel) Infer(context.Context, *imaging.Image) ([]detect.Candidate, error) {
	return m.cands, nil
}

type stubLauncher struct{}

func (stubLauncher) Launch(context.Context, string) (assistant.Handle, error) {
	return assistant.Handle{ThreadID: "thread_9", RunID: "run_9"}, nil
}

type stubPoller struct {
	text string
	err  error
}

func (p stubPoller) Wait(context.Context, assistant.Handle) (string, error) { return p.text, p.err }

type apiEnv struct {
	srv    *httptest.Server
	model  *stubModel
	jwt    *auth.JWTManager
	dbDown atomic.Bool
	poller stubPoller
}

// newAPI serves the full router over SQLite and a temp upload dir. opts run
// before the server starts.
func newAPI(t *testing.T, opts ...func(*apiEnv)) *apiEnv {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.SQLite, filepath.Join(t.TempDir(), "api.db"), store.PoolConfig{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(ctx, db, store.SQLite); err != nil {
		t.Fatal(err)
	}
	files, err := filestore.NewDisk(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	repo := store.NewCatchRepo(db, store.SQLite)
	jm, err := auth.NewJWTManager("api-test-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	env := &apiEnv{
		model:  &stubModel{cands: []detect.Candidate{{ClassID: 10, Confidence: 0.87, Box: detect.Box{2, 3, 40, 30}}}},
		jwt:    jm,
		poller: stubPoller{text: "돌돔은 암초 지대에 삽니다."},
	}
	for _, o := range opts {
		o(env)
	}
	svc := pipeline.New(
		imaging.NewNormalizer(imaging.DefaultMaxSide, imaging.DefaultQuality),
		detect.New(env.model, detect.DefaultThreshold),
		catch.NewResolver(repo, files),
		stubLauncher{},
		pipeline.Options{LaunchTimeout: time.Second, LaunchWait: time.Second},
	)
	h := handle.New(handle.Deps{
		Pipeline:  svc,
		Assistant: env.poller,
		Catches:   repo,
		Checks: []handle.Check{
			{Name: "database", Fn: func(context.Context) error {
				if env.dbDown.Load() {
					return errors.New("connection refused")
				}
				return nil
			}},
		},
		MaxUploadBytes: 1 << 20,
	})
	env.srv = httptest.NewServer(NewRouter(h, jm, files.Handler(), Options{CORSOrigins: []string{"*"}, RateLimit: 100}))
	t.Cleanup(env.srv.Close)
	return env
}

func pngPhoto(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 80, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 80; x++ {
			img.Set(x, y, color.RGBA{R: 20, G: uint8(x * 3), B: uint8(y * 4), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func (e *apiEnv) do(t *testing.T, method, path, token, contentType string, body io.Reader) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (e *apiEnv) upload(t *testing.T, path, token, filename string, data []byte) (*http.Response, map[string]any) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()
	return e.do(t, http.MethodPost, path, token, mw.FormDataContentType(), &body)
}

func (e *apiEnv) token(t *testing.T, userID int64) string {
	t.Helper()
	tok, err := e.jwt.Issue(userID)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestPredictAnonymous(t *testing.T) {
	e := newAPI(t)
	resp, out := e.upload(t, "/backend/predict", "", "fish.png", pngPhoto(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	if _, ok := out["id"]; ok {
		t.Errorf("anonymous response has id: %v", out)
	}
	b64, _ := out["image_base64"].(string)
	if data, err := base64.StdEncoding.DecodeString(b64); err != nil || len(data) < 3 || data[0] != 0xFF || data[1] != 0xD8 {
		t.Errorf("image_base64 is not a JPEG")
	}
	dets, _ := out["detections"].([]any)
	if len(dets) != 1 || dets[0].(map[string]any)["label"] != "돌돔" {
		t.Errorf("detections = %v", out["detections"])
	}
	pair, _ := out["assistant_request_id"].([]any)
	if len(pair) != 2 || pair[0] != "thread_9" || pair[1] != "run_9" {
		t.Errorf("assistant_request_id = %v", out["assistant_request_id"])
	}
}

func TestPredictAuthenticatedFlow(t *testing.T) {
	e := newAPI(t)
	tok := e.token(t, 21)

	payload, _ := json.Marshal(map[string]string{"image_base64": base64.StdEncoding.EncodeToString(pngPhoto(t))})
	resp, out := e.do(t, http.MethodPost, "/backend/predict", tok, "application/json", bytes.NewReader(payload))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	id, _ := out["id"].(float64)
	ref, _ := out["imageUrl"].(string)
	if id <= 0 || ref == "" {
		t.Fatalf("response = %v", out)
	}
	if _, ok := out["image_base64"]; ok {
		t.Error("persisted response should not inline the image")
	}

	img, err := http.Get(e.srv.URL + "/uploads/" + ref)
	if err != nil {
		t.Fatal(err)
	}
	img.Body.Close()
	if img.StatusCode != http.StatusOK || img.Header.Get("Cache-Control") != "public, max-age=31536000" {
		t.Errorf("GET upload = %d %q", img.StatusCode, img.Header.Get("Cache-Control"))
	}

	resp, out = e.do(t, http.MethodGet, "/backend/get-detections?imageUrl="+ref, tok, "", nil)
	if resp.StatusCode != http.StatusOK || out["imageUrl"] != ref {
		t.Errorf("get-detections = %d %v", resp.StatusCode, out)
	}
	resp, _ = e.do(t, http.MethodGet, "/backend/get-detections?imageUrl="+ref, e.token(t, 22), "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get-detections for another user = %d, want 404", resp.StatusCode)
	}

	// A second photo overwrites the same catch.
	path := "/backend/predict?catchId=" + strconv.FormatInt(int64(id), 10)
	resp, out = e.upload(t, path, tok, "again.jpg", jpegPhoto(t))
	if resp.StatusCode != http.StatusOK || out["id"].(float64) != id || out["imageUrl"] == ref {
		t.Errorf("update predict = %d %v", resp.StatusCode, out)
	}

	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/catches", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	lr, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer lr.Body.Close()
	var list []map[string]any
	if err := json.NewDecoder(lr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("GET /catches = %d items, want 1", len(list))
	}
}

func jpegPhoto(t *testing.T) []byte {
	t.Helper()
	img, err := imaging.NewNormalizer(64, 80).Normalize(pngPhoto(t), "")
	if err != nil {
		t.Fatal(err)
	}
	return img.Data
}

func TestPredictErrors(t *testing.T) {
	e := newAPI(t)
	tok := e.token(t, 5)

	resp, out := e.upload(t, "/backend/predict", "", "fish.gif", []byte("GIF89a"))
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "invalid_file_type" {
		t.Errorf("gif upload = %d %v", resp.StatusCode, out)
	}

	resp, out = e.upload(t, "/backend/predict", "", "fish.png", []byte("\x89PNG\r\n\x1a\nbroken"))
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "invalid_file_open" {
		t.Errorf("corrupt upload = %d %v", resp.StatusCode, out)
	}

	resp, out = e.do(t, http.MethodPost, "/backend/predict", "", "application/json", strings.NewReader(`{}`))
	if resp.StatusCode != http.StatusBadRequest || out["error"] != "invalid_image_formatting_error" {
		t.Errorf("missing base64 = %d %v", resp.StatusCode, out)
	}

	resp, out = e.upload(t, "/backend/predict?catchId=999", tok, "fish.png", pngPhoto(t))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown catchId = %d %v", resp.StatusCode, out)
	}
}

func TestPredictEmptyDetections(t *testing.T) {
	tests := []struct {
		name  string
		cands []detect.Candidate
		want  string
	}{
		{"nothing", nil, "no_detection"},
		{"below threshold", []detect.Candidate{{ClassID: 1, Confidence: 0.3}}, "low_confidence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newAPI(t, func(e *apiEnv) { e.model.cands = tt.cands })
			resp, out := e.upload(t, "/backend/predict", e.token(t, 1), "fish.png", pngPhoto(t))
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if out["error"] != "detection_failed" || out["errorType"] != tt.want || out["message"] == "" {
				t.Errorf("body = %v", out)
			}
			if dets, ok := out["detections"].([]any); !ok || len(dets) != 0 {
				t.Errorf("detections = %v, want []", out["detections"])
			}
		})
	}
}

func TestCatchesRequireAuth(t *testing.T) {
	e := newAPI(t)
	for _, p := range []string{"/catches", "/catches/1", "/backend/get-detections?imageUrl=x.jpg"} {
		resp, _ := e.do(t, http.MethodGet, p, "", "", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", p, resp.StatusCode)
		}
	}
}

func TestCatchCRUD(t *testing.T) {
	e := newAPI(t)
	tok := e.token(t, 9)

	resp, out := e.do(t, http.MethodPost, "/catches", tok, "application/json",
		strings.NewReader(`{"imageUrl":"/uploads/manual.jpg","catch_date":"2024-04-02","memo":"first"}`))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /catches = %d %v", resp.StatusCode, out)
	}
	id := strconv.FormatInt(int64(out["id"].(float64)), 10)
	if out["imageUrl"] != "manual.jpg" || out["catch_date"] != "2024-04-02" {
		t.Errorf("created = %v", out)
	}

	resp, out = e.do(t, http.MethodPut, "/catches/"+id, tok, "application/json", strings.NewReader(`{"weight_kg": 1000}`))
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(out["error"].(string), "weight_kg") {
		t.Errorf("invalid PUT = %d %v", resp.StatusCode, out)
	}

	resp, out = e.do(t, http.MethodPut, "/catches/"+id, tok, "application/json",
		strings.NewReader(`{"weight_kg": 1.25, "latitude": 34.7, "longitude": 127.7}`))
	if resp.StatusCode != http.StatusOK || out["weight_kg"] != 1.25 || out["memo"] != "first" {
		t.Errorf("PUT = %d %v", resp.StatusCode, out)
	}

	resp, _ = e.do(t, http.MethodPut, "/catches/"+id, e.token(t, 10), "application/json", strings.NewReader(`{"memo":"x"}`))
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("PUT by other user = %d, want 404", resp.StatusCode)
	}

	resp, _ = e.do(t, http.MethodDelete, "/catches/"+id, tok, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE = %d", resp.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/catches/"+id, tok, "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", resp.StatusCode)
	}
}

func TestDeleteCatchKeepsSharedImage(t *testing.T) {
	e := newAPI(t)
	owner, other := e.token(t, 31), e.token(t, 32)

	resp, out := e.upload(t, "/backend/predict", owner, "fish.png", pngPhoto(t))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("predict = %d %v", resp.StatusCode, out)
	}
	ref, _ := out["imageUrl"].(string)

	body := `{"imageUrl":"` + ref + `"}`
	resp, out = e.do(t, http.MethodPost, "/catches", other, "application/json", strings.NewReader(body))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /catches = %d %v", resp.StatusCode, out)
	}
	id := strconv.FormatInt(int64(out["id"].(float64)), 10)
	resp, _ = e.do(t, http.MethodDelete, "/catches/"+id, other, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE = %d", resp.StatusCode)
	}

	img, err := http.Get(e.srv.URL + "/uploads/" + ref)
	if err != nil {
		t.Fatal(err)
	}
	img.Body.Close()
	if img.StatusCode != http.StatusOK {
		t.Errorf("GET %s after another user's delete = %d, want 200", ref, img.StatusCode)
	}
	resp, _ = e.do(t, http.MethodGet, "/backend/get-detections?imageUrl="+ref, owner, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("owner's get-detections = %d, want 200", resp.StatusCode)
	}
}

func TestChatResult(t *testing.T) {
	tests := []struct {
		name   string
		poller stubPoller
		status int
		want   string
	}{
		{"success", stubPoller{text: "guide"}, http.StatusOK, "Success"},
		{"no reply", stubPoller{err: assistant.ErrNoReply}, http.StatusNotFound, "No response from assistant"},
		{"timeout", stubPoller{err: assistant.ErrTimeout}, http.StatusRequestTimeout, "Assistant response timed out"},
		{"failed", stubPoller{err: assistant.ErrRunFailed}, http.StatusInternalServerError, "Assistant run failed"},
		{"other", stubPoller{err: errors.New("network")}, http.StatusInternalServerError, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newAPI(t, func(e *apiEnv) { e.poller = tt.poller })
			resp, out := e.do(t, http.MethodGet, "/backend/chat/thread_9/run_9", "", "", nil)
			if resp.StatusCode != tt.status || out["status"] != tt.want {
				t.Errorf("GET chat = %d %v", resp.StatusCode, out)
			}
			if tt.status == http.StatusOK && out["data"] != "guide" {
				t.Errorf("data = %v", out["data"])
			}
		})
	}
}

func TestHealthz(t *testing.T) {
	e := newAPI(t)
	resp, out := e.do(t, http.MethodGet, "/healthz", "", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" {
		t.Errorf("healthz = %d %v", resp.StatusCode, out)
	}
	e.dbDown.Store(true)
	resp, out = e.do(t, http.MethodGet, "/healthz", "", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || out["status"] != "degraded" {
		t.Errorf("healthz = %d %v", resp.StatusCode, out)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not echoed")
	}
}
