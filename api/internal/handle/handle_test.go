package handle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"snapish/api/internal/assistant"
	"snapish/api/internal/auth"
	"snapish/api/internal/catch"
	"snapish/api/internal/detect"
	"snapish/api/internal/imaging"
	"snapish/api/internal/pipeline"
)

type fakePredictor struct {
	out *pipeline.Output
	err error
	got pipeline.Input
}

func (f *fakePredictor) Run(_ context.Context, in pipeline.Input) (*pipeline.Output, error) {
	f.got = in
	return f.out, f.err
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = fw.Write(data)
	_ = mw.Close()
	return &body, mw.FormDataContentType()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPredictErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unsupported", fmt.Errorf("%w: x.bmp", imaging.ErrUnsupportedFormat), http.StatusBadRequest, "invalid_file_type"},
		{"corrupt", fmt.Errorf("%w: eof", imaging.ErrCorruptImage), http.StatusBadRequest, "invalid_file_open"},
		{"unknown catch", catch.ErrRecordNotFound, http.StatusNotFound, "Catch not found"},
		{"detector down", fmt.Errorf("%w: 503", detect.ErrInference), http.StatusBadGateway, "detection backend unavailable"},
		{"persistence", fmt.Errorf("%w: disk full", catch.ErrPersistence), http.StatusInternalServerError, "failed to save catch"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "error while processing the image"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(Deps{Pipeline: &fakePredictor{err: tt.err}})
			body, ct := multipartBody(t, "fish.jpg", []byte{0xFF, 0xD8, 0xFF})
			req := httptest.NewRequest(http.MethodPost, "/backend/predict", body)
			req.Header.Set("Content-Type", ct)
			rec := httptest.NewRecorder()

			h.Predict(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if got := decode(t, rec)["error"]; got != tt.code {
				t.Errorf("error = %v, want %q", got, tt.code)
			}
		})
	}
}

func TestPredictPassesIdentityAndRef(t *testing.T) {
	fp := &fakePredictor{out: &pipeline.Output{
		Outcome:    detect.OutcomeDetected,
		Detections: []detect.Detection{{Label: "참돔", Confidence: 0.9}},
		Resolution: &catch.Resolution{
			Plan:     catch.Plan{Kind: catch.UpdateExisting, UserID: 3, RecordID: 12},
			RecordID: 12,
			ImageRef: "abc.jpg",
		},
	}}
	h := New(Deps{Pipeline: fp, PublicURL: "https://snapish.example/"})
	req := httptest.NewRequest(http.MethodPost, "/backend/predict?catchId=12",
		strings.NewReader(`{"image_base64":"data:image/png;base64,iVBORw0KGgo="}`))
	req = req.WithContext(auth.WithUser(req.Context(), 3))
	rec := httptest.NewRecorder()

	h.Predict(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if fp.got.UserID != 3 || fp.got.RecordRef != "12" || len(fp.got.Image) == 0 {
		t.Errorf("pipeline input = %+v", fp.got)
	}
	out := decode(t, rec)
	if out["id"] != float64(12) || out["imageUrl"] != "https://snapish.example/uploads/abc.jpg" {
		t.Errorf("response = %v", out)
	}
	if v, ok := out["assistant_request_id"]; !ok || v != nil {
		t.Errorf("assistant_request_id = %v, want explicit null", v)
	}
}

func TestPredictInputErrors(t *testing.T) {
	h := New(Deps{Pipeline: &fakePredictor{}, MaxUploadBytes: 1 << 10})

	body, ct := multipartBody(t, "", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/backend/predict", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Predict(rec, req)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "invalid_file_name" {
		t.Errorf("unnamed upload = %d %s", rec.Code, rec.Body.String())
	}

	body, ct = multipartBody(t, "big.png", bytes.Repeat([]byte("a"), 4<<10))
	req = httptest.NewRequest(http.MethodPost, "/backend/predict", body)
	req.Header.Set("Content-Type", ct)
	rec = httptest.NewRecorder()
	h.Predict(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge || decode(t, rec)["error"] != "payload_too_large" {
		t.Errorf("oversized upload = %d %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/backend/predict", strings.NewReader(`{"image_base64": 12`))
	rec = httptest.NewRecorder()
	h.Predict(rec, req)
	if rec.Code != http.StatusBadRequest || decode(t, rec)["error"] != "invalid_image_formatting_error" {
		t.Errorf("bad json = %d %s", rec.Code, rec.Body.String())
	}
}

type errPoller struct{ err error }

func (p errPoller) Wait(context.Context, assistant.Handle) (string, error) { return "", p.err }

func chatRequest(h *Handle) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Get("/backend/chat/{threadID}/{runID}", h.ChatResult)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/backend/chat/t/r", nil))
	return rec
}

func TestChatResultDisabledAndBadHandle(t *testing.T) {
	if rec := chatRequest(New(Deps{})); rec.Code != http.StatusNotFound {
		t.Errorf("disabled assistant = %d, want 404", rec.Code)
	}
	rec := chatRequest(New(Deps{Assistant: errPoller{assistant.ErrBadHandle}}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad handle = %d, want 400", rec.Code)
	}
}

func TestImageURL(t *testing.T) {
	tests := []struct {
		base, ref, want string
	}{
		{"", "a.jpg", "a.jpg"},
		{"https://x.test", "a.jpg", "https://x.test/uploads/a.jpg"},
		{"https://x.test/", "a.jpg", "https://x.test/uploads/a.jpg"},
		{"https://x.test", "", ""},
	}
	for _, tt := range tests {
		h := New(Deps{PublicURL: tt.base})
		if got := h.imageURL(tt.ref); got != tt.want {
			t.Errorf("imageURL(%q) with base %q = %q, want %q", tt.ref, tt.base, got, tt.want)
		}
	}
}
