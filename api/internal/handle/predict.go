package handle

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"snapish/api/internal/assistant"
	"snapish/api/internal/auth"
	"snapish/api/internal/catch"
	"snapish/api/internal/detect"
	"snapish/api/internal/imaging"
	"snapish/api/internal/logging"
	"snapish/api/internal/pipeline"
)

type predictRequest struct {
	ImageBase64 string `json:"image_base64"`
}

type predictResponse struct {
	ID                 *int64             `json:"id,omitempty"`
	ImageURL           string             `json:"imageUrl,omitempty"`
	ImageBase64        string             `json:"image_base64,omitempty"`
	Detections         []detect.Detection `json:"detections"`
	AssistantRequestID *assistant.Handle  `json:"assistant_request_id"`
}

type emptyResponse struct {
	Error      string             `json:"error"`
	ErrorType  string             `json:"errorType"`
	Message    string             `json:"message"`
	Detections []detect.Detection `json:"detections"`
}

type inputError struct {
	code    string
	message string
}

func (e *inputError) Error() string { return e.message }

// Predict accepts a multipart "image" upload or a JSON {"image_base64"} body.
// A valid bearer token selects the persisted branches; ?catchId= updates an
// existing catch instead of creating one.
func (h *Handle) Predict(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	data, filename, err := h.readImage(r)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error":   "payload_too_large",
				"message": "the image exceeds the upload limit",
			})
			return
		}
		var ie *inputError
		if errors.As(err, &ie) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ie.code, "message": ie.message})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID, _ := auth.UserFromContext(r.Context())
	out, err := h.pipeline.Run(r.Context(), pipeline.Input{
		Image:     data,
		Filename:  filename,
		UserID:    userID,
		RecordRef: r.URL.Query().Get("catchId"),
	})
	if err != nil {
		h.predictError(w, r, err)
		return
	}

	if out.Outcome != detect.OutcomeDetected {
		msg := "No fish could be detected in the image."
		if out.Outcome == detect.OutcomeLowConfidence {
			msg = "The fish could not be identified with enough confidence."
		}
		writeJSON(w, http.StatusOK, emptyResponse{
			Error:      "detection_failed",
			ErrorType:  out.Outcome.String(),
			Message:    msg,
			Detections: []detect.Detection{},
		})
		return
	}

	resp := predictResponse{
		Detections:         out.Detections,
		AssistantRequestID: out.Assistant,
	}
	if res := out.Resolution; res != nil {
		if res.Plan.Kind == catch.Anonymous {
			resp.ImageBase64 = res.ImageBase64
		} else {
			id := res.RecordID
			resp.ID = &id
			resp.ImageURL = h.imageURL(res.ImageRef)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handle) readImage(r *http.Request) ([]byte, string, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			return nil, "", err
		}
		if f, hdr, err := r.FormFile("image"); err == nil {
			defer f.Close()
			if !imaging.AllowedFilename(hdr.Filename) {
				return nil, "", &inputError{"invalid_file_type", "unsupported file type, use png, jpg or jpeg"}
			}
			data, err := io.ReadAll(f)
			if err != nil {
				return nil, "", err
			}
			return data, hdr.Filename, nil
		}
		if b64 := r.FormValue("image_base64"); b64 != "" {
			return decodeBase64(b64)
		}
		// A file part sent with an empty filename is parsed as a plain value.
		if _, ok := r.MultipartForm.Value["image"]; ok {
			return nil, "", &inputError{"invalid_file_name", "no file was selected"}
		}
		return nil, "", &inputError{"invalid_image_formatting_error", "no image was uploaded"}
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, "", err
		}
		return nil, "", &inputError{"invalid_image_formatting_error", "request body is not valid JSON"}
	}
	return decodeBase64(req.ImageBase64)
}

func decodeBase64(s string) ([]byte, string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, "", &inputError{"invalid_image_formatting_error", "image_base64 is required"}
	}
	data, _, err := imaging.DecodeBase64(s)
	if err != nil {
		return nil, "", &inputError{"invalid_image_formatting_error", "image_base64 could not be decoded"}
	}
	return data, "", nil
}

func (h *Handle) predictError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, imaging.ErrUnsupportedFormat):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_file_type", "message": "unsupported image format"})
	case errors.Is(err, imaging.ErrCorruptImage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_file_open", "message": "the image could not be read"})
	case errors.Is(err, catch.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "Catch not found")
	case errors.Is(err, detect.ErrInference):
		logging.Ctx(r.Context()).Error().Err(err).Msg("detector unavailable")
		writeError(w, http.StatusBadGateway, "detection backend unavailable")
	case errors.Is(err, catch.ErrPersistence):
		writeError(w, http.StatusInternalServerError, "failed to save catch")
	default:
		logging.Ctx(r.Context()).Error().Err(err).Msg("predict failed")
		writeError(w, http.StatusInternalServerError, "error while processing the image")
	}
}
