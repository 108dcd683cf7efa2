package handle

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"snapish/api/internal/auth"
	"snapish/api/internal/detect"
	"snapish/api/internal/filestore"
	"snapish/api/internal/logging"
	"snapish/api/internal/store"
	"snapish/api/internal/validation"
)

const dateLayout = "2006-01-02"

type catchJSON struct {
	ID         int64              `json:"id"`
	ImageURL   string             `json:"imageUrl"`
	Detections []detect.Detection `json:"detections"`
	CatchDate  string             `json:"catch_date"`
	WeightKg   *float64           `json:"weight_kg"`
	LengthCm   *float64           `json:"length_cm"`
	Latitude   *float64           `json:"latitude"`
	Longitude  *float64           `json:"longitude"`
	Memo       string             `json:"memo"`
}

func (h *Handle) toJSON(c *store.Catch) catchJSON {
	dets := c.Detections
	if dets == nil {
		dets = []detect.Detection{}
	}
	return catchJSON{
		ID:         c.ID,
		ImageURL:   h.imageURL(c.ImageRef),
		Detections: dets,
		CatchDate:  c.CaughtAt.Format(dateLayout),
		WeightKg:   c.WeightKg,
		LengthCm:   c.LengthCm,
		Latitude:   c.Latitude,
		Longitude:  c.Longitude,
		Memo:       c.Memo,
	}
}

// catchPayload is the body of POST /catches and PUT /catches/{id}.
// Absent fields are left unchanged on update.
type catchPayload struct {
	ImageURL   *string            `json:"imageUrl" validate:"omitempty,max=512"`
	Detections []detect.Detection `json:"detections" validate:"omitempty,max=100"`
	CatchDate  *string            `json:"catch_date" validate:"omitempty,datetime=2006-01-02"`
	WeightKg   *float64           `json:"weight_kg" validate:"omitempty,gte=0,lte=999.999"`
	LengthCm   *float64           `json:"length_cm" validate:"omitempty,gte=0,lte=999.99"`
	Latitude   *float64           `json:"latitude" validate:"omitempty,latitude"`
	Longitude  *float64           `json:"longitude" validate:"omitempty,longitude"`
	Memo       *string            `json:"memo" validate:"omitempty,max=1000"`
}

func (p *catchPayload) caughtAt() *time.Time {
	if p.CatchDate == nil {
		return nil
	}
	t, err := time.Parse(dateLayout, *p.CatchDate)
	if err != nil {
		return nil
	}
	return &t
}

func decodePayload(w http.ResponseWriter, r *http.Request) (*catchPayload, bool) {
	var p catchPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "bad json: "+err.Error())
		return nil, false
	}
	if err := validation.Struct(&p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return &p, true
}

func catchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusNotFound, "Catch not found")
		return 0, false
	}
	return id, true
}

func (h *Handle) ListCatches(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	list, err := h.catches.List(r.Context(), userID)
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("user_id", userID).Msg("list catches")
		writeError(w, http.StatusInternalServerError, "failed to load catches")
		return
	}
	out := make([]catchJSON, len(list))
	for i := range list {
		out[i] = h.toJSON(&list[i])
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handle) GetCatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	id, ok := catchID(w, r)
	if !ok {
		return
	}
	c, err := h.catches.Get(r.Context(), id, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Catch not found")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("catch_id", id).Msg("get catch")
		writeError(w, http.StatusInternalServerError, "failed to load catch")
		return
	}
	writeJSON(w, http.StatusOK, h.toJSON(c))
}

func (h *Handle) CreateCatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	p, ok := decodePayload(w, r)
	if !ok {
		return
	}
	c := &store.Catch{
		UserID:     userID,
		Detections: p.Detections,
		WeightKg:   p.WeightKg,
		LengthCm:   p.LengthCm,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
	}
	if p.ImageURL != nil {
		c.ImageRef = filestore.RefFromURL(*p.ImageURL)
	}
	if at := p.caughtAt(); at != nil {
		c.CaughtAt = *at
	}
	if p.Memo != nil {
		c.Memo = *p.Memo
	}
	if _, err := h.catches.Create(r.Context(), c); err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("user_id", userID).Msg("create catch")
		writeError(w, http.StatusInternalServerError, "failed to save catch")
		return
	}
	writeJSON(w, http.StatusCreated, h.toJSON(c))
}

func (h *Handle) UpdateCatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	id, ok := catchID(w, r)
	if !ok {
		return
	}
	p, ok := decodePayload(w, r)
	if !ok {
		return
	}
	c, err := h.catches.UpdateDetails(r.Context(), id, userID, store.Details{
		Detections: p.Detections,
		CaughtAt:   p.caughtAt(),
		WeightKg:   p.WeightKg,
		LengthCm:   p.LengthCm,
		Latitude:   p.Latitude,
		Longitude:  p.Longitude,
		Memo:       p.Memo,
	})
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Catch not found")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("catch_id", id).Msg("update catch")
		writeError(w, http.StatusInternalServerError, "failed to update catch")
		return
	}
	writeJSON(w, http.StatusOK, h.toJSON(c))
}

func (h *Handle) DeleteCatch(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	id, ok := catchID(w, r)
	if !ok {
		return
	}
	err := h.catches.Delete(r.Context(), id, userID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Catch not found")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Int64("catch_id", id).Msg("delete catch")
		writeError(w, http.StatusInternalServerError, "Error deleting catch")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Catch deleted successfully"})
}

// Detections returns the stored detections for one of the caller's images.
func (h *Handle) Detections(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserFromContext(r.Context())
	raw := r.URL.Query().Get("imageUrl")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "imageUrl is required")
		return
	}
	c, err := h.catches.FindByImage(r.Context(), userID, filestore.RefFromURL(raw))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "No catch found for the provided imageUrl")
		return
	}
	if err != nil {
		logging.Ctx(r.Context()).Error().Err(err).Msg("get detections")
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	out := h.toJSON(c)
	writeJSON(w, http.StatusOK, map[string]any{"detections": out.Detections, "imageUrl": out.ImageURL})
}
