// Package catch decides what happens to a detection result: nothing for
// anonymous callers, an overwrite of an owned record, or a new record.
package catch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"snapish/api/internal/detect"
	"snapish/api/internal/filestore"
	"snapish/api/internal/imaging"
	"snapish/api/internal/logging"
	"snapish/api/internal/metrics"
	"snapish/api/internal/store"
)

var (
	ErrRecordNotFound = errors.New("catch not found")
	ErrPersistence    = errors.New("failed to save catch")
)

type PlanKind int

const (
	Anonymous PlanKind = iota
	UpdateExisting
	CreateNew
)

func (k PlanKind) String() string {
	switch k {
	case Anonymous:
		return "anonymous"
	case UpdateExisting:
		return "update"
	case CreateNew:
		return "create"
	}
	return "unknown"
}

// Plan is the resolved persistence branch for one request.
// RecordID is set only for UpdateExisting.
type Plan struct {
	Kind     PlanKind
	UserID   int64
	RecordID int64
}

// Decide picks the branch. userID <= 0 means no verified identity, in which
// case recordRef is ignored. A recordRef that is not a positive integer can
// never match a record and fails with ErrRecordNotFound.
func Decide(userID int64, recordRef string) (Plan, error) {
	if userID <= 0 {
		return Plan{Kind: Anonymous}, nil
	}
	recordRef = strings.TrimSpace(recordRef)
	if recordRef == "" {
		return Plan{Kind: CreateNew, UserID: userID}, nil
	}
	id, err := strconv.ParseInt(recordRef, 10, 64)
	if err != nil || id <= 0 {
		return Plan{}, fmt.Errorf("%w: %q", ErrRecordNotFound, recordRef)
	}
	return Plan{Kind: UpdateExisting, UserID: userID, RecordID: id}, nil
}

type Store interface {
	InTx(ctx context.Context, fn func(store.CatchTx) error) error
}

type Files interface {
	Store(ctx context.Context, data []byte, name string) (string, error)
}

// Resolution is what the caller reports back. Anonymous results carry the
// image inline; persisted ones carry the record id and stored image ref.
type Resolution struct {
	Plan        Plan
	RecordID    int64
	ImageRef    string
	ImageBase64 string
}

type Resolver struct {
	store   Store
	files   Files
	newName func() string
	now     func() time.Time
}

func NewResolver(s Store, f Files) *Resolver {
	return &Resolver{
		store:   s,
		files:   f,
		newName: filestore.NewName,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Resolve executes plan. Database work for the persisted branches runs in a
// single transaction; the image file is written inside it, before the row.
func (r *Resolver) Resolve(ctx context.Context, plan Plan, img *imaging.Image, dets []detect.Detection) (*Resolution, error) {
	switch plan.Kind {
	case Anonymous:
		return &Resolution{Plan: plan, ImageBase64: img.Base64()}, nil
	case UpdateExisting:
		return r.update(ctx, plan, img, dets)
	case CreateNew:
		return r.create(ctx, plan, img, dets)
	}
	return nil, fmt.Errorf("unknown plan kind %d", plan.Kind)
}

func (r *Resolver) update(ctx context.Context, plan Plan, img *imaging.Image, dets []detect.Detection) (*Resolution, error) {
	res := &Resolution{Plan: plan, RecordID: plan.RecordID}
	err := r.store.InTx(ctx, func(tx store.CatchTx) error {
		if _, err := tx.FindOwned(ctx, plan.RecordID, plan.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: id %d", ErrRecordNotFound, plan.RecordID)
			}
			return fmt.Errorf("find catch: %w", err)
		}
		ref, err := r.files.Store(ctx, img.Data, r.newName())
		if err != nil {
			return fmt.Errorf("store image: %w", err)
		}
		res.ImageRef = ref
		if err := tx.Overwrite(ctx, plan.RecordID, plan.UserID, ref, dets, r.now()); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: id %d", ErrRecordNotFound, plan.RecordID)
			}
			return fmt.Errorf("overwrite catch: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, r.fail(ctx, plan, res.ImageRef, err)
	}
	logging.Ctx(ctx).Info().
		Int64("user_id", plan.UserID).
		Int64("catch_id", plan.RecordID).
		Str("image_ref", res.ImageRef).
		Msg("catch updated")
	return res, nil
}

func (r *Resolver) create(ctx context.Context, plan Plan, img *imaging.Image, dets []detect.Detection) (*Resolution, error) {
	res := &Resolution{Plan: plan}
	err := r.store.InTx(ctx, func(tx store.CatchTx) error {
		ref, err := r.files.Store(ctx, img.Data, r.newName())
		if err != nil {
			return fmt.Errorf("store image: %w", err)
		}
		res.ImageRef = ref
		id, err := tx.Insert(ctx, &store.Catch{
			UserID:     plan.UserID,
			ImageRef:   ref,
			Detections: dets,
			CaughtAt:   r.now(),
		})
		if err != nil {
			return fmt.Errorf("insert catch: %w", err)
		}
		res.RecordID = id
		return nil
	})
	if err != nil {
		return nil, r.fail(ctx, plan, res.ImageRef, err)
	}
	logging.Ctx(ctx).Info().
		Int64("user_id", plan.UserID).
		Int64("catch_id", res.RecordID).
		Str("image_ref", res.ImageRef).
		Msg("catch created")
	return res, nil
}

// fail classifies err and logs what an operator needs to reconcile a
// half-written catch by hand.
func (r *Resolver) fail(ctx context.Context, plan Plan, ref string, err error) error {
	if errors.Is(err, ErrRecordNotFound) {
		return err
	}
	metrics.PersistenceFailures.Inc()
	logging.Ctx(ctx).Error().Err(err).
		Str("plan", plan.Kind.String()).
		Int64("user_id", plan.UserID).
		Int64("catch_id", plan.RecordID).
		Str("image_ref", ref).
		Msg("catch persistence failed")
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}
