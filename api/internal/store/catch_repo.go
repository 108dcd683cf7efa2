package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"snapish/api/internal/detect"
)

var ErrNotFound = sql.ErrNoRows

// Catch is one persisted detection event. Every row belongs to exactly one user.
type Catch struct {
	ID         int64
	UserID     int64
	ImageRef   string
	Detections []detect.Detection
	CaughtAt   time.Time
	WeightKg   *float64
	LengthCm   *float64
	Latitude   *float64
	Longitude  *float64
	Memo       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// CatchTx is the set of operations the catch resolver runs inside one commit.
type CatchTx interface {
	// FindOwned returns ErrNotFound unless the catch exists and belongs to userID.
	FindOwned(ctx context.Context, id, userID int64) (*Catch, error)
	// Overwrite replaces the detections, image and capture time of an owned catch.
	Overwrite(ctx context.Context, id, userID int64, imageRef string, dets []detect.Detection, caughtAt time.Time) error
	Insert(ctx context.Context, c *Catch) (int64, error)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type CatchRepo struct {
	DB      *sql.DB
	dialect Dialect
}

func NewCatchRepo(db *sql.DB, d Dialect) *CatchRepo { return &CatchRepo{DB: db, dialect: d} }

func (r *CatchRepo) Dialect() Dialect { return r.dialect }

func (r *CatchRepo) Ping(ctx context.Context) error { return r.DB.PingContext(ctx) }

// InTx runs fn in a transaction, committing when fn returns nil.
func (r *CatchRepo) InTx(ctx context.Context, fn func(CatchTx) error) error {
	return r.withTx(ctx, func(t *catchTx) error { return fn(t) })
}

func (r *CatchRepo) withTx(ctx context.Context, fn func(*catchTx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&catchTx{q: tx, d: r.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const catchColumns = `id, user_id, image_ref, detections, caught_at,
       weight_kg, length_cm, latitude, longitude, memo, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCatch(row rowScanner) (*Catch, error) {
	var (
		c                   Catch
		js                  []byte
		weight, length      sql.NullFloat64
		latitude, longitude sql.NullFloat64
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.ImageRef, &js, &c.CaughtAt,
		&weight, &length, &latitude, &longitude, &c.Memo, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(js, &c.Detections); err != nil {
		return nil, fmt.Errorf("catch %d: bad detections json: %w", c.ID, err)
	}
	if c.Detections == nil {
		c.Detections = []detect.Detection{}
	}
	c.WeightKg = nullFloat(weight)
	c.LengthCm = nullFloat(length)
	c.Latitude = nullFloat(latitude)
	c.Longitude = nullFloat(longitude)
	return &c, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func encodeDetections(dets []detect.Detection) (string, error) {
	if dets == nil {
		dets = []detect.Detection{}
	}
	js, err := json.Marshal(dets)
	if err != nil {
		return "", err
	}
	return string(js), nil
}

type catchTx struct {
	q querier
	d Dialect
}

func (t *catchTx) FindOwned(ctx context.Context, id, userID int64) (*Catch, error) {
	q := `select ` + catchColumns + ` from catches where id = ? and user_id = ?` + t.d.forUpdate()
	return scanCatch(t.q.QueryRowContext(ctx, t.d.rebind(q), id, userID))
}

func (t *catchTx) Overwrite(ctx context.Context, id, userID int64, imageRef string, dets []detect.Detection, caughtAt time.Time) error {
	js, err := encodeDetections(dets)
	if err != nil {
		return err
	}
	const q = `update catches set image_ref = ?, detections = ?, caught_at = ?, updated_at = ?
where id = ? and user_id = ?`
	res, err := t.q.ExecContext(ctx, t.d.rebind(q), imageRef, js, caughtAt, time.Now().UTC(), id, userID)
	if err != nil {
		return err
	}
	aff, _ := res.RowsAffected()
	if aff == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *catchTx) Insert(ctx context.Context, c *Catch) (int64, error) {
	js, err := encodeDetections(c.Detections)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if c.CaughtAt.IsZero() {
		c.CaughtAt = now
	}
	const q = `insert into catches (
  user_id, image_ref, detections, caught_at,
  weight_kg, length_cm, latitude, longitude, memo,
  created_at, updated_at
) values (?,?,?,?,?,?,?,?,?,?,?)
returning id`
	var id int64
	err = t.q.QueryRowContext(ctx, t.d.rebind(q),
		c.UserID, c.ImageRef, js, c.CaughtAt,
		c.WeightKg, c.LengthCm, c.Latitude, c.Longitude, c.Memo,
		now, now,
	).Scan(&id)
	if err != nil {
		return 0, err
	}
	c.ID, c.CreatedAt, c.UpdatedAt = id, now, now
	return id, nil
}

// Get returns an owned catch.
func (r *CatchRepo) Get(ctx context.Context, id, userID int64) (*Catch, error) {
	q := `select ` + catchColumns + ` from catches where id = ? and user_id = ?`
	return scanCatch(r.DB.QueryRowContext(ctx, r.dialect.rebind(q), id, userID))
}

// List returns the user's catches, newest capture first.
func (r *CatchRepo) List(ctx context.Context, userID int64) ([]Catch, error) {
	q := `select ` + catchColumns + ` from catches where user_id = ? order by caught_at desc, id desc`
	rows, err := r.DB.QueryContext(ctx, r.dialect.rebind(q), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Catch{}
	for rows.Next() {
		c, err := scanCatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// FindByImage returns the most recent owned catch pointing at imageRef.
func (r *CatchRepo) FindByImage(ctx context.Context, userID int64, imageRef string) (*Catch, error) {
	q := `select ` + catchColumns + ` from catches where user_id = ? and image_ref = ? order by id desc limit 1`
	return scanCatch(r.DB.QueryRowContext(ctx, r.dialect.rebind(q), userID, imageRef))
}

// Create inserts a catch outside the detection pipeline (manual log entry).
func (r *CatchRepo) Create(ctx context.Context, c *Catch) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *catchTx) error {
		var err error
		id, err = tx.Insert(ctx, c)
		return err
	})
	return id, err
}

// Details holds the user-editable fields of a catch. Nil fields are left untouched.
type Details struct {
	Detections []detect.Detection
	CaughtAt   *time.Time
	WeightKg   *float64
	LengthCm   *float64
	Latitude   *float64
	Longitude  *float64
	Memo       *string
}

// UpdateDetails applies d to an owned catch and returns the stored row.
func (r *CatchRepo) UpdateDetails(ctx context.Context, id, userID int64, d Details) (*Catch, error) {
	var updated *Catch
	err := r.withTx(ctx, func(tx *catchTx) error {
		c, err := tx.FindOwned(ctx, id, userID)
		if err != nil {
			return err
		}
		if d.Detections != nil {
			c.Detections = d.Detections
		}
		if d.CaughtAt != nil {
			c.CaughtAt = *d.CaughtAt
		}
		if d.WeightKg != nil {
			c.WeightKg = d.WeightKg
		}
		if d.LengthCm != nil {
			c.LengthCm = d.LengthCm
		}
		if d.Latitude != nil {
			c.Latitude = d.Latitude
		}
		if d.Longitude != nil {
			c.Longitude = d.Longitude
		}
		if d.Memo != nil {
			c.Memo = *d.Memo
		}

		js, err := encodeDetections(c.Detections)
		if err != nil {
			return err
		}
		c.UpdatedAt = time.Now().UTC()
		const q = `update catches set detections = ?, caught_at = ?, weight_kg = ?, length_cm = ?,
  latitude = ?, longitude = ?, memo = ?, updated_at = ?
where id = ? and user_id = ?`
		if _, err := tx.q.ExecContext(ctx, tx.d.rebind(q), js, c.CaughtAt, c.WeightKg, c.LengthCm,
			c.Latitude, c.Longitude, c.Memo, c.UpdatedAt, id, userID); err != nil {
			return err
		}
		updated = c
		return nil
	})
	return updated, err
}

// Delete removes an owned catch. The image file stays on disk: other records
// may reference the same image.
func (r *CatchRepo) Delete(ctx context.Context, id, userID int64) error {
	res, err := r.DB.ExecContext(ctx, r.dialect.rebind(`delete from catches where id = ? and user_id = ?`), id, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
