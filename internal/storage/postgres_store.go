package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/Balghanimi/toosila/internal/models"
)

// PostgresStore implements Store on a shared relational database.
// Mutations that feed the single-acceptance invariant run inside a
// transaction with row locks; everything else is a single statement.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the handle for migrations and health checks.
func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) CreateDemand(ctx context.Context, d *models.Demand) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO demands(id, passenger_id, from_city, to_city, seats, budget, is_active, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		d.ID, d.PassengerID, d.FromCity, d.ToCity, d.Seats, d.Budget, d.IsActive, d.CreatedAt)
	if isUniqueViolation(err) {
		return models.Conflict("demand %s already exists", d.ID)
	}
	if err != nil {
		return models.Unavailable(err, "insert demand")
	}
	return nil
}

func (p *PostgresStore) GetDemand(ctx context.Context, id string) (*models.Demand, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, passenger_id, from_city, to_city, seats, budget, is_active, created_at
		 FROM demands WHERE id=$1`, id)
	return scanDemand(row, id)
}

func (p *PostgresStore) DeactivateDemand(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE demands SET is_active=FALSE WHERE id=$1`, id)
	if err != nil {
		return models.Unavailable(err, "deactivate demand")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound("demand %s not found", id)
	}
	return nil
}

// CreateResponse checks the demand's active flag and inserts in one
// transaction. The share lock on the demand row blocks a concurrent
// acceptance (which takes it FOR UPDATE), so an offer can never slip in
// pending after the demand has been closed.
func (p *PostgresStore) CreateResponse(ctx context.Context, r *models.Response) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Unavailable(err, "begin create response")
	}
	defer tx.Rollback()

	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT is_active FROM demands WHERE id=$1 FOR SHARE`, r.DemandID).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound("demand %s not found", r.DemandID)
	}
	if err != nil {
		return models.Unavailable(err, "lock demand")
	}
	if !active {
		return models.Invalid("demand %s is not active", r.DemandID)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO demand_responses(id, demand_id, driver_id, offer_price, available_seats, message, status, created_at, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.DemandID, r.DriverID, r.OfferPrice, r.AvailableSeats, r.Message, r.Status, r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return models.Conflict("driver %s already responded to demand %s", r.DriverID, r.DemandID)
	}
	if err != nil {
		return models.Unavailable(err, "insert response")
	}
	if err := tx.Commit(); err != nil {
		return models.Unavailable(err, "commit create response")
	}
	return nil
}

func (p *PostgresStore) GetResponse(ctx context.Context, id string) (*models.Response, error) {
	row := p.db.QueryRowContext(ctx, selectResponse+` WHERE id=$1`, id)
	return scanResponse(row, id)
}

func (p *PostgresStore) ListByDemand(ctx context.Context, demandID string) ([]models.Response, error) {
	rows, err := p.db.QueryContext(ctx, selectResponse+` WHERE demand_id=$1
		 ORDER BY CASE status
			WHEN 'accepted' THEN 0
			WHEN 'pending' THEN 1
			WHEN 'rejected' THEN 2
			ELSE 3 END,
		 created_at DESC`, demandID)
	if err != nil {
		return nil, models.Unavailable(err, "list responses by demand")
	}
	return collectResponses(rows)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string) ([]models.Response, error) {
	rows, err := p.db.QueryContext(ctx, selectResponse+` WHERE driver_id=$1 ORDER BY created_at DESC`, driverID)
	if err != nil {
		return nil, models.Unavailable(err, "list responses by driver")
	}
	return collectResponses(rows)
}

// TransitionResponse locks the demand row before the response row so two
// concurrent acceptances on the same demand serialize on the demand lock
// instead of deadlocking on each other's sibling updates. The pending
// check under the lock is what makes exactly one of them win.
func (p *PostgresStore) TransitionResponse(ctx context.Context, id string, to models.ResponseStatus) (*models.Response, []models.Response, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, models.Unavailable(err, "begin transition")
	}
	defer tx.Rollback()

	var demandID string
	if err := tx.QueryRowContext(ctx,
		`SELECT demand_id FROM demand_responses WHERE id=$1`, id).Scan(&demandID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, models.NotFound("response %s not found", id)
		}
		return nil, nil, models.Unavailable(err, "load response")
	}

	var demandActive bool
	if err := tx.QueryRowContext(ctx,
		`SELECT is_active FROM demands WHERE id=$1 FOR UPDATE`, demandID).Scan(&demandActive); err != nil {
		return nil, nil, models.Unavailable(err, "lock demand")
	}
	// An offer created just before the demand closed may still be
	// pending. Refusing to accept it here keeps a single accepted
	// response per demand.
	if to == models.StatusAccepted && !demandActive {
		return nil, nil, models.Conflict("demand %s is no longer active", demandID)
	}

	row := tx.QueryRowContext(ctx, selectResponse+` WHERE id=$1 FOR UPDATE`, id)
	r, err := scanResponse(row, id)
	if err != nil {
		return nil, nil, err
	}
	if r.Status != models.StatusPending {
		return nil, nil, models.Conflict("response %s is already %s", id, r.Status)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE demand_responses SET status=$1, updated_at=$2 WHERE id=$3`, to, now, id); err != nil {
		return nil, nil, models.Unavailable(err, "update response status")
	}
	r.Status = to
	r.UpdatedAt = now

	var demoted []models.Response
	if to == models.StatusAccepted {
		rows, err := tx.QueryContext(ctx,
			`UPDATE demand_responses SET status='rejected', updated_at=$1
			 WHERE demand_id=$2 AND id<>$3 AND status='pending'
			 RETURNING id, demand_id, driver_id, offer_price, available_seats, message, status, created_at, updated_at`,
			now, demandID, id)
		if err != nil {
			return nil, nil, models.Unavailable(err, "demote pending responses")
		}
		demoted, err = collectResponses(rows)
		if err != nil {
			return nil, nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE demands SET is_active=FALSE WHERE id=$1`, demandID); err != nil {
			return nil, nil, models.Unavailable(err, "deactivate demand")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, models.Unavailable(err, "commit transition")
	}
	return r, demoted, nil
}

func (p *PostgresStore) DeleteResponse(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM demand_responses WHERE id=$1`, id)
	if err != nil {
		return models.Unavailable(err, "delete response")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound("response %s not found", id)
	}
	return nil
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return models.Invalid("notification payload not serializable: %v", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO notifications(id, user_id, type, title, message, data, is_read, created_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.IsRead, n.CreatedAt)
	if err != nil {
		return models.Unavailable(err, "insert notification")
	}
	return nil
}

func (p *PostgresStore) HasSimilarRecent(ctx context.Context, userID string, typ models.NotificationType, payloadKey string, window time.Duration) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM notifications
			WHERE user_id=$1 AND type=$2 AND data->>'key'=$3 AND created_at > $4)`,
		userID, typ, payloadKey, time.Now().UTC().Add(-window)).Scan(&exists)
	if err != nil {
		return false, models.Unavailable(err, "dedup lookup")
	}
	return exists, nil
}

func (p *PostgresStore) ListForUser(ctx context.Context, userID string, limit, offset int) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx,
		selectNotification+` WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, models.Unavailable(err, "list notifications")
	}
	defer rows.Close()
	var out []models.Notification
	for rows.Next() {
		n, err := scanNotificationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND is_read=FALSE`, userID).Scan(&count)
	if err != nil {
		return 0, models.Unavailable(err, "unread count")
	}
	return count, nil
}

func (p *PostgresStore) MarkRead(ctx context.Context, id, userID string) (*models.Notification, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE notifications SET is_read=TRUE WHERE id=$1 AND user_id=$2
		 RETURNING id, user_id, type, title, message, data, is_read, created_at`, id, userID)
	n, err := scanNotificationRow(row)
	if err != nil {
		if models.KindOf(err) == models.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return n, nil
}

func (p *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE notifications SET is_read=TRUE WHERE user_id=$1 AND is_read=FALSE`, userID)
	if err != nil {
		return 0, models.Unavailable(err, "mark all read")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) DeleteNotification(ctx context.Context, id, userID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return models.Unavailable(err, "delete notification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFound("notification %s not found", id)
	}
	return nil
}

const selectResponse = `SELECT id, demand_id, driver_id, offer_price, available_seats, message, status, created_at, updated_at FROM demand_responses`

const selectNotification = `SELECT id, user_id, type, title, message, data, is_read, created_at FROM notifications`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDemand(row rowScanner, id string) (*models.Demand, error) {
	var d models.Demand
	err := row.Scan(&d.ID, &d.PassengerID, &d.FromCity, &d.ToCity, &d.Seats, &d.Budget, &d.IsActive, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("demand %s not found", id)
	}
	if err != nil {
		return nil, models.Unavailable(err, "scan demand")
	}
	return &d, nil
}

func scanResponse(row rowScanner, id string) (*models.Response, error) {
	var r models.Response
	err := row.Scan(&r.ID, &r.DemandID, &r.DriverID, &r.OfferPrice, &r.AvailableSeats, &r.Message, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("response %s not found", id)
	}
	if err != nil {
		return nil, models.Unavailable(err, "scan response")
	}
	return &r, nil
}

func collectResponses(rows *sql.Rows) ([]models.Response, error) {
	defer rows.Close()
	var out []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.ID, &r.DemandID, &r.DriverID, &r.OfferPrice, &r.AvailableSeats, &r.Message, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, models.Unavailable(err, "scan response row")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, models.Unavailable(err, "iterate response rows")
	}
	return out, nil
}

func scanNotificationRow(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	var raw []byte
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &raw, &n.IsRead, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFound("notification not found")
	}
	if err != nil {
		return nil, models.Unavailable(err, "scan notification")
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &n.Data); err != nil {
			return nil, models.Unavailable(err, "decode notification payload")
		}
	}
	return &n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
