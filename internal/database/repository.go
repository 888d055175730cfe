package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// SIGNALS
// ============================================================================

// CreateSignal inserts a new signal row. The alert_id unique constraint is
// the idempotency barrier; callers should look up the alert first and treat
// a conflict here as a duplicate.
func (r *Repository) CreateSignal(ctx context.Context, s *SignalRecord) error {
	tps, err := json.Marshal(s.TakeProfits)
	if err != nil {
		return fmt.Errorf("marshal take profits: %w", err)
	}
	query := `
		INSERT INTO signals (alert_id, source, asset, side, entry_price, stop_loss, take_profits_json, risk_check_passed, risk_check_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		s.AlertID, s.Source, s.Asset, s.Side, s.EntryPrice, s.StopLoss, tps,
		s.RiskCheckPassed, s.RiskCheckReason,
	).Scan(&s.ID, &s.CreatedAt)
}

// GetSignalByAlertID returns the signal for an alert id, or nil when unseen
func (r *Repository) GetSignalByAlertID(ctx context.Context, alertID string) (*SignalRecord, error) {
	query := `
		SELECT id, alert_id, source, asset, side, entry_price, stop_loss, take_profits_json,
		       risk_check_passed, risk_check_reason, created_at
		FROM signals
		WHERE alert_id = $1
	`
	s, err := scanSignal(r.db.Pool.QueryRow(ctx, query, alertID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// SetSignalRiskResult records the risk gate outcome for a signal
func (r *Repository) SetSignalRiskResult(ctx context.Context, id int64, passed bool, reason string) error {
	query := `UPDATE signals SET risk_check_passed = $2, risk_check_reason = $3 WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, passed, reason)
	return err
}

// ListRecentSignals returns the newest signals first
func (r *Repository) ListRecentSignals(ctx context.Context, limit int) ([]*SignalRecord, error) {
	query := `
		SELECT id, alert_id, source, asset, side, entry_price, stop_loss, take_profits_json,
		       risk_check_passed, risk_check_reason, created_at
		FROM signals
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals := make([]*SignalRecord, 0)
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*SignalRecord, error) {
	s := &SignalRecord{}
	var tps []byte
	err := row.Scan(
		&s.ID, &s.AlertID, &s.Source, &s.Asset, &s.Side, &s.EntryPrice, &s.StopLoss, &tps,
		&s.RiskCheckPassed, &s.RiskCheckReason, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(tps) > 0 {
		if err := json.Unmarshal(tps, &s.TakeProfits); err != nil {
			return nil, fmt.Errorf("unmarshal take profits: %w", err)
		}
	}
	return s, nil
}

// ============================================================================
// ORDERS
// ============================================================================

const orderColumns = `id, signal_id, venue_order_id, coin, side, size, price, order_type, tag, status, mode, created_at, filled_at`

// CreateOrder inserts a new order
func (r *Repository) CreateOrder(ctx context.Context, o *OrderRecord) error {
	query := `
		INSERT INTO orders (signal_id, venue_order_id, coin, side, size, price, order_type, tag, status, mode)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		o.SignalID, o.VenueOrderID, o.Coin, o.Side, o.Size, o.Price,
		o.OrderType, o.Tag, o.Status, o.Mode,
	).Scan(&o.ID, &o.CreatedAt)
}

// MarkOrderStatus moves an order to a new status; filledAt is recorded for
// fills and ignored otherwise.
func (r *Repository) MarkOrderStatus(ctx context.Context, id int64, status string, filledAt *time.Time) error {
	query := `UPDATE orders SET status = $2, filled_at = COALESCE($3, filled_at) WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, status, filledAt)
	return err
}

// MarkOrderStatusByVenueID updates all local orders bound to a venue order id
func (r *Repository) MarkOrderStatusByVenueID(ctx context.Context, venueOrderID int64, status string, filledAt *time.Time) error {
	query := `UPDATE orders SET status = $2, filled_at = COALESCE($3, filled_at) WHERE venue_order_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, venueOrderID, status, filledAt)
	return err
}

// GetOrderByVenueID returns the order bound to a venue order id, or nil
func (r *Repository) GetOrderByVenueID(ctx context.Context, venueOrderID int64) (*OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE venue_order_id = $1 ORDER BY id DESC LIMIT 1`
	o, err := scanOrder(r.db.Pool.QueryRow(ctx, query, venueOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// GetPendingOrders returns all orders still awaiting a terminal status
func (r *Repository) GetPendingOrders(ctx context.Context) ([]*OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'pending' ORDER BY created_at ASC`
	return r.queryOrders(ctx, query)
}

// GetOrdersBySignal returns all orders created for one signal
func (r *Repository) GetOrdersBySignal(ctx context.Context, signalID int64) ([]*OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE signal_id = $1 ORDER BY id ASC`
	return r.queryOrders(ctx, query, signalID)
}

// ListRecentOrders returns the newest orders first
func (r *Repository) ListRecentOrders(ctx context.Context, limit int) ([]*OrderRecord, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at DESC LIMIT $1`
	return r.queryOrders(ctx, query, limit)
}

// CountEntryOrdersSince counts entry orders for one coin placed at or after
// the cutoff. Used for the per-symbol daily trade counter.
func (r *Repository) CountEntryOrdersSince(ctx context.Context, coin string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE coin = $1 AND tag = 'entry' AND created_at >= $2`
	var n int
	err := r.db.Pool.QueryRow(ctx, query, coin, since).Scan(&n)
	return n, err
}

// CountAllEntryOrdersSince counts entry orders across every coin
func (r *Repository) CountAllEntryOrdersSince(ctx context.Context, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM orders WHERE tag = 'entry' AND created_at >= $1`
	var n int
	err := r.db.Pool.QueryRow(ctx, query, since).Scan(&n)
	return n, err
}

func (r *Repository) queryOrders(ctx context.Context, query string, args ...interface{}) ([]*OrderRecord, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]*OrderRecord, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(row rowScanner) (*OrderRecord, error) {
	o := &OrderRecord{}
	err := row.Scan(
		&o.ID, &o.SignalID, &o.VenueOrderID, &o.Coin, &o.Side, &o.Size, &o.Price,
		&o.OrderType, &o.Tag, &o.Status, &o.Mode, &o.CreatedAt, &o.FilledAt,
	)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ============================================================================
// FILLS
// ============================================================================

// CreateFill inserts a fill row
func (r *Repository) CreateFill(ctx context.Context, f *FillRecord) error {
	query := `
		INSERT INTO fills (order_id, price, size, fee, timestamp)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return r.db.Pool.QueryRow(ctx, query, f.OrderID, f.Price, f.Size, f.Fee, f.Timestamp).Scan(&f.ID)
}

// GetFillsByOrder returns fills for one order in time order
func (r *Repository) GetFillsByOrder(ctx context.Context, orderID int64) ([]*FillRecord, error) {
	query := `
		SELECT id, order_id, price, size, fee, timestamp
		FROM fills
		WHERE order_id = $1
		ORDER BY timestamp ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fills := make([]*FillRecord, 0)
	for rows.Next() {
		f := &FillRecord{}
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Price, &f.Size, &f.Fee, &f.Timestamp); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ============================================================================
// EQUITY SNAPSHOTS
// ============================================================================

// InsertEquitySnapshot records a point-in-time equity reading
func (r *Repository) InsertEquitySnapshot(ctx context.Context, snap *EquitySnapshotRecord) error {
	query := `
		INSERT INTO equity_snapshots (timestamp, equity, unrealized_pnl, realized_pnl, open_positions)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		snap.Timestamp, snap.Equity, snap.UnrealizedPnl, snap.RealizedPnl, snap.OpenPositions,
	).Scan(&snap.ID)
}

// LatestEquitySnapshot returns the most recent snapshot, or nil when empty
func (r *Repository) LatestEquitySnapshot(ctx context.Context) (*EquitySnapshotRecord, error) {
	query := `
		SELECT id, timestamp, equity, unrealized_pnl, realized_pnl, open_positions
		FROM equity_snapshots
		ORDER BY timestamp DESC
		LIMIT 1
	`
	snap := &EquitySnapshotRecord{}
	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&snap.ID, &snap.Timestamp, &snap.Equity, &snap.UnrealizedPnl, &snap.RealizedPnl, &snap.OpenPositions,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ListEquitySnapshots returns the newest snapshots first
func (r *Repository) ListEquitySnapshots(ctx context.Context, limit int) ([]*EquitySnapshotRecord, error) {
	query := `
		SELECT id, timestamp, equity, unrealized_pnl, realized_pnl, open_positions
		FROM equity_snapshots
		ORDER BY timestamp DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snaps := make([]*EquitySnapshotRecord, 0)
	for rows.Next() {
		snap := &EquitySnapshotRecord{}
		if err := rows.Scan(&snap.ID, &snap.Timestamp, &snap.Equity, &snap.UnrealizedPnl, &snap.RealizedPnl, &snap.OpenPositions); err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// RealizedPnlSince derives the realized pnl accumulated since the cutoff as
// the difference between the newest snapshot and the first one at or after
// the cutoff. Returns 0 when no snapshot falls inside the window.
func (r *Repository) RealizedPnlSince(ctx context.Context, since time.Time) (float64, error) {
	query := `
		SELECT COALESCE(
			(SELECT realized_pnl FROM equity_snapshots ORDER BY timestamp DESC LIMIT 1) -
			(SELECT realized_pnl FROM equity_snapshots WHERE timestamp >= $1 ORDER BY timestamp ASC LIMIT 1),
			0
		)
	`
	var pnl float64
	err := r.db.Pool.QueryRow(ctx, query, since).Scan(&pnl)
	return pnl, err
}
