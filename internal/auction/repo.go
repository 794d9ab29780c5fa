package auction

import (
	"context"
	"errors"
	"fmt"
	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"time"
)

// Pool is the part of *pgxpool.Pool the repo needs.
type Pool interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo is the Postgres-backed Store.
type Repo struct {
	DB          Pool
	LockTimeout time.Duration
}

var auctionColumns = []string{
	"id", "item_id", "current_price", "start_time", "regular_end_time",
	"overtime_started", "overtime_end_time", "overtime_seconds", "status",
	"winner_id", "winning_bid", "total_bids", "created_at", "updated_at",
}

var bidColumns = []string{"id", "auction_id", "bidder_id", "amount", "bid_time", "status", "seq", "created_at"}

// lock_not_available, raised when lock_timeout elapses
const pgLockNotAvailable = "55P03"

func (r *Repo) sql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAuction(row scanner) (Auction, error) {
	var a Auction
	var status string
	err := row.Scan(&a.ID, &a.ItemID, &a.CurrentPrice, &a.StartTime, &a.RegularEndTime,
		&a.OvertimeStarted, &a.OvertimeEndTime, &a.OvertimeSeconds, &status,
		&a.Winner, &a.WinningBid, &a.TotalBids, &a.CreatedAt, &a.UpdatedAt)
	a.Status = Status(status)
	return a, err
}

func scanBid(row scanner) (Bid, error) {
	var b Bid
	var status string
	err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.BidTime, &status, &b.Seq, &b.CreatedAt)
	b.Status = BidStatus(status)
	return b, err
}

func (r *Repo) Create(ctx context.Context, a *Auction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusScheduled
	}
	if a.OvertimeSeconds <= 0 {
		a.OvertimeSeconds = DefaultOvertimeSeconds
	}
	q, args, err := r.sql().Insert("auctions").
		Columns("id", "item_id", "current_price", "start_time", "regular_end_time", "overtime_seconds", "status").
		Values(a.ID, a.ItemID, a.CurrentPrice, a.StartTime, a.RegularEndTime, a.OvertimeSeconds, string(a.Status)).
		Suffix("RETURNING created_at, updated_at").
		ToSql()
	if err != nil {
		return err
	}
	return r.DB.QueryRow(ctx, q, args...).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *Repo) Get(ctx context.Context, id string) (Auction, error) {
	q, args, err := r.sql().Select(auctionColumns...).From("auctions").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return Auction{}, err
	}
	a, err := scanAuction(r.DB.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Auction{}, ErrNotFound
	}
	return a, err
}

func (r *Repo) Bids(ctx context.Context, auctionID string) ([]Bid, error) {
	return listBids(ctx, r.DB, r.sql(), auctionID)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listBids(ctx context.Context, db querier, sb squirrel.StatementBuilderType, auctionID string) ([]Bid, error) {
	q, args, err := sb.Select(bidColumns...).From("auction_bids").
		Where(squirrel.Eq{"auction_id": auctionID}).OrderBy("seq").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Update: SET LOCAL lock_timeout -> SELECT ... FOR UPDATE -> fn -> UPDATE -> commit.
// Any error from fn rolls the whole transaction back via defer.
func (r *Repo) Update(ctx context.Context, id string, fn UpdateFunc) (Auction, error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Auction{}, err
	}
	defer tx.Rollback(ctx)

	wait := r.LockTimeout
	if wait <= 0 {
		wait = 2 * time.Second
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", wait.Milliseconds())); err != nil {
		return Auction{}, err
	}

	q, args, err := r.sql().Select(auctionColumns...).From("auctions").
		Where(squirrel.Eq{"id": id}).Suffix("FOR UPDATE").ToSql()
	if err != nil {
		return Auction{}, err
	}
	a, err := scanAuction(tx.QueryRow(ctx, q, args...))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return Auction{}, ErrNotFound
	case isLockTimeout(err):
		return Auction{}, fmt.Errorf("%w: %v", ErrLockTimeout, err)
	case err != nil:
		return Auction{}, err
	}

	if err := fn(ctx, &a, &pgLedger{tx: tx, sb: r.sql(), auctionID: id}); err != nil {
		return Auction{}, err
	}

	uq, uargs, err := r.sql().Update("auctions").SetMap(map[string]any{
		"current_price":     a.CurrentPrice,
		"overtime_started":  a.OvertimeStarted,
		"overtime_end_time": a.OvertimeEndTime,
		"status":            string(a.Status),
		"winner_id":         a.Winner,
		"winning_bid":       a.WinningBid,
		"total_bids":        a.TotalBids,
		"updated_at":        squirrel.Expr("now()"),
	}).Where(squirrel.Eq{"id": id}).Suffix("RETURNING updated_at").ToSql()
	if err != nil {
		return Auction{}, err
	}
	if err := tx.QueryRow(ctx, uq, uargs...).Scan(&a.UpdatedAt); err != nil {
		return Auction{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Auction{}, err
	}
	return a, nil
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable
}

func (r *Repo) list(ctx context.Context, where squirrel.Sqlizer) ([]Auction, error) {
	q, args, err := r.sql().Select(auctionColumns...).From("auctions").Where(where).OrderBy("start_time").ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) ListByStatus(ctx context.Context, status Status) ([]Auction, error) {
	return r.list(ctx, squirrel.Eq{"status": string(status)})
}

func (r *Repo) DueForActivation(ctx context.Context, now time.Time) ([]string, error) {
	as, err := r.list(ctx, squirrel.And{
		squirrel.Eq{"status": string(StatusScheduled)},
		squirrel.LtOrEq{"start_time": now},
	})
	return ids(as), err
}

func (r *Repo) DueForDeadline(ctx context.Context, now time.Time) ([]string, error) {
	as, err := r.list(ctx, squirrel.And{
		squirrel.Eq{"status": string(StatusActive)},
		squirrel.Or{
			squirrel.And{squirrel.Eq{"overtime_started": false}, squirrel.LtOrEq{"regular_end_time": now}},
			squirrel.And{squirrel.Eq{"overtime_started": true}, squirrel.LtOrEq{"overtime_end_time": now}},
		},
	})
	return ids(as), err
}

// pgLedger writes bids inside the transaction holding the auction row lock.
type pgLedger struct {
	tx        pgx.Tx
	sb        squirrel.StatementBuilderType
	auctionID string
}

func (l *pgLedger) List(ctx context.Context) ([]Bid, error) {
	return listBids(ctx, l.tx, l.sb, l.auctionID)
}

// Seq is safe to derive from MAX(seq): the auction row lock serialises appends.
func (l *pgLedger) Append(ctx context.Context, b *Bid) error {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	return l.tx.QueryRow(ctx, `
		INSERT INTO auction_bids(id, auction_id, bidder_id, amount, bid_time, status, seq)
		VALUES ($1, $2, $3, $4, $5, $6,
		        (SELECT COALESCE(MAX(seq), 0) + 1 FROM auction_bids WHERE auction_id = $2))
		RETURNING seq, created_at`,
		b.ID, l.auctionID, b.BidderID, b.Amount, b.BidTime, string(b.Status),
	).Scan(&b.Seq, &b.CreatedAt)
}

func (l *pgLedger) OutbidActive(ctx context.Context) ([]Bid, error) {
	rows, err := l.tx.Query(ctx, `
		UPDATE auction_bids SET status = 'OUTBID'
		WHERE auction_id = $1 AND status = 'ACTIVE'
		RETURNING id, auction_id, bidder_id, amount, bid_time, status, seq, created_at`, l.auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (l *pgLedger) SetStatuses(ctx context.Context, bids []Bid) error {
	for _, b := range bids {
		ct, err := l.tx.Exec(ctx, `UPDATE auction_bids SET status=$3 WHERE id=$1 AND auction_id=$2`,
			b.ID, l.auctionID, string(b.Status))
		if err != nil {
			return err
		}
		if ct.RowsAffected() != 1 {
			return fmt.Errorf("bid %s not in auction %s", b.ID, l.auctionID)
		}
	}
	return nil
}
