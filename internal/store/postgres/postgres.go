/*
Package postgres provides a pgx-backed Store for the clinical-commercial
core, the production alternative to internal/store/sqlite. Grounded on
the teacher pack's signalmachine-accounting-agent/internal/core/ledger.go
and internal/db/db.go: pgxpool.Pool, `tx, err := pool.Begin(ctx)` plus
`defer tx.Rollback(ctx)`, $N placeholders, errors.Is(err, pgx.ErrNoRows).

Unlike the SQLite store, §5's row-locking requirement is implemented for
real here: LockOnHandRows issues `SELECT ... FOR UPDATE` against the
stock_on_hand rows for (product, location), and callers are responsible
for invoking it with products in ascending ID order before planning or
appending moves, per §5's deadlock-avoidance rule.
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/clinicflow/sales-core/internal/coreerr"
	"github.com/clinicflow/sales-core/internal/domain"
)

// Store owns the connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies connectivity.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() { s.pool.Close() }

// WithTx runs fn inside one serializable-isolation transaction, per §5.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer pgTx.Rollback(ctx)

	if err := fn(&Tx{tx: pgTx}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// Tx is the transaction-scoped handle, satisfying the same interfaces as
// sqlite.Tx: ledger.Store, sales.Store, billing's store seams, and
// stocksale.LocationResolver.
type Tx struct {
	tx pgx.Tx
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }

// =============================================================================
// LEDGER STORE (component A)
// =============================================================================

func (t *Tx) NewMoveID() domain.MoveID { return domain.MoveID(newUUID()) }

func (t *Tx) AppendMove(ctx context.Context, move domain.StockMove) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO stock_moves
			(id, product_id, location_id, batch_id, move_type, quantity, reason,
			 reference_type, reference_id, sale_ref, sale_line_ref, reversed_move_ref,
			 created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		move.ID, move.Product, move.Location, move.Batch, move.MoveType, move.Quantity, move.Reason,
		move.ReferenceType, move.ReferenceID, move.SaleRef, move.SaleLineRef, move.ReversedMoveRef,
		move.CreatedBy, move.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("move %s: %w", move.ID, coreerr.ErrIdempotencyViolation)
		}
		return fmt.Errorf("appending stock move: %w", err)
	}

	_, err = t.tx.Exec(ctx, `
		INSERT INTO stock_on_hand (product_id, location_id, batch_id, quantity)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (product_id, location_id, batch_id)
		DO UPDATE SET quantity = stock_on_hand.quantity + excluded.quantity`,
		move.Product, move.Location, move.Batch, move.Quantity,
	)
	return err
}

func (t *Tx) OnHandByProductLocation(ctx context.Context, product domain.ProductID, location domain.LocationID) ([]domain.StockOnHand, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT product_id, location_id, batch_id, quantity FROM stock_on_hand
		WHERE product_id = $1 AND location_id = $2 AND quantity > 0`, product, location)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StockOnHand
	for rows.Next() {
		var r domain.StockOnHand
		if err := rows.Scan(&r.Product, &r.Location, &r.Batch, &r.Quantity); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *Tx) OnHandRow(ctx context.Context, product domain.ProductID, location domain.LocationID, batch domain.BatchID) (domain.StockOnHand, bool, error) {
	var r domain.StockOnHand
	err := t.tx.QueryRow(ctx, `
		SELECT product_id, location_id, batch_id, quantity FROM stock_on_hand
		WHERE product_id = $1 AND location_id = $2 AND batch_id = $3`, product, location, batch,
	).Scan(&r.Product, &r.Location, &r.Batch, &r.Quantity)
	if isNoRows(err) {
		return domain.StockOnHand{}, false, nil
	}
	if err != nil {
		return domain.StockOnHand{}, false, err
	}
	return r, true, nil
}

// LockOnHandRows takes the real row lock §5 requires: callers must
// invoke this once per product, in ascending product ID order, before
// planning or appending moves against more than one product in the same
// transaction.
func (t *Tx) LockOnHandRows(ctx context.Context, product domain.ProductID, location domain.LocationID) error {
	rows, err := t.tx.Query(ctx, `
		SELECT 1 FROM stock_on_hand WHERE product_id = $1 AND location_id = $2 FOR UPDATE`,
		product, location,
	)
	if err != nil {
		return err
	}
	rows.Close()
	return rows.Err()
}

func (t *Tx) BatchByID(ctx context.Context, batch domain.BatchID) (domain.StockBatch, error) {
	var b domain.StockBatch
	var expiry *time.Time
	err := t.tx.QueryRow(ctx, `
		SELECT id, product_id, batch_number, expiry_date FROM stock_batches WHERE id = $1`, batch,
	).Scan(&b.ID, &b.Product, &b.BatchNumber, &expiry)
	if isNoRows(err) {
		return domain.StockBatch{}, &coreerr.NotFoundError{Entity: "StockBatch", ID: string(batch)}
	}
	if err != nil {
		return domain.StockBatch{}, err
	}
	b.ExpiryDate = expiry
	return b, nil
}

func (t *Tx) MovesBySaleRef(ctx context.Context, sale domain.SaleID, moveType domain.MoveType) ([]domain.StockMove, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, location_id, batch_id, move_type, quantity, reason,
		       reference_type, reference_id, sale_ref, sale_line_ref, reversed_move_ref,
		       created_by, created_at
		FROM stock_moves WHERE sale_ref = $1 AND move_type = $2 ORDER BY created_at ASC, id ASC`,
		sale, moveType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMoves(rows)
}

func (t *Tx) ReversalOf(ctx context.Context, move domain.MoveID) (domain.StockMove, bool, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, location_id, batch_id, move_type, quantity, reason,
		       reference_type, reference_id, sale_ref, sale_line_ref, reversed_move_ref,
		       created_by, created_at
		FROM stock_moves WHERE reversed_move_ref = $1`, move,
	)
	if err != nil {
		return domain.StockMove{}, false, err
	}
	defer rows.Close()

	moves, err := scanMoves(rows)
	if err != nil {
		return domain.StockMove{}, false, err
	}
	if len(moves) == 0 {
		return domain.StockMove{}, false, nil
	}
	return moves[0], true, nil
}

func scanMoves(rows pgx.Rows) ([]domain.StockMove, error) {
	var out []domain.StockMove
	for rows.Next() {
		var m domain.StockMove
		if err := rows.Scan(&m.ID, &m.Product, &m.Location, &m.Batch, &m.MoveType, &m.Quantity, &m.Reason,
			&m.ReferenceType, &m.ReferenceID, &m.SaleRef, &m.SaleLineRef, &m.ReversedMoveRef,
			&m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// =============================================================================
// LOCATION RESOLVER
// =============================================================================

func (t *Tx) DefaultLocation(ctx context.Context) (domain.LocationID, error) {
	var id domain.LocationID
	err := t.tx.QueryRow(ctx, `SELECT id FROM stock_locations WHERE is_default = true LIMIT 1`).Scan(&id)
	if isNoRows(err) {
		return "", &coreerr.ConfigurationError{Message: "no default stock location configured"}
	}
	return id, err
}

// =============================================================================
// SALE STORE (component C)
// =============================================================================

func (t *Tx) NewSaleID() domain.SaleID         { return domain.SaleID(newUUID()) }
func (t *Tx) NewSaleLineID() domain.SaleLineID { return domain.SaleLineID(newUUID()) }

func (t *Tx) GetSale(ctx context.Context, id domain.SaleID) (domain.Sale, error) {
	var s domain.Sale
	err := t.tx.QueryRow(ctx, `
		SELECT id, patient_id, legal_entity, status, sale_number, paid_at, refund_reason,
		       row_version, created_by, notes
		FROM sales WHERE id = $1`, id,
	).Scan(&s.ID, &s.Patient, &s.LegalEntity, &s.Status, &s.SaleNumber, &s.PaidAt, &s.RefundReason,
		&s.RowVersion, &s.CreatedBy, &s.Notes)
	if isNoRows(err) {
		return domain.Sale{}, &coreerr.NotFoundError{Entity: "Sale", ID: string(id)}
	}
	if err != nil {
		return domain.Sale{}, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT id, product_id, product_name, quantity, unit_price
		FROM sale_lines WHERE sale_id = $1 ORDER BY position ASC`, id,
	)
	if err != nil {
		return domain.Sale{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.SaleLine
		l.Sale = id
		if err := rows.Scan(&l.ID, &l.Product, &l.ProductName, &l.Quantity, &l.UnitPrice); err != nil {
			return domain.Sale{}, err
		}
		s.Lines = append(s.Lines, l)
	}
	return s, rows.Err()
}

func (t *Tx) UpdateSale(ctx context.Context, sale domain.Sale, expectedRowVersion int) (domain.Sale, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE sales SET status = $1, paid_at = $2, refund_reason = $3, row_version = row_version + 1
		WHERE id = $4 AND row_version = $5`,
		sale.Status, sale.PaidAt, sale.RefundReason, sale.ID, expectedRowVersion,
	)
	if err != nil {
		return domain.Sale{}, err
	}
	if tag.RowsAffected() == 0 {
		return domain.Sale{}, &coreerr.ConcurrencyConflictError{Entity: "Sale", ID: string(sale.ID), Expected: expectedRowVersion}
	}
	return t.GetSale(ctx, sale.ID)
}

func (t *Tx) CreateDraftSale(ctx context.Context, sale domain.Sale) (domain.Sale, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO sales (id, patient_id, legal_entity, status, sale_number, row_version, created_by, notes)
		VALUES ($1,$2,$3,$4,$5,0,$6,$7)`,
		sale.ID, sale.Patient, sale.LegalEntity, domain.SaleDraft, sale.SaleNumber, sale.CreatedBy, sale.Notes,
	)
	if err != nil {
		return domain.Sale{}, fmt.Errorf("creating draft sale: %w", err)
	}
	for i, line := range sale.Lines {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO sale_lines (id, sale_id, position, product_id, product_name, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			line.ID, sale.ID, i, line.Product, line.ProductName, line.Quantity, line.UnitPrice,
		); err != nil {
			return domain.Sale{}, fmt.Errorf("creating sale line: %w", err)
		}
	}
	return t.GetSale(ctx, sale.ID)
}

// NextSaleSequence returns count+1 of sales already persisted. Safe
// under this store's serializable isolation: two concurrent callers
// computing the same count would conflict at commit and one would be
// forced to retry.
func (t *Tx) NextSaleSequence(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM sales`).Scan(&n); err != nil {
		return 0, fmt.Errorf("computing next sale sequence: %w", err)
	}
	return n + 1, nil
}

// =============================================================================
// ENCOUNTER / PROPOSAL STORE (component E)
// =============================================================================

func (t *Tx) NewProposalID() domain.ProposalID         { return domain.ProposalID(newUUID()) }
func (t *Tx) NewProposalLineID() domain.ProposalLineID { return domain.ProposalLineID(newUUID()) }

func (t *Tx) GetEncounter(ctx context.Context, id domain.EncounterID) (domain.Encounter, error) {
	var e domain.Encounter
	err := t.tx.QueryRow(ctx, `
		SELECT id, patient_id, practitioner, status, occurred_at, notes FROM encounters WHERE id = $1`, id,
	).Scan(&e.ID, &e.Patient, &e.Practitioner, &e.Status, &e.OccurredAt, &e.Notes)
	if isNoRows(err) {
		return domain.Encounter{}, &coreerr.NotFoundError{Entity: "Encounter", ID: string(id)}
	}
	if err != nil {
		return domain.Encounter{}, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT t.id, t.name, t.description, t.default_price, et.quantity, et.unit_price_override, et.notes
		FROM encounter_treatments et JOIN treatments t ON t.id = et.treatment_id
		WHERE et.encounter_id = $1 ORDER BY et.position ASC`, id,
	)
	if err != nil {
		return domain.Encounter{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var et domain.EncounterTreatment
		et.Encounter = id
		var defaultPrice, override *decimal.Decimal
		if err := rows.Scan(&et.Treatment.ID, &et.Treatment.Name, &et.Treatment.Description,
			&defaultPrice, &et.Quantity, &override, &et.Notes); err != nil {
			return domain.Encounter{}, err
		}
		et.Treatment.DefaultPrice = defaultPrice
		et.UnitPriceOverride = override
		e.Treatments = append(e.Treatments, et)
	}
	return e, rows.Err()
}

func (t *Tx) ProposalByEncounter(ctx context.Context, id domain.EncounterID) (domain.ChargeProposal, bool, error) {
	p, err := t.getProposal(ctx, `encounter_id = $1`, id)
	if err != nil {
		if coreerr.IsNotFound(err) {
			return domain.ChargeProposal{}, false, nil
		}
		return domain.ChargeProposal{}, false, err
	}
	return p, true, nil
}

func (t *Tx) GetProposal(ctx context.Context, id domain.ProposalID) (domain.ChargeProposal, error) {
	return t.getProposal(ctx, `id = $1`, id)
}

func (t *Tx) getProposal(ctx context.Context, where string, arg any) (domain.ChargeProposal, error) {
	var p domain.ChargeProposal
	query := fmt.Sprintf(`
		SELECT id, encounter_id, patient_id, practitioner, status, converted_to_sale, converted_at,
		       total_amount, currency, cancellation_reason, notes
		FROM charge_proposals WHERE %s`, where)
	err := t.tx.QueryRow(ctx, query, arg).Scan(
		&p.ID, &p.Encounter, &p.Patient, &p.Practitioner, &p.Status, &p.ConvertedToSale, &p.ConvertedAt,
		&p.TotalAmount, &p.Currency, &p.CancellationReason, &p.Notes,
	)
	if isNoRows(err) {
		return domain.ChargeProposal{}, &coreerr.NotFoundError{Entity: "ChargeProposal", ID: fmt.Sprint(arg)}
	}
	if err != nil {
		return domain.ChargeProposal{}, err
	}

	rows, err := t.tx.Query(ctx, `
		SELECT id, encounter_treatment_id, treatment_name, description, quantity, unit_price, line_total
		FROM charge_proposal_lines WHERE proposal_id = $1 ORDER BY position ASC`, p.ID,
	)
	if err != nil {
		return domain.ChargeProposal{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.ChargeProposalLine
		l.Proposal = p.ID
		if err := rows.Scan(&l.ID, &l.EncounterTreatment, &l.TreatmentName, &l.Description, &l.Quantity, &l.UnitPrice, &l.LineTotal); err != nil {
			return domain.ChargeProposal{}, err
		}
		p.Lines = append(p.Lines, l)
	}
	return p, rows.Err()
}

func (t *Tx) SaveProposal(ctx context.Context, proposal domain.ChargeProposal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO charge_proposals (id, encounter_id, patient_id, practitioner, status, total_amount, currency, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		proposal.ID, proposal.Encounter, proposal.Patient, proposal.Practitioner, proposal.Status,
		proposal.TotalAmount, proposal.Currency, proposal.Notes,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &coreerr.IdempotencyViolationError{Encounter: proposal.Encounter}
		}
		return fmt.Errorf("saving proposal: %w", err)
	}
	for i, line := range proposal.Lines {
		if _, err := t.tx.Exec(ctx, `
			INSERT INTO charge_proposal_lines
				(id, proposal_id, position, encounter_treatment_id, treatment_name, description, quantity, unit_price, line_total)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			line.ID, proposal.ID, i, line.EncounterTreatment, line.TreatmentName, line.Description,
			line.Quantity, line.UnitPrice, line.LineTotal,
		); err != nil {
			return fmt.Errorf("saving proposal line: %w", err)
		}
	}
	return nil
}

func (t *Tx) MarkConverted(ctx context.Context, proposal domain.ProposalID, sale domain.SaleID, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE charge_proposals SET status = $1, converted_to_sale = $2, converted_at = $3
		WHERE id = $4 AND status = $5`,
		domain.ProposalConverted, sale, at, proposal, domain.ProposalDraft,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &coreerr.AlreadyConvertedError{Proposal: proposal, Sale: sale}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func newUUID() string {
	// Every ID this store allocates (moves, sales, sale lines, proposals,
	// proposal lines) is a random UUID generated here.
	return uuid.NewString()
}
