package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/RossTaxPrep/efile_layer/internal/app/domain/efile"
	"github.com/RossTaxPrep/efile_layer/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.TransmissionStore = (*Store)(nil)
var _ storage.AcknowledgmentStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

const transmissionColumns = `id, return_id, client_id, preparer_id, method, status, return_type, tax_year,
	irs_submission_id, ack_code, ack_message, dcn, efin, etin, environment, version, created_at, updated_at`

type transmissionRow struct {
	ID           string         `db:"id"`
	ReturnID     string         `db:"return_id"`
	ClientID     string         `db:"client_id"`
	PreparerID   sql.NullString `db:"preparer_id"`
	Method       string         `db:"method"`
	Status       string         `db:"status"`
	ReturnType   sql.NullString `db:"return_type"`
	TaxYear      sql.NullInt64  `db:"tax_year"`
	SubmissionID sql.NullString `db:"irs_submission_id"`
	AckCode      sql.NullString `db:"ack_code"`
	AckMessage   sql.NullString `db:"ack_message"`
	DCN          sql.NullString `db:"dcn"`
	EFIN         sql.NullString `db:"efin"`
	ETIN         sql.NullString `db:"etin"`
	Environment  sql.NullString `db:"environment"`
	Version      int64          `db:"version"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

func toRow(t efile.Transmission) transmissionRow {
	return transmissionRow{
		ID:           t.ID,
		ReturnID:     t.ReturnID,
		ClientID:     t.ClientID,
		PreparerID:   nullString(t.PreparerID),
		Method:       string(t.Method),
		Status:       string(t.Status),
		ReturnType:   nullString(t.ReturnType),
		TaxYear:      sql.NullInt64{Int64: int64(t.TaxYear), Valid: t.TaxYear != 0},
		SubmissionID: nullString(t.SubmissionID),
		AckCode:      nullString(t.AckCode),
		AckMessage:   nullString(t.AckMessage),
		DCN:          nullString(t.DCN),
		EFIN:         nullString(t.EFIN),
		ETIN:         nullString(t.ETIN),
		Environment:  nullString(t.Environment),
		Version:      t.Version,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

func (r transmissionRow) toDomain() efile.Transmission {
	return efile.Transmission{
		ID:           r.ID,
		ReturnID:     r.ReturnID,
		ClientID:     r.ClientID,
		PreparerID:   r.PreparerID.String,
		Method:       efile.Method(r.Method),
		Status:       efile.Status(r.Status),
		ReturnType:   r.ReturnType.String,
		TaxYear:      int(r.TaxYear.Int64),
		SubmissionID: r.SubmissionID.String,
		AckCode:      r.AckCode.String,
		AckMessage:   r.AckMessage.String,
		DCN:          r.DCN.String,
		EFIN:         r.EFIN.String,
		ETIN:         r.ETIN.String,
		Environment:  r.Environment.String,
		Version:      r.Version,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

// --- TransmissionStore ------------------------------------------------------

func (s *Store) CreateTransmission(ctx context.Context, t efile.Transmission) (efile.Transmission, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = efile.StatusCreated
	}
	if t.Method == "" {
		t.Method = efile.MethodERO
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Version = 1

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO efile_transmissions (`+transmissionColumns+`)
		VALUES (:id, :return_id, :client_id, :preparer_id, :method, :status, :return_type, :tax_year,
			:irs_submission_id, :ack_code, :ack_message, :dcn, :efin, :etin, :environment, :version, :created_at, :updated_at)
	`, toRow(t))
	if err != nil {
		return efile.Transmission{}, translate(err, "create transmission "+t.ID)
	}
	return t, nil
}

// UpdateTransmission applies t when its Version matches. Write-once columns
// are merged in SQL so a concurrent writer can never clear them.
func (s *Store) UpdateTransmission(ctx context.Context, t efile.Transmission) (efile.Transmission, error) {
	row := toRow(t)
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE efile_transmissions
		SET status = $3,
			return_type = COALESCE($4, return_type),
			tax_year = COALESCE($5, tax_year),
			irs_submission_id = COALESCE(irs_submission_id, $6),
			ack_code = COALESCE($7, ack_code),
			ack_message = COALESCE($8, ack_message),
			dcn = COALESCE($9, dcn),
			efin = COALESCE(efin, $10),
			etin = COALESCE(etin, $11),
			environment = COALESCE(environment, $12),
			preparer_id = COALESCE($13, preparer_id),
			version = version + 1,
			updated_at = GREATEST(updated_at, $14)
		WHERE id = $1 AND version = $2
	`, row.ID, row.Version, row.Status, row.ReturnType, row.TaxYear, row.SubmissionID,
		row.AckCode, row.AckMessage, row.DCN, row.EFIN, row.ETIN, row.Environment, row.PreparerID, now)
	if err != nil {
		return efile.Transmission{}, translate(err, "update transmission "+t.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return efile.Transmission{}, err
	}
	if affected == 0 {
		if _, err := s.GetTransmission(ctx, t.ID); err != nil {
			return efile.Transmission{}, err
		}
		return efile.Transmission{}, fmt.Errorf("transmission %s version %d: %w", t.ID, t.Version, storage.ErrConflict)
	}
	return s.GetTransmission(ctx, t.ID)
}

func (s *Store) GetTransmission(ctx context.Context, id string) (efile.Transmission, error) {
	var row transmissionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+transmissionColumns+` FROM efile_transmissions WHERE id = $1`, id)
	if err != nil {
		return efile.Transmission{}, translate(err, "transmission "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) GetTransmissionBySubmissionID(ctx context.Context, submissionID string) (efile.Transmission, error) {
	var row transmissionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+transmissionColumns+` FROM efile_transmissions WHERE irs_submission_id = $1`, submissionID)
	if err != nil {
		return efile.Transmission{}, translate(err, "submission "+submissionID)
	}
	return row.toDomain(), nil
}

func (s *Store) ListTransmissions(ctx context.Context, filter efile.ListFilter) ([]efile.Transmission, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.ReturnID != "" {
		add("return_id = $%d", filter.ReturnID)
	}
	if filter.ClientID != "" {
		add("client_id = $%d", filter.ClientID)
	}
	if !filter.UpdatedBefore.IsZero() {
		add("updated_at < $%d", filter.UpdatedBefore.UTC())
	}

	query := `SELECT ` + transmissionColumns + ` FROM efile_transmissions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []transmissionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]efile.Transmission, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// --- AcknowledgmentStore ----------------------------------------------------

func (s *Store) RecordAcknowledgment(ctx context.Context, rec efile.AckRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if rec.Errors == nil {
		rec.Errors = []efile.AckError{}
	}
	errorsJSON, err := json.Marshal(rec.Errors)
	if err != nil {
		return false, err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO efile_acknowledgments (id, transmission_id, submission_id, status, dcn, errors, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (submission_id, status) DO NOTHING
	`, rec.ID, nullString(rec.TransmissionID), rec.SubmissionID, rec.Status, nullString(rec.DCN), errorsJSON, rec.ReceivedAt)
	if err != nil {
		return false, translate(err, "record acknowledgment "+rec.SubmissionID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) ListAcknowledgments(ctx context.Context, submissionID string) ([]efile.AckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transmission_id, submission_id, status, dcn, errors, received_at
		FROM efile_acknowledgments
		WHERE submission_id = $1
		ORDER BY received_at
	`, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []efile.AckRecord
	for rows.Next() {
		var (
			rec            efile.AckRecord
			transmissionID sql.NullString
			dcn            sql.NullString
			errorsJSON     []byte
		)
		if err := rows.Scan(&rec.ID, &transmissionID, &rec.SubmissionID, &rec.Status, &dcn, &errorsJSON, &rec.ReceivedAt); err != nil {
			return nil, err
		}
		rec.TransmissionID = transmissionID.String
		rec.DCN = dcn.String
		if len(errorsJSON) > 0 {
			if err := json.Unmarshal(errorsJSON, &rec.Errors); err != nil {
				return nil, fmt.Errorf("decode acknowledgment errors: %w", err)
			}
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// --- helpers ---------------------------------------------------------------

const uniqueViolation = "23505"

func translate(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s: %s: %w", what, pqErr.Constraint, storage.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func nullString(v string) sql.NullString {
	v = strings.TrimSpace(v)
	return sql.NullString{String: v, Valid: v != ""}
}
