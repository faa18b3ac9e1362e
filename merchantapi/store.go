package merchantapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"merchantflow/agreement"
	"merchantflow/events"
	"merchantflow/merchant"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"

	defaultSignatureTTL = 72 * time.Hour
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	TxBeginner
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TokenIssuer signs channel subscription tokens.
type TokenIssuer interface {
	Issue(merchantID, channel string) (string, error)
}

// PGStore is a Postgres-backed server of record.
type PGStore struct {
	db          DB
	tokens      TokenIssuer
	signBaseURL string
	now         func() time.Time
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{
		db:          db,
		signBaseURL: "https://sign.invalid",
		now:         time.Now,
	}
}

// WithTokens makes every returned record carry a fresh channel token.
func (s *PGStore) WithTokens(issuer TokenIssuer) *PGStore {
	s.tokens = issuer
	return s
}

func (s *PGStore) WithSignBaseURL(base string) *PGStore {
	if base != "" {
		s.signBaseURL = strings.TrimRight(base, "/")
	}
	return s
}

func (s *PGStore) WithClock(now func() time.Time) *PGStore {
	if now != nil {
		s.now = now
	}
	return s
}

const merchantColumns = `id, status, agreement_type, is_signed, has_psp_signature,
    has_merchant_signature, agreement_sent_via_mail, mail_tracking_link,
    has_projects, created_at, updated_at`

// CreateMerchant registers a draft merchant.
func (s *PGStore) CreateMerchant(ctx context.Context, id string) (merchant.Merchant, error) {
	if strings.TrimSpace(id) == "" {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: create merchant: empty id: %w", ErrValidation)
	}
	row := s.db.QueryRow(ctx, `
INSERT INTO merchants (id) VALUES ($1)
RETURNING `+merchantColumns, id)
	rec, err := s.scanMerchant(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return merchant.Merchant{}, fmt.Errorf("merchantapi: merchant %s exists: %w", id, ErrValidation)
		}
		return merchant.Merchant{}, fmt.Errorf("merchantapi: create merchant: %w", err)
	}
	return rec, nil
}

func (s *PGStore) FetchMerchant(ctx context.Context, id string) (merchant.Merchant, error) {
	row := s.db.QueryRow(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)
	rec, err := s.scanMerchant(row)
	if err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: fetch merchant %s: %w", id, err)
	}
	return rec, nil
}

func (s *PGStore) PatchMerchant(ctx context.Context, id string, p merchant.Patch) (merchant.Merchant, error) {
	if p.Empty() {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: patch merchant %s: empty patch: %w", id, ErrValidation)
	}
	var agreementType *int
	if p.AgreementType != nil {
		if !p.AgreementType.Valid() {
			return merchant.Merchant{}, fmt.Errorf("merchantapi: patch merchant %s: agreement type %d: %w", id, *p.AgreementType, ErrValidation)
		}
		v := int(*p.AgreementType)
		agreementType = &v
	}

	const updateSQL = `
UPDATE merchants
SET agreement_type          = COALESCE($2, agreement_type),
    has_psp_signature       = COALESCE($3, has_psp_signature),
    has_merchant_signature  = COALESCE($4, has_merchant_signature),
    agreement_sent_via_mail = COALESCE($5, agreement_sent_via_mail),
    mail_tracking_link      = COALESCE($6, mail_tracking_link),
    has_projects            = COALESCE($7, has_projects),
    updated_at              = $8
WHERE id = $1
RETURNING ` + merchantColumns

	row := s.db.QueryRow(ctx, updateSQL, id,
		agreementType,
		p.HasPSPSignature,
		p.HasMerchantSignature,
		p.AgreementSentViaMail,
		p.MailTrackingLink,
		p.HasProjects,
		s.now().UTC(),
	)
	rec, err := s.scanMerchant(row)
	if err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: patch merchant %s: %w", id, err)
	}
	return rec, nil
}

// ChangeStatus moves the merchant to status and appends the change log row
// in one transaction.
func (s *PGStore) ChangeStatus(ctx context.Context, id string, status merchant.Status, message string) (merchant.Merchant, error) {
	if !status.Valid() {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: change status to %d: %w", status, ErrValidation)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := changeStatusTx(ctx, tx, id, status, message, s.now().UTC())
	if err != nil {
		return merchant.Merchant{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: commit tx: %w", err)
	}
	return s.withToken(rec)
}

func changeStatusTx(ctx context.Context, tx pgx.Tx, id string, status merchant.Status, message string, at time.Time) (merchant.Merchant, error) {
	var from int16
	if err := tx.QueryRow(ctx, `SELECT status FROM merchants WHERE id = $1 FOR UPDATE`, id).Scan(&from); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return merchant.Merchant{}, fmt.Errorf("merchantapi: change status of %s: %w", id, ErrNotFound)
		}
		return merchant.Merchant{}, fmt.Errorf("merchantapi: lock merchant %s: %w", id, err)
	}

	const updateSQL = `
UPDATE merchants
SET status = $2,
    is_signed = ($2 = 4),
    updated_at = $3
WHERE id = $1
RETURNING ` + merchantColumns

	rec, err := scanMerchantRow(tx.QueryRow(ctx, updateSQL, id, int(status), at))
	if err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: update status of %s: %w", id, err)
	}

	const logSQL = `
INSERT INTO merchant_status_changes (merchant_id, from_status, to_status, message, changed_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.Exec(ctx, logSQL, id, from, int(status), message, at); err != nil {
		return merchant.Merchant{}, fmt.Errorf("merchantapi: log status change: %w", err)
	}
	return rec, nil
}

// FetchAgreement returns the stored document or the sentinel when none was
// generated yet.
func (s *PGStore) FetchAgreement(ctx context.Context, id string) (agreement.Document, error) {
	var doc agreement.Document
	err := s.db.QueryRow(ctx, `
SELECT name, extension, size, url FROM merchant_agreements WHERE merchant_id = $1`, id).
		Scan(&doc.Metadata.Name, &doc.Metadata.Extension, &doc.Metadata.Size, &doc.URL)
	if errors.Is(err, pgx.ErrNoRows) {
		return agreement.Sentinel(), nil
	}
	if err != nil {
		return agreement.Document{}, fmt.Errorf("merchantapi: fetch agreement of %s: %w", id, err)
	}
	return doc, nil
}

// PutAgreement stores the generated agreement and its binary.
func (s *PGStore) PutAgreement(ctx context.Context, id string, doc agreement.Document, content []byte) error {
	if doc.IsSentinel() {
		return fmt.Errorf("merchantapi: put agreement: placeholder document: %w", ErrValidation)
	}
	const upsertSQL = `
INSERT INTO merchant_agreements (merchant_id, name, extension, size, url, content, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (merchant_id) DO UPDATE
SET name = EXCLUDED.name,
    extension = EXCLUDED.extension,
    size = EXCLUDED.size,
    url = EXCLUDED.url,
    content = EXCLUDED.content,
    updated_at = EXCLUDED.updated_at`
	_, err := s.db.Exec(ctx, upsertSQL, id,
		doc.Metadata.Name, doc.Metadata.Extension, doc.Metadata.Size, doc.URL, content, s.now().UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("merchantapi: put agreement for %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("merchantapi: put agreement for %s: %w", id, err)
	}
	return nil
}

func (s *PGStore) RequestSignature(ctx context.Context, id string, signer agreement.SignerType) (agreement.SignatureRequest, error) {
	signatureID := uuid.New()
	expires := s.now().UTC().Add(defaultSignatureTTL)
	req := agreement.SignatureRequest{
		MerchantID:  id,
		SignatureID: signatureID.String(),
		SignURL:     s.signBaseURL + "/sign/" + signatureID.String(),
		SignerType:  signer,
		ExpiresAt:   &expires,
	}

	const insertSQL = `
INSERT INTO signature_requests (signature_id, merchant_id, signer_type, sign_url, expires_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.Exec(ctx, insertSQL, signatureID, id, int(signer), req.SignURL, expires); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
			return agreement.SignatureRequest{}, fmt.Errorf("merchantapi: request signature for %s: %w", id, ErrNotFound)
		}
		return agreement.SignatureRequest{}, fmt.Errorf("merchantapi: request signature for %s: %w", id, err)
	}
	return req, nil
}

func (s *PGStore) DownloadAgreement(ctx context.Context, url, extension string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow(ctx, `
SELECT content FROM merchant_agreements WHERE url = $1 AND extension = $2`, url, extension).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && content == nil) {
		return nil, fmt.Errorf("merchantapi: download %s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("merchantapi: download %s: %w", url, err)
	}
	return content, nil
}

func (s *PGStore) scanMerchant(row pgx.Row) (merchant.Merchant, error) {
	rec, err := scanMerchantRow(row)
	if err != nil {
		return merchant.Merchant{}, err
	}
	return s.withToken(rec)
}

func (s *PGStore) withToken(rec merchant.Merchant) (merchant.Merchant, error) {
	if s.tokens == nil {
		return rec, nil
	}
	token, err := s.tokens.Issue(rec.ID, events.Topic(rec.ID))
	if err != nil {
		return merchant.Merchant{}, fmt.Errorf("issue channel token: %w", err)
	}
	rec.ChannelToken = token
	return rec, nil
}

func scanMerchantRow(row pgx.Row) (merchant.Merchant, error) {
	var (
		rec                   merchant.Merchant
		status, agreementType int16
	)
	err := row.Scan(
		&rec.ID,
		&status,
		&agreementType,
		&rec.IsSigned,
		&rec.HasPSPSignature,
		&rec.HasMerchantSignature,
		&rec.AgreementSentViaMail,
		&rec.MailTrackingLink,
		&rec.HasProjects,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return merchant.Merchant{}, ErrNotFound
		}
		return merchant.Merchant{}, err
	}
	rec.Status = merchant.Status(status)
	rec.AgreementType = merchant.AgreementType(agreementType)
	return rec, nil
}
