package integration

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labbridge/internal/platform/db"
)

// =========== Integration Repository ===========

type integrationRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &integrationRepoPG{pool: pool}
}

func (r *integrationRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const integrationCols = `id, name, description, transport, status,
	host, port, tls_enabled,
	base_url, auth_mode, credential_enc, api_key_header,
	hl7_version, sending_application, sending_facility, receiving_application, receiving_facility,
	supported_triggers, ack_required, ack_timeout_ms,
	fhir_version, supported_resources, oauth_token_url, oauth_client_id, oauth_client_secret_enc, oauth_scopes,
	webhook_enabled, webhook_api_key_enc, webhook_hmac_secret_enc, webhook_api_key_header, webhook_signature_header,
	webhook_ip_allowlist, webhook_rate_limit, webhook_rate_window_sec,
	inbound_dir, outbound_dir,
	auto_create_patients, matching_strategy, match_fields, auto_complete_orders,
	retry_enabled, retry_max_attempts, retry_delay_ms,
	messages_received, messages_sent, messages_errored, last_sync_at, last_error_at, last_error,
	created_at, updated_at`

// sealedColumns maps each credential field to its ciphertext column.
var sealedColumns = map[CredentialField]string{
	CredentialHTTP:              "credential_enc",
	CredentialOAuthClientSecret: "oauth_client_secret_enc",
	CredentialWebhookAPIKey:     "webhook_api_key_enc",
	CredentialWebhookHMACSecret: "webhook_hmac_secret_enc",
}

func (r *integrationRepoPG) scanIntegration(row pgx.Row) (*Config, error) {
	var c Config
	err := row.Scan(&c.ID, &c.Name, &c.Description, &c.Transport, &c.Status,
		&c.Host, &c.Port, &c.TLSEnabled,
		&c.BaseURL, &c.AuthMode, &c.CredentialEnc, &c.APIKeyHeader,
		&c.HL7Version, &c.SendingApplication, &c.SendingFacility, &c.ReceivingApplication, &c.ReceivingFacility,
		&c.SupportedTriggers, &c.AckRequired, &c.AckTimeoutMS,
		&c.FHIRVersion, &c.SupportedResources, &c.OAuthTokenURL, &c.OAuthClientID, &c.OAuthClientSecretEnc, &c.OAuthScopes,
		&c.WebhookEnabled, &c.WebhookAPIKeyEnc, &c.WebhookHMACSecretEnc, &c.WebhookAPIKeyHeader, &c.WebhookSignatureHeader,
		&c.WebhookIPAllowlist, &c.WebhookRateLimit, &c.WebhookRateWindowSec,
		&c.InboundDir, &c.OutboundDir,
		&c.AutoCreatePatients, &c.MatchingStrategy, &c.MatchFields, &c.AutoCompleteOrders,
		&c.RetryEnabled, &c.RetryMaxAttempts, &c.RetryDelayMS,
		&c.MessagesReceived, &c.MessagesSent, &c.MessagesErrored, &c.LastSyncAt, &c.LastErrorAt, &c.LastError,
		&c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *integrationRepoPG) Create(ctx context.Context, c *Config) error {
	c.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_integration (id, name, description, transport, status,
			host, port, tls_enabled,
			base_url, auth_mode, credential_enc, api_key_header,
			hl7_version, sending_application, sending_facility, receiving_application, receiving_facility,
			supported_triggers, ack_required, ack_timeout_ms,
			fhir_version, supported_resources, oauth_token_url, oauth_client_id, oauth_client_secret_enc, oauth_scopes,
			webhook_enabled, webhook_api_key_enc, webhook_hmac_secret_enc, webhook_api_key_header, webhook_signature_header,
			webhook_ip_allowlist, webhook_rate_limit, webhook_rate_window_sec,
			inbound_dir, outbound_dir,
			auto_create_patients, matching_strategy, match_fields, auto_complete_orders,
			retry_enabled, retry_max_attempts, retry_delay_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,
			$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34,$35,$36,$37,$38,$39,$40,$41,$42,$43)
		RETURNING created_at, updated_at`,
		c.ID, c.Name, c.Description, c.Transport, c.Status,
		c.Host, c.Port, c.TLSEnabled,
		c.BaseURL, c.AuthMode, c.CredentialEnc, c.APIKeyHeader,
		c.HL7Version, c.SendingApplication, c.SendingFacility, c.ReceivingApplication, c.ReceivingFacility,
		nonNil(c.SupportedTriggers), c.AckRequired, c.AckTimeoutMS,
		c.FHIRVersion, nonNil(c.SupportedResources), c.OAuthTokenURL, c.OAuthClientID, c.OAuthClientSecretEnc, nonNil(c.OAuthScopes),
		c.WebhookEnabled, c.WebhookAPIKeyEnc, c.WebhookHMACSecretEnc, c.WebhookAPIKeyHeader, c.WebhookSignatureHeader,
		nonNil(c.WebhookIPAllowlist), c.WebhookRateLimit, c.WebhookRateWindowSec,
		c.InboundDir, c.OutboundDir,
		c.AutoCreatePatients, c.MatchingStrategy, nonNil(c.MatchFields), c.AutoCompleteOrders,
		c.RetryEnabled, c.RetryMaxAttempts, c.RetryDelayMS,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	return uniqueViolation(err, ErrDuplicateName)
}

func (r *integrationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Config, error) {
	return r.scanIntegration(r.conn(ctx).QueryRow(ctx, `SELECT `+integrationCols+` FROM lab_integration WHERE id = $1`, id))
}

func (r *integrationRepoPG) GetByName(ctx context.Context, name string) (*Config, error) {
	return r.scanIntegration(r.conn(ctx).QueryRow(ctx, `SELECT `+integrationCols+` FROM lab_integration WHERE name = $1`, name))
}

func (r *integrationRepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Config, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1
	if filter.Transport != "" {
		where += fmt.Sprintf(` AND transport = $%d`, idx)
		args = append(args, filter.Transport)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, filter.Status)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_integration`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + integrationCols + ` FROM lab_integration` + where +
		fmt.Sprintf(` ORDER BY name LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)
	items, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *integrationRepoPG) ListActive(ctx context.Context, t Transport) ([]*Config, error) {
	return r.query(ctx, `SELECT `+integrationCols+` FROM lab_integration WHERE transport = $1 AND status = $2 ORDER BY name`, t, StatusActive)
}

func (r *integrationRepoPG) query(ctx context.Context, sql string, args ...interface{}) ([]*Config, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Config
	for rows.Next() {
		c, err := r.scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *integrationRepoPG) Update(ctx context.Context, c *Config) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_integration SET name=$2, description=$3, transport=$4,
			host=$5, port=$6, tls_enabled=$7,
			base_url=$8, auth_mode=$9, api_key_header=$10,
			hl7_version=$11, sending_application=$12, sending_facility=$13,
			receiving_application=$14, receiving_facility=$15,
			supported_triggers=$16, ack_required=$17, ack_timeout_ms=$18,
			fhir_version=$19, supported_resources=$20, oauth_token_url=$21, oauth_client_id=$22, oauth_scopes=$23,
			webhook_enabled=$24, webhook_api_key_header=$25, webhook_signature_header=$26,
			webhook_ip_allowlist=$27, webhook_rate_limit=$28, webhook_rate_window_sec=$29,
			inbound_dir=$30, outbound_dir=$31,
			auto_create_patients=$32, matching_strategy=$33, match_fields=$34, auto_complete_orders=$35,
			retry_enabled=$36, retry_max_attempts=$37, retry_delay_ms=$38,
			updated_at=NOW()
		WHERE id = $1`,
		c.ID, c.Name, c.Description, c.Transport,
		c.Host, c.Port, c.TLSEnabled,
		c.BaseURL, c.AuthMode, c.APIKeyHeader,
		c.HL7Version, c.SendingApplication, c.SendingFacility,
		c.ReceivingApplication, c.ReceivingFacility,
		nonNil(c.SupportedTriggers), c.AckRequired, c.AckTimeoutMS,
		c.FHIRVersion, nonNil(c.SupportedResources), c.OAuthTokenURL, c.OAuthClientID, nonNil(c.OAuthScopes),
		c.WebhookEnabled, c.WebhookAPIKeyHeader, c.WebhookSignatureHeader,
		nonNil(c.WebhookIPAllowlist), c.WebhookRateLimit, c.WebhookRateWindowSec,
		c.InboundDir, c.OutboundDir,
		c.AutoCreatePatients, c.MatchingStrategy, nonNil(c.MatchFields), c.AutoCompleteOrders,
		c.RetryEnabled, c.RetryMaxAttempts, c.RetryDelayMS)
	return affected(tag.RowsAffected(), uniqueViolation(err, ErrDuplicateName), ErrNotFound)
}

func (r *integrationRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_integration WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, ErrNotFound)
}

func (r *integrationRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE lab_integration SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return affected(tag.RowsAffected(), err, ErrNotFound)
}

func (r *integrationRepoPG) SetSecrets(ctx context.Context, id uuid.UUID, sealed map[CredentialField]string) error {
	if len(sealed) == 0 {
		return nil
	}
	fields := make([]string, 0, len(sealed))
	for f := range sealed {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)

	sets := make([]string, 0, len(fields)+1)
	args := []interface{}{id}
	for _, f := range fields {
		col, ok := sealedColumns[CredentialField(f)]
		if !ok {
			return fmt.Errorf("unknown credential field %q", f)
		}
		args = append(args, sealed[CredentialField(f)])
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	sets = append(sets, "updated_at = NOW()")

	tag, err := r.conn(ctx).Exec(ctx, `UPDATE lab_integration SET `+strings.Join(sets, ", ")+` WHERE id = $1`, args...)
	return affected(tag.RowsAffected(), err, ErrNotFound)
}

func (r *integrationRepoPG) IncrementReceived(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_integration SET messages_received = messages_received + 1, last_sync_at = $2
		WHERE id = $1`, id, at)
	return err
}

func (r *integrationRepoPG) IncrementSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_integration SET messages_sent = messages_sent + 1, last_sync_at = $2
		WHERE id = $1`, id, at)
	return err
}

func (r *integrationRepoPG) RecordError(ctx context.Context, id uuid.UUID, message string, at time.Time) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_integration SET messages_errored = messages_errored + 1, last_error_at = $2, last_error = $3
		WHERE id = $1`, id, at, message)
	return err
}

func (r *integrationRepoPG) MarkProbe(ctx context.Context, id uuid.UUID, failure string, at time.Time) error {
	if failure == "" {
		tag, err := r.conn(ctx).Exec(ctx, `UPDATE lab_integration SET last_sync_at = $2 WHERE id = $1`, id, at)
		return affected(tag.RowsAffected(), err, ErrNotFound)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_integration SET status = $2, last_error_at = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1`, id, StatusError, at, failure)
	return affected(tag.RowsAffected(), err, ErrNotFound)
}

// =========== TestMapping Repository ===========

type mappingRepoPG struct{ pool *pgxpool.Pool }

func NewMappingRepoPG(pool *pgxpool.Pool) MappingRepository {
	return &mappingRepoPG{pool: pool}
}

func (r *mappingRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const mappingCols = `id, integration_id, internal_code, internal_name, external_code, external_name,
	coding_system, specimen_type, specimen_container, specimen_volume, active, created_at, updated_at`

func (r *mappingRepoPG) scanMapping(row pgx.Row) (*TestMapping, error) {
	var m TestMapping
	err := row.Scan(&m.ID, &m.IntegrationID, &m.InternalCode, &m.InternalName, &m.ExternalCode, &m.ExternalName,
		&m.CodingSystem, &m.SpecimenType, &m.SpecimenContainer, &m.SpecimenVolume, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMappingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mappingRepoPG) Create(ctx context.Context, m *TestMapping) error {
	m.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO lab_test_mapping (id, integration_id, internal_code, internal_name, external_code, external_name,
			coding_system, specimen_type, specimen_container, specimen_volume, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		m.ID, m.IntegrationID, m.InternalCode, m.InternalName, m.ExternalCode, m.ExternalName,
		m.CodingSystem, m.SpecimenType, m.SpecimenContainer, m.SpecimenVolume, m.Active,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	return uniqueViolation(err, ErrDuplicateCode)
}

func (r *mappingRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestMapping, error) {
	return r.scanMapping(r.conn(ctx).QueryRow(ctx, `SELECT `+mappingCols+` FROM lab_test_mapping WHERE id = $1`, id))
}

func (r *mappingRepoPG) Update(ctx context.Context, m *TestMapping) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_test_mapping SET internal_code=$2, internal_name=$3, external_code=$4, external_name=$5,
			coding_system=$6, specimen_type=$7, specimen_container=$8, specimen_volume=$9, active=$10,
			updated_at=NOW()
		WHERE id = $1`,
		m.ID, m.InternalCode, m.InternalName, m.ExternalCode, m.ExternalName,
		m.CodingSystem, m.SpecimenType, m.SpecimenContainer, m.SpecimenVolume, m.Active)
	return affected(tag.RowsAffected(), uniqueViolation(err, ErrDuplicateCode), ErrMappingNotFound)
}

func (r *mappingRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_test_mapping WHERE id = $1`, id)
	return affected(tag.RowsAffected(), err, ErrMappingNotFound)
}

func (r *mappingRepoPG) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit, offset int) ([]*TestMapping, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_test_mapping WHERE integration_id = $1`, integrationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+mappingCols+` FROM lab_test_mapping WHERE integration_id = $1 ORDER BY internal_code LIMIT $2 OFFSET $3`, integrationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TestMapping
	for rows.Next() {
		m, err := r.scanMapping(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *mappingRepoPG) FindActiveByInternal(ctx context.Context, integrationID uuid.UUID, code string) (*TestMapping, error) {
	return r.scanMapping(r.conn(ctx).QueryRow(ctx, `
		SELECT `+mappingCols+` FROM lab_test_mapping
		WHERE integration_id = $1 AND internal_code = $2 AND active`, integrationID, code))
}

func (r *mappingRepoPG) FindActiveByExternal(ctx context.Context, integrationID uuid.UUID, code string) (*TestMapping, error) {
	return r.scanMapping(r.conn(ctx).QueryRow(ctx, `
		SELECT `+mappingCols+` FROM lab_test_mapping
		WHERE integration_id = $1 AND external_code = $2 AND active
		ORDER BY updated_at DESC LIMIT 1`, integrationID, code))
}

func (r *mappingRepoPG) DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM lab_test_mapping WHERE integration_id = $1`, integrationID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func affected(n int64, err error, notFound error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// uniqueViolation maps a unique constraint failure to dup.
func uniqueViolation(err, dup error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return dup
	}
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
