package integration

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/labbridge/internal/domain/messagelog"
	"github.com/ehr/labbridge/internal/platform/apperr"
	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
	"github.com/ehr/labbridge/internal/platform/secrets"
)

// MessageLog is the part of the audit log the registry needs.
type MessageLog interface {
	DeleteByIntegration(ctx context.Context, integrationID uuid.UUID) (int64, error)
	RecentErrors(ctx context.Context, integrationID uuid.UUID, n int) ([]*messagelog.Entry, error)
}

// MLLPProber opens and closes a socket to an MLLP peer.
type MLLPProber interface {
	Probe(ctx context.Context, ep hl7v2.Endpoint) error
}

// TxFunc runs fn inside a transaction carried by ctx.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func noTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type Service struct {
	repo       Repository
	mappings   MappingRepository
	log        MessageLog
	keyring    *secrets.Keyring
	mllp       MLLPProber
	inTx       TxFunc
	clientOpts []fhir.ClientOption
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, mappings MappingRepository, log MessageLog, keyring *secrets.Keyring, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		mappings: mappings,
		log:      log,
		keyring:  keyring,
		mllp:     hl7v2.NewClient(hl7v2.WithClientLogger(logger)),
		inTx:     noTx,
		logger:   logger,
		now:      time.Now,
	}
}

// SetTx makes Delete run its purge and delete in one transaction.
func (s *Service) SetTx(fn TxFunc) { s.inTx = fn }

// SetProber replaces the MLLP prober used by TestConnection.
func (s *Service) SetProber(p MLLPProber) { s.mllp = p }

// SetClientOptions adds options to every FHIR/HTTP client built for an
// integration.
func (s *Service) SetClientOptions(opts ...fhir.ClientOption) { s.clientOpts = opts }

func invalid(code string, err error) error {
	return apperr.Wrap(apperr.KindValidation, code, "invalid integration settings", err)
}

// -- Integrations --

// Create stores a new integration. Secrets cannot be set here; use
// SetCredential after creation.
func (s *Service) Create(ctx context.Context, c *Config) error {
	c.ApplyDefaults()
	c.CredentialEnc, c.OAuthClientSecretEnc = "", ""
	c.WebhookAPIKeyEnc, c.WebhookHMACSecretEnc = "", ""
	c.MessagesReceived, c.MessagesSent, c.MessagesErrored = 0, 0, 0
	c.LastSyncAt, c.LastErrorAt, c.LastError = nil, nil, ""
	if err := c.Validate(); err != nil {
		return invalid("INTEGRATION_INVALID", err)
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return err
	}
	s.logger.Info().
		Str("integration_id", c.ID.String()).
		Str("name", c.Name).
		Str("transport", string(c.Transport)).
		Msg("integration created")
	return nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Config, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByName(ctx context.Context, name string) (*Config, error) {
	return s.repo.GetByName(ctx, name)
}

func (s *Service) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Config, int, error) {
	return s.repo.List(ctx, filter, limit, offset)
}

// ListActive returns the active integrations using transport t.
func (s *Service) ListActive(ctx context.Context, t Transport) ([]*Config, error) {
	return s.repo.ListActive(ctx, t)
}

// Update replaces the operator settings of an existing integration. Status,
// secrets and counters keep their stored values.
func (s *Service) Update(ctx context.Context, c *Config) error {
	existing, err := s.repo.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	c.ApplyDefaults()
	c.Status = existing.Status
	c.CredentialEnc = existing.CredentialEnc
	c.OAuthClientSecretEnc = existing.OAuthClientSecretEnc
	c.WebhookAPIKeyEnc = existing.WebhookAPIKeyEnc
	c.WebhookHMACSecretEnc = existing.WebhookHMACSecretEnc
	c.MessagesReceived = existing.MessagesReceived
	c.MessagesSent = existing.MessagesSent
	c.MessagesErrored = existing.MessagesErrored
	c.LastSyncAt, c.LastErrorAt, c.LastError = existing.LastSyncAt, existing.LastErrorAt, existing.LastError
	c.CreatedAt = existing.CreatedAt
	if err := c.Validate(); err != nil {
		return invalid("INTEGRATION_INVALID", err)
	}
	return s.repo.Update(ctx, c)
}

// Delete removes an integration after purging its message log and test
// mappings.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return err
	}
	var purged, unmapped int64
	err := s.inTx(ctx, func(ctx context.Context) error {
		var err error
		if purged, err = s.log.DeleteByIntegration(ctx, id); err != nil {
			return fmt.Errorf("purge message log: %w", err)
		}
		if unmapped, err = s.mappings.DeleteByIntegration(ctx, id); err != nil {
			return fmt.Errorf("purge test mappings: %w", err)
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("integration_id", id.String()).
		Int64("messages_purged", purged).
		Int64("mappings_purged", unmapped).
		Msg("integration deleted")
	return nil
}

func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	if !status.Valid() {
		return apperr.New(apperr.KindValidation, "INTEGRATION_STATUS_INVALID", fmt.Sprintf("unknown status %q", status))
	}
	if err := s.repo.SetStatus(ctx, id, status); err != nil {
		return err
	}
	s.logger.Info().Str("integration_id", id.String()).Str("status", string(status)).Msg("integration status changed")
	return nil
}

// -- Credentials --

// SetCredential encrypts and stores one secret. An empty value clears it.
func (s *Service) SetCredential(ctx context.Context, id uuid.UUID, field CredentialField, plaintext string) error {
	if !field.Valid() {
		return apperr.New(apperr.KindValidation, "CREDENTIAL_FIELD_INVALID", fmt.Sprintf("unknown credential field %q", field))
	}
	sealed, err := s.keyring.SealString(field.purpose(), plaintext)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "CREDENTIAL_SEAL_FAILED", "encrypt credential", err)
	}
	if err := s.repo.SetSecrets(ctx, id, map[CredentialField]string{field: sealed}); err != nil {
		return err
	}
	s.logger.Info().
		Str("integration_id", id.String()).
		Str("field", string(field)).
		Bool("cleared", plaintext == "").
		Msg("integration credential updated")
	return nil
}

// Credential decrypts one stored secret. A secret that was never set is
// returned as the empty string.
func (s *Service) Credential(ctx context.Context, id uuid.UUID, field CredentialField) (string, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Reveal(c, field)
}

// Reveal decrypts a secret of an already loaded integration.
func (s *Service) Reveal(c *Config, field CredentialField) (string, error) {
	if !field.Valid() {
		return "", apperr.New(apperr.KindValidation, "CREDENTIAL_FIELD_INVALID", fmt.Sprintf("unknown credential field %q", field))
	}
	v, err := s.keyring.OpenString(field.purpose(), c.sealed(field))
	if err != nil {
		return "", apperr.Wrap(apperr.KindConfig, "CREDENTIAL_UNREADABLE",
			fmt.Sprintf("stored %s cannot be decrypted with the configured key", field), err)
	}
	return v, nil
}

// WebhookSecrets is a freshly generated webhook key pair. It is returned
// once and never stored in plaintext.
type WebhookSecrets struct {
	APIKey     string `json:"api_key"`
	HMACSecret string `json:"hmac_secret"`
}

// RotateWebhookSecrets replaces the webhook API key and HMAC secret
// together.
func (s *Service) RotateWebhookSecrets(ctx context.Context, id uuid.UUID) (*WebhookSecrets, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	var out WebhookSecrets
	var err error
	if out.APIKey, err = secrets.RandomToken(32); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "SECRET_GENERATION_FAILED", "generate api key", err)
	}
	if out.HMACSecret, err = secrets.RandomToken(32); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "SECRET_GENERATION_FAILED", "generate hmac secret", err)
	}

	sealed := make(map[CredentialField]string, 2)
	for f, v := range map[CredentialField]string{CredentialWebhookAPIKey: out.APIKey, CredentialWebhookHMACSecret: out.HMACSecret} {
		enc, err := s.keyring.SealString(f.purpose(), v)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "CREDENTIAL_SEAL_FAILED", "encrypt webhook secret", err)
		}
		sealed[f] = enc
	}
	if err := s.repo.SetSecrets(ctx, id, sealed); err != nil {
		return nil, err
	}
	s.logger.Info().Str("integration_id", id.String()).Msg("webhook secrets rotated")
	return &out, nil
}

// HTTPAuth builds the decrypted client credentials for an HTTP integration.
func (s *Service) HTTPAuth(c *Config) (fhir.Auth, error) {
	a := fhir.Auth{Mode: c.AuthMode, APIKeyHeader: c.APIKeyHeader}
	switch c.AuthMode {
	case fhir.AuthBasic, fhir.AuthBearer, fhir.AuthAPIKey:
		cred, err := s.Reveal(c, CredentialHTTP)
		if err != nil {
			return fhir.Auth{}, err
		}
		switch c.AuthMode {
		case fhir.AuthBasic:
			a.Username, a.Password, _ = strings.Cut(cred, ":")
		case fhir.AuthBearer:
			a.Token = cred
		case fhir.AuthAPIKey:
			a.APIKey = cred
		}
	case fhir.AuthOAuth2:
		secret, err := s.Reveal(c, CredentialOAuthClientSecret)
		if err != nil {
			return fhir.Auth{}, err
		}
		a.TokenURL, a.ClientID, a.ClientSecret, a.Scopes = c.OAuthTokenURL, c.OAuthClientID, secret, c.OAuthScopes
	}
	return a, nil
}

// FHIRClient builds an authenticated HTTP client for the integration's base
// URL. It serves both FHIR REST and raw HL7-over-HTTP integrations.
func (s *Service) FHIRClient(c *Config) (*fhir.Client, error) {
	a, err := s.HTTPAuth(c)
	if err != nil {
		return nil, err
	}
	cfg := fhir.ClientConfig{
		BaseURL:      c.BaseURL,
		Auth:         a,
		Timeout:      c.AckTimeout(),
		RetryWaitMin: time.Duration(c.RetryDelayMS) * time.Millisecond,
		RetryWaitMax: time.Duration(c.RetryDelayMS) * time.Millisecond,
	}
	if c.RetryEnabled && c.RetryMaxAttempts > 1 {
		cfg.RetryMax = c.RetryMaxAttempts - 1
	}
	opts := append([]fhir.ClientOption{fhir.WithLogger(s.logger)}, s.clientOpts...)
	client, err := fhir.NewClient(cfg, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, "HTTP_CLIENT_CONFIG", "integration http settings are incomplete", err)
	}
	return client, nil
}

// -- Connection testing --

// ConnectionResult is the outcome of TestConnection.
type ConnectionResult struct {
	IntegrationID uuid.UUID `json:"integration_id"`
	Transport     Transport `json:"transport"`
	Success       bool      `json:"success"`
	Message       string    `json:"message"`
	ServerName    string    `json:"server_name,omitempty"`
	ServerVersion string    `json:"server_version,omitempty"`
	FHIRVersion   string    `json:"fhir_version,omitempty"`
	LatencyMS     int64     `json:"latency_ms"`
	CheckedAt     time.Time `json:"checked_at"`
}

// TestConnection probes the integration's peer and records the outcome: a
// failure moves the integration to error with the reason, a success stamps
// the last sync time.
func (s *Service) TestConnection(ctx context.Context, id uuid.UUID) (*ConnectionResult, error) {
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	start := s.now()
	res := &ConnectionResult{IntegrationID: c.ID, Transport: c.Transport}

	probeErr := s.probe(ctx, c, res)
	res.LatencyMS = s.now().Sub(start).Milliseconds()
	res.CheckedAt = s.now().UTC()

	failure := ""
	if probeErr != nil {
		failure = probeErr.Error()
		res.Message = failure
	} else {
		res.Success = true
		if res.Message == "" {
			res.Message = "connection successful"
		}
	}
	if err := s.repo.MarkProbe(ctx, c.ID, failure, res.CheckedAt); err != nil {
		return nil, err
	}

	ev := s.logger.Info()
	if !res.Success {
		ev = s.logger.Warn().Str("reason", failure)
	}
	ev.Str("integration_id", c.ID.String()).
		Str("transport", string(c.Transport)).
		Bool("success", res.Success).
		Int64("latency_ms", res.LatencyMS).
		Msg("connection test")
	return res, nil
}

func (s *Service) probe(ctx context.Context, c *Config, res *ConnectionResult) error {
	switch c.Transport {
	case TransportMLLP:
		if err := s.mllp.Probe(ctx, c.Endpoint()); err != nil {
			return err
		}
		res.Message = fmt.Sprintf("connected to %s", c.Endpoint().Address())
		return nil
	case TransportFHIRREST:
		client, err := s.FHIRClient(c)
		if err != nil {
			return err
		}
		info, err := client.Capabilities(ctx)
		if err != nil {
			return err
		}
		res.ServerName, res.ServerVersion, res.FHIRVersion = info.SoftwareName, info.SoftwareVersion, info.FHIRVersion
		return nil
	case TransportHTTPHL7, TransportCustomAPI:
		client, err := s.FHIRClient(c)
		if err != nil {
			return err
		}
		return client.Ping(ctx)
	case TransportFileDrop:
		for _, dir := range []string{c.InboundDir, c.OutboundDir} {
			if dir == "" {
				continue
			}
			fi, err := os.Stat(dir)
			if err != nil {
				return fmt.Errorf("directory %s is not reachable: %w", dir, err)
			}
			if !fi.IsDir() {
				return fmt.Errorf("%s is not a directory", dir)
			}
		}
		return nil
	}
	return apperr.New(apperr.KindConfig, "TRANSPORT_UNSUPPORTED", fmt.Sprintf("unknown transport %q", c.Transport))
}

// -- Sync counters --

func (s *Service) RecordReceived(ctx context.Context, id uuid.UUID) error {
	return s.repo.IncrementReceived(ctx, id, s.now().UTC())
}

func (s *Service) RecordSent(ctx context.Context, id uuid.UUID) error {
	return s.repo.IncrementSent(ctx, id, s.now().UTC())
}

func (s *Service) RecordError(ctx context.Context, id uuid.UUID, message string) error {
	return s.repo.RecordError(ctx, id, message, s.now().UTC())
}

// Health summarizes an integration for operators.
type Health struct {
	IntegrationID    uuid.UUID           `json:"integration_id"`
	Name             string              `json:"name"`
	Status           Status              `json:"status"`
	MessagesReceived int64               `json:"messages_received"`
	MessagesSent     int64               `json:"messages_sent"`
	MessagesErrored  int64               `json:"messages_errored"`
	LastSyncAt       *time.Time          `json:"last_sync_at,omitempty"`
	LastErrorAt      *time.Time          `json:"last_error_at,omitempty"`
	LastError        string              `json:"last_error,omitempty"`
	RecentErrors     []*messagelog.Entry `json:"recent_errors"`
}

// Health reports the counters and the most recent failures of an
// integration. recent defaults to 10.
func (s *Service) Health(ctx context.Context, id uuid.UUID, recent int) (*Health, error) {
	if recent <= 0 {
		recent = 10
	}
	c, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	errs, err := s.log.RecentErrors(ctx, id, recent)
	if err != nil {
		return nil, err
	}
	if errs == nil {
		errs = []*messagelog.Entry{}
	}
	return &Health{
		IntegrationID:    c.ID,
		Name:             c.Name,
		Status:           c.Status,
		MessagesReceived: c.MessagesReceived,
		MessagesSent:     c.MessagesSent,
		MessagesErrored:  c.MessagesErrored,
		LastSyncAt:       c.LastSyncAt,
		LastErrorAt:      c.LastErrorAt,
		LastError:        c.LastError,
		RecentErrors:     errs,
	}, nil
}

// -- Test mappings --

func (s *Service) CreateMapping(ctx context.Context, m *TestMapping) error {
	if _, err := s.repo.GetByID(ctx, m.IntegrationID); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return invalid("MAPPING_INVALID", err)
	}
	return s.mappings.Create(ctx, m)
}

func (s *Service) GetMapping(ctx context.Context, id uuid.UUID) (*TestMapping, error) {
	return s.mappings.GetByID(ctx, id)
}

// UpdateMapping replaces a mapping's codes and flags. It cannot move a
// mapping to another integration.
func (s *Service) UpdateMapping(ctx context.Context, m *TestMapping) error {
	existing, err := s.mappings.GetByID(ctx, m.ID)
	if err != nil {
		return err
	}
	m.IntegrationID = existing.IntegrationID
	m.CreatedAt = existing.CreatedAt
	if err := m.Validate(); err != nil {
		return invalid("MAPPING_INVALID", err)
	}
	return s.mappings.Update(ctx, m)
}

func (s *Service) DeleteMapping(ctx context.Context, id uuid.UUID) error {
	return s.mappings.Delete(ctx, id)
}

func (s *Service) ListMappings(ctx context.Context, integrationID uuid.UUID, limit, offset int) ([]*TestMapping, int, error) {
	return s.mappings.ListByIntegration(ctx, integrationID, limit, offset)
}

// ToExternal finds the active mapping for an internal test code.
func (s *Service) ToExternal(ctx context.Context, integrationID uuid.UUID, internalCode string) (*TestMapping, error) {
	return s.mappings.FindActiveByInternal(ctx, integrationID, strings.TrimSpace(internalCode))
}

// ToInternal finds the active mapping for a laboratory test code.
func (s *Service) ToInternal(ctx context.Context, integrationID uuid.UUID, externalCode string) (*TestMapping, error) {
	return s.mappings.FindActiveByExternal(ctx, integrationID, strings.TrimSpace(externalCode))
}

// ImportMappings creates or updates mappings keyed by internal code.
func (s *Service) ImportMappings(ctx context.Context, integrationID uuid.UUID, ms []*TestMapping) (created, updated int, err error) {
	existing := make(map[string]*TestMapping)
	for offset := 0; ; offset += 100 {
		page, total, err := s.mappings.ListByIntegration(ctx, integrationID, 100, offset)
		if err != nil {
			return 0, 0, err
		}
		for _, m := range page {
			existing[m.InternalCode] = m
		}
		if len(page) == 0 || offset+len(page) >= total {
			break
		}
	}

	sort.SliceStable(ms, func(i, j int) bool { return ms[i].InternalCode < ms[j].InternalCode })
	for _, m := range ms {
		m.IntegrationID = integrationID
		if prev, ok := existing[m.InternalCode]; ok {
			m.ID = prev.ID
			if err := s.UpdateMapping(ctx, m); err != nil {
				return created, updated, fmt.Errorf("mapping %s: %w", m.InternalCode, err)
			}
			updated++
			continue
		}
		if err := s.CreateMapping(ctx, m); err != nil {
			return created, updated, fmt.Errorf("mapping %s: %w", m.InternalCode, err)
		}
		created++
	}
	return created, updated, nil
}
