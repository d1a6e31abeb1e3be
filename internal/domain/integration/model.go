// Package integration is the registry of connected laboratory systems and
// their test-code mappings.
package integration

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hengadev/errsx"

	"github.com/ehr/labbridge/internal/platform/fhir"
	"github.com/ehr/labbridge/internal/platform/hl7v2"
)

// Transport is how messages travel between the engine and the laboratory.
type Transport string

const (
	TransportMLLP      Transport = "mllp"
	TransportHTTPHL7   Transport = "http_hl7"
	TransportFHIRREST  Transport = "fhir_rest"
	TransportFileDrop  Transport = "file_drop"
	TransportCustomAPI Transport = "custom_api"
)

func (t Transport) Valid() bool {
	switch t {
	case TransportMLLP, TransportHTTPHL7, TransportFHIRREST, TransportFileDrop, TransportCustomAPI:
		return true
	}
	return false
}

// Status is the lifecycle state of an integration.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusTesting  Status = "testing"
	StatusError    Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusTesting, StatusError:
		return true
	}
	return false
}

// MatchingStrategy controls how inbound results find their patient.
type MatchingStrategy string

const (
	MatchIDOnly        MatchingStrategy = "id_only"
	MatchIDThenNameDOB MatchingStrategy = "id_then_name_dob"
)

func (m MatchingStrategy) Valid() bool {
	return m == MatchIDOnly || m == MatchIDThenNameDOB
}

// MatchField is an extra patient attribute that must agree, besides name and
// birth date, for a fallback match.
type MatchField string

const (
	MatchGender MatchField = "gender"
	MatchMRN    MatchField = "mrn"
	MatchPhone  MatchField = "phone"
	MatchEmail  MatchField = "email"
)

func (f MatchField) Valid() bool {
	return f == MatchGender || f == MatchMRN || f == MatchPhone || f == MatchEmail
}

// CredentialField names one of the encrypted secrets held by an integration.
type CredentialField string

const (
	// CredentialHTTP is the outbound HTTP credential. Its meaning follows the
	// auth mode: "user:password" for basic, the token for bearer, the key for
	// api_key.
	CredentialHTTP              CredentialField = "credential"
	CredentialOAuthClientSecret CredentialField = "oauth_client_secret"
	CredentialWebhookAPIKey     CredentialField = "webhook_api_key"
	CredentialWebhookHMACSecret CredentialField = "webhook_hmac_secret"
)

func (f CredentialField) Valid() bool {
	switch f {
	case CredentialHTTP, CredentialOAuthClientSecret, CredentialWebhookAPIKey, CredentialWebhookHMACSecret:
		return true
	}
	return false
}

// purpose scopes the keyring subkey to the field.
func (f CredentialField) purpose() string { return "integration/" + string(f) }

// Config is one connected laboratory system. Fields ending in Enc hold
// keyring ciphertext and are never serialized.
type Config struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Transport   Transport `json:"transport"`
	Status      Status    `json:"status"`

	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	TLSEnabled bool   `json:"tls_enabled"`

	BaseURL       string        `json:"base_url,omitempty"`
	AuthMode      fhir.AuthMode `json:"auth_mode"`
	CredentialEnc string        `json:"-"`
	APIKeyHeader  string        `json:"api_key_header,omitempty"`

	HL7Version           string   `json:"hl7_version"`
	SendingApplication   string   `json:"sending_application,omitempty"`
	SendingFacility      string   `json:"sending_facility,omitempty"`
	ReceivingApplication string   `json:"receiving_application,omitempty"`
	ReceivingFacility    string   `json:"receiving_facility,omitempty"`
	SupportedTriggers    []string `json:"supported_triggers"`
	AckRequired          bool     `json:"ack_required"`
	AckTimeoutMS         int      `json:"ack_timeout_ms"`

	FHIRVersion          string   `json:"fhir_version"`
	SupportedResources   []string `json:"supported_resources"`
	OAuthTokenURL        string   `json:"oauth_token_url,omitempty"`
	OAuthClientID        string   `json:"oauth_client_id,omitempty"`
	OAuthClientSecretEnc string   `json:"-"`
	OAuthScopes          []string `json:"oauth_scopes"`

	WebhookEnabled         bool     `json:"webhook_enabled"`
	WebhookAPIKeyEnc       string   `json:"-"`
	WebhookHMACSecretEnc   string   `json:"-"`
	WebhookAPIKeyHeader    string   `json:"webhook_api_key_header"`
	WebhookSignatureHeader string   `json:"webhook_signature_header"`
	WebhookIPAllowlist     []string `json:"webhook_ip_allowlist"`
	WebhookRateLimit       int      `json:"webhook_rate_limit"`
	WebhookRateWindowSec   int      `json:"webhook_rate_window_sec"`

	InboundDir  string `json:"inbound_dir,omitempty"`
	OutboundDir string `json:"outbound_dir,omitempty"`

	AutoCreatePatients bool             `json:"auto_create_patients"`
	MatchingStrategy   MatchingStrategy `json:"matching_strategy"`
	MatchFields        []string         `json:"match_fields"`
	AutoCompleteOrders bool             `json:"auto_complete_orders"`

	RetryEnabled     bool `json:"retry_enabled"`
	RetryMaxAttempts int  `json:"retry_max_attempts"`
	RetryDelayMS     int  `json:"retry_delay_ms"`

	MessagesReceived int64      `json:"messages_received"`
	MessagesSent     int64      `json:"messages_sent"`
	MessagesErrored  int64      `json:"messages_errored"`
	LastSyncAt       *time.Time `json:"last_sync_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalJSON reports which secrets are set without exposing them.
func (c Config) MarshalJSON() ([]byte, error) {
	type plain Config
	return json.Marshal(struct {
		plain
		HasCredential        bool `json:"has_credential"`
		HasOAuthClientSecret bool `json:"has_oauth_client_secret"`
		HasWebhookAPIKey     bool `json:"has_webhook_api_key"`
		HasWebhookHMACSecret bool `json:"has_webhook_hmac_secret"`
	}{
		plain:                plain(c),
		HasCredential:        c.CredentialEnc != "",
		HasOAuthClientSecret: c.OAuthClientSecretEnc != "",
		HasWebhookAPIKey:     c.WebhookAPIKeyEnc != "",
		HasWebhookHMACSecret: c.WebhookHMACSecretEnc != "",
	})
}

// sealed returns the stored ciphertext for a credential field.
func (c *Config) sealed(f CredentialField) string {
	switch f {
	case CredentialHTTP:
		return c.CredentialEnc
	case CredentialOAuthClientSecret:
		return c.OAuthClientSecretEnc
	case CredentialWebhookAPIKey:
		return c.WebhookAPIKeyEnc
	case CredentialWebhookHMACSecret:
		return c.WebhookHMACSecretEnc
	}
	return ""
}

func (c *Config) setSealed(f CredentialField, v string) {
	switch f {
	case CredentialHTTP:
		c.CredentialEnc = v
	case CredentialOAuthClientSecret:
		c.OAuthClientSecretEnc = v
	case CredentialWebhookAPIKey:
		c.WebhookAPIKeyEnc = v
	case CredentialWebhookHMACSecret:
		c.WebhookHMACSecretEnc = v
	}
}

// ApplyDefaults fills unset settings with the registry defaults.
func (c *Config) ApplyDefaults() {
	if c.Status == "" {
		c.Status = StatusInactive
	}
	if c.AuthMode == "" {
		c.AuthMode = fhir.AuthNone
	}
	if c.HL7Version == "" {
		c.HL7Version = "2.5.1"
	}
	if c.AckTimeoutMS == 0 {
		c.AckTimeoutMS = 30000
	}
	if c.FHIRVersion == "" {
		c.FHIRVersion = "R4"
	}
	if c.WebhookAPIKeyHeader == "" {
		c.WebhookAPIKeyHeader = "X-API-Key"
	}
	if c.WebhookSignatureHeader == "" {
		c.WebhookSignatureHeader = "X-Signature"
	}
	if c.WebhookRateWindowSec == 0 {
		c.WebhookRateWindowSec = 60
	}
	if c.MatchingStrategy == "" {
		c.MatchingStrategy = MatchIDOnly
	}
	if c.RetryMaxAttempts == 0 {
		c.RetryMaxAttempts = 3
	}
	if c.RetryDelayMS == 0 {
		c.RetryDelayMS = 1000
	}
}

// Validate reports every invalid setting keyed by its JSON name.
func (c *Config) Validate() error {
	var errs errsx.Map

	if strings.TrimSpace(c.Name) == "" {
		errs.Set("name", "is required")
	}
	if !c.Transport.Valid() {
		errs.Set("transport", fmt.Sprintf("unknown transport %q", c.Transport))
	}
	if !c.Status.Valid() {
		errs.Set("status", fmt.Sprintf("unknown status %q", c.Status))
	}

	switch c.Transport {
	case TransportMLLP:
		if c.Host == "" {
			errs.Set("host", "is required for mllp")
		}
		if c.Port < 1 || c.Port > 65535 {
			errs.Set("port", "must be between 1 and 65535")
		}
	case TransportHTTPHL7, TransportFHIRREST, TransportCustomAPI:
		if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs.Set("base_url", "must be an absolute http or https URL")
		}
	case TransportFileDrop:
		if c.InboundDir == "" && c.OutboundDir == "" {
			errs.Set("inbound_dir", "inbound_dir or outbound_dir is required for file_drop")
		}
	}

	switch c.AuthMode {
	case fhir.AuthNone, fhir.AuthBasic, fhir.AuthBearer, fhir.AuthAPIKey:
	case fhir.AuthOAuth2:
		if c.OAuthTokenURL == "" {
			errs.Set("oauth_token_url", "is required for oauth2")
		}
		if c.OAuthClientID == "" {
			errs.Set("oauth_client_id", "is required for oauth2")
		}
	default:
		errs.Set("auth_mode", fmt.Sprintf("unknown auth mode %q", c.AuthMode))
	}

	if !c.MatchingStrategy.Valid() {
		errs.Set("matching_strategy", fmt.Sprintf("unknown strategy %q", c.MatchingStrategy))
	}
	for _, f := range c.MatchFields {
		if !MatchField(f).Valid() {
			errs.Set("match_fields", fmt.Sprintf("unknown match field %q", f))
			break
		}
	}
	for _, entry := range c.WebhookIPAllowlist {
		if _, err := ParseAllowlistEntry(entry); err != nil {
			errs.Set("webhook_ip_allowlist", err)
			break
		}
	}
	if c.WebhookRateLimit < 0 {
		errs.Set("webhook_rate_limit", "must not be negative")
	}
	if c.WebhookRateLimit > 0 && c.WebhookRateWindowSec <= 0 {
		errs.Set("webhook_rate_window_sec", "must be positive when a rate limit is set")
	}
	if c.AckTimeoutMS <= 0 {
		errs.Set("ack_timeout_ms", "must be positive")
	}
	if c.RetryEnabled && c.RetryMaxAttempts < 1 {
		errs.Set("retry_max_attempts", "must be at least 1")
	}
	if c.RetryDelayMS < 0 {
		errs.Set("retry_delay_ms", "must not be negative")
	}

	if !errs.IsEmpty() {
		return errs.AsError()
	}
	return nil
}

// ParseAllowlistEntry accepts a single address or a CIDR block.
func ParseAllowlistEntry(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, block, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q", entry)
		}
		return block, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", entry)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip, bits = v4, 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}

// Endpoint is the MLLP peer address.
func (c *Config) Endpoint() hl7v2.Endpoint {
	return hl7v2.Endpoint{Host: c.Host, Port: c.Port, TLS: c.TLSEnabled}
}

// RetryPolicy is the connection retry policy for outbound sends.
func (c *Config) RetryPolicy() hl7v2.RetryPolicy {
	return hl7v2.RetryPolicy{
		Enabled:     c.RetryEnabled,
		MaxAttempts: c.RetryMaxAttempts,
		Delay:       time.Duration(c.RetryDelayMS) * time.Millisecond,
	}
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMS) * time.Millisecond
}

// SpeaksFHIR reports whether messages for this integration are FHIR
// resources rather than HL7 v2 text.
func (c *Config) SpeaksFHIR() bool {
	return c.Transport == TransportFHIRREST || c.Transport == TransportCustomAPI
}

// SupportsTrigger reports whether an HL7 message type such as "ORU^R01" is
// accepted. An empty list accepts every type.
func (c *Config) SupportsTrigger(messageType string) bool {
	if len(c.SupportedTriggers) == 0 {
		return true
	}
	for _, t := range c.SupportedTriggers {
		if strings.EqualFold(t, messageType) {
			return true
		}
	}
	return false
}

// SupportsResource reports whether a FHIR resource type is accepted. An
// empty list accepts every type.
func (c *Config) SupportsResource(t fhir.ResourceType) bool {
	if len(c.SupportedResources) == 0 {
		return true
	}
	for _, r := range c.SupportedResources {
		if r == string(t) {
			return true
		}
	}
	return false
}

// Header is the MSH template for messages sent to this integration.
func (c *Config) Header() hl7v2.Header {
	return hl7v2.Header{
		SendingApplication:   c.SendingApplication,
		SendingFacility:      c.SendingFacility,
		ReceivingApplication: c.ReceivingApplication,
		ReceivingFacility:    c.ReceivingFacility,
		ProcessingID:         "P",
		Version:              c.HL7Version,
	}
}

// TestMapping translates one internal test code to the laboratory's code.
type TestMapping struct {
	ID                uuid.UUID `json:"id"`
	IntegrationID     uuid.UUID `json:"integration_id"`
	InternalCode      string    `json:"internal_code"`
	InternalName      string    `json:"internal_name,omitempty"`
	ExternalCode      string    `json:"external_code"`
	ExternalName      string    `json:"external_name,omitempty"`
	CodingSystem      string    `json:"coding_system,omitempty"`
	SpecimenType      string    `json:"specimen_type,omitempty"`
	SpecimenContainer string    `json:"specimen_container,omitempty"`
	SpecimenVolume    string    `json:"specimen_volume,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (m *TestMapping) Validate() error {
	var errs errsx.Map
	if strings.TrimSpace(m.InternalCode) == "" {
		errs.Set("internal_code", "is required")
	}
	if strings.TrimSpace(m.ExternalCode) == "" {
		errs.Set("external_code", "is required")
	}
	if !errs.IsEmpty() {
		return errs.AsError()
	}
	return nil
}
