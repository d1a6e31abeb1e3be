package integration

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/hengadev/errsx"

	"github.com/ehr/labbridge/internal/platform/fhir"
)

func TestConfig_MarshalJSON_HidesSecrets(t *testing.T) {
	c := Config{
		Name:                 "LIS",
		CredentialEnc:        "v1:AAAA",
		WebhookHMACSecretEnc: "v1:BBBB",
	}
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(data)
	if strings.Contains(s, "v1:AAAA") || strings.Contains(s, "v1:BBBB") {
		t.Fatalf("ciphertext leaked: %s", s)
	}
	var out map[string]interface{}
	json.Unmarshal(data, &out)
	if out["has_credential"] != true || out["has_webhook_hmac_secret"] != true ||
		out["has_webhook_api_key"] != false || out["has_oauth_client_secret"] != false {
		t.Errorf("unexpected has_* flags: %s", s)
	}
	if out["name"] != "LIS" {
		t.Errorf("expected plain fields to be kept: %s", s)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	if c.Status != StatusInactive || c.AuthMode != fhir.AuthNone || c.MatchingStrategy != MatchIDOnly {
		t.Errorf("unexpected enum defaults %+v", c)
	}
	if c.WebhookAPIKeyHeader != "X-API-Key" || c.WebhookSignatureHeader != "X-Signature" || c.WebhookRateWindowSec != 60 {
		t.Errorf("unexpected webhook defaults %+v", c)
	}
	if c.RetryMaxAttempts != 3 || c.RetryDelayMS != 1000 || c.FHIRVersion != "R4" {
		t.Errorf("unexpected retry defaults %+v", c)
	}

	custom := Config{HL7Version: "2.3", AckTimeoutMS: 5000}
	custom.ApplyDefaults()
	if custom.HL7Version != "2.3" || custom.AckTimeoutMS != 5000 {
		t.Error("defaults must not override explicit settings")
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		c := Config{Name: "LIS", Transport: TransportMLLP, Host: "h", Port: 2575}
		c.ApplyDefaults()
		return c
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing name", func(c *Config) { c.Name = " " }, "name"},
		{"bad transport", func(c *Config) { c.Transport = "carrier_pigeon" }, "transport"},
		{"bad status", func(c *Config) { c.Status = "paused" }, "status"},
		{"mllp without host", func(c *Config) { c.Host = "" }, "host"},
		{"port out of range", func(c *Config) { c.Port = 0 }, "port"},
		{"fhir relative url", func(c *Config) { c.Transport = TransportFHIRREST; c.BaseURL = "/fhir" }, "base_url"},
		{"fhir ftp url", func(c *Config) { c.Transport = TransportFHIRREST; c.BaseURL = "ftp://x" }, "base_url"},
		{"file drop without dirs", func(c *Config) { c.Transport = TransportFileDrop }, "inbound_dir"},
		{"oauth2 without token url", func(c *Config) { c.AuthMode = fhir.AuthOAuth2; c.OAuthClientID = "id" }, "oauth_token_url"},
		{"oauth2 without client id", func(c *Config) { c.AuthMode = fhir.AuthOAuth2; c.OAuthTokenURL = "https://t" }, "oauth_client_id"},
		{"unknown auth", func(c *Config) { c.AuthMode = "kerberos" }, "auth_mode"},
		{"bad strategy", func(c *Config) { c.MatchingStrategy = "fuzzy" }, "matching_strategy"},
		{"bad match field", func(c *Config) { c.MatchFields = []string{"gender", "shoe_size"} }, "match_fields"},
		{"bad allowlist", func(c *Config) { c.WebhookIPAllowlist = []string{"10.0.0.1", "nope"} }, "webhook_ip_allowlist"},
		{"negative rate", func(c *Config) { c.WebhookRateLimit = -1 }, "webhook_rate_limit"},
		{"rate without window", func(c *Config) { c.WebhookRateLimit = 5; c.WebhookRateWindowSec = 0 }, "webhook_rate_window_sec"},
		{"retry without attempts", func(c *Config) { c.RetryEnabled = true; c.RetryMaxAttempts = 0 }, "retry_max_attempts"},
		{"negative ack timeout", func(c *Config) { c.AckTimeoutMS = -5 }, "ack_timeout_ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			errs, ok := err.(errsx.Map)
			if !ok {
				t.Fatalf("expected errsx.Map, got %T (%v)", err, err)
			}
			if _, ok := errs[tt.field]; !ok {
				t.Errorf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	c := Config{
		Transport:          TransportMLLP,
		Host:               "lis",
		Port:               2575,
		TLSEnabled:         true,
		RetryEnabled:       true,
		RetryMaxAttempts:   3,
		RetryDelayMS:       5000,
		AckTimeoutMS:       1500,
		SendingApplication: "CLINIC",
		ReceivingFacility:  "LAB",
		HL7Version:         "2.5.1",
		SupportedTriggers:  []string{"ORU^R01", "ADT^A08"},
		SupportedResources: []string{"DiagnosticReport"},
	}
	ep := c.Endpoint()
	if ep.Host != "lis" || ep.Port != 2575 || !ep.TLS {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	p := c.RetryPolicy()
	if !p.Enabled || p.MaxAttempts != 3 || p.Delay != 5*time.Second {
		t.Errorf("unexpected policy %+v", p)
	}
	if c.AckTimeout() != 1500*time.Millisecond {
		t.Errorf("unexpected ack timeout %v", c.AckTimeout())
	}
	if !c.SupportsTrigger("oru^r01") || c.SupportsTrigger("ORM^O01") {
		t.Error("trigger filter mismatch")
	}
	if !c.SupportsResource(fhir.TypeDiagnosticReport) || c.SupportsResource(fhir.TypePatient) {
		t.Error("resource filter mismatch")
	}
	if c.SpeaksFHIR() {
		t.Error("mllp integrations speak HL7")
	}
	h := c.Header()
	if h.SendingApplication != "CLINIC" || h.ReceivingFacility != "LAB" || h.Version != "2.5.1" || h.ProcessingID != "P" {
		t.Errorf("unexpected header %+v", h)
	}

	var open Config
	if !open.SupportsTrigger("ANY^THING") || !open.SupportsResource(fhir.TypePatient) {
		t.Error("empty lists must accept everything")
	}
}

func TestTestMapping_Validate(t *testing.T) {
	if err := (&TestMapping{InternalCode: "CBC", ExternalCode: "58410-2"}).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := (&TestMapping{}).Validate()
	errs, ok := err.(errsx.Map)
	if !ok || len(errs) != 2 {
		t.Errorf("expected two field errors, got %v", err)
	}
}
