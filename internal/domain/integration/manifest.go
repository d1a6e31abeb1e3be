package integration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ehr/labbridge/internal/platform/apperr"
)

// Manifest declares integrations, their test mappings and the environment
// variables holding their secrets, so a deployment can be provisioned from
// a file:
//
//	integrations:
//	  - name: Main LIS
//	    transport: mllp
//	    status: active
//	    host: lis.example.org
//	    port: 2575
//	    credentials_env:
//	      webhook_hmac_secret: MAIN_LIS_HMAC
//	    mappings:
//	      - internal_code: GLU
//	        external_code: "2345-7"
type Manifest struct {
	Integrations []ManifestEntry
}

// ManifestEntry is one integration of a manifest. Settings use the same
// names as the JSON API.
type ManifestEntry struct {
	Config         *Config
	StatusSet      bool
	CredentialsEnv map[CredentialField]string
	Mappings       []*TestMapping
}

type rawManifest struct {
	Integrations []rawEntry `yaml:"integrations"`
}

type rawEntry struct {
	Settings       map[string]interface{}   `yaml:",inline"`
	CredentialsEnv map[string]string        `yaml:"credentials_env"`
	Mappings       []map[string]interface{} `yaml:"mappings"`
}

// ParseManifest decodes a YAML manifest. Secrets cannot be written into the
// file itself; any *_enc setting is rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "MANIFEST_INVALID", "manifest is not valid YAML", err)
	}
	if len(raw.Integrations) == 0 {
		return nil, apperr.New(apperr.KindValidation, "MANIFEST_EMPTY", "manifest declares no integrations")
	}

	m := &Manifest{}
	seen := make(map[string]bool)
	for i, re := range raw.Integrations {
		entry, err := re.decode()
		if err != nil {
			return nil, apperr.Wrapf(apperr.KindValidation, "MANIFEST_INVALID", err, "integration %d", i+1)
		}
		key := strings.ToLower(entry.Config.Name)
		if seen[key] {
			return nil, apperr.New(apperr.KindValidation, "MANIFEST_DUPLICATE",
				fmt.Sprintf("integration %q is declared twice", entry.Config.Name))
		}
		seen[key] = true
		m.Integrations = append(m.Integrations, entry)
	}
	return m, nil
}

func (re rawEntry) decode() (ManifestEntry, error) {
	var entry ManifestEntry
	for k := range re.Settings {
		if strings.HasSuffix(k, "_enc") || CredentialField(k).Valid() {
			return entry, fmt.Errorf("%s: secrets must be given through credentials_env", k)
		}
	}
	_, entry.StatusSet = re.Settings["status"]

	entry.Config = &Config{}
	if err := remarshal(re.Settings, entry.Config); err != nil {
		return entry, err
	}
	if strings.TrimSpace(entry.Config.Name) == "" {
		return entry, errors.New("name is required")
	}

	entry.CredentialsEnv = make(map[CredentialField]string, len(re.CredentialsEnv))
	for k, env := range re.CredentialsEnv {
		f := CredentialField(k)
		if !f.Valid() {
			return entry, fmt.Errorf("%s: unknown credential field %q", entry.Config.Name, k)
		}
		entry.CredentialsEnv[f] = env
	}

	for _, rm := range re.Mappings {
		tm := &TestMapping{Active: true}
		if err := remarshal(rm, tm); err != nil {
			return entry, fmt.Errorf("%s: mapping: %w", entry.Config.Name, err)
		}
		entry.Mappings = append(entry.Mappings, tm)
	}
	return entry, nil
}

// remarshal decodes a YAML mapping through JSON so the API field names apply.
func remarshal(in interface{}, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// ApplyResult reports what ApplyManifest did for one integration.
type ApplyResult struct {
	Name            string    `json:"name"`
	ID              uuid.UUID `json:"id"`
	Created         bool      `json:"created"`
	Credentials     int       `json:"credentials"`
	MappingsCreated int       `json:"mappings_created"`
	MappingsUpdated int       `json:"mappings_updated"`
}

// ApplyManifest creates or updates every integration of m by name. Secret
// values are read with lookupEnv; a variable that is not set is an error
// and stops the run before the integration is touched.
func (s *Service) ApplyManifest(ctx context.Context, m *Manifest, lookupEnv func(string) (string, bool)) ([]ApplyResult, error) {
	results := make([]ApplyResult, 0, len(m.Integrations))
	for _, entry := range m.Integrations {
		res, err := s.applyEntry(ctx, entry, lookupEnv)
		if err != nil {
			return results, fmt.Errorf("integration %q: %w", entry.Config.Name, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *Service) applyEntry(ctx context.Context, entry ManifestEntry, lookupEnv func(string) (string, bool)) (ApplyResult, error) {
	res := ApplyResult{Name: entry.Config.Name}

	secrets := make(map[CredentialField]string, len(entry.CredentialsEnv))
	for f, env := range entry.CredentialsEnv {
		v, ok := lookupEnv(env)
		if !ok {
			return res, apperr.New(apperr.KindConfig, "MANIFEST_SECRET_MISSING",
				fmt.Sprintf("environment variable %s for %s is not set", env, f))
		}
		secrets[f] = v
	}

	c := *entry.Config
	existing, err := s.repo.GetByName(ctx, c.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.Create(ctx, &c); err != nil {
			return res, err
		}
		res.Created = true
	case err != nil:
		return res, err
	default:
		c.ID = existing.ID
		if err := s.Update(ctx, &c); err != nil {
			return res, err
		}
		if entry.StatusSet && entry.Config.Status != existing.Status {
			if err := s.SetStatus(ctx, c.ID, entry.Config.Status); err != nil {
				return res, err
			}
		}
	}
	res.ID = c.ID

	for f, v := range secrets {
		if err := s.SetCredential(ctx, c.ID, f, v); err != nil {
			return res, err
		}
		res.Credentials++
	}

	if len(entry.Mappings) > 0 {
		res.MappingsCreated, res.MappingsUpdated, err = s.ImportMappings(ctx, c.ID, entry.Mappings)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}
