package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pushinapp/blockd/internal/domain"
)

const consentFileName = "consent.json"

// consentRecord is the persisted consent state.
type consentRecord struct {
	Status      domain.AuthorizationStatus `json:"status"`
	Explanation string                     `json:"explanation,omitempty"`
	DecidedAt   int64                      `json:"decided_at,omitempty"`
}

// FileConsentProvider implements domain.ConsentProvider with a local
// state file. A missing file reads as notDetermined. A "restricted"
// state can only be set externally (e.g. by a managing profile writing
// the file); Request never transitions out of it.
type FileConsentProvider struct {
	path string

	// prompt decides the outcome of a consent request. The default
	// grants: on this platform the person invoking the CLI is the
	// device owner, so invoking the request is the consent gesture.
	prompt func(ctx context.Context, explanation string) (domain.AuthorizationStatus, error)
}

// NewFileConsentProvider creates a consent provider for the given data directory.
func NewFileConsentProvider(dataDir string) *FileConsentProvider {
	return &FileConsentProvider{
		path: filepath.Join(dataDir, consentFileName),
		prompt: func(ctx context.Context, explanation string) (domain.AuthorizationStatus, error) {
			return domain.AuthApproved, nil
		},
	}
}

// NewFileConsentProviderWithPrompt creates a provider with a custom
// prompt outcome (for testing denied flows).
func NewFileConsentProviderWithPrompt(
	dataDir string,
	prompt func(ctx context.Context, explanation string) (domain.AuthorizationStatus, error),
) *FileConsentProvider {
	p := NewFileConsentProvider(dataDir)
	p.prompt = prompt
	return p
}

// Status returns the current consent state.
func (p *FileConsentProvider) Status() (domain.AuthorizationStatus, error) {
	rec, err := p.read()
	if err != nil {
		return domain.AuthNotDetermined, domain.Wrap(domain.CodeAuthError, err, "failed to read consent state")
	}
	return rec.Status, nil
}

// Request prompts for consent and persists the outcome. Safe to call
// repeatedly: already-approved and restricted states are returned as-is
// without re-prompting.
func (p *FileConsentProvider) Request(ctx context.Context, explanation string) (domain.AuthorizationStatus, error) {
	rec, err := p.read()
	if err != nil {
		return domain.AuthNotDetermined, domain.Wrap(domain.CodeAuthError, err, "failed to read consent state")
	}

	if rec.Status == domain.AuthApproved || rec.Status == domain.AuthRestricted {
		return rec.Status, nil
	}

	status, err := p.prompt(ctx, explanation)
	if err != nil {
		return domain.AuthNotDetermined, domain.Wrap(domain.CodeAuthError, err, "consent prompt failed")
	}

	rec.Status = status
	rec.Explanation = explanation
	rec.DecidedAt = time.Now().Unix()

	if err := p.write(rec); err != nil {
		return status, domain.Wrap(domain.CodeAuthError, err, "failed to persist consent state")
	}
	return status, nil
}

func (p *FileConsentProvider) read() (consentRecord, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return consentRecord{Status: domain.AuthNotDetermined}, nil
		}
		return consentRecord{}, err
	}

	var rec consentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return consentRecord{}, fmt.Errorf("corrupt consent file: %w", err)
	}
	if rec.Status == "" {
		rec.Status = domain.AuthNotDetermined
	}
	return rec, nil
}

func (p *FileConsentProvider) write(rec consentRecord) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0700); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(p.path, data, 0600)
}

// Ensure FileConsentProvider implements domain.ConsentProvider.
var _ domain.ConsentProvider = (*FileConsentProvider)(nil)
