package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/poold/internal/slot"
)

// record is the on-disk form. Unlike Credentials it persists the raw
// material; the file itself is the secret store.
type record struct {
	PrincipalIdentity string    `json:"principal_identity"`
	SecretMaterial    string    `json:"secret_material"`
	IssuedAt          time.Time `json:"issued_at"`
}

// FileVault is a Vault backed by one 0600 JSON file per slot.
type FileVault struct {
	mu      sync.Mutex
	baseDir string
	now     func() time.Time
}

// NewFileVault creates a file-backed vault rooted at baseDir.
func NewFileVault(baseDir string) (*FileVault, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("vault directory is required")
	}
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create vault directory: %w", err)
	}
	return &FileVault{
		baseDir: baseDir,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (v *FileVault) Issue(ctx context.Context, slotID string) (*Credentials, error) {
	if err := slot.ValidateID(slotID); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	path := v.path(slotID)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyIssued, slotID)
	}
	return v.writeLocked(slotID)
}

func (v *FileVault) Get(ctx context.Context, slotID string) (*Credentials, error) {
	if err := slot.ValidateID(slotID); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := os.ReadFile(v.path(slotID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential record: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("credential record corrupted: %w", err)
	}
	return &Credentials{
		PrincipalIdentity: rec.PrincipalIdentity,
		SecretMaterial:    Secret(rec.SecretMaterial),
		IssuedAt:          rec.IssuedAt,
	}, nil
}

func (v *FileVault) Rotate(ctx context.Context, slotID string) (*Credentials, error) {
	if err := slot.ValidateID(slotID); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.path(slotID)); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slotID)
	}
	return v.writeLocked(slotID)
}

func (v *FileVault) Scrub(ctx context.Context, slotID string) error {
	if err := slot.ValidateID(slotID); err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.Remove(v.path(slotID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to scrub credential record: %w", err)
	}
	return nil
}

// writeLocked generates fresh material and persists it atomically. Callers
// must hold v.mu.
func (v *FileVault) writeLocked(slotID string) (*Credentials, error) {
	rec := record{
		PrincipalIdentity: fmt.Sprintf("%s@poold.iam", slotID),
		SecretMaterial:    uuid.NewString() + uuid.NewString(),
		IssuedAt:          v.now(),
	}

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal credential record: %w", err)
	}

	path := v.path(slotID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		return nil, fmt.Errorf("failed to write credential record: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename credential record: %w", err)
	}

	return &Credentials{
		PrincipalIdentity: rec.PrincipalIdentity,
		SecretMaterial:    Secret(rec.SecretMaterial),
		IssuedAt:          rec.IssuedAt,
	}, nil
}

func (v *FileVault) path(slotID string) string {
	return filepath.Join(v.baseDir, slotID+".json")
}

var _ Vault = (*FileVault)(nil)
