package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ClaimStore grants each approval id at most one dispatch, across
// restarts when persistent. A claim is taken before the executor runs.
type ClaimStore interface {
	Claim(ctx context.Context, approvalID string) (bool, error)
}

// MemoryClaims is an in-process ClaimStore.
type MemoryClaims struct {
	m sync.Map
}

// Claim returns true the first time it is called for approvalID.
func (c *MemoryClaims) Claim(_ context.Context, approvalID string) (bool, error) {
	_, loaded := c.m.LoadOrStore(approvalID, time.Now())
	return !loaded, nil
}

var validClaimKey = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// FileClaims records claims as marker files created with O_EXCL.
type FileClaims struct {
	dir string
}

// NewFileClaims creates the claim directory.
func NewFileClaims(dir string) (*FileClaims, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("cannot create claim directory: %w", err)
	}
	return &FileClaims{dir: dir}, nil
}

// Claim creates the marker for approvalID, returning false if it exists.
func (c *FileClaims) Claim(_ context.Context, approvalID string) (bool, error) {
	if !validClaimKey.MatchString(approvalID) || approvalID == "." || approvalID == ".." {
		return false, fmt.Errorf("invalid claim key %q", approvalID)
	}
	f, err := os.OpenFile(filepath.Join(c.dir, approvalID+".claim"), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to claim %s: %w", approvalID, err)
	}
	_, werr := f.WriteString(time.Now().UTC().Format(time.RFC3339Nano) + "\n")
	cerr := f.Close()
	if werr != nil {
		return true, werr
	}
	return true, cerr
}
