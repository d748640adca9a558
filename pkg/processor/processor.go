// Package processor resolves, downloads and persists attachments
// idempotently: deterministic collision-safe paths, signed-URL expiry
// handling, and atomic writes that never expose a partial file.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"attachsync/pkg/apierrors"
	"attachsync/pkg/logger"
	"attachsync/pkg/state"
)

// maxCollisionProbes bounds the numeric-suffix search.
const maxCollisionProbes = 1000

// Downloader is the slice of the Missive client the processor needs.
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
	FreshAttachmentURL(ctx context.Context, messageID, attachmentID string) (string, error)
}

// Ownership answers which attachment a local path belongs to, so the
// existence check can tell "already downloaded by us" apart from "distinct
// attachment with the same sanitized name".
type Ownership interface {
	OwnerOf(localPath string) (string, error)
}

// Processor downloads one attachment per call.
type Processor struct {
	client      Downloader
	ownership   Ownership
	storageRoot string
	rules       PathRules
	// expiryBuffer: a URL expiring within this window is refreshed before
	// the download is attempted.
	expiryBuffer time.Duration
	logger       logger.Logger
}

// New creates a Processor writing under storageRoot.
func New(client Downloader, ownership Ownership, storageRoot string, rules PathRules, expiryBuffer time.Duration, log logger.Logger) (*Processor, error) {
	if err := os.MkdirAll(storageRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Processor{
		client:       client,
		ownership:    ownership,
		storageRoot:  storageRoot,
		rules:        rules,
		expiryBuffer: expiryBuffer,
		logger:       log,
	}, nil
}

// Process downloads the attachment and returns its local path. Reprocessing
// an attachment whose file already exists returns the same path without any
// network call.
func (p *Processor) Process(ctx context.Context, rec state.Record) (string, error) {
	// A previously recorded path that still exists is the one
	// correctness-critical no-network shortcut.
	if rec.LocalPath != "" {
		if _, err := os.Stat(rec.LocalPath); err == nil {
			p.logger.DebugWithFields("attachment already on disk", map[string]interface{}{
				"attachment_id": rec.AttachmentID,
				"local_path":    rec.LocalPath,
			})
			return rec.LocalPath, nil
		}
	}

	dir := Dir(p.storageRoot, rec, p.rules)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination folder: %w", err)
	}

	base := Filename(rec.OriginalFilename, p.rules)

	target, done, err := p.resolveTarget(dir, base, rec.AttachmentID)
	if err != nil {
		return "", err
	}
	if done {
		p.logger.InfoWithFields("attachment already downloaded", map[string]interface{}{
			"attachment_id": rec.AttachmentID,
			"local_path":    target,
		})
		return target, nil
	}

	data, err := p.download(ctx, rec)
	if err != nil {
		return "", err
	}

	final, err := p.write(dir, base, target, data)
	if err != nil {
		return "", err
	}

	p.logger.InfoWithFields("attachment saved", map[string]interface{}{
		"attachment_id": rec.AttachmentID,
		"local_path":    final,
		"bytes":         len(data),
	})
	return final, nil
}

// resolveTarget walks the collision-suffix sequence. It returns either the
// first unused name (done=false), or an existing file that belongs to this
// attachment (done=true): a file nobody else owns is treated as ours, which
// heals a crash between write and status update.
func (p *Processor) resolveTarget(dir, base, attachmentID string) (string, bool, error) {
	for n := 0; n < maxCollisionProbes; n++ {
		target := filepath.Join(dir, WithSuffix(base, n))

		if _, err := os.Stat(target); err != nil {
			if os.IsNotExist(err) {
				return target, false, nil
			}
			return "", false, fmt.Errorf("failed to stat %s: %w", target, err)
		}

		owner, err := p.ownership.OwnerOf(target)
		if err != nil {
			return "", false, err
		}
		if owner == "" || owner == attachmentID {
			return target, true, nil
		}
		// Owned by a distinct attachment with the same sanitized name;
		// probe the next suffix.
	}
	return "", false, fmt.Errorf("no free collision suffix for %s in %s", base, dir)
}

// download fetches the attachment bytes, refreshing the signed URL when it
// is already (or about to be) expired, and exactly once more if the server
// still answers with an authorization failure.
func (p *Processor) download(ctx context.Context, rec state.Record) ([]byte, error) {
	url := rec.OriginalURL

	if url == "" || URLExpiresWithin(url, p.expiryBuffer, time.Now()) {
		p.logger.DebugWithFields("signed url expired, refreshing before download", map[string]interface{}{
			"attachment_id": rec.AttachmentID,
		})
		fresh, err := p.client.FreshAttachmentURL(ctx, rec.MessageID, rec.AttachmentID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh attachment url: %w", err)
		}
		url = fresh
	}

	data, err := p.client.Download(ctx, url)
	if err == nil {
		return data, nil
	}

	var apiErr *apierrors.Error
	if !errors.As(err, &apiErr) || apiErr.Type != apierrors.ErrorTypeURLExpired {
		return nil, err
	}

	// One refresh, one retry. A second authorization failure propagates.
	p.logger.WarnWithFields("download unauthorized, refreshing url once", map[string]interface{}{
		"attachment_id": rec.AttachmentID,
	})
	fresh, err := p.client.FreshAttachmentURL(ctx, rec.MessageID, rec.AttachmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh attachment url: %w", err)
	}
	data, err = p.client.Download(ctx, fresh)
	if err != nil {
		return nil, fmt.Errorf("download failed after url refresh: %w", err)
	}
	return data, nil
}

// write lands data at target atomically: full write to a temp file, then an
// exclusive link into place. Losing the link race to a concurrent worker
// advances the collision suffix instead of overwriting.
func (p *Processor) write(dir, base, target string, data []byte) (string, error) {
	tmp := filepath.Join(dir, ".download-"+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	defer os.Remove(tmp)

	suffix := suffixIndex(base, target)
	for n := suffix; n < maxCollisionProbes; n++ {
		candidate := filepath.Join(dir, WithSuffix(base, n))
		err := os.Link(tmp, candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("failed to place %s: %w", candidate, err)
		}
	}
	return "", fmt.Errorf("no free collision suffix for %s in %s", base, dir)
}

// suffixIndex recovers which probe produced target so the write retries
// from there.
func suffixIndex(base, target string) int {
	name := filepath.Base(target)
	for n := 0; n < maxCollisionProbes; n++ {
		if WithSuffix(base, n) == name {
			return n
		}
	}
	return 0
}
