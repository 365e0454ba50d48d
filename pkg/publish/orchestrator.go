package publish

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/spokehub/registry/pkg/auth"
	"github.com/spokehub/registry/pkg/index"
	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/registry"
	"github.com/spokehub/registry/pkg/tarball"
)

// nameRegexp is the package-name grammar: a letter, then up to 63 letters,
// digits, underscores, or hyphens.
var nameRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,63}$`)

// Orchestrator is the sole multi-backend transaction: validate, authorize,
// compute checksum, write tarball, commit index, compensate on failure. The
// storage write runs as a callback inside the index's open transaction, so a
// storage failure rolls the metadata back and a metadata failure triggers a
// compensating delete of the tarball.
type Orchestrator struct {
	Index        index.Index
	Storage      tarball.Storage
	Auth         auth.Auth
	MaxCrateSize int64
	Logger       *observability.Logger

	// Metrics is optional; when set, every publish attempt is counted and
	// timed under the registry_publish_* series.
	Metrics *observability.Metrics
}

// Publish runs the full pipeline — decode framing, validate, authorize,
// checksum, storage-inside-index-transaction write, first-publish ownership
// grant — and returns the client-facing outcome or a typed *registry.Error
// for the request-surface edge to map to an HTTP status.
func (o *Orchestrator) Publish(ctx context.Context, token string, body io.Reader) (outcome registry.PublishOutcome, err error) {
	start := time.Now()
	status := "ok"
	defer func() {
		if err != nil {
			status = string(registry.KindOf(err))
		}
		if o.Metrics != nil {
			o.Metrics.PublishTotal.WithLabelValues(status).Inc()
			o.Metrics.PublishDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
		}
	}()

	meta, tarballBytes, decodeErr := DecodeFraming(body, o.MaxCrateSize)
	if decodeErr != nil {
		return registry.PublishOutcome{}, decodeErr
	}

	warnings, validateErr := o.validateMetadata(&meta)
	if validateErr != nil {
		return registry.PublishOutcome{}, validateErr
	}

	if int64(len(tarballBytes)) > o.MaxCrateSize {
		return registry.PublishOutcome{}, registry.PayloadTooLarge(
			fmt.Sprintf("tarball of %d bytes exceeds the %d byte limit", len(tarballBytes), o.MaxCrateSize), nil)
	}

	identity, verifyErr := o.Auth.VerifyToken(ctx, token)
	if verifyErr != nil {
		return registry.PublishOutcome{}, registry.Unauthorized("invalid or missing token", verifyErr)
	}

	owners, listErr := o.Auth.ListOwners(ctx, meta.Name)
	if listErr != nil {
		return registry.PublishOutcome{}, registry.AuthIO("list owners", listErr)
	}
	firstPublish := len(owners) == 0

	if authErr := o.Auth.AuthPublish(ctx, identity, meta.Name); authErr != nil {
		return registry.PublishOutcome{}, registry.Forbidden("not authorized to publish "+meta.Name, authErr)
	}

	sum := sha256.Sum256(tarballBytes)
	checksum := hex.EncodeToString(sum[:])

	stored := false
	endStep := func(ctx context.Context) error {
		if err := o.Storage.PutTarball(ctx, meta.Name, meta.Vers, checksum, bytes.NewReader(tarballBytes), int64(len(tarballBytes))); err != nil {
			return err
		}
		stored = true
		return nil
	}

	version, publishErr := o.Index.Publish(ctx, meta, checksum, endStep)
	if publishErr != nil {
		// end_step may have landed the tarball even though the surrounding
		// transaction then failed to commit (e.g. the connection died between
		// the callback returning and COMMIT) — clean up best-effort. When the
		// put never succeeded (version already exists, conflicting bytes),
		// the object in storage belongs to an earlier publish and is kept.
		if stored {
			o.compensatingDelete(ctx, meta.Name, meta.Vers, "index_commit_failed")
		}
		return registry.PublishOutcome{}, publishErr
	}

	if firstPublish {
		if ownerErr := o.Auth.AddOwner(ctx, meta.Name, identity); ownerErr != nil {
			o.Logger.WithContext(ctx).WithError(ownerErr).WithField("package", meta.Name).Error("first-publish ownership grant failed, rolling back")
			o.compensatingDelete(ctx, meta.Name, meta.Vers, "ownership_grant_failed")
			if yankErr := o.Index.Yank(ctx, meta.Name, version.Num, true); yankErr != nil {
				o.Logger.WithContext(ctx).WithError(yankErr).Warn("compensating yank after ownership failure also failed")
			}
			return registry.PublishOutcome{}, registry.AuthIO("grant first-publish ownership", ownerErr)
		}
	}

	if o.Metrics != nil {
		o.Metrics.TarballBytesTotal.Add(float64(len(tarballBytes)))
	}

	return registry.PublishOutcome{
		Name:     meta.Name,
		Vers:     meta.Vers,
		Warnings: warnings,
	}, nil
}

// compensatingDelete issues a best-effort storage delete after a failed
// publish. Failures are logged at WARN and never override the original error
// returned to the client.
func (o *Orchestrator) compensatingDelete(ctx context.Context, name, version, reason string) {
	if o.Metrics != nil {
		o.Metrics.CompensatingDeletes.WithLabelValues(reason).Inc()
	}
	if err := o.Storage.DeleteTarball(ctx, name, version); err != nil {
		o.Logger.WithContext(ctx).WithError(err).WithField("package", name).WithField("version", version).
			Warn("compensating delete failed")
	}
}

// validateMetadata enforces the metadata grammar and returns the soft
// warnings accumulated by non-fatal normalization: a lowercased name, and
// category names that don't fit the short-string grammar (those are dropped,
// not rejected, matching how clients treat unknown categories).
func (o *Orchestrator) validateMetadata(meta *registry.PublishMetadata) (registry.PublishWarnings, error) {
	var warnings registry.PublishWarnings

	if lowered := strings.ToLower(meta.Name); lowered != meta.Name {
		warnings.Other = append(warnings.Other,
			fmt.Sprintf("package name %q was normalized to %q", meta.Name, lowered))
		meta.Name = lowered
	}
	if !nameRegexp.MatchString(meta.Name) {
		return warnings, registry.BadRequest("invalid package name: "+meta.Name, nil)
	}
	if _, err := semver.NewVersion(meta.Vers); err != nil {
		return warnings, registry.BadRequest("invalid semver version: "+meta.Vers, err)
	}
	if len(meta.Links) > 0 && strings.Contains(meta.Links, ",") {
		return warnings, registry.BadRequest("links must be at most one value", nil)
	}
	for _, dep := range meta.Deps {
		if _, err := semver.NewConstraint(dep.Requirement); err != nil {
			return warnings, registry.BadRequest("invalid dependency requirement for "+dep.Name, err)
		}
		if dep.Name == "" {
			return warnings, registry.BadRequest("dependency name must not be empty", nil)
		}
	}
	for featureName := range meta.Features {
		if featureName == "" {
			return warnings, registry.BadRequest("feature name must not be empty", nil)
		}
	}

	kept := meta.Categories[:0]
	for _, category := range meta.Categories {
		if nameRegexp.MatchString(category) {
			kept = append(kept, category)
			continue
		}
		warnings.InvalidCategories = append(warnings.InvalidCategories, category)
	}
	meta.Categories = kept

	return warnings, nil
}
