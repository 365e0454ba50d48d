package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"context"

	"github.com/Masterminds/semver/v3"

	"github.com/spokehub/registry/pkg/registry"
)

// Filesystem is an alternate Index implementation for small or single-node
// deployments. Each package is one JSON file; writes are atomic (write to a
// temp file in the same directory, then rename), so a crash mid-write can
// never leave a torn file behind.
type Filesystem struct {
	rootDir string
	mu      sync.RWMutex
}

type fsPackageRecord struct {
	Package  registry.Package   `json:"package"`
	Versions []registry.Version `json:"versions"`
	Owners   []registry.Owner   `json:"owners"`
}

// NewFilesystem creates the root directory (if needed) and returns a ready Index.
func NewFilesystem(rootDir string) (*Filesystem, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("index: failed to create root directory: %w", err)
	}
	return &Filesystem{rootDir: rootDir}, nil
}

func (f *Filesystem) packagePath(name string) string {
	return filepath.Join(f.rootDir, strings.ToLower(name)+".json")
}

// HealthCheck reports whether the root directory backing this Index is still
// present and accessible.
func (f *Filesystem) HealthCheck(_ context.Context) error {
	info, err := os.Stat(f.rootDir)
	if err != nil {
		return registry.IndexIO("stat root directory", err)
	}
	if !info.IsDir() {
		return registry.IndexIO("root path is not a directory", nil)
	}
	return nil
}

func (f *Filesystem) readRecord(name string) (*fsPackageRecord, error) {
	data, err := os.ReadFile(f.packagePath(name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, registry.IndexIO("read package record", err)
	}
	var rec fsPackageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, registry.IndexIO("unmarshal package record", err)
	}
	return &rec, nil
}

// writeRecord writes via a temp file in the same directory followed by rename,
// so a reader never observes a partially written file and a crash mid-write never
// corrupts the previous good record.
func (f *Filesystem) writeRecord(name string, rec *fsPackageRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return registry.IndexIO("marshal package record", err)
	}
	target := f.packagePath(name)
	tmp, err := os.CreateTemp(f.rootDir, ".tmp-*")
	if err != nil {
		return registry.IndexIO("create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return registry.IndexIO("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return registry.IndexIO("close temp file", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return registry.IndexIO("rename temp file", err)
	}
	return nil
}

func (f *Filesystem) ConfirmExistence(_ context.Context, name, version string) (registry.VersionStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, err := f.readRecord(name)
	if err != nil {
		return registry.VersionStatus{}, err
	}
	if rec != nil {
		for _, v := range rec.Versions {
			if v.Num == version {
				return registry.VersionStatus{Yanked: v.Yanked, Checksum: v.Checksum}, nil
			}
		}
	}
	return registry.VersionStatus{}, registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
}

func (f *Filesystem) GetSparseEntry(_ context.Context, name string) ([]registry.SparseIndexEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, err := f.readRecord(name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, registry.NotFound("package not found: "+name, nil)
	}

	entries := make([]registry.SparseIndexEntry, 0, len(rec.Versions))
	for _, v := range rec.Versions {
		e := registry.SparseIndexEntry{
			Name:   name,
			Vers:   v.Num,
			Cksum:  v.Checksum,
			Yanked: v.Yanked,
			Links:  v.Links,
		}
		features := make(map[string][]string)
		for _, feat := range v.Features {
			features[feat.Name] = feat.Needs
		}
		e.Features = features
		for _, dep := range v.Dependencies {
			e.Deps = append(e.Deps, registry.SparseIndexDep{
				Name:            dep.Name,
				Req:             dep.Requirement,
				Features:        dep.Features,
				Optional:        dep.Optional,
				DefaultFeatures: dep.DefaultFeatures,
				Target:          dep.Target,
				Kind:            string(dep.Kind),
				Registry:        dep.ExternalRegistry,
			})
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (f *Filesystem) ListAll(_ context.Context) ([]registry.PackageSummary, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names, err := f.listNamesLocked()
	if err != nil {
		return nil, err
	}
	var summaries []registry.PackageSummary
	for _, name := range names {
		rec, err := f.readRecord(name)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		s := registry.PackageSummary{
			Name:          name,
			Description:   rec.Package.Description,
			Homepage:      rec.Package.Homepage,
			Repository:    rec.Package.Repository,
			Documentation: rec.Package.Documentation,
			Categories:    rec.Package.Categories,
			Keywords:      rec.Package.Keywords,
			VersionCount:  len(rec.Versions),
		}
		for _, v := range rec.Versions {
			s.Versions = append(s.Versions, v.Num)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

// listNamesLocked enumerates the package files under the root directory.
// Split out so callers that already hold f.mu (ListAll, Search) can share it
// without re-acquiring the RWMutex — sync.RWMutex gives priority to a waiting
// writer, so a second RLock from the same goroutine while one is already held
// can deadlock against that writer.
func (f *Filesystem) listNamesLocked() ([]string, error) {
	entries, err := os.ReadDir(f.rootDir)
	if err != nil {
		return nil, registry.IndexIO("list root directory", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}

func (f *Filesystem) Search(_ context.Context, query string, perPage int) (registry.SearchResult, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names, err := f.listNamesLocked()
	if err != nil {
		return registry.SearchResult{}, err
	}
	if perPage <= 0 || perPage > 100 {
		perPage = 10
	}

	var hits []registry.PackageSummary
	query = strings.ToLower(query)
	for _, name := range names {
		if query != "" && !strings.Contains(strings.ToLower(name), query) {
			continue
		}
		rec, err := f.readRecord(name)
		if err != nil || rec == nil {
			continue
		}
		hits = append(hits, registry.PackageSummary{
			Name:         name,
			Description:  rec.Package.Description,
			MaxVersion:   maxNonYankedVersion(rec.Versions),
			VersionCount: len(rec.Versions),
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		iExact := hits[i].Name == query
		jExact := hits[j].Name == query
		if iExact != jExact {
			return iExact
		}
		return hits[i].Name < hits[j].Name
	})
	if len(hits) > perPage {
		hits = hits[:perPage]
	}
	return registry.SearchResult{Packages: hits, Meta: registry.SearchMeta{Total: len(hits)}}, nil
}

// maxNonYankedVersion returns the highest semantic version among the
// non-yanked versions. Versions are stored in publish order, so taking the
// last one would report a later-published patch release (1.5.1 after 2.0.0)
// as the maximum; the comparison has to parse.
func maxNonYankedVersion(versions []registry.Version) string {
	var max *semver.Version
	var maxRaw string
	for _, v := range versions {
		if v.Yanked {
			continue
		}
		parsed, err := semver.NewVersion(v.Num)
		if err != nil {
			continue
		}
		if max == nil || parsed.GreaterThan(max) {
			max = parsed
			maxRaw = v.Num
		}
	}
	return maxRaw
}

func (f *Filesystem) Publish(ctx context.Context, meta registry.PublishMetadata, checksum string, endStep EndStep) (registry.Version, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := semver.NewVersion(meta.Vers); err != nil {
		return registry.Version{}, registry.BadRequest("invalid semver version: "+meta.Vers, err)
	}

	rec, err := f.readRecord(meta.Name)
	if err != nil {
		return registry.Version{}, err
	}
	if rec == nil {
		rec = &fsPackageRecord{Package: registry.Package{
			Name:        meta.Name,
			Description: meta.Description,
			Homepage:    meta.Homepage,
			Repository:  meta.Repository,
			Categories:  meta.Categories,
			Keywords:    meta.Keywords,
		}}
	}

	for _, v := range rec.Versions {
		if v.Num == meta.Vers {
			return registry.Version{}, registry.VersionExists(fmt.Sprintf("%s-%s already published", meta.Name, meta.Vers), nil)
		}
	}

	for _, dep := range meta.Deps {
		if _, err := semver.NewConstraint(dep.Requirement); err != nil {
			return registry.Version{}, registry.BadRequest("invalid dependency requirement for "+dep.Name, err)
		}
	}

	features := make([]registry.Feature, 0, len(meta.Features))
	for name, needs := range meta.Features {
		features = append(features, registry.Feature{Name: name, Needs: needs})
	}
	sort.Slice(features, func(i, j int) bool { return features[i].Name < features[j].Name })

	version := registry.Version{
		PackageName:  meta.Name,
		Num:          meta.Vers,
		Checksum:     checksum,
		Links:        meta.Links,
		Features:     features,
		Dependencies: meta.Deps,
	}

	// Run the side-effecting step before mutating the in-memory record, so a
	// failure leaves the on-disk record untouched — the filesystem equivalent of
	// rolling back a transaction.
	if endStep != nil {
		if err := endStep(ctx); err != nil {
			return registry.Version{}, err
		}
	}

	rec.Versions = append(rec.Versions, version)
	if err := f.writeRecord(meta.Name, rec); err != nil {
		return registry.Version{}, err
	}
	return version, nil
}

func (f *Filesystem) Yank(_ context.Context, name, version string, yanked bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec, err := f.readRecord(name)
	if err != nil {
		return err
	}
	if rec == nil {
		return registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
	}
	found := false
	for i := range rec.Versions {
		if rec.Versions[i].Num == version {
			rec.Versions[i].Yanked = yanked
			found = true
			break
		}
	}
	if !found {
		return registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
	}
	return f.writeRecord(name, rec)
}

func (f *Filesystem) ListOwners(_ context.Context, packageName string) ([]registry.Owner, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	rec, err := f.readRecord(packageName)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.Owners, nil
}

func (f *Filesystem) AddOwners(_ context.Context, packageName string, logins []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(packageName)
	if err != nil {
		return err
	}
	if rec == nil {
		return registry.NotFound("package not found: "+packageName, nil)
	}
	existing := make(map[string]bool, len(rec.Owners))
	for _, o := range rec.Owners {
		existing[o.Login] = true
	}
	for _, login := range logins {
		if !existing[login] {
			rec.Owners = append(rec.Owners, registry.Owner{Login: login})
			existing[login] = true
		}
	}
	return f.writeRecord(packageName, rec)
}

func (f *Filesystem) RemoveOwners(_ context.Context, packageName string, logins []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.readRecord(packageName)
	if err != nil || rec == nil {
		return err
	}
	remove := make(map[string]bool, len(logins))
	for _, login := range logins {
		remove[login] = true
	}
	filtered := rec.Owners[:0]
	for _, o := range rec.Owners {
		if !remove[o.Login] {
			filtered = append(filtered, o)
		}
	}
	rec.Owners = filtered
	return f.writeRecord(packageName, rec)
}
