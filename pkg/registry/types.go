// Package registry defines the canonical wire and domain types shared by the
// Index, Storage, and Auth backend contracts and the publish orchestrator.
package registry

import "time"

// DependencyKind describes when a dependency edge applies.
type DependencyKind string

const (
	DependencyKindNormal DependencyKind = "normal"
	DependencyKindDev    DependencyKind = "dev"
	DependencyKindBuild  DependencyKind = "build"
)

// Package is the top-level named entity. Its identity is (Name, Registry): Registry
// is empty for packages hosted by this instance, or the URL of an external registry
// for placeholder rows auto-created from a dependency edge.
type Package struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Registry    string    `json:"registry,omitempty"`
	Description string    `json:"description,omitempty"`
	Homepage    string    `json:"homepage,omitempty"`
	Repository  string    `json:"repository,omitempty"`
	Documentation string  `json:"documentation,omitempty"`
	Categories  []string  `json:"categories,omitempty"`
	Keywords    []string  `json:"keywords,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Version belongs to exactly one Package. Checksum and dependency set are immutable
// once the row exists; only Yanked may change after publish.
type Version struct {
	ID           int64        `json:"id"`
	PackageID    int64        `json:"package_id"`
	PackageName  string       `json:"package_name"`
	Num          string       `json:"num"`
	Checksum     string       `json:"checksum"`
	Yanked       bool         `json:"yanked"`
	Links        string       `json:"links,omitempty"`
	Features     []Feature    `json:"features,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Feature belongs to exactly one Version.
type Feature struct {
	VersionID int64    `json:"-"`
	Name      string   `json:"name"`
	Needs     []string `json:"needs,omitempty"`
}

// Dependency is a directed edge from a Version to a dependency Package, keyed by the
// logical (Name, ExternalRegistry) pair rather than a foreign key to a row, so that
// the dependency graph can reference packages this instance has never seen published.
type Dependency struct {
	Name             string         `json:"name"`
	ExternalRegistry string         `json:"registry,omitempty"`
	Requirement      string         `json:"req"`
	Features         []string       `json:"features,omitempty"`
	Optional         bool           `json:"optional"`
	DefaultFeatures  bool           `json:"default_features"`
	Target           string         `json:"target,omitempty"`
	Kind             DependencyKind `json:"kind"`
	Rename           string         `json:"explicit_name_in_toml,omitempty"`
}

// SparseIndexEntry is one NDJSON line of a package's sparse index file.
type SparseIndexEntry struct {
	Name         string             `json:"name"`
	Vers         string             `json:"vers"`
	Deps         []SparseIndexDep   `json:"deps"`
	Cksum        string             `json:"cksum"`
	Features     map[string][]string `json:"features,omitempty"`
	Yanked       bool               `json:"yanked"`
	Links        string             `json:"links,omitempty"`
}

// SparseIndexDep is the dependency shape nested inside a SparseIndexEntry.
type SparseIndexDep struct {
	Name            string   `json:"name"`
	Req             string   `json:"req"`
	Features        []string `json:"features,omitempty"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Target          string   `json:"target,omitempty"`
	Kind            string   `json:"kind"`
	Package         string   `json:"package,omitempty"`
	Registry        string   `json:"registry,omitempty"`
}

// VersionStatus is what the index reports for a known (name, version) pair:
// the download path checks it before touching object storage, and the yanked
// flag and checksum ride along so the caller never needs a second lookup.
type VersionStatus struct {
	Yanked   bool   `json:"yanked"`
	Checksum string `json:"checksum"`
}

// PackageSummary is the listing shape returned by search and by the full
// package dump. Search fills the name/description/max-version subset; the
// dump also carries the URLs, the published version set, and the
// category/keyword tags.
type PackageSummary struct {
	Name          string   `json:"name"`
	MaxVersion    string   `json:"max_version"`
	Description   string   `json:"description,omitempty"`
	Homepage      string   `json:"homepage,omitempty"`
	Repository    string   `json:"repository,omitempty"`
	Documentation string   `json:"documentation,omitempty"`
	Versions      []string `json:"versions,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	VersionCount  int      `json:"version_count"`
	DownloadCount int64    `json:"download_count"`
}

// SearchResult wraps a page of search hits with the total match count.
type SearchResult struct {
	Packages []PackageSummary `json:"crates"`
	Meta     SearchMeta       `json:"meta"`
}

// SearchMeta carries the total count for pagination.
type SearchMeta struct {
	Total int `json:"total"`
}

// User is a registered account.
type User struct {
	ID           int64  `json:"id"`
	Username     string `json:"login"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	ExternalSub  string `json:"-"`
}

// Owner is the ownership-listing shape returned by the owners endpoints.
type Owner struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
}

// PublishMetadata is the JSON object preceding the tarball bytes in the
// publish framing.
type PublishMetadata struct {
	Name            string       `json:"name"`
	Vers            string       `json:"vers"`
	Deps            []Dependency `json:"deps"`
	Features        map[string][]string `json:"features,omitempty"`
	Description     string       `json:"description,omitempty"`
	Homepage        string       `json:"homepage,omitempty"`
	Documentation   string       `json:"documentation,omitempty"`
	Repository      string       `json:"repository,omitempty"`
	Categories      []string     `json:"categories,omitempty"`
	Keywords        []string     `json:"keywords,omitempty"`
	Links           string       `json:"links,omitempty"`
}

// PublishOutcome is returned to the client after a successful publish.
type PublishOutcome struct {
	Name     string              `json:"name"`
	Vers     string              `json:"vers"`
	Warnings PublishWarnings     `json:"warnings"`
}

// PublishWarnings carries non-fatal publish-time notices.
type PublishWarnings struct {
	InvalidCategories []string `json:"invalid_categories,omitempty"`
	InvalidBadges     []string `json:"invalid_badges,omitempty"`
	Other             []string `json:"other,omitempty"`
}

// Token is an issued API token. The plaintext is returned exactly once, at issuance;
// only its peppered hash and a short display prefix are persisted.
type Token struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"-"`
	Name      string    `json:"name"`
	Prefix    string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastUsed  *time.Time `json:"last_used_at,omitempty"`
}
