// Package release locates the newest eligible release in a JSON release index.
package release

import (
	"relupd/internal/version"
)

// Release describes one published release. Values are not modified after
// they leave the locator.
type Release struct {
	Tag     string
	Version version.Version
	Name    string
	Notes   string
	HTMLURL string
	Assets  []Asset
}

// Asset is a downloadable artifact attached to a release.
type Asset struct {
	Name        string
	DownloadURL string
	// Size is the advertised size in bytes, 0 when unknown.
	Size int64
}

// FirstAsset returns the first asset, if any.
func (r *Release) FirstAsset() (Asset, bool) {
	if r == nil || len(r.Assets) == 0 {
		return Asset{}, false
	}
	return r.Assets[0], true
}
