package apps

import (
	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// Status is the lifecycle state of an app
type Status string

const (
	StatusNotInstalled       Status = "not installed"
	StatusManifestDownloaded Status = "manifest downloaded"
	StatusTokenAcquired      Status = "token acquired"
	StatusImageDownloaded    Status = "image downloaded"
	StatusInstalled          Status = "installed"
	StatusRemoved            Status = "removed"
	StatusPurged             Status = "purged"
	StatusOrphaned           Status = "orphaned"
	StatusUnknown            Status = "unknown"
)

// App is a named, versioned, installable software product backed by a
// container image and a validated manifest. The manifest body itself lives
// in the manifest store; the record only binds to it after load.
type App struct {
	Key           manifest.AppKey `json:"appKey"`
	Status        Status          `json:"status"`
	Desired       Status          `json:"desired"`
	InstalledSize int64           `json:"installedSize"`

	// DownloadToken survives a crash between token acquisition and image
	// download so the install resumes without another console round trip
	DownloadToken *console.DownloadToken `json:"downloadToken,omitempty"`

	manifest *manifest.Manifest
}

// Manifest returns the bound manifest, if any
func (a *App) Manifest() *manifest.Manifest {
	return a.manifest
}

// SetManifest binds the app to its manifest
func (a *App) SetManifest(m *manifest.Manifest) {
	a.manifest = m
}

// IsSystemApp reports whether the app belongs to the device's base system;
// such apps resist uninstallation unless forced
func (a *App) IsSystemApp() bool {
	if a.manifest == nil {
		return false
	}
	for _, label := range a.manifest.Labels {
		if label.Var == "tech.flecs.category" && label.Value == "system" {
			return true
		}
	}
	return false
}
