// Package flecsport bundles selected apps and instances into a portable
// directory tree and restores them on import.
package flecsport

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/apps"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/instances"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/utils"
	"github.com/flecs-technologies/flecsd/pkg/version"
)

// schemaVersion is recorded in every export manifest; ImportFrom does not
// check it
const schemaVersion = "2.0.0"

// ExportManifest describes the contents of one export bundle
type ExportManifest struct {
	SchemaVersion string `json:"_schemaVersion"`
	Time          string `json:"time"`
	Contents      struct {
		Apps      []manifest.AppKey `json:"apps"`
		Instances []instance.ID     `json:"instances"`
	} `json:"contents"`
	Device struct {
		Hostname string `json:"hostname"`
	} `json:"device"`
	Version struct {
		Core string `json:"core"`
		API  string `json:"api"`
	} `json:"version"`
}

func newExportManifest(appKeys []manifest.AppKey, instanceIDs []instance.ID) ExportManifest {
	m := ExportManifest{
		SchemaVersion: schemaVersion,
		Time:          utils.UnixTimestamp(),
	}
	m.Contents.Apps = appKeys
	m.Contents.Instances = instanceIDs
	m.Device.Hostname, _ = os.Hostname()
	m.Version.Core = version.Core
	m.Version.API = version.API
	return m
}

// Flecsport orchestrates export and import of app/instance bundles
type Flecsport struct {
	Log       *logrus.Entry
	Apps      *apps.Apps
	Instances *instances.Instances
	Jobs      *jobs.Jobs
	BaseDir   string
}

// NewFlecsport wires the module
func NewFlecsport(log *logrus.Entry, appCatalog *apps.Apps, orchestrator *instances.Instances, jobQueue *jobs.Jobs, baseDir string) *Flecsport {
	return &Flecsport{
		Log:       log,
		Apps:      appCatalog,
		Instances: orchestrator,
		Jobs:      jobQueue,
		BaseDir:   baseDir,
	}
}

// QueueExport queues exporting the given apps and instances into a fresh
// exports/<unix_ts>/ bundle, returning the job id and the bundle directory
func (f *Flecsport) QueueExport(appKeys []manifest.AppKey, instanceIDs []instance.ID) (jobs.ID, string) {
	destDir := filepath.Join(f.BaseDir, "exports", utils.UnixTimestamp())
	id := f.Jobs.Append(func(progress *jobs.Progress) error {
		return f.ExportTo(appKeys, instanceIDs, destDir, progress)
	}, "Exporting apps and instances")
	return id, destDir
}

// ExportTo builds the bundle directory tree: one image tarball and manifest
// per app, one volumes/conf tree plus record per instance, and the export
// manifest describing it all
func (f *Flecsport) ExportTo(appKeys []manifest.AppKey, instanceIDs []instance.ID, destDir string, progress *jobs.Progress) error {
	progress.SetNumSteps(int16(len(appKeys) + len(instanceIDs) + 1))

	appsDir := filepath.Join(destDir, "apps")
	instancesDir := filepath.Join(destDir, "instances")
	for _, dir := range []string{appsDir, instancesDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fail.New(fail.Io, "could not create export directory %s", dir)
		}
	}

	for _, key := range appKeys {
		progress.NextStep("Exporting app " + key.String())
		if err := f.Apps.ExportTo(key, appsDir, jobs.NewDummyProgress()); err != nil {
			return err
		}
	}

	for _, id := range instanceIDs {
		progress.NextStep("Exporting instance " + id.Hex())
		if err := f.Instances.ExportSync(id, instancesDir); err != nil {
			return err
		}
		inst, ok := f.Instances.Query(id)
		if !ok {
			return fail.New(fail.NotFound, "instance %s does not exist", id)
		}
		record, err := json.MarshalIndent(inst, "", "  ")
		if err != nil {
			return fail.New(fail.Internal, "could not serialise instance %s", id)
		}
		record = append(record, '\n')
		recordPath := filepath.Join(instancesDir, id.Hex(), "instance.json")
		if err := utils.WriteFileAtomic(recordPath, record, 0o644); err != nil {
			return fail.New(fail.Io, "could not write instance record %s", recordPath)
		}
	}

	progress.NextStep("Writing export manifest")
	exportManifest := newExportManifest(appKeys, instanceIDs)
	content, err := json.MarshalIndent(exportManifest, "", "  ")
	if err != nil {
		return fail.New(fail.Internal, "could not serialise export manifest")
	}
	content = append(content, '\n')
	return utils.WriteFileAtomic(filepath.Join(destDir, "export_manifest.json"), content, 0o644)
}

// QueueImport queues restoring a bundle in dependency order: apps first,
// then their instances
func (f *Flecsport) QueueImport(srcDir string) jobs.ID {
	return f.Jobs.Append(func(progress *jobs.Progress) error {
		return f.ImportFrom(srcDir, progress)
	}, "Importing apps and instances from "+srcDir)
}

// ImportFrom restores a bundle created by ExportTo
func (f *Flecsport) ImportFrom(srcDir string, progress *jobs.Progress) error {
	content, err := os.ReadFile(filepath.Join(srcDir, "export_manifest.json"))
	if err != nil {
		return fail.New(fail.Io, "could not read export manifest in %s", srcDir)
	}
	var exportManifest ExportManifest
	if err := json.Unmarshal(content, &exportManifest); err != nil {
		return fail.New(fail.InvalidArgument, "could not parse export manifest in %s", srcDir)
	}

	progress.SetNumSteps(int16(len(exportManifest.Contents.Apps) + len(exportManifest.Contents.Instances)))

	for _, key := range exportManifest.Contents.Apps {
		progress.NextStep("Importing app " + key.String())
		if err := f.Apps.ImportFrom(key, filepath.Join(srcDir, "apps")); err != nil {
			return err
		}
	}

	for _, id := range exportManifest.Contents.Instances {
		progress.NextStep("Importing instance " + id.Hex())
		recordPath := filepath.Join(srcDir, "instances", id.Hex(), "instance.json")
		record, err := os.ReadFile(recordPath)
		if err != nil {
			return fail.New(fail.Io, "could not read instance record %s", recordPath)
		}
		var inst instance.Instance
		if err := json.Unmarshal(record, &inst); err != nil {
			return fail.New(fail.InvalidArgument, "could not parse instance record %s", recordPath)
		}
		if err := f.Instances.ImportSync(inst, filepath.Join(srcDir, "instances")); err != nil {
			return err
		}
	}

	return nil
}
