// Package apps owns the app catalog and its state machine: install,
// sideload, uninstall, update, export and import, all running as jobs.
package apps

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/deployment"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/manifests"
	"github.com/flecs-technologies/flecsd/pkg/utils"
)

// installStepsPerApp covers manifest, token, image, size plus instance
// creation and start during batch installs
const installStepsPerApp = 9

// Deployment is the slice of engine capability the app catalog needs
type Deployment interface {
	DownloadApp(m *manifest.Manifest, token *deployment.Token) error
	DeleteApp(m *manifest.Manifest) error
	ImportApp(m *manifest.Manifest, archive string) error
	ExportApp(m *manifest.Manifest, archive string) error
	AppSize(m *manifest.Manifest) (int64, error)
}

// TokenSource acquires download tokens for licensed apps
type TokenSource interface {
	AcquireDownloadToken(key manifest.AppKey, sessionID string) (*console.DownloadToken, error)
}

// InstanceActions is what the catalog needs from the instance orchestrator:
// uninstall removes dependents, batch install creates and starts one
// instance per app
type InstanceActions interface {
	InstanceIDs(filter manifest.AppKey) []instance.ID
	RemoveSync(id instance.ID) error
	CreateSync(key manifest.AppKey, name string) (instance.ID, error)
	StartSync(id instance.ID, once bool) error
}

// Apps is the app catalog
type Apps struct {
	Log       *logrus.Entry
	Manifests *manifests.Store
	Jobs      *jobs.Jobs
	Deploy    Deployment
	Tokens    TokenSource
	SessionID func() string
	BaseDir   string

	instances InstanceActions

	mutex deadlock.Mutex
	apps  []*App
}

// NewApps builds the catalog; call SetInstances before serving requests
func NewApps(log *logrus.Entry, store *manifests.Store, jobQueue *jobs.Jobs, deploy Deployment, tokens TokenSource, sessionID func() string, baseDir string) *Apps {
	return &Apps{
		Log:       log,
		Manifests: store,
		Jobs:      jobQueue,
		Deploy:    deploy,
		Tokens:    tokens,
		SessionID: sessionID,
		BaseDir:   baseDir,
	}
}

// SetInstances wires the instance orchestrator after construction; the two
// catalogs reference each other
func (a *Apps) SetInstances(instances InstanceActions) {
	a.instances = instances
}

func (a *Apps) appsPath() string {
	return filepath.Join(a.BaseDir, "apps", "apps.json")
}

// Load rehydrates the app records; manifests are bound separately in Init
func (a *Apps) Load() error {
	content, err := os.ReadFile(a.appsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fail.New(fail.Io, "could not open apps.json for reading")
	}

	var apps []*App
	if err := json.Unmarshal(content, &apps); err != nil {
		a.mutex.Lock()
		a.apps = nil
		a.mutex.Unlock()
		return fail.New(fail.Io, "could not read contents of apps.json")
	}

	a.mutex.Lock()
	a.apps = apps
	a.mutex.Unlock()
	return nil
}

// Save writes the app records via a temp file renamed into place
func (a *Apps) Save() error {
	a.mutex.Lock()
	apps := make([]*App, len(a.apps))
	copy(apps, a.apps)
	a.mutex.Unlock()

	if apps == nil {
		apps = []*App{}
	}
	content, err := json.MarshalIndent(apps, "", "  ")
	if err != nil {
		return fail.New(fail.Internal, "could not serialise apps: %s", err)
	}
	content = append(content, '\n')
	if err := utils.WriteFileAtomic(a.appsPath(), content, 0o644); err != nil {
		return fail.New(fail.Io, "could not write apps.json")
	}
	return nil
}

// Init re-binds each app record to its manifest
func (a *Apps) Init() {
	for _, app := range a.All() {
		if m, ok := a.Manifests.Query(app.Key); ok {
			app.SetManifest(m)
		}
	}
}

// All snapshots the catalog
func (a *Apps) All() []*App {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	apps := make([]*App, len(a.apps))
	copy(apps, a.apps)
	return apps
}

// AppKeys lists catalog keys matching the filter: an empty name matches
// everything, an empty version every version of the name
func (a *Apps) AppKeys(filter manifest.AppKey) []manifest.AppKey {
	var keys []manifest.AppKey
	for _, app := range a.All() {
		appsMatch := filter.Name == "" || filter.Name == app.Key.Name
		versionsMatch := filter.Name == "" || filter.Version == "" || filter.Version == app.Key.Version
		if appsMatch && versionsMatch {
			keys = append(keys, app.Key)
		}
	}
	return keys
}

// Query finds an app by key
func (a *Apps) Query(key manifest.AppKey) (*App, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for _, app := range a.apps {
		if app.Key == key {
			return app, true
		}
	}
	return nil, false
}

// IsInstalled reports whether the app is fully installed
func (a *Apps) IsInstalled(key manifest.AppKey) bool {
	app, ok := a.Query(key)
	return ok && app.Status == StatusInstalled
}

func (a *Apps) insert(app *App) *App {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.apps = append(a.apps, app)
	return app
}

func (a *Apps) removeRecord(key manifest.AppKey) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.apps = lo.Filter(a.apps, func(app *App, _ int) bool {
		return app.Key != key
	})
}

// --- install ----------------------------------------------------------------

// QueueInstall queues the installation of an app from the marketplace
func (a *Apps) QueueInstall(key manifest.AppKey) jobs.ID {
	desc := "Installation of " + key.String()
	return a.Jobs.Append(func(progress *jobs.Progress) error {
		progress.SetNumSteps(6)
		return a.installFromMarketplace(key, progress)
	}, desc)
}

// InstallSync installs an app without going through the queue
func (a *Apps) InstallSync(key manifest.AppKey) error {
	return a.installFromMarketplace(key, jobs.NewDummyProgress())
}

func (a *Apps) installFromMarketplace(key manifest.AppKey, progress *jobs.Progress) error {
	progress.NextStep("Downloading manifest")
	m, _, err := a.Manifests.AddFromConsole(key)
	if err != nil {
		return fail.New(fail.KindOf(err), "could not download manifest: %s", err)
	}
	return a.install(m, progress)
}

// QueueSideload queues the installation of a user-supplied manifest
func (a *Apps) QueueSideload(manifestStr string) jobs.ID {
	return a.Jobs.Append(func(progress *jobs.Progress) error {
		progress.SetNumSteps(6)
		m, _, err := a.Manifests.AddFromString(manifestStr)
		if err != nil {
			return fail.New(fail.KindOf(err), "could not parse manifest: %s", err)
		}
		return a.install(m, progress)
	}, "Sideloading App")
}

// install drives the resumable install state machine. The app record is
// persisted at every arrow, so a restart re-attempts exactly the next
// unfinished step.
func (a *Apps) install(m *manifest.Manifest, progress *jobs.Progress) error {
	progress.NextStep("Loading manifest")

	key := m.Key()
	if !key.IsValid() {
		return fail.New(fail.InvalidArgument, "invalid app key %s", key)
	}

	app, ok := a.Query(key)
	if !ok {
		app = a.insert(&App{
			Key:     key,
			Status:  StatusManifestDownloaded,
			Desired: StatusInstalled,
		})
	}
	app.SetManifest(m)
	app.Desired = StatusInstalled
	if app.Status == StatusNotInstalled || app.Status == "" {
		app.Status = StatusManifestDownloaded
	}
	if err := a.Save(); err != nil {
		return err
	}

	if app.Status == StatusManifestDownloaded {
		progress.NextStep("Acquiring download token")
		token, err := a.Tokens.AcquireDownloadToken(key, a.SessionID())
		if err != nil {
			// apps without a license proceed tokenless
			progress.SetResult(0, fmt.Sprintf("Could not acquire download token: %s", err))
		} else {
			app.DownloadToken = token
		}
		app.Status = StatusTokenAcquired
		if err := a.Save(); err != nil {
			return err
		}
	}

	if app.Status == StatusTokenAcquired {
		progress.NextStep("Downloading App")
		var token *deployment.Token
		if app.DownloadToken != nil {
			token = &deployment.Token{
				Username: app.DownloadToken.Username,
				Password: app.DownloadToken.Password,
			}
		}
		if err := a.Deploy.DownloadApp(m, token); err != nil {
			_ = a.Save()
			return err
		}
		app.Status = StatusImageDownloaded
		if err := a.Save(); err != nil {
			return err
		}
	}

	if app.Status == StatusImageDownloaded {
		progress.NextStep("Expiring download token")
		if size, err := a.Deploy.AppSize(m); err == nil {
			app.InstalledSize = size
		}
		app.DownloadToken = nil
		app.Status = StatusInstalled
	}

	return a.Save()
}

// QueueInstallMany queues a batch installation; each installed app also gets
// an instance created and started. One app's failure does not abort the
// batch.
func (a *Apps) QueueInstallMany(keys []manifest.AppKey) jobs.ID {
	desc := fmt.Sprintf("Installation of %d apps", len(keys))
	return a.Jobs.Append(func(progress *jobs.Progress) error {
		return a.installMany(keys, progress)
	}, desc)
}

func (a *Apps) installMany(keys []manifest.AppKey, progress *jobs.Progress) error {
	progress.SetNumSteps(int16(installStepsPerApp * len(keys)))

	type failedApp struct {
		key     manifest.AppKey
		message string
	}
	var failed []failedApp

	for i, key := range keys {
		err := a.installFromMarketplace(key, progress)

		var instanceID instance.ID
		if err == nil {
			progress.NextStep(fmt.Sprintf("Creating instance of %s", key))
			instanceID, err = a.instances.CreateSync(key, "")
		}
		if err == nil {
			progress.NextStep(fmt.Sprintf("Starting instance %s of %s", instanceID, key))
			err = a.instances.StartSync(instanceID, false)
		}
		if err != nil {
			progress.SkipToStep(int16(installStepsPerApp * (i + 1)))
			failed = append(failed, failedApp{key: key, message: err.Error()})
		}
	}

	if len(failed) > 0 {
		var message strings.Builder
		fmt.Fprintf(&message, "Failed to install %d apps out of %d: ", len(failed), len(keys))
		for i, f := range failed {
			if i > 0 {
				message.WriteString(", ")
			}
			fmt.Fprintf(&message, "%s [%s]", f.key, f.message)
		}
		return fail.New(fail.State, "%s", message.String())
	}
	return nil
}

// --- uninstall --------------------------------------------------------------

// QueueUninstall queues the removal of an app and all its instances
func (a *Apps) QueueUninstall(key manifest.AppKey, force bool) jobs.ID {
	desc := "Uninstallation of " + key.String()
	return a.Jobs.Append(func(progress *jobs.Progress) error {
		return a.uninstall(key, force, progress)
	}, desc)
}

// UninstallSync removes an app without going through the queue
func (a *Apps) UninstallSync(key manifest.AppKey, force bool) error {
	return a.uninstall(key, force, jobs.NewDummyProgress())
}

func (a *Apps) uninstall(key manifest.AppKey, force bool, progress *jobs.Progress) error {
	progress.SetNumSteps(4)
	progress.NextStep("Loading App manifest")

	app, ok := a.Query(key)
	if !ok {
		return fail.New(fail.Conflict, "cannot uninstall %s, which is not installed", key)
	}
	if app.IsSystemApp() && !force {
		return fail.New(fail.Conflict, "cannot uninstall system app %s", key)
	}

	m := app.Manifest()
	app.Desired = StatusNotInstalled

	progress.NextStep("Removing App instances")
	for _, id := range a.instances.InstanceIDs(key) {
		if err := a.instances.RemoveSync(id); err != nil {
			return err
		}
	}

	progress.NextStep("Removing App image")
	if m != nil {
		if err := a.Deploy.DeleteApp(m); err != nil {
			a.Log.Warnf("could not remove image %s of app %s: %s", m.ImageWithTag(), key, err)
		}
	}

	a.removeRecord(key)
	if err := a.Save(); err != nil {
		return err
	}

	progress.NextStep("Removing App manifest")
	a.Manifests.Erase(key)

	return nil
}

// --- export / import --------------------------------------------------------

// QueueExport queues exporting the app image and manifest to a directory
func (a *Apps) QueueExport(key manifest.AppKey, destDir string) jobs.ID {
	desc := "Exporting App " + key.String()
	return a.Jobs.Append(func(progress *jobs.Progress) error {
		return a.ExportTo(key, destDir, progress)
	}, desc)
}

// ExportTo writes <name>_<version>.tar and <name>_<version>.json into the
// destination directory
func (a *Apps) ExportTo(key manifest.AppKey, destDir string, progress *jobs.Progress) error {
	progress.SetNumSteps(4)

	progress.NextStep("Loading Manifest")
	app, ok := a.Query(key)
	if !ok || app.Manifest() == nil {
		return fail.New(fail.NotFound, "app %s not connected to a manifest", key)
	}
	m := app.Manifest()

	progress.NextStep("Creating export directory")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fail.New(fail.Io, "could not create export directory %s", destDir)
	}

	progress.NextStep("Exporting App")
	archive := filepath.Join(destDir, fmt.Sprintf("%s_%s.tar", key.Name, key.Version))
	if err := a.Deploy.ExportApp(m, archive); err != nil {
		return err
	}

	progress.NextStep("Exporting Manifest")
	dest := filepath.Join(destDir, fmt.Sprintf("%s_%s.json", key.Name, key.Version))
	if err := utils.CopyFile(a.Manifests.Path(key), dest); err != nil {
		return fail.New(fail.Io, "could not copy manifest of %s", key)
	}

	return nil
}

// QueueImport queues the inverse of an export
func (a *Apps) QueueImport(key manifest.AppKey, srcDir string) jobs.ID {
	desc := "Importing App " + key.String()
	return a.Jobs.Append(func(progress *jobs.Progress) error {
		return a.ImportFrom(key, srcDir)
	}, desc)
}

// ImportFrom restores an app from an export directory and marks it installed
func (a *Apps) ImportFrom(key manifest.AppKey, srcDir string) error {
	manifestPath := filepath.Join(srcDir, fmt.Sprintf("%s_%s.json", key.Name, key.Version))
	m, _, err := a.Manifests.AddFromFile(manifestPath)
	if err != nil {
		return fail.New(fail.KindOf(err), "could not add manifest of %s: %s", key, err)
	}

	archive := filepath.Join(srcDir, fmt.Sprintf("%s_%s.tar", key.Name, key.Version))
	if err := a.Deploy.ImportApp(m, archive); err != nil {
		return err
	}

	app, ok := a.Query(key)
	if !ok {
		app = a.insert(&App{Key: key})
	}
	app.SetManifest(m)
	app.Status = StatusInstalled
	app.Desired = StatusInstalled

	return a.Save()
}
