// Package app bootstraps the daemon: it wires every module to the
// application context and coordinates load, startup, shutdown and save. No
// module is a singleton; handlers reach everything through this context.
package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/api"
	"github.com/flecs-technologies/flecsd/pkg/apps"
	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/config"
	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/deployment"
	"github.com/flecs-technologies/flecsd/pkg/device"
	"github.com/flecs-technologies/flecsd/pkg/flecsport"
	"github.com/flecs-technologies/flecsd/pkg/floxy"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/instances"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
	"github.com/flecs-technologies/flecsd/pkg/log"
	"github.com/flecs-technologies/flecsd/pkg/manifests"
)

// App is the application context owning all long-lived modules
type App struct {
	closers []io.Closer

	Config    *config.AppConfig
	Log       *logrus.Entry
	OSCommand *commands.OSCommand
	Console   *console.Console
	Device    *device.Device
	Manifests *manifests.Store
	Deploy    *deployment.DockerDeployment
	Jobs      *jobs.Jobs
	Floxy     *floxy.Floxy
	Apps      *apps.Apps
	Instances *instances.Instances
	Flecsport *flecsport.Flecsport
	API       *api.API
}

// NewApp bootstraps a new application context
func NewApp(config *config.AppConfig) (*App, error) {
	app := &App{
		closers: []io.Closer{},
		Config:  config,
	}
	baseDir := config.UserConfig.BaseDir

	app.Log = log.NewLogger(config)
	app.OSCommand = commands.NewOSCommand(app.Log)

	app.Console = console.NewConsole(app.Log, config.UserConfig.Console.BaseURL)
	app.Device = device.NewDevice(app.Log, app.Console, baseDir)

	sessionID := func() string { return app.Device.SessionID().ID }
	app.Manifests = manifests.NewStore(app.Log, app.Console, sessionID)

	app.Deploy = deployment.NewDockerDeployment(
		app.Log, app.OSCommand, config.UserConfig.Docker.Binary, baseDir, app.Manifests)

	app.Jobs = jobs.NewJobs(app.Log)
	app.closers = append(app.closers, app.Jobs)

	app.Floxy = floxy.NewFloxy(app.Log, app.OSCommand, baseDir, config.UserConfig.Floxy.MainConfig)

	app.Apps = apps.NewApps(app.Log, app.Manifests, app.Jobs, app.Deploy, app.Console, sessionID, baseDir)
	app.Instances = instances.NewInstances(app.Log, app.Deploy, app.Apps, app.Jobs, app.Floxy, baseDir)
	app.Apps.SetInstances(app.Instances)

	app.Flecsport = flecsport.NewFlecsport(app.Log, app.Apps, app.Instances, app.Jobs, baseDir)

	app.API = api.NewAPI(app.Log, app.Apps, app.Instances, app.Jobs, app.Device, app.Floxy, app.Flecsport)

	return app, nil
}

// Load restores all persisted state in dependency order: manifests first,
// then apps (which read manifests), then the deployment's instances, then
// the bindings between them, then the device identity.
func (app *App) Load() error {
	baseDir := app.Config.UserConfig.BaseDir

	// legacy installations kept manifests next to apps.json; migrate them
	legacyDir := filepath.Join(baseDir, "apps")
	manifestsDir := filepath.Join(baseDir, "manifests")
	if hasManifestEntries(legacyDir) {
		app.Manifests.SetBasePath(legacyDir)
		if err := app.Manifests.Migrate(manifestsDir); err != nil {
			app.Log.Warnf("could not migrate manifests: %s", err)
			app.Manifests.SetBasePath(manifestsDir)
		}
	} else {
		app.Manifests.SetBasePath(manifestsDir)
	}

	if err := app.Apps.Load(); err != nil {
		app.Log.Warnf("could not load apps: %s", err)
	}
	if err := app.Deploy.Load(baseDir); err != nil {
		app.Log.Warnf("could not load deployment: %s", err)
	}

	// bind in two passes: apps to manifests, then instances to apps
	app.Apps.Init()
	for _, inst := range app.Deploy.Instances() {
		if _, ok := app.Apps.Query(inst.AppKey); !ok {
			inst.Status = instance.StatusOrphaned
		}
	}

	if err := app.Device.Load(); err != nil {
		app.Log.Warnf("could not load device identity: %s", err)
	}

	return nil
}

// Save is the mirror of Load
func (app *App) Save() error {
	baseDir := app.Config.UserConfig.BaseDir
	if err := app.Apps.Save(); err != nil {
		return err
	}
	if err := app.Deploy.Save(baseDir); err != nil {
		return err
	}
	return app.Device.Save()
}

// Run brings the daemon up, serves the API until SIGINT/SIGTERM, then drains
func (app *App) Run() error {
	if err := app.Load(); err != nil {
		return err
	}

	app.Floxy.Init()
	app.Instances.Init()

	// converge on the last saved desire
	app.Instances.StartAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := app.API.Serve(ctx, app.Config.UserConfig.Listen)

	app.Instances.StopAll()
	app.Floxy.Deinit()
	if saveErr := app.Save(); saveErr != nil {
		app.Log.Errorf("could not save state: %s", saveErr)
	}
	if closeErr := app.Close(); closeErr != nil {
		app.Log.Errorf("could not close resources: %s", closeErr)
	}
	return err
}

// Close closes any resources
func (app *App) Close() error {
	for _, closer := range app.closers {
		err := closer.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// hasManifestEntries reports whether a legacy manifest directory with actual
// per-app subdirectories exists
func hasManifestEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if entry.IsDir() {
			return true
		}
	}
	return false
}
