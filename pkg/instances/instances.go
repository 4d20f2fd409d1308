// Package instances orchestrates the instance lifecycle on top of the
// deployment: create, start, stop, remove, update, export and import, plus
// the per-instance network and device configuration.
package instances

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/apps"
	"github.com/flecs-technologies/flecsd/pkg/deployment"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/floxy"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/utils"
)

// ipvlanPrefix names the per-adapter networks managed through the instance
// config endpoint
const ipvlanPrefix = "flecs-ipvlan_l2-"

// Instances drives the instance state machine
type Instances struct {
	Log     *logrus.Entry
	Deploy  deployment.Deployment
	Apps    *apps.Apps
	Jobs    *jobs.Jobs
	Floxy   *floxy.Floxy
	BaseDir string
}

// NewInstances wires the orchestrator
func NewInstances(log *logrus.Entry, deploy deployment.Deployment, appCatalog *apps.Apps, jobQueue *jobs.Jobs, floxyController *floxy.Floxy, baseDir string) *Instances {
	return &Instances{
		Log:     log,
		Deploy:  deploy,
		Apps:    appCatalog,
		Jobs:    jobQueue,
		Floxy:   floxyController,
		BaseDir: baseDir,
	}
}

// InstanceIDs lists instances matching the app filter
func (i *Instances) InstanceIDs(filter manifest.AppKey) []instance.ID {
	return i.Deploy.InstanceIDs(filter)
}

// Query finds an instance by id
func (i *Instances) Query(id instance.ID) (*instance.Instance, bool) {
	return i.Deploy.QueryInstance(id)
}

// IsRunning asks the engine whether the instance's container is up
func (i *Instances) IsRunning(inst *instance.Instance) bool {
	return i.Deploy.IsInstanceRunning(inst)
}

// EffectiveStatus folds the engine's view into the persisted state: a fully
// created instance is either running or stopped
func (i *Instances) EffectiveStatus(inst *instance.Instance) instance.Status {
	if inst.Status == instance.StatusCreated {
		if i.IsRunning(inst) {
			return instance.StatusRunning
		}
		return instance.StatusStopped
	}
	return inst.Status
}

// --- create -----------------------------------------------------------------

// QueueCreate queues the creation of an instance
func (i *Instances) QueueCreate(key manifest.AppKey, name string) jobs.ID {
	desc := "Creating new instance of " + key.String()
	return i.Jobs.Append(func(progress *jobs.Progress) error {
		_, err := i.create(key, name, progress)
		return err
	}, desc)
}

// CreateSync creates an instance without going through the queue
func (i *Instances) CreateSync(key manifest.AppKey, name string) (instance.ID, error) {
	return i.create(key, name, jobs.NewDummyProgress())
}

func (i *Instances) create(key manifest.AppKey, name string, progress *jobs.Progress) (instance.ID, error) {
	// Step 1: ensure the app is actually installed
	app, ok := i.Apps.Query(key)
	if !ok || app.Status != apps.StatusInstalled {
		return 0, fail.New(fail.Conflict, "could not create instance of %s: not installed", key)
	}

	// Step 2: load the app manifest
	m := app.Manifest()
	if m == nil {
		return 0, fail.New(fail.State, "could not create instance of %s: manifest error", key)
	}

	// Step 3: single-instance apps return their existing instance
	if !m.MultiInstance {
		if ids := i.Deploy.InstanceIDs(key); len(ids) > 0 {
			return ids[0], nil
		}
	}

	// Step 4: forward to the deployment
	inst, err := i.Deploy.CreateInstance(key, m, name)

	// persist whatever the deployment recorded, success or not
	if saveErr := i.Deploy.Save(i.BaseDir); saveErr != nil {
		i.Log.Errorf("could not save deployment: %s", saveErr)
	}

	if err != nil {
		return 0, fail.New(fail.KindOf(err), "could not create instance of %s: %s", key, err)
	}

	progress.SetDesc(progress.Desc() + " -> " + inst.ID.Hex())
	return inst.ID, nil
}

// --- start ------------------------------------------------------------------

// QueueStart queues starting an instance
func (i *Instances) QueueStart(id instance.ID, once bool) jobs.ID {
	desc := "Starting instance " + id.Hex()
	return i.Jobs.Append(func(progress *jobs.Progress) error {
		return i.start(id, once, progress)
	}, desc)
}

// StartSync starts an instance without going through the queue
func (i *Instances) StartSync(id instance.ID, once bool) error {
	return i.start(id, once, jobs.NewDummyProgress())
}

func (i *Instances) start(id instance.ID, once bool, progress *jobs.Progress) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	if !i.Deploy.IsInstanceRunnable(inst) {
		return fail.New(fail.Conflict, "instance %s is not fully created", id)
	}

	progress.SetDesc(progress.Desc() + " (" + inst.AppKey.String() + ")")

	if i.IsRunning(inst) {
		return nil
	}

	if !once {
		inst.Desired = instance.StatusRunning
	}

	err := i.Deploy.StartInstance(inst)

	if err == nil {
		i.loadReverseProxyConfig(inst)
		_ = i.Deploy.ReadyInstance(inst)
	}

	if saveErr := i.Deploy.Save(i.BaseDir); saveErr != nil {
		i.Log.Errorf("could not save deployment: %s", saveErr)
	}
	return err
}

// loadReverseProxyConfig publishes the proxy-aware editor ports; a failure
// here is logged but does not fail the start
func (i *Instances) loadReverseProxyConfig(inst *instance.Instance) {
	app, ok := i.Apps.Query(inst.AppKey)
	if !ok || app.Manifest() == nil {
		return
	}
	instanceIP := inst.IPAddress()
	if instanceIP == "" {
		return
	}
	editorPorts := app.Manifest().Editors.ReverseProxyPorts()
	if len(editorPorts) == 0 {
		return
	}
	err := i.Floxy.LoadInstanceReverseProxyConfig(instanceIP, inst.AppKey.Name, inst.ID, editorPorts)
	if err != nil {
		i.Log.Errorf("loading reverse proxy config for %s failed: %s", inst.ID, err)
	}
}

// --- stop -------------------------------------------------------------------

// QueueStop queues stopping an instance
func (i *Instances) QueueStop(id instance.ID, once bool) jobs.ID {
	desc := "Stopping instance " + id.Hex()
	return i.Jobs.Append(func(progress *jobs.Progress) error {
		return i.stop(id, once, progress)
	}, desc)
}

// StopSync stops an instance without going through the queue
func (i *Instances) StopSync(id instance.ID, once bool) error {
	return i.stop(id, once, jobs.NewDummyProgress())
}

func (i *Instances) stop(id instance.ID, once bool, progress *jobs.Progress) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}

	progress.SetDesc(progress.Desc() + " (" + inst.AppKey.String() + ")")

	if !i.IsRunning(inst) {
		return nil
	}

	if !once {
		inst.Desired = instance.StatusStopped
	}

	err := i.Deploy.StopInstance(inst)

	// published editor sessions do not survive a stop
	if floxyErr := i.Floxy.DeleteServerProxyConfigs(inst, inst.AppKey.Name, true); floxyErr != nil {
		i.Log.Warnf("could not delete server proxy configs of %s: %s", inst.ID, floxyErr)
	}
	inst.ClearEditorPorts()

	if inst.HasStartupOption(manifest.InitNetworkAfterStart) {
		for _, network := range inst.Networks {
			if netErr := i.Deploy.DisconnectNetwork(inst, network.NetworkName); netErr != nil && err == nil {
				err = netErr
			}
		}
	}

	if saveErr := i.Deploy.Save(i.BaseDir); saveErr != nil {
		i.Log.Errorf("could not save deployment: %s", saveErr)
	}
	return err
}

// --- remove -----------------------------------------------------------------

// QueueRemove queues removing an instance and its volumes
func (i *Instances) QueueRemove(id instance.ID) jobs.ID {
	desc := "Removing instance " + id.Hex()
	return i.Jobs.Append(func(progress *jobs.Progress) error {
		return i.remove(id, progress)
	}, desc)
}

// RemoveSync removes an instance without going through the queue
func (i *Instances) RemoveSync(id instance.ID) error {
	return i.remove(id, jobs.NewDummyProgress())
}

func (i *Instances) remove(id instance.ID, progress *jobs.Progress) error {
	progress.SetNumSteps(3)

	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}

	progress.SetDesc(progress.Desc() + " (" + inst.AppKey.String() + ")")

	progress.NextStep("Stopping instance")
	_ = i.Deploy.StopInstance(inst)

	progress.NextStep("Removing volumes")
	if err := i.Deploy.DeleteVolumes(inst); err != nil {
		i.Log.Warnf("could not delete volumes of %s: %s", inst.ID, err)
	}

	progress.NextStep("Removing instance")
	if err := i.Floxy.DeleteReverseProxyConfigs(inst, inst.AppKey.Name); err != nil {
		i.Log.Debugf("no reverse proxy configs to delete for %s", inst.ID)
	}
	err := i.Deploy.DeleteInstance(inst)

	if saveErr := i.Deploy.Save(i.BaseDir); saveErr != nil {
		i.Log.Errorf("could not save deployment: %s", saveErr)
	}
	return err
}

// --- update -----------------------------------------------------------------

// QueueUpdate queues updating an instance to another installed version
func (i *Instances) QueueUpdate(id instance.ID, to string) jobs.ID {
	desc := "Updating instance " + id.Hex() + " to " + to
	return i.Jobs.Append(func(progress *jobs.Progress) error {
		return i.update(id, to, progress)
	}, desc)
}

func (i *Instances) update(id instance.ID, to string, progress *jobs.Progress) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}

	fromVersion := inst.AppKey.Version
	toKey := manifest.NewAppKey(inst.AppKey.Name, to)
	if _, ok := i.Apps.Query(toKey); !ok {
		return fail.New(fail.Conflict, "updated app %s is not installed", toKey)
	}

	// Step 1: stop the running instance, preserving its desired state
	if err := i.StopSync(id, true); err != nil {
		return fail.New(fail.KindOf(err), "could not stop instance %s", id)
	}

	// Step 2: back up volumes and config
	backupBase := filepath.Join(i.BaseDir, "backup", inst.ID.Hex())
	backupPath := filepath.Join(backupBase, fromVersion, utils.UnixTimestamp())
	if err := i.Deploy.ExportInstance(inst, backupPath); err != nil {
		return fail.New(fail.KindOf(err), "could not backup instance %s", id)
	}

	// Step 3: on a downgrade, restore the newest backup of the target version
	if fromVersion > to {
		if latest := latestBackup(filepath.Join(backupBase, to)); latest != "" {
			inst.AppKey = toKey
			if err := i.Deploy.ImportInstance(inst, latest); err != nil {
				i.Log.Warnf("could not restore backup of %s: %s", toKey, err)
			}
		}
	}

	// Step 4: rebind the instance to the target app
	inst.AppKey = toKey

	if err := i.Deploy.Save(i.BaseDir); err != nil {
		i.Log.Errorf("could not save deployment: %s", err)
	}

	if inst.Desired == instance.StatusRunning {
		if err := i.StartSync(id, true); err != nil {
			return fail.New(fail.KindOf(err), "could not start instance %s", id)
		}
	}
	return nil
}

// latestBackup picks the newest timestamped backup directory, if any
func latestBackup(versionDir string) string {
	entries, err := filepath.Glob(filepath.Join(versionDir, "*"))
	if err != nil || len(entries) == 0 {
		return ""
	}
	sort.Strings(entries)
	return entries[len(entries)-1]
}

// --- export / import --------------------------------------------------------

// QueueExport queues exporting an instance's volumes and conffiles
func (i *Instances) QueueExport(id instance.ID, destDir string) jobs.ID {
	desc := "Exporting instance " + id.Hex() + " to " + destDir
	return i.Jobs.Append(func(progress *jobs.Progress) error {
		return i.ExportSync(id, destDir)
	}, desc)
}

// ExportSync exports an instance without going through the queue
func (i *Instances) ExportSync(id instance.ID, destDir string) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	return i.Deploy.ExportInstance(inst, destDir)
}

// ImportSync restores an exported instance record and its data
func (i *Instances) ImportSync(inst instance.Instance, baseDir string) error {
	if _, ok := i.Apps.Query(inst.AppKey); !ok {
		return fail.New(fail.Conflict, "app %s is not installed", inst.AppKey)
	}

	existing, ok := i.Deploy.QueryInstance(inst.ID)
	if !ok {
		existing = i.Deploy.InsertInstance(&inst)
	} else {
		*existing = inst
	}
	err := i.Deploy.ImportInstance(existing, baseDir)

	if saveErr := i.Deploy.Save(i.BaseDir); saveErr != nil {
		i.Log.Errorf("could not save deployment: %s", saveErr)
	}
	return err
}

// --- logs -------------------------------------------------------------------

// Logs fetches the instance's engine logs
func (i *Instances) Logs(id instance.ID) (string, string, error) {
	inst, ok := i.Query(id)
	if !ok {
		return "", "", fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	return i.Deploy.Logs(inst)
}

// --- lifecycle hooks --------------------------------------------------------

// Init migrates legacy networks; called once after load
func (i *Instances) Init() {
	i.migrateMacvlanToIpvlan()
}

// StartAll brings up every instance whose desired state is running
func (i *Instances) StartAll() {
	for _, inst := range i.Deploy.Instances() {
		if inst.Desired == instance.StatusRunning {
			if err := i.StartSync(inst.ID, true); err != nil {
				i.Log.Errorf("could not start instance %s: %s", inst.ID, err)
			}
		}
	}
}

// StopAll stops every instance without touching its desired state
func (i *Instances) StopAll() {
	for _, inst := range i.Deploy.Instances() {
		if err := i.StopSync(inst.ID, true); err != nil {
			i.Log.Warnf("could not stop instance %s: %s", inst.ID, err)
		}
	}
}

// migrateMacvlanToIpvlan replaces every flecs-macvlan-* network with an
// ipvlan_l2 twin, stopping and re-pointing the instances that use it
func (i *Instances) migrateMacvlanToIpvlan() {
	networks, err := i.Deploy.Networks()
	if err != nil {
		return
	}

	for _, network := range networks {
		if network.Type != deployment.NetworkTypeMACVLAN {
			continue
		}
		oldName := network.Name
		newName := strings.Replace(oldName, "macvlan", "ipvlan_l2", 1)
		i.Log.Infof("migrating network %s to %s", oldName, newName)

		for _, inst := range i.Deploy.Instances() {
			if attachment, ok := inst.Network(oldName); ok {
				_ = i.StopSync(inst.ID, true)
				attachment.NetworkName = newName
			}
		}

		if err := i.Deploy.DeleteNetwork(oldName); err != nil {
			i.Log.Errorf("could not delete network %s: %s", oldName, err)
			continue
		}
		err := i.Deploy.CreateNetwork(
			deployment.NetworkTypeIPVLANL2, newName,
			network.CidrSubnet, network.Gateway, network.Parent)
		if err != nil {
			i.Log.Errorf("could not create ipvlan network %s: %s", newName, err)
		}
	}
}

// --- details ----------------------------------------------------------------

// ConfigFileView pairs the host copy of a conffile with its container path
type ConfigFileView struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

// PortView is one published port mapping
type PortView struct {
	Host      string `json:"host"`
	Container string `json:"container"`
}

// VolumeView is one named volume
type VolumeView struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// EditorView points a client at an editor through the reverse proxy
type EditorView struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Details combines the serialised instance with views synthesised from the
// manifest
type Details struct {
	ID          instance.ID      `json:"instanceId"`
	Name        string           `json:"instanceName"`
	AppKey      manifest.AppKey  `json:"appKey"`
	Status      instance.Status  `json:"status"`
	Desired     instance.Status  `json:"desired"`
	IPAddress   string           `json:"ipAddress"`
	Hostname    string           `json:"hostname"`
	ConfigFiles []ConfigFileView `json:"configFiles"`
	Ports       []PortView       `json:"ports"`
	Volumes     []VolumeView     `json:"volumes"`
	Editors     []EditorView     `json:"editors"`
}

// Details builds the full view of one instance
func (i *Instances) Details(id instance.ID) (Details, error) {
	inst, ok := i.Query(id)
	if !ok {
		return Details{}, fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	app, ok := i.Apps.Query(inst.AppKey)
	if !ok {
		return Details{}, fail.New(fail.Internal, "instance %s not connected to an app", id)
	}
	m := app.Manifest()
	if m == nil {
		return Details{}, fail.New(fail.Internal, "app %s not connected to a manifest", inst.AppKey)
	}

	details := Details{
		ID:          inst.ID,
		Name:        inst.Name,
		AppKey:      inst.AppKey,
		Status:      i.EffectiveStatus(inst),
		Desired:     inst.Desired,
		IPAddress:   inst.IPAddress(),
		Hostname:    m.Hostname,
		ConfigFiles: []ConfigFileView{},
		Ports:       []PortView{},
		Volumes:     []VolumeView{},
		Editors:     []EditorView{},
	}
	if details.Hostname == "" {
		details.Hostname = inst.ContainerName()
	}

	confDir := filepath.Join(i.BaseDir, "instances", inst.ID.Hex(), "conf")
	for _, conffile := range m.Conffiles {
		details.ConfigFiles = append(details.ConfigFiles, ConfigFileView{
			Host:      filepath.Join(confDir, conffile.Local),
			Container: conffile.Container,
		})
	}
	for _, port := range m.Ports {
		details.Ports = append(details.Ports, PortView{
			Host:      port.Host.String(),
			Container: port.Container.String(),
		})
	}
	for _, volume := range m.NamedVolumes() {
		details.Volumes = append(details.Volumes, VolumeView{
			Name: volume.Host,
			Path: volume.Container,
		})
	}
	for _, editor := range m.Editors {
		details.Editors = append(details.Editors, EditorView{
			Name: editor.Name,
			URL:  fmt.Sprintf("/v2/instances/%s/editor/%d", inst.ID.Hex(), editor.Port),
		})
	}
	return details, nil
}
