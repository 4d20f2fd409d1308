package deployment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/netdev"
	"github.com/flecs-technologies/flecsd/pkg/usb"
	"github.com/flecs-technologies/flecsd/pkg/utils"
)

// capabilities we pass through to the engine; DOCKER is a pseudo-capability
// meaning "mount the engine socket"
var validCapabilities = map[string]bool{
	"NET_ADMIN": true,
	"SYS_NICE":  true,
	"IPC_LOCK":  true,
	"NET_RAW":   true,
}

// DockerDeployment drives the docker CLI. It owns the instance catalog and
// persists it as deployment/docker.json under the base directory.
type DockerDeployment struct {
	Log       *logrus.Entry
	OSCommand *commands.OSCommand
	Binary    string
	BaseDir   string
	Manifests ManifestSource

	mutex     deadlock.Mutex
	instances []*instance.Instance
}

// NewDockerDeployment wires a deployment against the given engine binary
func NewDockerDeployment(log *logrus.Entry, osCommand *commands.OSCommand, binary, baseDir string, manifests ManifestSource) *DockerDeployment {
	return &DockerDeployment{
		Log:       log,
		OSCommand: osCommand,
		Binary:    binary,
		BaseDir:   baseDir,
		Manifests: manifests,
	}
}

func (d *DockerDeployment) DeploymentID() string {
	return "docker"
}

// docker invokes the engine CLI; stdout is returned, stderr feeds the error
// so operators see what the engine actually complained about
func (d *DockerDeployment) docker(args ...string) (string, error) {
	cmd := d.OSCommand.NewCmd(d.Binary, args...)
	output, err := cmd.Output()
	if err == nil {
		return string(output), nil
	}
	if exitError, ok := err.(*exec.ExitError); ok {
		return string(output), fail.New(fail.Engine, "%s", strings.TrimSpace(string(exitError.Stderr)))
	}
	return string(output), fail.New(fail.Engine, "%s %s: %s", d.Binary, strings.Join(args, " "), err)
}

func (d *DockerDeployment) manifestFor(inst *instance.Instance) (*manifest.Manifest, error) {
	if d.Manifests == nil {
		return nil, fail.New(fail.Internal, "no manifest source wired")
	}
	m, ok := d.Manifests.Query(inst.AppKey)
	if !ok {
		return nil, fail.New(fail.NotFound, "could not access manifest of %s", inst.AppKey)
	}
	return m, nil
}

func (d *DockerDeployment) instanceDir(inst *instance.Instance) string {
	return filepath.Join(d.BaseDir, "instances", inst.ID.Hex())
}

// --- images -----------------------------------------------------------------

// DownloadApp pulls the app image, retrying login up to 3 times when a token
// is supplied and the pull 3 times unconditionally. A final failure surfaces
// the engine's stderr.
func (d *DockerDeployment) DownloadApp(m *manifest.Manifest, token *Token) error {
	image := m.ImageWithTag()

	if token != nil {
		for attempt := 0; attempt < 3; attempt++ {
			if _, err := d.docker("login", "--username", token.Username, "--password", token.Password, image); err == nil {
				break
			}
		}
	}

	var pullErr error
	for attempt := 0; attempt < 3; attempt++ {
		if _, pullErr = d.docker("pull", image); pullErr == nil {
			break
		}
	}

	if token != nil {
		_, _ = d.docker("logout")
	}

	return pullErr
}

func (d *DockerDeployment) DeleteApp(m *manifest.Manifest) error {
	_, err := d.docker("rmi", "-f", m.ImageWithTag())
	return err
}

func (d *DockerDeployment) ImportApp(m *manifest.Manifest, archive string) error {
	_, err := d.docker("load", "--input", archive)
	return err
}

func (d *DockerDeployment) ExportApp(m *manifest.Manifest, archive string) error {
	_, err := d.docker("save", "--output", archive, m.ImageWithTag())
	return err
}

func (d *DockerDeployment) AppSize(m *manifest.Manifest) (int64, error) {
	output, err := d.docker("inspect", "-f", "{{ .Size }}", m.ImageWithTag())
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(output), 10, 64)
	if err != nil {
		return 0, fail.New(fail.Engine, "could not determine size of %s", m.ImageWithTag())
	}
	return size, nil
}

// --- instance catalog -------------------------------------------------------

func (d *DockerDeployment) Instances() []*instance.Instance {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	instances := make([]*instance.Instance, len(d.instances))
	copy(instances, d.instances)
	return instances
}

func (d *DockerDeployment) InstanceIDs(filter manifest.AppKey) []instance.ID {
	var ids []instance.ID
	for _, inst := range d.Instances() {
		appsMatch := filter.Name == "" || filter.Name == inst.AppKey.Name
		versionsMatch := filter.Name == "" || filter.Version == "" || filter.Version == inst.AppKey.Version
		if appsMatch && versionsMatch {
			ids = append(ids, inst.ID)
		}
	}
	return ids
}

func (d *DockerDeployment) QueryInstance(id instance.ID) (*instance.Instance, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for _, inst := range d.instances {
		if inst.ID == id {
			return inst, true
		}
	}
	return nil, false
}

func (d *DockerDeployment) HasInstance(id instance.ID) bool {
	_, ok := d.QueryInstance(id)
	return ok
}

func (d *DockerDeployment) InsertInstance(inst *instance.Instance) *instance.Instance {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.instances = append(d.instances, inst)
	return inst
}

func (d *DockerDeployment) RemoveInstanceRecord(id instance.ID) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.instances = lo.Filter(d.instances, func(inst *instance.Instance, _ int) bool {
		return inst.ID != id
	})
}

// --- instance lifecycle -----------------------------------------------------

// CreateInstance materialises the resources of a new instance: a unique id,
// a conflict-free port mapping, volumes, the default network, conffiles and
// finally the container itself.
func (d *DockerDeployment) CreateInstance(key manifest.AppKey, m *manifest.Manifest, name string) (*instance.Instance, error) {
	// Step 1: create instance and generate unique id
	tmp := instance.New(key, name)
	for d.HasInstance(tmp.ID) {
		tmp.RegenerateID()
	}

	// Step 2: build a port mapping that does not conflict with running
	// instances. Conflicting host ranges are emptied to let the engine choose
	// random free host ports.
	running := d.runningContainerNames()
	ports := make([]manifest.MappedPortRange, 0, len(m.Ports))
	for _, port := range m.Ports {
		if d.hostPortsCollide(port.Host, running) {
			ports = append(ports, manifest.MappedPortRange{Container: port.Container})
		} else {
			ports = append(ports, port)
		}
	}

	// Step 3: insert instance
	inst := d.InsertInstance(tmp)
	inst.StartupOptions = append([]manifest.StartupOption(nil), m.StartupOptions...)

	// Step 4: attach environment and port mappings
	inst.SetEnvironment(append(manifest.Environment(nil), m.Env...))
	inst.SetPorts(ports)

	// Step 5: create volumes
	if err := d.CreateVolumes(inst); err != nil {
		return inst, err
	}

	// Step 6: ensure the default network exists and record the attachment;
	// the address itself is generated at container-create time
	def := d.DefaultNetwork()
	if _, ok := d.QueryNetwork(def.Name); !ok {
		if err := d.CreateNetwork(def.Type, def.Name, def.CidrSubnet, def.Gateway, ""); err != nil {
			return inst, err
		}
	}
	var mac string
	if network, ok := m.DefaultNetwork(); ok {
		mac = network.MacAddress
	}
	inst.Networks = append(inst.Networks, instance.NetworkAttachment{
		NetworkName: def.Name,
		MacAddress:  mac,
	})

	// Step 7: materialise conffiles
	if err := d.createConfigFiles(inst, m); err != nil {
		return inst, err
	}
	inst.Status = instance.StatusResourcesReady

	// Step 8: create the container
	if err := d.createContainer(inst); err != nil {
		return inst, err
	}
	inst.Status = instance.StatusCreated
	return inst, nil
}

func (d *DockerDeployment) DeleteInstance(inst *instance.Instance) error {
	err := d.deleteContainer(inst)
	d.RemoveInstanceRecord(inst.ID)
	return err
}

func (d *DockerDeployment) StartInstance(inst *instance.Instance) error {
	// with InitNetworkAfterStart the container comes up without networking;
	// the recorded networks are reattached afterwards
	if inst.HasStartupOption(manifest.InitNetworkAfterStart) {
		for _, network := range inst.Networks {
			_ = d.DisconnectNetwork(inst, network.NetworkName)
		}
	}

	if err := d.createContainer(inst); err != nil {
		return err
	}

	if _, err := d.docker("start", inst.ContainerName()); err != nil {
		return err
	}

	if inst.HasStartupOption(manifest.InitNetworkAfterStart) {
		for _, network := range inst.Networks {
			if err := d.ConnectNetwork(inst, network.NetworkName, network.IPAddress); err != nil {
				return err
			}
		}
	}

	return nil
}

// ReadyInstance signals a waiting entrypoint that networking is up
func (d *DockerDeployment) ReadyInstance(inst *instance.Instance) error {
	if !inst.HasStartupOption(manifest.InitNetworkAfterStart) {
		return nil
	}
	if _, err := d.docker("exec", inst.ContainerName(), "touch", "/flecs-tmp/ready"); err != nil {
		d.Log.Warnf("could not ready instance %s: %s", inst.ID, err)
	}
	return nil
}

func (d *DockerDeployment) StopInstance(inst *instance.Instance) error {
	_, _ = d.docker("stop", inst.ContainerName())
	return d.deleteContainer(inst)
}

func (d *DockerDeployment) IsInstanceRunning(inst *instance.Instance) bool {
	output, err := d.docker("ps", "--quiet", "--filter", "name="+inst.ContainerName())
	return err == nil && strings.TrimSpace(output) != ""
}

func (d *DockerDeployment) IsInstanceRunnable(inst *instance.Instance) bool {
	return inst != nil && inst.Status == instance.StatusCreated
}

func (d *DockerDeployment) ExportInstance(inst *instance.Instance, destDir string) error {
	destDir = filepath.Join(destDir, inst.ID.Hex())
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fail.New(fail.Io, "could not create export directory %s", destDir)
	}
	if err := d.ExportVolumes(inst, filepath.Join(destDir, "volumes")); err != nil {
		return err
	}
	return d.ExportConfigFiles(inst, filepath.Join(destDir, "conf"))
}

func (d *DockerDeployment) ImportInstance(inst *instance.Instance, baseDir string) error {
	baseDir = filepath.Join(baseDir, inst.ID.Hex())

	// rebase every recorded address onto the current subnet of its network
	for idx := range inst.Networks {
		network := &inst.Networks[idx]
		net, ok := d.QueryNetwork(network.NetworkName)
		if !ok {
			return fail.New(fail.NotFound, "could not find network %s", network.NetworkName)
		}
		transferred, err := transferIP(net.CidrSubnet, network.IPAddress)
		if err != nil {
			return err
		}
		network.IPAddress = transferred
	}

	if err := d.ImportVolumes(inst, filepath.Join(baseDir, "volumes")); err != nil {
		return err
	}
	return d.ImportConfigFiles(inst, filepath.Join(baseDir, "conf"))
}

func (d *DockerDeployment) Logs(inst *instance.Instance) (string, string, error) {
	cmd := d.OSCommand.NewCmd(d.Binary, "logs", inst.ContainerName())
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", "", fail.New(fail.Engine, "could not get logs for instance %s", inst.ID)
	}
	return stdout.String(), stderr.String(), nil
}

// --- container materialisation ----------------------------------------------

// createContainer is idempotent: a leftover stopped container is deleted
// first, a running one short-circuits as "already exists"
func (d *DockerDeployment) createContainer(inst *instance.Instance) error {
	containerName := inst.ContainerName()

	// cleanup after a possible unclean shutdown
	if !d.IsInstanceRunning(inst) {
		_ = d.deleteContainer(inst)
	}

	if output, err := d.docker("ps", "--all", "--format", "{{.Names}}"); err == nil {
		if lo.Contains(utils.SplitLines(output), containerName) {
			return nil
		}
	}

	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}

	args := []string{"create"}

	env := m.Env
	if inst.Environment != nil {
		env = *inst.Environment
	}
	for _, envVar := range env {
		args = append(args, "--env", envVar.String())
	}

	for _, volume := range m.Volumes {
		if volume.Kind == manifest.VolumeKindBind {
			args = append(args, "--volume", volume.Host+":"+volume.Container)
		} else {
			args = append(args, "--volume", inst.VolumeName(volume.Host)+":"+volume.Container)
		}
	}

	ports := m.Ports
	if inst.Ports != nil {
		ports = *inst.Ports
	}
	for _, port := range ports {
		if port.Host.IsEmpty() {
			args = append(args, "--publish", port.Container.String())
		} else {
			args = append(args, "--publish", port.Host.String()+":"+port.Container.String())
		}
	}

	if m.Interactive {
		args = append(args, "--interactive")
	}

	args = append(args, "--name", containerName)

	if m.Hostname != "" {
		args = append(args, "--hostname", m.Hostname)
	} else {
		args = append(args, "--hostname", containerName)
	}

	for _, device := range m.Devices {
		args = append(args, "--device", device)
	}

	for _, label := range m.Labels {
		args = append(args, "--label", label.String())
	}

	if len(inst.Networks) > 0 {
		network := &inst.Networks[0]

		if network.IPAddress == "" {
			net, ok := d.QueryNetwork(network.NetworkName)
			if !ok {
				return fail.New(fail.NotFound, "network %s does not exist", network.NetworkName)
			}
			ip, err := d.GenerateInstanceIP(net.CidrSubnet, net.Gateway)
			if err != nil {
				return err
			}
			network.IPAddress = ip
		}

		args = append(args, "--network", network.NetworkName)
		args = append(args, "--ip", network.IPAddress)

		if network.MacAddress != "" {
			if cloned, ok := strings.CutPrefix(network.MacAddress, "clone:"); ok {
				adapters, err := netdev.Adapters()
				if err != nil {
					return fail.New(fail.Io, "could not read network adapters: %s", err)
				}
				adapter, ok := adapters[cloned]
				if !ok {
					return fail.New(fail.NotFound, "could not find network adapter %s for cloned MAC address", cloned)
				}
				network.MacAddress = adapter.Mac
			}
			args = append(args, "--mac-address", network.MacAddress)
		}
	}

	for _, usbDevice := range inst.USBDevices {
		busNum, okBus := usb.BusNum(usbDevice.Port)
		devNum, okDev := usb.DevNum(usbDevice.Port)
		if okBus && okDev {
			path := fmt.Sprintf("/dev/bus/usb/%03d/%03d", busNum, devNum)
			if _, err := os.Stat(path); err == nil {
				args = append(args, "--device", path)
			}
		}
	}

	for _, capability := range m.Capabilities {
		if validCapabilities[capability] {
			args = append(args, "--cap-add", capability)
		} else if capability == "DOCKER" {
			args = append(args, "--volume", "/run/docker.sock:/run/docker.sock")
		}
	}

	initNetworkAfterStart := inst.HasStartupOption(manifest.InitNetworkAfterStart)
	if initNetworkAfterStart {
		args = append(args, "--mount", "type=tmpfs,destination=/flecs-tmp")

		if err := d.writeEntrypoint(inst, m); err != nil {
			return err
		}
		args = append(args, "--entrypoint", "/flecs-entrypoint.sh")
	}

	args = append(args, m.ImageWithTag())
	args = append(args, m.Args...)

	if _, err := d.docker(args...); err != nil {
		return err
	}

	confPath := filepath.Join(d.instanceDir(inst), "conf")
	for _, conffile := range m.Conffiles {
		err := d.CopyFileToInstance(inst, filepath.Join(confPath, conffile.Local), conffile.Container)
		if err != nil {
			d.Log.Warnf("could not copy %s to %s of instance %s: %s",
				conffile.Local, conffile.Container, inst.ID, err)
		}
	}

	if initNetworkAfterStart {
		entrypoint := filepath.Join(d.instanceDir(inst), "scripts", "entrypoint.sh")
		if err := os.Chmod(entrypoint, 0o755); err != nil {
			return fail.New(fail.Io, "could not make entrypoint executable")
		}
		if err := d.CopyFileToInstance(inst, entrypoint, "/flecs-entrypoint.sh"); err != nil {
			return fail.New(fail.Engine, "could not copy entrypoint to container")
		}
	}

	// assign static ips to the remaining networks
	for idx := 1; idx < len(inst.Networks); idx++ {
		network := &inst.Networks[idx]
		net, ok := d.QueryNetwork(network.NetworkName)
		if !ok {
			return fail.New(fail.NotFound, "requested network %s does not exist", network.NetworkName)
		}
		if network.IPAddress == "" {
			ip, err := d.GenerateInstanceIP(net.CidrSubnet, net.Gateway)
			if err != nil {
				return err
			}
			network.IPAddress = ip
		}
		if !initNetworkAfterStart {
			if err := d.ConnectNetwork(inst, net.Name, network.IPAddress); err != nil {
				return err
			}
		}
	}

	return nil
}

// writeEntrypoint wraps the image's command in a script that waits for the
// ready marker before handing over
func (d *DockerDeployment) writeEntrypoint(inst *instance.Instance, m *manifest.Manifest) error {
	output, err := d.docker("inspect", "--format", "{{.Config.Cmd}}", m.ImageWithTag())
	if err != nil {
		return fail.New(fail.Engine, "could not determine entrypoint of %s", m.ImageWithTag())
	}

	cmd := strings.TrimSpace(output)
	cmd = strings.TrimPrefix(cmd, "[")
	cmd = strings.TrimSuffix(cmd, "]")
	cmd = strings.TrimPrefix(cmd, "/bin/sh -c ")

	scriptDir := filepath.Join(d.instanceDir(inst), "scripts")
	if err := os.MkdirAll(scriptDir, 0o755); err != nil {
		return fail.New(fail.Io, "could not create entrypoint directory")
	}

	var script bytes.Buffer
	script.WriteString("#!/bin/sh\n\n")
	script.WriteString("while [ ! -f /flecs-tmp/ready ]; do\n\n")
	script.WriteString("    sleep 1;\n")
	script.WriteString("done\n\n")
	script.WriteString(cmd + "\n")

	if err := os.WriteFile(filepath.Join(scriptDir, "entrypoint.sh"), script.Bytes(), 0o755); err != nil {
		return fail.New(fail.Io, "could not write entrypoint script")
	}
	return nil
}

// deleteContainer saves the conffiles back to the host, then force-removes
// the container
func (d *DockerDeployment) deleteContainer(inst *instance.Instance) error {
	if m, err := d.manifestFor(inst); err == nil {
		confPath := filepath.Join(d.instanceDir(inst), "conf")
		for _, conffile := range m.Conffiles {
			_ = d.CopyFileFromInstance(inst, conffile.Container, filepath.Join(confPath, conffile.Local))
		}
	}

	_, err := d.docker("rm", "--force", inst.ContainerName())
	return err
}

func (d *DockerDeployment) createConfigFiles(inst *instance.Instance, m *manifest.Manifest) error {
	if len(m.Conffiles) == 0 {
		return nil
	}
	confPath := filepath.Join(d.instanceDir(inst), "conf")
	if err := os.MkdirAll(confPath, 0o755); err != nil {
		return fail.New(fail.Io, "could not create config directory for instance %s", inst.ID)
	}
	for _, conffile := range m.Conffiles {
		localPath := filepath.Join(confPath, conffile.Local)
		if err := d.CopyFileFromImage(m.ImageWithTag(), conffile.Container, localPath); err != nil {
			return err
		}
	}
	return nil
}

// --- networks ---------------------------------------------------------------

func (d *DockerDeployment) Networks() ([]Network, error) {
	output, err := d.docker("network", "ls", "--filter", "name=flecs*", "--format", "{{.Name}}")
	if err != nil {
		return nil, err
	}
	var networks []Network
	for _, name := range utils.SplitLines(output) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if network, ok := d.QueryNetwork(name); ok {
			networks = append(networks, network)
		}
	}
	return networks, nil
}

func (d *DockerDeployment) CreateNetwork(networkType NetworkType, name, cidrSubnet, gateway, parentAdapter string) error {
	args := []string{"network", "create"}

	switch networkType {
	case NetworkTypeBridge, NetworkTypeMACVLAN, NetworkTypeInternal:
		args = append(args, "--driver", networkType.String())

	case NetworkTypeIPVLANL2, NetworkTypeIPVLANL3:
		if parentAdapter == "" {
			return fail.New(fail.InvalidArgument, "cannot create ipvlan network without parent")
		}
		if cidrSubnet == "" || gateway == "" {
			adapters, err := netdev.Adapters()
			if err != nil {
				return fail.New(fail.Io, "could not read network adapters: %s", err)
			}
			adapter, ok := adapters[parentAdapter]
			if !ok {
				return fail.New(fail.NotFound, "network adapter %s does not exist", parentAdapter)
			}
			if len(adapter.IPv4) == 0 {
				return fail.New(fail.State, "network adapter %s is not ready", parentAdapter)
			}
			derived, err := netdev.IPv4ToNetwork(adapter.IPv4[0].Addr, adapter.IPv4[0].SubnetMask)
			if err != nil {
				return fail.New(fail.InvalidArgument, "%s", err)
			}
			cidrSubnet = derived
			gateway = adapter.Gateway
		}
		mode := "l2"
		if networkType == NetworkTypeIPVLANL3 {
			mode = "l3"
		}
		args = append(args, "--driver", "ipvlan", "--opt", "ipvlan_mode="+mode)

	default:
		return fail.New(fail.InvalidArgument, "invalid network type specified")
	}

	args = append(args, "--subnet", cidrSubnet, "--gateway", gateway)
	if parentAdapter != "" {
		args = append(args, "--opt", "parent="+parentAdapter)
	}
	args = append(args, name)

	_, err := d.docker(args...)
	return err
}

func (d *DockerDeployment) QueryNetwork(name string) (Network, bool) {
	network := Network{Name: name}
	{
		output, err := d.docker("network", "inspect", "--format",
			"{{.Driver}}{{if ne .Options.ipvlan_mode nil}}_{{.Options.ipvlan_mode}}{{end}}", name)
		if err != nil {
			return Network{}, false
		}
		network.Type = NetworkTypeFromString(strings.TrimSpace(output))
	}
	{
		output, err := d.docker("network", "inspect", "--format",
			"{{range .IPAM.Config}}{{.Subnet}}{{end}}", name)
		if err != nil {
			return Network{}, false
		}
		network.CidrSubnet = strings.TrimSpace(output)
	}
	{
		output, err := d.docker("network", "inspect", "--format",
			"{{range .IPAM.Config}}{{.Gateway}}{{end}}", name)
		if err != nil {
			return Network{}, false
		}
		network.Gateway = strings.TrimSpace(output)
	}
	{
		output, err := d.docker("network", "inspect", "--format",
			"{{if ne .Options.parent nil}}{{.Options.parent}}{{end}}", name)
		if err != nil {
			return Network{}, false
		}
		network.Parent = strings.TrimSpace(output)
	}
	return network, true
}

func (d *DockerDeployment) DeleteNetwork(name string) error {
	_, err := d.docker("network", "rm", name)
	return err
}

func (d *DockerDeployment) ConnectNetwork(inst *instance.Instance, network, ip string) error {
	_, err := d.docker("network", "connect", "--ip", ip, network, inst.ContainerName())
	return err
}

func (d *DockerDeployment) DisconnectNetwork(inst *instance.Instance, network string) error {
	_, err := d.docker("network", "disconnect", "--force", network, inst.ContainerName())
	return err
}

func (d *DockerDeployment) DefaultNetwork() Network {
	return Network{
		Name:       "flecs",
		Type:       NetworkTypeBridge,
		CidrSubnet: "172.21.0.0/16",
		Gateway:    "172.21.0.1",
	}
}

// --- volumes ----------------------------------------------------------------

func (d *DockerDeployment) CreateVolumes(inst *instance.Instance) error {
	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}
	for _, volume := range m.NamedVolumes() {
		if err := d.CreateVolume(inst, volume.Host); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerDeployment) CreateVolume(inst *instance.Instance, volumeName string) error {
	_, err := d.docker("volume", "create", inst.VolumeName(volumeName))
	return err
}

func (d *DockerDeployment) DeleteVolumes(inst *instance.Instance) error {
	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}
	for _, volume := range m.NamedVolumes() {
		if err := d.DeleteVolume(inst, volume.Host); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerDeployment) DeleteVolume(inst *instance.Instance, volumeName string) error {
	if _, err := d.docker("volume", "rm", inst.VolumeName(volumeName)); err != nil {
		return fail.New(fail.Engine, "could not remove volume %s", inst.VolumeName(volumeName))
	}
	return nil
}

func (d *DockerDeployment) ExportVolumes(inst *instance.Instance, destDir string) error {
	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fail.New(fail.Io, "could not create export directory %s", destDir)
	}
	for _, volume := range m.NamedVolumes() {
		if err := d.exportVolume(inst, volume, destDir); err != nil {
			return err
		}
	}
	return nil
}

// exportVolume packs a named volume through a throwaway alpine tar container
// that mounts it read-only
func (d *DockerDeployment) exportVolume(inst *instance.Instance, volume manifest.Volume, destDir string) error {
	name := inst.VolumeName(volume.Host)
	archive := name + ".tar.gz"

	output, err := d.docker("create",
		"--network", "none",
		"--volume", name+":/mnt/backup:ro",
		"--workdir", "/tmp",
		"alpine", "tar", "-C", "/mnt/backup", "-czf", archive, ".")
	if err != nil {
		return err
	}
	containerID := lastLine(output)

	if _, err := d.docker("start", "--attach", containerID); err != nil {
		_, _ = d.docker("rm", "--force", containerID)
		return err
	}
	if _, err := d.docker("cp", containerID+":/tmp/"+archive, destDir); err != nil {
		_, _ = d.docker("rm", "--force", containerID)
		return err
	}
	_, _ = d.docker("rm", "--force", containerID)
	return nil
}

func (d *DockerDeployment) ImportVolumes(inst *instance.Instance, srcDir string) error {
	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}
	if info, err := os.Stat(srcDir); err != nil || !info.IsDir() {
		return fail.New(fail.Io, "source directory %s does not exist", srcDir)
	}
	for _, volume := range m.NamedVolumes() {
		if err := d.importVolume(inst, volume, srcDir); err != nil {
			return err
		}
	}
	return nil
}

// importVolume recreates a named volume from its archive through a throwaway
// alpine tar container that mounts it read-write
func (d *DockerDeployment) importVolume(inst *instance.Instance, volume manifest.Volume, srcDir string) error {
	name := inst.VolumeName(volume.Host)
	archive := filepath.Join(srcDir, name+".tar.gz")

	info, err := os.Stat(archive)
	if err != nil {
		return fail.New(fail.Io, "backup archive %s does not exist", archive)
	}
	if !info.Mode().IsRegular() {
		return fail.New(fail.Io, "backup archive %s is no regular file", archive)
	}

	_ = d.DeleteVolume(inst, volume.Host)
	if err := d.CreateVolume(inst, volume.Host); err != nil {
		return err
	}

	output, err := d.docker("create",
		"--network", "none",
		"--volume", name+":/mnt/restore:rw",
		"--workdir", "/mnt/restore",
		"alpine", "tar", "-xf", "/tmp/"+name+".tar.gz")
	if err != nil {
		return err
	}
	containerID := lastLine(output)

	if _, err := d.docker("cp", archive, containerID+":/tmp/"); err != nil {
		_, _ = d.docker("rm", "--force", containerID)
		return err
	}
	if _, err := d.docker("start", "--attach", containerID); err != nil {
		_, _ = d.docker("rm", "--force", containerID)
		return err
	}
	_, _ = d.docker("rm", "--force", containerID)
	return nil
}

// --- files ------------------------------------------------------------------

// CopyFileFromImage creates a temporary container for the image and copies a
// file out of it
func (d *DockerDeployment) CopyFileFromImage(image, file, dest string) error {
	output, err := d.docker("create", image)
	if err != nil {
		return fail.New(fail.Engine, "could not create container from %s", image)
	}
	containerID := strings.TrimSpace(output)

	if _, err := d.docker("cp", containerID+":"+file, dest); err != nil {
		_, _ = d.docker("rm", "-f", containerID)
		return fail.New(fail.Engine, "could not copy %s from %s", file, image)
	}
	if _, err := d.docker("rm", "-f", containerID); err != nil {
		return fail.New(fail.Engine, "could not remove temporary container %s", containerID)
	}
	return nil
}

func (d *DockerDeployment) CopyFileToInstance(inst *instance.Instance, file, dest string) error {
	if _, err := d.docker("cp", file, inst.ContainerName()+":"+dest); err != nil {
		return fail.New(fail.Engine, "could not copy %s to %s:%s", file, inst.ID, dest)
	}
	return nil
}

func (d *DockerDeployment) CopyFileFromInstance(inst *instance.Instance, file, dest string) error {
	if _, err := d.docker("cp", inst.ContainerName()+":"+file, dest); err != nil {
		return fail.New(fail.Engine, "could not copy %s:%s to %s", inst.ID, file, dest)
	}
	return nil
}

func (d *DockerDeployment) ExportConfigFiles(inst *instance.Instance, destDir string) error {
	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}
	for _, conffile := range m.Conffiles {
		if err := d.exportConfigFile(inst, conffile, destDir); err != nil {
			return err
		}
	}
	return nil
}

func (d *DockerDeployment) exportConfigFile(inst *instance.Instance, conffile manifest.Conffile, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fail.New(fail.Io, "could not create export directory %s", destDir)
	}
	if d.IsInstanceRunning(inst) {
		return d.CopyFileFromInstance(inst, conffile.Container, filepath.Join(destDir, conffile.Local))
	}
	// stopped instances export from the local conf dir
	local := filepath.Join(d.instanceDir(inst), "conf", conffile.Local)
	if err := utils.CopyFile(local, filepath.Join(destDir, conffile.Local)); err != nil {
		return fail.New(fail.Io, "could not export conffile %s", conffile.Local)
	}
	return nil
}

func (d *DockerDeployment) ImportConfigFiles(inst *instance.Instance, baseDir string) error {
	m, err := d.manifestFor(inst)
	if err != nil {
		return err
	}
	confDir := filepath.Join(d.instanceDir(inst), "conf")
	for _, conffile := range m.Conffiles {
		if err := os.MkdirAll(confDir, 0o755); err != nil {
			return fail.New(fail.Io, "could not create config directory")
		}
		err := utils.CopyFile(filepath.Join(baseDir, conffile.Local), filepath.Join(confDir, conffile.Local))
		if err != nil {
			return fail.New(fail.Io, "could not import conffile %s", conffile.Local)
		}
	}
	return nil
}

// --- allocation -------------------------------------------------------------

func (d *DockerDeployment) GenerateInstanceIP(cidrSubnet, gateway string) (string, error) {
	return generateIP(cidrSubnet, gateway, d.usedIPs())
}

func (d *DockerDeployment) usedIPs() []string {
	var used []string
	for _, inst := range d.Instances() {
		for _, network := range inst.Networks {
			if network.IPAddress != "" {
				used = append(used, network.IPAddress)
			}
		}
	}
	return used
}

// HostPortsCollide reports whether the range overlaps a host range already
// allocated by a running instance
func (d *DockerDeployment) HostPortsCollide(portRange manifest.PortRange) bool {
	return d.hostPortsCollide(portRange, d.runningContainerNames())
}

func (d *DockerDeployment) hostPortsCollide(portRange manifest.PortRange, runningContainers map[string]bool) bool {
	for _, inst := range d.Instances() {
		if !runningContainers[inst.ContainerName()] {
			continue
		}
		var ports []manifest.MappedPortRange
		if inst.Ports != nil {
			ports = *inst.Ports
		} else if m, err := d.manifestFor(inst); err == nil {
			ports = m.Ports
		}
		for _, existing := range ports {
			if portRange.CollidesWith(existing.Host) {
				return true
			}
		}
	}
	return false
}

func (d *DockerDeployment) runningContainerNames() map[string]bool {
	running := map[string]bool{}
	output, err := d.docker("ps", "--format", "{{.Names}}")
	if err != nil {
		return running
	}
	for _, name := range utils.SplitLines(output) {
		running[strings.TrimSpace(name)] = true
	}
	return running
}

// --- persistence ------------------------------------------------------------

func (d *DockerDeployment) deploymentPath(baseDir string) string {
	return filepath.Join(baseDir, "deployment", d.DeploymentID()+".json")
}

// Load rehydrates the instance catalog from deployment/docker.json. A missing
// file is a fresh start, not an error.
func (d *DockerDeployment) Load(baseDir string) error {
	content, err := os.ReadFile(d.deploymentPath(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fail.New(fail.Io, "could not read %s: %s", d.deploymentPath(baseDir), err)
	}

	var instances []*instance.Instance
	if err := json.Unmarshal(content, &instances); err != nil {
		d.mutex.Lock()
		d.instances = nil
		d.mutex.Unlock()
		return fail.New(fail.Io, "could not parse %s: %s", d.deploymentPath(baseDir), err)
	}

	d.mutex.Lock()
	d.instances = instances
	d.mutex.Unlock()
	return nil
}

// Save writes the instance catalog via a .new temp file renamed into place
func (d *DockerDeployment) Save(baseDir string) error {
	instances := d.Instances()
	if instances == nil {
		instances = []*instance.Instance{}
	}
	content, err := json.MarshalIndent(instances, "", "  ")
	if err != nil {
		return fail.New(fail.Internal, "could not serialise instances: %s", err)
	}
	content = append(content, '\n')
	if err := utils.WriteFileAtomic(d.deploymentPath(baseDir), content, 0o644); err != nil {
		return fail.New(fail.Io, "could not write %s: %s", d.deploymentPath(baseDir), err)
	}
	return nil
}

func lastLine(output string) string {
	lines := utils.SplitLines(output)
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
