// Package floxy controls the nginx reverse proxy in front of instance
// editors. It writes per-instance location snippets for proxy-aware editors
// and per-port server snippets for the rest, reloading nginx only when a
// snippet actually changed.
package floxy

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/commands"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/instance"
)

// Floxy generates and reloads the nginx config snippets
type Floxy struct {
	Log        *logrus.Entry
	OSCommand  *commands.OSCommand
	BaseDir    string
	MainConfig string
}

// NewFloxy wires the controller against the nginx main config
func NewFloxy(log *logrus.Entry, osCommand *commands.OSCommand, baseDir, mainConfig string) *Floxy {
	return &Floxy{
		Log:        log,
		OSCommand:  osCommand,
		BaseDir:    baseDir,
		MainConfig: mainConfig,
	}
}

// Init wipes leftover server snippets (sessions do not survive a restart)
// and starts nginx
func (f *Floxy) Init() {
	f.ClearServerConfigs()

	cmd := f.OSCommand.NewCmd("nginx", "-c", f.MainConfig)
	if err := f.OSCommand.RunExecutable(cmd); err != nil {
		f.Log.Errorf("failed to start floxy: %s", err)
	}
}

// Deinit asks nginx to quit
func (f *Floxy) Deinit() {
	cmd := f.OSCommand.NewCmd("nginx", "-c", f.MainConfig, "-s", "quit")
	if err := f.OSCommand.RunExecutable(cmd); err != nil {
		f.Log.Errorf("failed to stop floxy: %s", err)
	}
}

// ClearServerConfigs deletes every server snippet on disk
func (f *Floxy) ClearServerConfigs() {
	dir := filepath.Join(f.BaseDir, "floxy", "servers")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".conf" {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func (f *Floxy) instanceConfigPath(appName string, instanceID instance.ID) string {
	fileName := appName + "-" + instanceID.Hex() + ".conf"
	return filepath.Join(f.BaseDir, "floxy", "instances", fileName)
}

func (f *Floxy) serverConfigPath(appName string, instanceID instance.ID, hostPort uint16) string {
	fileName := fmt.Sprintf("%s-%s_%d.conf", appName, instanceID.Hex(), hostPort)
	return filepath.Join(f.BaseDir, "floxy", "servers", fileName)
}

func (f *Floxy) reload() error {
	cmd := f.OSCommand.NewCmd("nginx", "-c", f.MainConfig, "-s", "reload")
	if err := f.OSCommand.RunExecutable(cmd); err != nil {
		return fail.New(fail.Engine, "failed to reload floxy config: %s", err)
	}
	return nil
}

func createInstanceConfig(instanceID instance.ID, instanceAddress string, destPort uint16) string {
	location := fmt.Sprintf("/v2/instances/%s/editor/%d", instanceID.Hex(), destPort)
	upstream := fmt.Sprintf("%s:%d", instanceAddress, destPort)
	return fmt.Sprintf(`
location %[1]s {
   server_name_in_redirect on;
   return 301 $request_uri/;

   location ~ ^%[1]s/(.*) {
      set $upstream http://%[2]s/$1;
      proxy_pass $upstream;

      proxy_http_version 1.1;

      proxy_set_header Upgrade $http_upgrade;
      proxy_set_header Connection $connection_upgrade;
      proxy_set_header Host $host;
      proxy_set_header X-Forwarded-Proto $scheme;
      proxy_set_header X-Real-IP $remote_addr;
      proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
      proxy_set_header X-Forwarded-Host $host;
      proxy_set_header X-Forwarded-Port $server_port;

      client_max_body_size 0;
      client_body_timeout 30m;
   }
}
`, location, upstream)
}

func createServerConfig(instanceAddress string, hostPort, destPort uint16) string {
	upstream := fmt.Sprintf("%s:%d", instanceAddress, destPort)
	return fmt.Sprintf(`
server {
   listen %d;
   location / {
      set $upstream http://%s;
      proxy_pass $upstream;

      proxy_http_version 1.1;

      proxy_set_header Upgrade $http_upgrade;
      proxy_set_header Connection $connection_upgrade;
      proxy_set_header Host $host;
      proxy_set_header X-Forwarded-Proto $scheme;
      proxy_set_header X-Real-IP $remote_addr;
      proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
      proxy_set_header X-Forwarded-Host $host;
      proxy_set_header X-Forwarded-Port $server_port;

      client_max_body_size 0;
      client_body_timeout 30m;
   }
}`, hostPort, upstream)
}

// loadConfig writes the snippet and reloads nginx, but only when the content
// differs from what is already on disk. A reload is visible to end users, so
// this comparison is a correctness requirement, not an optimisation.
func (f *Floxy) loadConfig(content, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fail.New(fail.Io, "could not create directory %s", filepath.Dir(path))
	}

	if existing, err := os.ReadFile(path); err == nil && string(existing) == content {
		return nil
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fail.New(fail.Io, "could not open %s for writing", path)
	}
	return f.reload()
}

// LoadInstanceReverseProxyConfig writes the location blocks for all
// proxy-aware editor ports of one instance; all ports share one file
func (f *Floxy) LoadInstanceReverseProxyConfig(ipAddress, appName string, instanceID instance.ID, destPorts []uint16) error {
	sort.Slice(destPorts, func(i, j int) bool { return destPorts[i] < destPorts[j] })

	var config strings.Builder
	for _, destPort := range destPorts {
		config.WriteString(createInstanceConfig(instanceID, ipAddress, destPort))
	}
	return f.loadConfig(config.String(), f.instanceConfigPath(appName, instanceID))
}

// DeleteReverseProxyConfigs removes everything the instance owns: its server
// snippets and its instance snippet
func (f *Floxy) DeleteReverseProxyConfigs(inst *instance.Instance, appName string) error {
	_ = f.DeleteServerProxyConfigs(inst, appName, false)
	return f.deleteConfig(f.instanceConfigPath(appName, inst.ID), true)
}

// DeleteServerProxyConfigs removes only the per-port server snippets
func (f *Floxy) DeleteServerProxyConfigs(inst *instance.Instance, appName string, reload bool) error {
	for _, hostPort := range inst.EditorPorts() {
		_ = f.deleteConfig(f.serverConfigPath(appName, inst.ID, hostPort), false)
	}
	if reload {
		return f.reload()
	}
	return nil
}

func (f *Floxy) deleteConfig(path string, reload bool) error {
	if err := os.Remove(path); err != nil {
		return fail.New(fail.Io, "could not delete %s", path)
	}
	if reload {
		return f.reload()
	}
	return nil
}

// RedirectEditorToFreePort publishes a non-proxy-aware editor: a free host
// port is probed, a server snippet written and the mapping cached on the
// instance. The port is free only between probe and nginx bind. A failed
// reload is returned as an error; a bind failure inside nginx after a
// successful reload is not detected, and the port is not probed again.
func (f *Floxy) RedirectEditorToFreePort(inst *instance.Instance, appName string, destPort uint16) (uint16, error) {
	hostPort, err := randomFreePort()
	if err != nil {
		return 0, fail.New(fail.Exhausted, "no free port available")
	}

	instanceIP := inst.IPAddress()
	if instanceIP == "" {
		return 0, fail.New(fail.State, "instance %s not connected to network", inst.ID)
	}

	content := createServerConfig(instanceIP, hostPort, destPort)
	if err := f.loadConfig(content, f.serverConfigPath(appName, inst.ID, hostPort)); err != nil {
		return 0, err
	}

	inst.SetEditorPort(destPort, hostPort)
	return hostPort, nil
}

// randomFreePort binds port 0, reads the assigned port back and releases it
func randomFreePort() (uint16, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return uint16(listener.Addr().(*net.TCPAddr).Port), nil
}
