package instances

import (
	"strings"

	"github.com/flecs-technologies/flecsd/pkg/deployment"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
	"github.com/flecs-technologies/flecsd/pkg/netdev"
	"github.com/flecs-technologies/flecsd/pkg/usb"
)

// NetworkAdapterView is one host adapter as seen by an instance
type NetworkAdapterView struct {
	Name       string `json:"name"`
	Active     bool   `json:"active"`
	Connected  bool   `json:"connected"`
	IPAddress  string `json:"ipAddress,omitempty"`
	SubnetMask string `json:"subnetMask,omitempty"`
	Gateway    string `json:"gateway,omitempty"`
}

// USBDeviceView is one usb device with its assignment state
type USBDeviceView struct {
	instance.USBDevice
	Active    bool `json:"active"`
	Connected bool `json:"connected"`
}

// DevicesView groups the device classes of a config
type DevicesView struct {
	USB []USBDeviceView `json:"usb"`
}

// Config is the instance configuration exchanged over the config endpoint
type Config struct {
	NetworkAdapters []NetworkAdapterView `json:"networkAdapters"`
	Devices         DevicesView          `json:"devices"`
	AdditionalInfo  string               `json:"additionalInfo,omitempty"`
}

// NetworkAdapterRequest asks to attach or detach an instance from an adapter
type NetworkAdapterRequest struct {
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	IPAddress string `json:"ipAddress,omitempty"`
}

// USBDeviceRequest asks to pass a usb device through or revoke it
type USBDeviceRequest struct {
	Port   string `json:"port"`
	Active bool   `json:"active"`
}

// ConfigRequest is the body of POST /config
type ConfigRequest struct {
	NetworkAdapters []NetworkAdapterRequest `json:"networkAdapters"`
	Devices         struct {
		USB []USBDeviceRequest `json:"usb"`
	} `json:"devices"`
}

// GetConfig reads the instance's current network and device configuration
func (i *Instances) GetConfig(id instance.ID) (Config, error) {
	inst, ok := i.Query(id)
	if !ok {
		return Config{}, fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	return Config{
		NetworkAdapters: buildNetworkAdapterViews(inst),
		Devices:         DevicesView{USB: buildUSBDeviceViews(inst)},
	}, nil
}

// PostConfig applies a configuration request: for each adapter either the
// ipvlan network is torn down, an address is suggested, or the instance is
// connected at the given address
func (i *Instances) PostConfig(id instance.ID, request ConfigRequest) (Config, error) {
	inst, ok := i.Query(id)
	if !ok {
		return Config{}, fail.New(fail.NotFound, "instance %s does not exist", id)
	}

	response := Config{NetworkAdapters: buildNetworkAdapterViews(inst)}
	adapters, err := netdev.Adapters()
	if err != nil {
		adapters = map[string]netdev.Adapter{}
	}

	for _, network := range request.NetworkAdapters {
		networkName := ipvlanPrefix + network.Name

		if !network.Active {
			i.deactivateAdapter(inst, networkName, network.Name, &response)
			continue
		}

		adapter, ok := adapters[network.Name]
		if !ok {
			continue
		}
		if len(adapter.IPv4) == 0 {
			response.AdditionalInfo = "Network adapter " + network.Name + " not ready"
			continue
		}

		cidrSubnet, err := netdev.IPv4ToNetwork(adapter.IPv4[0].Addr, adapter.IPv4[0].SubnetMask)
		if err != nil {
			response.AdditionalInfo = err.Error()
			continue
		}

		if network.IPAddress == "" {
			// no address given: suggest one
			suggested, err := i.Deploy.GenerateInstanceIP(cidrSubnet, adapter.Gateway)
			if err != nil {
				response.AdditionalInfo = err.Error()
				continue
			}
			updateAdapterView(&response, network.Name, func(view *NetworkAdapterView) {
				view.Active = true
				view.IPAddress = suggested
				view.SubnetMask = adapter.IPv4[0].SubnetMask
				view.Gateway = adapter.Gateway
			})
			continue
		}

		// apply the requested address
		_ = i.Deploy.CreateNetwork(deployment.NetworkTypeIPVLANL2, networkName, cidrSubnet, adapter.Gateway, network.Name)
		_ = i.Deploy.DisconnectNetwork(inst, networkName)

		if err := i.Deploy.ConnectNetwork(inst, networkName, network.IPAddress); err != nil {
			response.AdditionalInfo = err.Error()
			updateAdapterView(&response, network.Name, func(view *NetworkAdapterView) {
				view.Active = false
			})
			continue
		}

		if attachment, ok := inst.Network(networkName); ok {
			attachment.IPAddress = network.IPAddress
		} else {
			inst.Networks = append(inst.Networks, instance.NetworkAttachment{
				NetworkName: networkName,
				IPAddress:   network.IPAddress,
			})
		}
		if err := i.Deploy.Save(i.BaseDir); err != nil {
			i.Log.Errorf("could not save deployment: %s", err)
		}
		updateAdapterView(&response, network.Name, func(view *NetworkAdapterView) {
			view.Active = true
			view.IPAddress = network.IPAddress
		})
	}

	for _, device := range request.Devices.USB {
		if device.Active {
			i.activateUSBDevice(inst, device.Port)
		} else {
			i.deactivateUSBDevice(inst, device.Port)
		}
	}
	response.Devices = DevicesView{USB: buildUSBDeviceViews(inst)}

	return response, nil
}

func (i *Instances) deactivateAdapter(inst *instance.Instance, networkName, adapterName string, response *Config) {
	_ = i.Deploy.DisconnectNetwork(inst, networkName)
	_ = i.Deploy.DeleteNetwork(networkName)

	for idx := range inst.Networks {
		if inst.Networks[idx].NetworkName == networkName {
			inst.Networks = append(inst.Networks[:idx], inst.Networks[idx+1:]...)
			break
		}
	}
	updateAdapterView(response, adapterName, func(view *NetworkAdapterView) {
		view.Active = false
	})
}

func (i *Instances) activateUSBDevice(inst *instance.Instance, port string) {
	for _, existing := range inst.USBDevices {
		if existing.Port == port {
			return
		}
	}
	for _, device := range usb.Devices() {
		if device.Port == port {
			inst.USBDevices = append(inst.USBDevices, device)
			return
		}
	}
	inst.USBDevices = append(inst.USBDevices, instance.USBDevice{Port: port})
}

func (i *Instances) deactivateUSBDevice(inst *instance.Instance, port string) {
	for idx, device := range inst.USBDevices {
		if device.Port == port {
			inst.USBDevices = append(inst.USBDevices[:idx], inst.USBDevices[idx+1:]...)
			return
		}
	}
}

func updateAdapterView(response *Config, name string, update func(*NetworkAdapterView)) {
	for idx := range response.NetworkAdapters {
		if response.NetworkAdapters[idx].Name == name {
			update(&response.NetworkAdapters[idx])
			return
		}
	}
	view := NetworkAdapterView{Name: name}
	update(&view)
	response.NetworkAdapters = append(response.NetworkAdapters, view)
}

// buildNetworkAdapterViews merges the host's wired and wireless adapters
// with the instance's recorded ipvlan attachments
func buildNetworkAdapterViews(inst *instance.Instance) []NetworkAdapterView {
	views := []NetworkAdapterView{}

	adapters, err := netdev.Adapters()
	if err != nil {
		adapters = map[string]netdev.Adapter{}
	}
	for name, adapter := range adapters {
		if adapter.NetType != netdev.NetTypeWired && adapter.NetType != netdev.NetTypeWireless {
			continue
		}
		view := NetworkAdapterView{
			Name:      name,
			Connected: len(adapter.IPv4) > 0,
		}
		if attachment, ok := inst.Network(ipvlanPrefix + name); ok {
			view.Active = true
			view.IPAddress = attachment.IPAddress
			if len(adapter.IPv4) > 0 {
				view.SubnetMask = adapter.IPv4[0].SubnetMask
				view.Gateway = adapter.Gateway
			} else {
				view.SubnetMask = "0.0.0.0"
				view.Gateway = "0.0.0.0"
			}
		}
		views = append(views, view)
	}

	// attachments whose adapter is gone still show up as active
	for _, network := range inst.Networks {
		if name, ok := strings.CutPrefix(network.NetworkName, ipvlanPrefix); ok {
			if _, exists := adapters[name]; !exists {
				views = append(views, NetworkAdapterView{
					Name:       name,
					Active:     true,
					Connected:  false,
					IPAddress:  network.IPAddress,
					SubnetMask: "0.0.0.0",
					Gateway:    "0.0.0.0",
				})
			}
		}
	}
	return views
}

func buildUSBDeviceViews(inst *instance.Instance) []USBDeviceView {
	views := []USBDeviceView{}
	connected := usb.Devices()

	for _, device := range connected {
		active := false
		for _, assigned := range inst.USBDevices {
			if assigned.Port == device.Port {
				active = true
				break
			}
		}
		views = append(views, USBDeviceView{USBDevice: device, Active: active, Connected: true})
	}

	for _, assigned := range inst.USBDevices {
		found := false
		for _, device := range connected {
			if device.Port == assigned.Port {
				found = true
				break
			}
		}
		if !found {
			views = append(views, USBDeviceView{USBDevice: assigned, Active: true, Connected: false})
		}
	}
	return views
}

// --- environment and ports sub-resources ------------------------------------

// GetEnvironment returns the instance's effective env overrides
func (i *Instances) GetEnvironment(id instance.ID) (manifest.Environment, error) {
	inst, ok := i.Query(id)
	if !ok {
		return nil, fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	if inst.Environment == nil {
		return manifest.Environment{}, nil
	}
	return *inst.Environment, nil
}

// PutEnvironment replaces the env overrides wholesale
func (i *Instances) PutEnvironment(id instance.ID, env manifest.Environment) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	if err := env.Validate(); err != nil {
		return err
	}
	inst.SetEnvironment(env)
	return i.Deploy.Save(i.BaseDir)
}

// DeleteEnvironment restores manifest inheritance
func (i *Instances) DeleteEnvironment(id instance.ID) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	inst.ClearEnvironment()
	return i.Deploy.Save(i.BaseDir)
}

// GetPorts returns the instance's port overrides
func (i *Instances) GetPorts(id instance.ID) ([]manifest.MappedPortRange, error) {
	inst, ok := i.Query(id)
	if !ok {
		return nil, fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	if inst.Ports == nil {
		return []manifest.MappedPortRange{}, nil
	}
	return *inst.Ports, nil
}

// PutPorts replaces the port overrides wholesale
func (i *Instances) PutPorts(id instance.ID, ports []manifest.MappedPortRange) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	inst.SetPorts(ports)
	return i.Deploy.Save(i.BaseDir)
}

// DeletePorts restores manifest inheritance
func (i *Instances) DeletePorts(id instance.ID) error {
	inst, ok := i.Query(id)
	if !ok {
		return fail.New(fail.NotFound, "instance %s does not exist", id)
	}
	inst.ClearPorts()
	return i.Deploy.Save(i.BaseDir)
}
