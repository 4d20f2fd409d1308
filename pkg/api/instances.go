package api

import (
	"net/http"
	"strconv"

	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/instances"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// instanceView is one instance in the list endpoint
type instanceView struct {
	ID      instance.ID     `json:"instanceId"`
	Name    string          `json:"instanceName"`
	AppKey  manifest.AppKey `json:"appKey"`
	Status  instance.Status `json:"status"`
	Desired instance.Status `json:"desired"`
}

func (a *API) instanceFromPath(w http.ResponseWriter, r *http.Request) (instance.ID, bool) {
	id, err := instance.ParseID(r.PathValue("instanceId"))
	if err != nil {
		writeError(w, err)
		return 0, false
	}
	return id, true
}

func (a *API) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := manifest.AppKey{
		Name:    r.URL.Query().Get("app"),
		Version: r.URL.Query().Get("version"),
	}

	views := []instanceView{}
	for _, id := range a.Instances.InstanceIDs(filter) {
		inst, ok := a.Instances.Query(id)
		if !ok {
			continue
		}
		views = append(views, instanceView{
			ID:      inst.ID,
			Name:    inst.Name,
			AppKey:  inst.AppKey,
			Status:  a.Instances.EffectiveStatus(inst),
			Desired: inst.Desired,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppKey       manifest.AppKey `json:"appKey"`
		InstanceName string          `json:"instanceName"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := body.AppKey.Validate(); err != nil {
		writeError(w, err)
		return
	}
	writeAccepted(w, a.Instances.QueueCreate(body.AppKey, body.InstanceName))
}

func (a *API) handleInstanceDetails(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	details, err := a.Instances.Details(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (a *API) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	writeAccepted(w, a.Instances.QueueStart(id, false))
}

func (a *API) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	writeAccepted(w, a.Instances.QueueStop(id, false))
}

func (a *API) handleRemoveInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	writeAccepted(w, a.Instances.QueueRemove(id))
}

func (a *API) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	var body struct {
		To string `json:"to"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	writeAccepted(w, a.Instances.QueueUpdate(id, body.To))
}

func (a *API) handleGetInstanceConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	config, err := a.Instances.GetConfig(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (a *API) handlePostInstanceConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	var request instances.ConfigRequest
	if !decodeBody(w, r, &request) {
		return
	}
	config, err := a.Instances.PostConfig(id, request)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, config)
}

func (a *API) handleGetInstanceEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	env, err := a.Instances.GetEnvironment(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (a *API) handlePutInstanceEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	var env manifest.Environment
	if !decodeBody(w, r, &env) {
		return
	}
	if err := a.Instances.PutEnvironment(id, env); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleDeleteInstanceEnvironment(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	if err := a.Instances.DeleteEnvironment(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleGetInstancePorts(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	ports, err := a.Instances.GetPorts(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (a *API) handlePutInstancePorts(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	var ports []manifest.MappedPortRange
	if !decodeBody(w, r, &ports) {
		return
	}
	if err := a.Instances.PutPorts(id, ports); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleDeleteInstancePorts(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	if err := a.Instances.DeletePorts(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleInstanceLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	stdout, stderr, err := a.Instances.Logs(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"stdout": stdout,
		"stderr": stderr,
	})
}

// handleEditorRequest serves /v2/instances/{id}/editor/{port}: proxy-aware
// editors are reached through the standing instance snippet, everything else
// gets a host port published on demand and a redirect to it
func (a *API) handleEditorRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := a.instanceFromPath(w, r)
	if !ok {
		return
	}
	port, err := strconv.ParseUint(r.PathValue("port"), 10, 16)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, additionalInfo{AdditionalInfo: "invalid port"})
		return
	}

	inst, found := a.Instances.Query(id)
	if !found {
		writeJSON(w, http.StatusNotFound, additionalInfo{AdditionalInfo: "Instance not found"})
		return
	}

	app, found := a.Apps.Query(inst.AppKey)
	if !found || app.Manifest() == nil {
		writeJSON(w, http.StatusInternalServerError, additionalInfo{AdditionalInfo: "Instance not connected to an App"})
		return
	}

	editor, found := app.Manifest().Editors.ForPort(uint16(port))
	if !found {
		writeJSON(w, http.StatusNotFound, additionalInfo{AdditionalInfo: "Unknown port"})
		return
	}
	if editor.SupportsReverseProxy {
		writeJSON(w, http.StatusBadRequest, additionalInfo{AdditionalInfo: "Editor supports reverse proxy -> use floxy"})
		return
	}
	if !a.Instances.IsRunning(inst) {
		writeJSON(w, http.StatusBadRequest, additionalInfo{AdditionalInfo: "Instance is not running"})
		return
	}

	if hostPort, cached := inst.EditorPort(uint16(port)); cached {
		redirectToPort(w, hostPort)
		return
	}

	hostPort, err := a.Floxy.RedirectEditorToFreePort(inst, inst.AppKey.Name, uint16(port))
	if err != nil {
		writeError(w, err)
		return
	}
	redirectToPort(w, hostPort)
}

func redirectToPort(w http.ResponseWriter, hostPort uint16) {
	w.Header().Set("Location", ":"+strconv.Itoa(int(hostPort)))
	w.WriteHeader(http.StatusMovedPermanently)
}
