package api

import (
	"encoding/json"
	"net/http"

	"github.com/flecs-technologies/flecsd/pkg/apps"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// appView is one app record on the wire
type appView struct {
	AppKey        manifest.AppKey `json:"appKey"`
	Status        apps.Status     `json:"status"`
	Desired       apps.Status     `json:"desired"`
	InstalledSize int64           `json:"installedSize"`
	MultiInstance bool            `json:"multiInstance"`
}

func buildAppView(app *apps.App) appView {
	view := appView{
		AppKey:        app.Key,
		Status:        app.Status,
		Desired:       app.Desired,
		InstalledSize: app.InstalledSize,
	}
	if m := app.Manifest(); m != nil {
		view.MultiInstance = m.MultiInstance
	}
	return view
}

func (a *API) handleListApps(w http.ResponseWriter, r *http.Request) {
	views := []appView{}
	for _, app := range a.Apps.All() {
		views = append(views, buildAppView(app))
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleListAppVersions(w http.ResponseWriter, r *http.Request) {
	filter := manifest.AppKey{
		Name:    r.PathValue("app"),
		Version: r.URL.Query().Get("version"),
	}

	views := []appView{}
	for _, key := range a.Apps.AppKeys(filter) {
		if app, ok := a.Apps.Query(key); ok {
			views = append(views, buildAppView(app))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (a *API) handleInstallApp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppKey manifest.AppKey `json:"appKey"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := body.AppKey.Validate(); err != nil {
		writeError(w, err)
		return
	}
	writeAccepted(w, a.Apps.QueueInstall(body.AppKey))
}

func (a *API) handleSideloadApp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Manifest json.RawMessage `json:"manifest"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	// the manifest arrives either as an embedded object or as a string
	manifestStr := string(body.Manifest)
	var unquoted string
	if err := json.Unmarshal(body.Manifest, &unquoted); err == nil {
		manifestStr = unquoted
	}

	writeAccepted(w, a.Apps.QueueSideload(manifestStr))
}

func (a *API) handleUninstallApp(w http.ResponseWriter, r *http.Request) {
	filter := manifest.AppKey{
		Name:    r.PathValue("app"),
		Version: r.URL.Query().Get("version"),
	}
	force := r.URL.Query().Get("force") == "true"

	keys := a.Apps.AppKeys(filter)
	if len(keys) == 0 {
		writeJSON(w, http.StatusBadRequest, additionalInfo{
			AdditionalInfo: "cannot uninstall " + filter.Name + ", which is not installed",
		})
		return
	}

	var jobID jobs.ID
	for _, key := range keys {
		jobID = a.Apps.QueueUninstall(key, force)
	}
	writeAccepted(w, jobID)
}
