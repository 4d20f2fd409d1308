// Package api is the HTTP adapter: it decodes requests into typed commands
// against the catalogs, queues long-running work as jobs and encodes the
// results. Install, uninstall, lifecycle and export requests return 202 Accepted
// with a job id; instance logs, instance config and the editor redirect query
// the engine and nginx synchronously within the request.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/apps"
	"github.com/flecs-technologies/flecsd/pkg/device"
	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/flecsport"
	"github.com/flecs-technologies/flecsd/pkg/floxy"
	"github.com/flecs-technologies/flecsd/pkg/instances"
	"github.com/flecs-technologies/flecsd/pkg/jobs"
)

// API serves the v2 HTTP interface
type API struct {
	Log       *logrus.Entry
	Apps      *apps.Apps
	Instances *instances.Instances
	Jobs      *jobs.Jobs
	Device    *device.Device
	Floxy     *floxy.Floxy
	Flecsport *flecsport.Flecsport

	server *http.Server
}

// NewAPI wires the adapter
func NewAPI(log *logrus.Entry, appCatalog *apps.Apps, orchestrator *instances.Instances, jobQueue *jobs.Jobs, dev *device.Device, floxyController *floxy.Floxy, porter *flecsport.Flecsport) *API {
	return &API{
		Log:       log,
		Apps:      appCatalog,
		Instances: orchestrator,
		Jobs:      jobQueue,
		Device:    dev,
		Floxy:     floxyController,
		Flecsport: porter,
	}
}

// Handler builds the route table
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v2/apps", a.handleListApps)
	mux.HandleFunc("GET /v2/apps/{app}", a.handleListAppVersions)
	mux.HandleFunc("POST /v2/apps/install", a.handleInstallApp)
	mux.HandleFunc("POST /v2/apps/sideload", a.handleSideloadApp)
	mux.HandleFunc("DELETE /v2/apps/{app}", a.handleUninstallApp)

	mux.HandleFunc("GET /v2/instances", a.handleListInstances)
	mux.HandleFunc("POST /v2/instances/create", a.handleCreateInstance)
	mux.HandleFunc("GET /v2/instances/{instanceId}", a.handleInstanceDetails)
	mux.HandleFunc("POST /v2/instances/{instanceId}/start", a.handleStartInstance)
	mux.HandleFunc("POST /v2/instances/{instanceId}/stop", a.handleStopInstance)
	mux.HandleFunc("DELETE /v2/instances/{instanceId}", a.handleRemoveInstance)
	mux.HandleFunc("PATCH /v2/instances/{instanceId}", a.handleUpdateInstance)
	mux.HandleFunc("GET /v2/instances/{instanceId}/config", a.handleGetInstanceConfig)
	mux.HandleFunc("POST /v2/instances/{instanceId}/config", a.handlePostInstanceConfig)
	mux.HandleFunc("GET /v2/instances/{instanceId}/environment", a.handleGetInstanceEnvironment)
	mux.HandleFunc("PUT /v2/instances/{instanceId}/environment", a.handlePutInstanceEnvironment)
	mux.HandleFunc("DELETE /v2/instances/{instanceId}/environment", a.handleDeleteInstanceEnvironment)
	mux.HandleFunc("GET /v2/instances/{instanceId}/ports", a.handleGetInstancePorts)
	mux.HandleFunc("PUT /v2/instances/{instanceId}/ports", a.handlePutInstancePorts)
	mux.HandleFunc("DELETE /v2/instances/{instanceId}/ports", a.handleDeleteInstancePorts)
	mux.HandleFunc("GET /v2/instances/{instanceId}/logs", a.handleInstanceLogs)
	mux.HandleFunc("GET /v2/instances/{instanceId}/editor/{port}", a.handleEditorRequest)

	mux.HandleFunc("GET /v2/jobs", a.handleListJobs)
	mux.HandleFunc("GET /v2/jobs/{jobId}", a.handleGetJob)
	mux.HandleFunc("DELETE /v2/jobs/{jobId}", a.handleDeleteJob)

	mux.HandleFunc("GET /v2/device/license/activation/status", a.handleLicenseStatus)
	mux.HandleFunc("POST /v2/device/license/activation", a.handleLicenseActivation)

	mux.HandleFunc("POST /v2/exports/create", a.handleCreateExport)

	return mux
}

// Serve runs the HTTP server until the context is cancelled, then drains
func (a *API) Serve(ctx context.Context, listen string) error {
	a.server = &http.Server{
		Addr:    listen,
		Handler: a.Handler(),
	}

	errs := make(chan error, 1)
	go func() {
		errs <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	}
}

// --- helpers ----------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeAccepted is the uniform response for queued work
func writeAccepted(w http.ResponseWriter, jobID jobs.ID) {
	writeJSON(w, http.StatusAccepted, map[string]jobs.ID{"jobId": jobID})
}

type additionalInfo struct {
	AdditionalInfo string `json:"additionalInfo"`
}

// writeError maps the internal error taxonomy onto HTTP status codes; the
// message is passed through so operators can diagnose
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fail.KindOf(err) {
	case fail.NotFound:
		status = http.StatusNotFound
	case fail.InvalidArgument, fail.Conflict:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, additionalInfo{AdditionalInfo: err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		writeJSON(w, http.StatusBadRequest, additionalInfo{AdditionalInfo: "malformed request body"})
		return false
	}
	return true
}
