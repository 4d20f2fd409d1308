package api

import (
	"net/http"
	"strconv"

	"github.com/flecs-technologies/flecsd/pkg/jobs"
)

func (a *API) jobFromPath(w http.ResponseWriter, r *http.Request) (jobs.ID, bool) {
	raw, err := strconv.ParseUint(r.PathValue("jobId"), 10, 32)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, additionalInfo{AdditionalInfo: "invalid job id"})
		return 0, false
	}
	return jobs.ID(raw), true
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Jobs.List())
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobFromPath(w, r)
	if !ok {
		return
	}
	view, found := a.Jobs.Get(id)
	if !found {
		writeJSON(w, http.StatusNotFound, additionalInfo{AdditionalInfo: "no such job"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := a.jobFromPath(w, r)
	if !ok {
		return
	}
	status, deleted := a.Jobs.Delete(id)
	if !deleted {
		if status == "" {
			writeJSON(w, http.StatusNotFound, additionalInfo{AdditionalInfo: "no such job"})
			return
		}
		writeJSON(w, http.StatusBadRequest, additionalInfo{
			AdditionalInfo: "job " + r.PathValue("jobId") + " is still " + string(status),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
}
