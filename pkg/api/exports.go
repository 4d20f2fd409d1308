package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/flecs-technologies/flecsd/pkg/instance"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// decodeBodyLenient tolerates an absent or empty body
func decodeBodyLenient(r *http.Request, target interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(target)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (a *API) handleCreateExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Apps      []manifest.AppKey `json:"apps"`
		Instances []instance.ID     `json:"instances"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.Apps) == 0 && len(body.Instances) == 0 {
		writeJSON(w, http.StatusBadRequest, additionalInfo{AdditionalInfo: "nothing to export"})
		return
	}

	jobID, _ := a.Flecsport.QueueExport(body.Apps, body.Instances)
	writeAccepted(w, jobID)
}
