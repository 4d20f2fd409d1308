package api

import (
	"net/http"
)

func (a *API) handleLicenseStatus(w http.ResponseWriter, r *http.Request) {
	valid, err := a.Device.ValidateLicense()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"isValid": valid})
}

func (a *API) handleLicenseActivation(w http.ResponseWriter, r *http.Request) {
	// the license key is optional; without one the device activates via its
	// session identity
	var body struct {
		LicenseKey string `json:"licenseKey"`
	}
	_ = decodeBodyLenient(r, &body)

	if err := a.Device.ActivateLicense(body.LicenseKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, additionalInfo{AdditionalInfo: "OK"})
}
