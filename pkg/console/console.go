// Package console talks to the FLECS console: license activation and
// validation, manifest downloads and download tokens for licensed images.
package console

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/fail"
	"github.com/flecs-technologies/flecsd/pkg/manifest"
)

// maxManifestSize caps manifest downloads; anything larger fails closed
const maxManifestSize = 64 * 1024

// SessionID is the device's opaque identity towards the console
type SessionID struct {
	ID        string
	Timestamp int64
}

// IsZero reports whether no session id is set
func (s SessionID) IsZero() bool {
	return s.ID == ""
}

// SessionIDFromHeader reads a fresh session id from a console response; the
// timestamp defaults to now when the console does not send one
func SessionIDFromHeader(header http.Header) (SessionID, bool) {
	id := header.Get("X-Session-Id")
	if id == "" {
		return SessionID{}, false
	}
	timestamp := time.Now().Unix()
	if raw := header.Get("X-Timestamp"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			timestamp = parsed
		}
	}
	return SessionID{ID: id, Timestamp: timestamp}, true
}

// DownloadToken carries registry credentials for one licensed app download
type DownloadToken struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Console is the outbound HTTP client
type Console struct {
	Log     *logrus.Entry
	BaseURL string
	Client  *http.Client

	// OnSessionID is invoked for every fresh session id a response carries;
	// the device module applies the supersede rule
	OnSessionID func(SessionID)
}

// NewConsole builds a client for the given console base url
func NewConsole(log *logrus.Entry, baseURL string) *Console {
	return &Console{
		Log:     log,
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Console) do(method, path, sessionID string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fail.New(fail.Internal, "could not encode request: %s", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fail.New(fail.Network, "could not build request: %s", err)
	}
	if sessionID != "" {
		req.Header.Set("X-Session-Id", sessionID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.Client.Do(req)
	if err != nil {
		return nil, fail.New(fail.Network, "could not reach console: %s", err)
	}

	if fresh, ok := SessionIDFromHeader(res.Header); ok && c.OnSessionID != nil {
		c.OnSessionID(fresh)
	}
	return res, nil
}

func decodeError(res *http.Response) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err == nil && body.Reason != "" {
		return fail.New(fail.Network, "%s", body.Reason)
	}
	return fail.New(fail.Network, "console responded with status code %d", res.StatusCode)
}

// ActivateLicense activates the device, optionally with an explicit license
// key. A 204 means "already active" and reuses the provided session id.
func (c *Console) ActivateLicense(sessionID string, licenseKey string) (SessionID, error) {
	var body interface{}
	if licenseKey != "" {
		body = map[string]string{"licenseKey": licenseKey}
	}

	res, err := c.do(http.MethodPost, "/api/v2/device/license/activate", sessionID, body)
	if err != nil {
		return SessionID{}, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		var response struct {
			Data struct {
				SessionID string `json:"sessionId"`
			} `json:"data"`
		}
		if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
			return SessionID{}, fail.New(fail.Network, "invalid response for status code 200")
		}
		return SessionID{ID: response.Data.SessionID, Timestamp: time.Now().Unix()}, nil
	case http.StatusNoContent:
		if fresh, ok := SessionIDFromHeader(res.Header); ok {
			return fresh, nil
		}
		return SessionID{ID: sessionID, Timestamp: time.Now().Unix()}, nil
	}
	return SessionID{}, decodeError(res)
}

// ValidateLicense checks whether the device's license is still valid
func (c *Console) ValidateLicense(sessionID string) (bool, error) {
	res, err := c.do(http.MethodPost, "/api/v2/device/license/validate", sessionID, nil)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		var response struct {
			IsValid bool `json:"isValid"`
		}
		if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
			return false, fail.New(fail.Network, "invalid response for status code 200")
		}
		return response.IsValid, nil
	}
	return false, decodeError(res)
}

// DownloadManifest fetches an app manifest from the console
func (c *Console) DownloadManifest(key manifest.AppKey, sessionID string) ([]byte, error) {
	path := fmt.Sprintf("/api/v2/manifests/%s/%s", key.Name, key.Version)
	res, err := c.do(http.MethodGet, path, sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, decodeError(res)
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxManifestSize+1))
	if err != nil {
		return nil, fail.New(fail.Network, "could not read manifest of %s: %s", key, err)
	}
	if len(body) > maxManifestSize {
		return nil, fail.New(fail.Network, "manifest of %s exceeds %d bytes", key, maxManifestSize)
	}
	return body, nil
}

// AcquireDownloadToken requests registry credentials for a licensed app.
// A 204 means no token is needed.
func (c *Console) AcquireDownloadToken(key manifest.AppKey, sessionID string) (*DownloadToken, error) {
	body := map[string]string{"app": key.Name, "version": key.Version}
	res, err := c.do(http.MethodPost, "/api/v2/tokens", sessionID, body)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
		var response struct {
			Token DownloadToken `json:"token"`
		}
		if err := json.NewDecoder(res.Body).Decode(&response); err != nil {
			return nil, fail.New(fail.Network, "invalid token response")
		}
		return &response.Token, nil
	case http.StatusNoContent:
		return nil, nil
	}
	return nil, decodeError(res)
}
