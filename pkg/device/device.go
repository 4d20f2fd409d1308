// Package device holds the device's session identity and drives license
// activation and validation against the console.
package device

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"github.com/flecs-technologies/flecsd/pkg/console"
	"github.com/flecs-technologies/flecsd/pkg/fail"
)

// Device persists the session id and talks to the console on the user's
// behalf
type Device struct {
	Log     *logrus.Entry
	Console *console.Console
	BaseDir string

	mutex     deadlock.Mutex
	sessionID console.SessionID
}

// NewDevice wires the device module
func NewDevice(log *logrus.Entry, consoleClient *console.Console, baseDir string) *Device {
	d := &Device{
		Log:     log,
		Console: consoleClient,
		BaseDir: baseDir,
	}
	if consoleClient != nil {
		consoleClient.OnSessionID = d.SaveSessionID
	}
	return d
}

func (d *Device) sessionIDPath() string {
	return filepath.Join(d.BaseDir, "device", ".session_id")
}

// Load reads the persisted session id: a UUID line followed by a unix
// timestamp line. Anything malformed resets the identity.
func (d *Device) Load() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	content, err := os.ReadFile(d.sessionIDPath())
	if err != nil {
		d.sessionID = console.SessionID{}
		if os.IsNotExist(err) {
			return nil
		}
		return fail.New(fail.Io, "could not open .session_id")
	}

	lines := strings.Split(string(content), "\n")
	if len(lines) < 2 {
		d.sessionID = console.SessionID{}
		return fail.New(fail.Io, "could not read session id and timestamp")
	}

	id := strings.TrimSpace(lines[0])
	if _, err := uuid.Parse(id); err != nil {
		d.sessionID = console.SessionID{}
		return fail.New(fail.Io, "could not parse session id")
	}
	timestamp, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	if err != nil {
		d.sessionID = console.SessionID{}
		return fail.New(fail.Io, "could not parse timestamp")
	}

	d.sessionID = console.SessionID{ID: id, Timestamp: timestamp}
	return nil
}

// Save writes the session id to disk
func (d *Device) Save() error {
	d.mutex.Lock()
	sessionID := d.sessionID
	d.mutex.Unlock()

	dir := filepath.Dir(d.sessionIDPath())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fail.New(fail.Io, "could not create directory %s", dir)
	}

	content := sessionID.ID + "\n" + strconv.FormatInt(sessionID.Timestamp, 10) + "\n"
	if err := os.WriteFile(d.sessionIDPath(), []byte(content), 0o600); err != nil {
		return fail.New(fail.Io, "could not open .session_id for writing")
	}
	return nil
}

// SessionID returns the current session id, lazily generating and saving one
// when none is present
func (d *Device) SessionID() console.SessionID {
	d.mutex.Lock()
	if d.sessionID.IsZero() {
		d.sessionID = console.SessionID{
			ID:        uuid.NewString(),
			Timestamp: time.Now().Unix(),
		}
		d.mutex.Unlock()
		if err := d.Save(); err != nil {
			d.Log.Warnf("could not save session id: %s", err)
		}
		d.mutex.Lock()
	}
	defer d.mutex.Unlock()
	return d.sessionID
}

// SaveSessionID overwrites the current identity only if the new one differs
// and is not older
func (d *Device) SaveSessionID(sessionID console.SessionID) {
	d.mutex.Lock()
	supersedes := sessionID.ID != d.sessionID.ID && sessionID.Timestamp >= d.sessionID.Timestamp
	if supersedes {
		d.sessionID = sessionID
	}
	d.mutex.Unlock()

	if supersedes {
		if err := d.Save(); err != nil {
			d.Log.Warnf("could not save session id: %s", err)
		}
	}
}

// ActivateLicense activates the device against the console
func (d *Device) ActivateLicense(licenseKey string) error {
	fresh, err := d.Console.ActivateLicense(d.SessionID().ID, licenseKey)
	if err != nil {
		return err
	}
	d.SaveSessionID(fresh)
	return nil
}

// ValidateLicense checks the license against the console
func (d *Device) ValidateLicense() (bool, error) {
	return d.Console.ValidateLicense(d.SessionID().ID)
}
