package manifest

import "encoding/json"

// StartupOption tweaks how the deployment brings an instance up
type StartupOption uint

const (
	StartupOptionInvalid StartupOption = 0
	// InitNetworkAfterStart detaches all networks before the container starts
	// and reattaches them afterwards; the container's entrypoint is wrapped to
	// wait for the ready marker
	InitNetworkAfterStart StartupOption = 1
)

// StartupOptionFromString parses the manifest representation
func StartupOptionFromString(s string) StartupOption {
	if s == "initNetworkAfterStart" {
		return InitNetworkAfterStart
	}
	return StartupOptionInvalid
}

func (o StartupOption) String() string {
	if o == InitNetworkAfterStart {
		return "initNetworkAfterStart"
	}
	return "invalid"
}

func (o StartupOption) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

func (o *StartupOption) UnmarshalJSON(data []byte) error {
	// the numeric form is accepted alongside the string form that
	// MarshalJSON writes
	var num uint
	if err := json.Unmarshal(data, &num); err == nil {
		*o = StartupOption(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = StartupOptionFromString(s)
	return nil
}

// HasStartupOption reports whether the option is present in the list
func HasStartupOption(options []StartupOption, option StartupOption) bool {
	for _, o := range options {
		if o == option {
			return true
		}
	}
	return false
}
