package ads

import "fmt"

// State is the ADS state reported by ReadState.
type State uint16

const (
	StateInvalid State = iota
	StateIdle
	StateReset
	StateInit
	StateStart
	StateRun
	StateStop
	StateSaveConfig
	StateLoadConfig
	StatePowerFailure
	StatePowerGood
	StateError
	StateShutdown
	StateSuspend
	StateResume
	StateConfig
	StateReconfig
)

var stateNames = [...]string{
	StateInvalid:      "Invalid",
	StateIdle:         "Idle",
	StateReset:        "Reset",
	StateInit:         "Init",
	StateStart:        "Start",
	StateRun:          "Run",
	StateStop:         "Stop",
	StateSaveConfig:   "Savecfg",
	StateLoadConfig:   "Loadcfg",
	StatePowerFailure: "Powerfailure",
	StatePowerGood:    "Powergood",
	StateError:        "Error",
	StateShutdown:     "Shutdown",
	StateSuspend:      "Suspend",
	StateResume:       "Resume",
	StateConfig:       "Config",
	StateReconfig:     "Reconfig",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint16(s))
}

// DeviceState is the response of ReadState.
type DeviceState struct {
	ADSState    State
	DeviceState uint16
}

func (d DeviceState) String() string {
	return fmt.Sprintf("%s (device state %d)", d.ADSState, d.DeviceState)
}

// DeviceInfo is the response of ReadDeviceInfo.
type DeviceInfo struct {
	MajorVersion uint8
	MinorVersion uint8
	BuildVersion uint16
	DeviceName   string
}

func (d DeviceInfo) String() string {
	if d.DeviceName == "" {
		return fmt.Sprintf("v%d.%d.%d", d.MajorVersion, d.MinorVersion, d.BuildVersion)
	}
	return fmt.Sprintf("%s v%d.%d.%d", d.DeviceName, d.MajorVersion, d.MinorVersion, d.BuildVersion)
}
