package qtm

import "fmt"

// Event is an asynchronous notification from QTM about the state of the
// capture session.
type Event byte

const (
	EventConnected             Event = 1
	EventConnectionClosed      Event = 2
	EventCaptureStarted        Event = 3
	EventCaptureStopped        Event = 4
	EventCalibrationStarted    Event = 5
	EventCalibrationStopped    Event = 6
	EventRTFromFileStarted     Event = 7
	EventRTFromFileStopped     Event = 8
	EventWaitingForTrigger     Event = 9
	EventCameraSettingsChanged Event = 10
	EventQTMShuttingDown       Event = 11
	EventCaptureSaved          Event = 12
)

// StartsStreaming reports whether the event marks the beginning of a live
// or file-replay measurement, i.e. frames are about to flow.
func (e Event) StartsStreaming() bool {
	return e == EventCaptureStarted || e == EventRTFromFileStarted
}

// StopsStreaming reports whether the event marks the end of a measurement.
func (e Event) StopsStreaming() bool {
	return e == EventCaptureStopped || e == EventRTFromFileStopped
}

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventConnectionClosed:
		return "connection_closed"
	case EventCaptureStarted:
		return "capture_started"
	case EventCaptureStopped:
		return "capture_stopped"
	case EventCalibrationStarted:
		return "calibration_started"
	case EventCalibrationStopped:
		return "calibration_stopped"
	case EventRTFromFileStarted:
		return "rt_from_file_started"
	case EventRTFromFileStopped:
		return "rt_from_file_stopped"
	case EventWaitingForTrigger:
		return "waiting_for_trigger"
	case EventCameraSettingsChanged:
		return "camera_settings_changed"
	case EventQTMShuttingDown:
		return "qtm_shutting_down"
	case EventCaptureSaved:
		return "capture_saved"
	default:
		return fmt.Sprintf("event(%d)", byte(e))
	}
}
