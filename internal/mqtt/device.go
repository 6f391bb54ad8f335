package mqtt

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload, so HA groups the camera, the size sensor,
// and the reload button under one device page.
type DeviceInfo struct {
	Name        string `json:"name"`
	Identifiers string `json:"identifiers"`
	SWVersion   string `json:"sw_version,omitempty"`
}

// NewDeviceInfo creates the device block. The name doubles as the
// identifier, so renaming the device creates a new HA device.
func NewDeviceInfo(name, swVersion string) DeviceInfo {
	return DeviceInfo{
		Name:        name,
		Identifiers: name,
		SWVersion:   swVersion,
	}
}

// CameraConfig is the discovery payload for an MQTT camera entity. The
// camera topic carries raw image bytes.
type CameraConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	Topic             string     `json:"topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
}

// SensorConfig is the discovery payload for an MQTT sensor entity.
type SensorConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	DeviceClass       string     `json:"device_class,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	ForceUpdate       bool       `json:"force_update,omitempty"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
}

// ButtonConfig is the discovery payload for an MQTT button entity.
// Pressing the button publishes to CommandTopic.
type ButtonConfig struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	CommandTopic      string     `json:"command_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
}
