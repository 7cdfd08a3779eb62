package mqtt

import "github.com/nugget/mcpvisor/internal/buildinfo"

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every server entity
// published by this instance references the same device block so HA
// groups them under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// BinarySensorConfig is the JSON payload for an HA MQTT binary_sensor
// discovery message. It is published (retained) to the discovery topic
// on every broker (re-)connect and whenever a new server appears.
type BinarySensorConfig struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	AvailabilityTopic   string     `json:"availability_topic"`
	JsonAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	Device              DeviceInfo `json:"device"`
	DeviceClass         string     `json:"device_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	ValueTemplate       string     `json:"value_template,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates the device block for one mcpvisor instance.
// The node ID is the stable identifier; it is derived from the topic
// prefix so two instances on one broker stay distinct.
func NewDeviceInfo(nodeID string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{buildinfo.Name + "_" + nodeID},
		Name:         buildinfo.Name + " " + nodeID,
		Manufacturer: "mcpvisor",
		Model:        "MCP server supervisor",
		SWVersion:    buildinfo.Version,
	}
}
