package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementLighting = "cbus_lighting"
	measurementSecurity = "cbus_security"
)

// WriteLightingState records a lighting group's on/off state and level.
//
// Tags: bridge, address, name. Fields: on (bool), percent (int).
//
// Example:
//
//	client.WriteLightingState("254/56/1", "Kitchen", true, 50)
func (c *Client) WriteLightingState(address, name string, on bool, percent int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(lightingPoint(c.bridgeID, address, name, on, percent, c.now()))
}

// WriteSecurityState records one security field change, such as a zone
// going to "open" or the panel arm state changing.
func (c *Client) WriteSecurityState(address, name, field, value string) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(securityPoint(c.bridgeID, address, name, field, value, c.now()))
}

func lightingPoint(bridgeID, address, name string, on bool, percent int, ts time.Time) *write.Point {
	return write.NewPoint(
		measurementLighting,
		pointTags(bridgeID, address, name),
		map[string]interface{}{
			"on":      on,
			"percent": percent,
		},
		ts,
	)
}

func securityPoint(bridgeID, address, name, field, value string, ts time.Time) *write.Point {
	tags := pointTags(bridgeID, address, name)
	tags["field"] = field
	return write.NewPoint(
		measurementSecurity,
		tags,
		map[string]interface{}{"value": value},
		ts,
	)
}

// pointTags omits empty values; InfluxDB rejects empty tag values.
func pointTags(bridgeID, address, name string) map[string]string {
	tags := map[string]string{"address": address}
	if bridgeID != "" {
		tags["bridge"] = bridgeID
	}
	if name != "" {
		tags["name"] = name
	}
	return tags
}
