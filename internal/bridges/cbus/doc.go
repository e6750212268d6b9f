// Package cbus implements the Clipsal C-Bus protocol bridge for Gray Logic.
//
// The bridge talks to C-Gate, the text gateway in front of a C-Bus network,
// over three TCP connections: two command channels (request/response) and
// one monitor channel that streams events. It builds a device model from the
// gateway's group and unit dumps, turns monitor events into host state
// updates, and sends host commands back to the bus.
//
// # Architecture
//
//	┌─────────────────┐          ┌─────────────────┐   port 20023   ┌─────────┐
//	│   Gray Logic    │   MQTT   │   C-Bus Bridge  │◄──────────────►│         │
//	│      Core       │◄────────►│   (this pkg)    │   port 20025   │ C-Gate  │◄──► C-Bus
//	└─────────────────┘          └─────────────────┘◄───────────────│         │
//	                                                                └─────────┘
//
// # Components
//
//   - Channel: one line-oriented telnet connection (write line, read until)
//   - Supervisor: opens all three channels, reconnects on EOF, owns the
//     connected gate
//   - TopologyBuilder: dbgetxml and tree dumps → groups, units, zones
//   - Dispatcher: monitor loop, tokenises events and handles each EventKind
//   - RampTimers: one debounce timer per channel for timed ramps
//   - Translator: 0..255 ↔ 0..100 and host state application
//   - Commander: outbound commands with "200 OK" acknowledgement
//
// # Addresses
//
// C-Bus groups are addressed as network/application/group, e.g. "254/56/4"
// for lighting group 4 on network 254. Event lines may carry the project
// form "//HOME/254/56/4"; the project prefix is dropped on parse.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
//
// # References
//
//   - C-Gate Server Guide (Clipsal)
//   - Gray Logic bridge interface: docs/architecture/bridge-interface.md
package cbus
