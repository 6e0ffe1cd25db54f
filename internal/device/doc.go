// Package device tracks one BLE peripheral from first connection to a fully
// discovered GATT layout.
//
// Discovery uses a two-level holding pen. Services and readable
// characteristics enter as Pending and are committed to Resolved once
// everything below them is known:
//   - a readable characteristic resolves when its first value (or read error) arrives
//   - a service resolves when all of its characteristics are resolved
//   - the device becomes Ready when nothing is pending
//
// Services and properties live in per-device arenas and are addressed by
// ServiceHandle and PropertyHandle. Higher layers observe the state machine
// through Hooks.
package device
