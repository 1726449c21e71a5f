// Package device holds the irrigation device view model and the rules for
// folding feed deliveries into it.
//
// The device reports through three independent feeds, each owning a
// disjoint set of fields:
//
//	client/sensors      soilMoisture1, soilMoisture2, waterLevel,
//	                    temperature, humidity, lastWatered
//	esp/sensors/relay   autoMode, schedMode, relayStatus
//	esp/setting         alert thresholds (not part of State)
//
// A delivery is decoded once, at the boundary, into a Patch whose pointer
// fields say exactly which values the feed supplied. Clamping and
// defaulting happen there and nowhere else. Merge then overwrites only
// the supplied fields, so a delivery on one feed can never regress a
// field another feed owns.
//
// # Key Types
//
//   - State: the merged view (immutable value; copy to modify)
//   - Patch: optional per-field updates from one delivery or command
//   - Record: State plus per-field bookkeeping used by the reconciler
//     (which fields are known, which mutation last touched them)
//   - Thresholds: alert thresholds decoded from the settings feed
//
// # Mode exclusivity
//
// autoMode and schedMode are never both true in a merged State. When a
// patch turning one of them on would make them so, the mode that was
// already active is cleared. A patch that carries both as on says nothing
// about which is newer, so the mode already active stays, or autoMode when
// neither was. The device reports that pair while a mode switch is between
// its two writes.
//
// # Usage
//
//	p, _, err := device.DecodeSensors(snap.Value)
//	if err != nil {
//	    return err
//	}
//	next := device.Merge(prev, p)
package device
