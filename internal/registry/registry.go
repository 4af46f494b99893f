// Package registry is the control plane's in-memory view of the fleet:
// one DeviceRecord per registered device plus the per-device capability
// snapshots the inference router selects against.
package registry

import (
	"log/slog"
	"sort"
	"time"

	"github.com/edgefleet/edgefleet/internal/errors"
	"github.com/edgefleet/edgefleet/pkg/model"
)

// Staleness thresholds in missed heartbeat intervals. A device that has not
// heartbeated for degradedAfter intervals reports degraded, for offlineAfter
// intervals offline.
const (
	degradedAfter = 2
	offlineAfter  = 3
)

// FleetRegistry tracks device records and capability snapshots. Status is
// derived at read time from the last heartbeat, so a silent device decays
// to degraded and then offline without any background sweeper.
type FleetRegistry struct {
	devices *TypedStore[model.DeviceRecord]
	caps    *TypedStore[model.EdgeCapabilities]

	heartbeatInterval time.Duration
	clock             errors.Clock
	logger            *slog.Logger
}

// NewFleetRegistry creates a registry. heartbeatInterval is the fleet-wide
// expected reporting cadence used for staleness derivation.
func NewFleetRegistry(heartbeatInterval time.Duration, clock errors.Clock, logger *slog.Logger) *FleetRegistry {
	if clock == nil {
		clock = errors.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FleetRegistry{
		devices:           NewTypedStore[model.DeviceRecord](),
		caps:              NewTypedStore[model.EdgeCapabilities](),
		heartbeatInterval: heartbeatInterval,
		clock:             clock,
		logger:            logger.With("component", "registry"),
	}
}

// Register creates or refreshes the record for a device. The descriptor is
// replaced; runtime state from a previous session is reset.
func (r *FleetRegistry) Register(info model.DeviceInfo) {
	now := r.clock.Now().UnixMilli()
	r.devices.Set(info.DeviceID, model.DeviceRecord{
		Info:            info,
		Status:          model.DeviceOnline,
		LastHeartbeat:   now,
		SoftwareVersion: info.SoftwareVersion,
	})
	r.logger.Info("device registered",
		"device_id", info.DeviceID,
		"device_type", info.DeviceType,
		"software_version", info.SoftwareVersion)
}

// UpdateFromHeartbeat refreshes the record for a heartbeating device. An
// unknown device id is recorded with an empty descriptor so the fleet view
// never silently drops telemetry; a later Register fills the descriptor in.
// A piggybacked capability snapshot replaces the routing entry wholesale.
func (r *FleetRegistry) UpdateFromHeartbeat(hb model.HeartbeatMessage) {
	now := r.clock.Now().UnixMilli()
	r.devices.Update(hb.DeviceID, func(rec model.DeviceRecord, found bool) (model.DeviceRecord, bool) {
		if !found {
			rec.Info.DeviceID = hb.DeviceID
		}
		rec.Status = model.DeviceOnline
		rec.LastHeartbeat = now
		rec.LastMetrics = hb.Metrics
		rec.ActiveJobs = hb.ActiveJobs
		if hb.SoftwareVersion != "" {
			rec.SoftwareVersion = hb.SoftwareVersion
		}
		rec.UptimeSeconds = hb.UptimeSeconds
		return rec, true
	})

	if hb.Capabilities != nil {
		r.caps.Set(hb.DeviceID, *hb.Capabilities)
	}
}

// MarkOffline forces a device offline, used when its connection drops.
func (r *FleetRegistry) MarkOffline(deviceID string) {
	r.devices.Update(deviceID, func(rec model.DeviceRecord, found bool) (model.DeviceRecord, bool) {
		if !found {
			return rec, false
		}
		rec.Status = model.DeviceOffline
		return rec, true
	})
	r.caps.Update(deviceID, func(c model.EdgeCapabilities, found bool) (model.EdgeCapabilities, bool) {
		if !found {
			return c, false
		}
		c.Available = false
		return c, true
	})
}

// Get returns the record for a device with its status derived from heartbeat
// age at the time of the call.
func (r *FleetRegistry) Get(deviceID string) (model.DeviceRecord, bool) {
	rec, ok := r.devices.Get(deviceID)
	if !ok {
		return model.DeviceRecord{}, false
	}
	rec.Status = r.derive(rec)
	return rec, true
}

// Status reports a device's liveness. Unknown devices are offline.
func (r *FleetRegistry) Status(deviceID string) model.DeviceStatus {
	rec, ok := r.Get(deviceID)
	if !ok {
		return model.DeviceOffline
	}
	return rec.Status
}

// Devices returns all records sorted by device id, statuses derived.
func (r *FleetRegistry) Devices() []model.DeviceRecord {
	recs := r.devices.Values()
	for i := range recs {
		recs[i].Status = r.derive(recs[i])
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Info.DeviceID < recs[j].Info.DeviceID
	})
	return recs
}

// Len returns the number of registered devices.
func (r *FleetRegistry) Len() int {
	return r.devices.Len()
}

// SetCapabilities replaces a device's capability snapshot wholesale.
func (r *FleetRegistry) SetCapabilities(caps model.EdgeCapabilities) {
	r.caps.Set(caps.DeviceID, caps)
}

// Capabilities returns a device's current capability snapshot.
func (r *FleetRegistry) Capabilities(deviceID string) (model.EdgeCapabilities, bool) {
	return r.caps.Get(deviceID)
}

// AllCapabilities returns every capability snapshot sorted by device id.
// The stable order makes downstream tie-breaking deterministic.
func (r *FleetRegistry) AllCapabilities() []model.EdgeCapabilities {
	caps := r.caps.Values()
	sort.Slice(caps, func(i, j int) bool {
		return caps[i].DeviceID < caps[j].DeviceID
	})
	return caps
}

// derive maps heartbeat age to a status. An explicit offline mark sticks
// until the next heartbeat.
func (r *FleetRegistry) derive(rec model.DeviceRecord) model.DeviceStatus {
	if rec.Status == model.DeviceOffline {
		return model.DeviceOffline
	}
	age := r.clock.Now().UnixMilli() - rec.LastHeartbeat
	interval := r.heartbeatInterval.Milliseconds()
	if interval <= 0 {
		return rec.Status
	}
	switch {
	case age >= offlineAfter*interval:
		return model.DeviceOffline
	case age >= degradedAfter*interval:
		return model.DeviceDegraded
	default:
		return model.DeviceOnline
	}
}
