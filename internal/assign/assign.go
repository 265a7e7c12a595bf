// Package assign decides which worker owns a device. Ownership is claimed
// through a conditional store update, so racing workers never both win.
package assign

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
	"github.com/Mutter0815/BroadcastGateway/pkg/logx"
	"github.com/Mutter0815/BroadcastGateway/pkg/metrics"
)

type storeAPI interface {
	ListAssignedDevices(ctx context.Context, serverID string, statuses []device.Status) ([]device.Device, error)
	ListOwnedDevices(ctx context.Context, serverID string) ([]device.Device, error)
	ClaimDevice(ctx context.Context, id, serverID string) (bool, error)
	ReassignDevice(ctx context.Context, id, from, to string) (bool, error)
	ListServers(ctx context.Context) ([]device.Server, error)
	ListStaleServers(ctx context.Context, before time.Time) ([]device.Server, error)
	UpsertServer(ctx context.Context, sv device.Server) error
	TouchServer(ctx context.Context, id string) error
	FailServer(ctx context.Context, id string) error
	AdjustServerLoad(ctx context.Context, id string, delta int) error
	AppendConnectionEvent(ctx context.Context, ev device.ConnectionEvent) error
}

type Assigner struct {
	Store    storeAPI
	ServerID string
	Capacity int
	Priority int

	now func() time.Time
}

func New(st storeAPI, serverID string, capacity, priority int) *Assigner {
	return &Assigner{Store: st, ServerID: serverID, Capacity: capacity, Priority: priority, now: time.Now}
}

func (a *Assigner) AssignedDevices(ctx context.Context, statuses ...device.Status) ([]device.Device, error) {
	return a.Store.ListAssignedDevices(ctx, a.ServerID, statuses)
}

func (a *Assigner) ShouldHandle(d device.Device) bool {
	return d.Owner() != "" && d.Owner() == a.ServerID
}

// AutoAssign claims d for this worker when it is the least loaded eligible
// server. A false result means another worker should (or already did) take it.
func (a *Assigner) AutoAssign(ctx context.Context, d device.Device) (bool, error) {
	servers, err := a.Store.ListServers(ctx)
	if err != nil {
		return false, fmt.Errorf("list servers: %w", err)
	}
	best, ok := Pick(servers, "")
	if !ok || best.ID != a.ServerID {
		return false, nil
	}

	won, err := a.Store.ClaimDevice(ctx, d.ID, a.ServerID)
	if err != nil {
		return false, fmt.Errorf("claim device %s: %w", d.ID, err)
	}
	if !won {
		logx.L().Debugw("device_claim_lost", "device_id", d.ID, "server_id", a.ServerID)
		return false, nil
	}

	metrics.DevicesAssigned.Inc()
	a.event(ctx, d.ID, device.EventAssigned, "")
	logx.L().Infow("device_assigned", "device_id", d.ID, "server_id", a.ServerID)
	return true, nil
}

// Pick returns the eligible server with the lowest load ratio. Ties go to the
// higher priority, then the lower absolute load, then the smaller id.
func Pick(servers []device.Server, exclude string) (device.Server, bool) {
	cands := make([]device.Server, 0, len(servers))
	for _, s := range servers {
		if !s.IsActive || !s.IsHealthy || s.ID == exclude {
			continue
		}
		if s.MaxCapacity <= 0 || s.CurrentLoad >= s.MaxCapacity {
			continue
		}
		cands = append(cands, s)
	}
	if len(cands) == 0 {
		return device.Server{}, false
	}
	sort.Slice(cands, func(i, j int) bool {
		ri, rj := cands[i].LoadRatio(), cands[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority > cands[j].Priority
		}
		if cands[i].CurrentLoad != cands[j].CurrentLoad {
			return cands[i].CurrentLoad < cands[j].CurrentLoad
		}
		return cands[i].ID < cands[j].ID
	})
	return cands[0], true
}

// Failover marks failedID unhealthy and moves each of its devices to the
// next best server, or clears the owner when nothing is eligible.
func (a *Assigner) Failover(ctx context.Context, failedID string) (int, error) {
	if err := a.Store.FailServer(ctx, failedID); err != nil {
		return 0, fmt.Errorf("fail server %s: %w", failedID, err)
	}
	devs, err := a.Store.ListOwnedDevices(ctx, failedID)
	if err != nil {
		return 0, fmt.Errorf("list devices of %s: %w", failedID, err)
	}
	servers, err := a.Store.ListServers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list servers: %w", err)
	}

	moved := 0
	for _, d := range devs {
		target, ok := Pick(servers, failedID)
		to := ""
		if ok {
			to = target.ID
		}
		done, err := a.Store.ReassignDevice(ctx, d.ID, failedID, to)
		if err != nil {
			logx.L().Errorw("failover_reassign_error", "device_id", d.ID, "from", failedID, "to", to, "error", err)
			continue
		}
		if !done {
			continue
		}
		if ok {
			for i := range servers {
				if servers[i].ID == to {
					servers[i].CurrentLoad++
				}
			}
		}
		moved++
		metrics.DevicesFailedOver.Inc()
		a.event(ctx, d.ID, device.EventFailover, "from "+failedID)
		logx.L().Infow("device_failed_over", "device_id", d.ID, "from", failedID, "to", to)
	}

	logx.L().Warnw("server_failed_over", "server_id", failedID, "devices", len(devs), "moved", moved)
	return moved, nil
}

// Register upserts this worker's server row as healthy and active with zero load.
func (a *Assigner) Register(ctx context.Context) error {
	return a.Store.UpsertServer(ctx, device.Server{
		ID:          a.ServerID,
		MaxCapacity: a.Capacity,
		Priority:    a.Priority,
		IsHealthy:   true,
		IsActive:    true,
	})
}

func (a *Assigner) Heartbeat(ctx context.Context) error {
	return a.Store.TouchServer(ctx, a.ServerID)
}

// DetectFailed fails over every other healthy server whose heartbeat is older
// than staleAfter and returns the number of devices moved.
func (a *Assigner) DetectFailed(ctx context.Context, staleAfter time.Duration) (int, error) {
	stale, err := a.Store.ListStaleServers(ctx, a.now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale servers: %w", err)
	}
	total := 0
	for _, sv := range stale {
		if sv.ID == a.ServerID {
			continue
		}
		logx.L().Warnw("server_heartbeat_stale", "server_id", sv.ID, "last_heartbeat", sv.LastHeartbeat)
		n, err := a.Failover(ctx, sv.ID)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (a *Assigner) AdjustLoad(ctx context.Context, delta int) error {
	return a.Store.AdjustServerLoad(ctx, a.ServerID, delta)
}

func (a *Assigner) event(ctx context.Context, deviceID string, ev device.EventType, msg string) {
	err := a.Store.AppendConnectionEvent(ctx, device.ConnectionEvent{
		DeviceID:  deviceID,
		Event:     ev,
		Error:     msg,
		CreatedAt: a.now(),
	})
	if err != nil {
		logx.L().Warnw("connection_event_error", "device_id", deviceID, "event", ev, "error", err)
	}
}
