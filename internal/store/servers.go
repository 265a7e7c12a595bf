package store

import (
	"context"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
)

const serverColumns = `id, current_load, max_capacity, is_healthy, is_active, priority, last_heartbeat`

func (s *Store) queryServers(ctx context.Context, q string, args ...any) ([]device.Server, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []device.Server
	for rows.Next() {
		var sv device.Server
		if err := rows.Scan(&sv.ID, &sv.CurrentLoad, &sv.MaxCapacity, &sv.IsHealthy, &sv.IsActive, &sv.Priority, &sv.LastHeartbeat); err != nil {
			return nil, err
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *Store) ListServers(ctx context.Context) ([]device.Server, error) {
	return s.queryServers(ctx, `
		SELECT `+serverColumns+`
		  FROM servers
		 ORDER BY id`)
}

// ListStaleServers returns healthy servers whose heartbeat is older than before.
func (s *Store) ListStaleServers(ctx context.Context, before time.Time) ([]device.Server, error) {
	return s.queryServers(ctx, `
		SELECT `+serverColumns+`
		  FROM servers
		 WHERE is_healthy AND last_heartbeat < $1
		 ORDER BY id`, before)
}

func (s *Store) UpsertServer(ctx context.Context, sv device.Server) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO servers (id, current_load, max_capacity, is_healthy, is_active, priority, last_heartbeat)
		VALUES ($1, 0, $2, TRUE, TRUE, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		   SET max_capacity = EXCLUDED.max_capacity, priority = EXCLUDED.priority,
		       is_healthy = TRUE, is_active = TRUE, current_load = 0, last_heartbeat = NOW()`,
		sv.ID, sv.MaxCapacity, sv.Priority)
	return err
}

func (s *Store) TouchServer(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE servers
		   SET last_heartbeat = NOW(), is_healthy = TRUE
		 WHERE id = $1`, id)
	return err
}

// FailServer marks the server unhealthy and zeroes its load.
func (s *Store) FailServer(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE servers
		   SET is_healthy = FALSE, current_load = 0
		 WHERE id = $1`, id)
	return err
}

func (s *Store) AdjustServerLoad(ctx context.Context, id string, delta int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE servers
		   SET current_load = GREATEST(current_load + $1, 0)
		 WHERE id = $2`, delta, id)
	return err
}
