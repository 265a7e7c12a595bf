package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/device"
)

const deviceColumns = `id, tenant_id, status, assigned_server_id, updated_at, session_snapshot, login_challenge, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (device.Device, error) {
	var (
		d         device.Device
		status    string
		owner     sql.NullString
		challenge sql.NullString
		lastErr   sql.NullString
	)
	if err := r.Scan(&d.ID, &d.TenantID, &status, &owner, &d.UpdatedAt, &d.SessionSnapshot, &challenge, &lastErr); err != nil {
		return device.Device{}, err
	}
	d.Status = device.Status(status)
	if owner.Valid {
		v := owner.String
		d.AssignedServerID = &v
	}
	d.LoginChallenge = challenge.String
	d.LastError = lastErr.String
	return d, nil
}

func statusStrings(statuses []device.Status) textArray {
	out := make(textArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (s *Store) queryDevices(ctx context.Context, q string, args ...any) ([]device.Device, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []device.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetDevice(ctx context.Context, id string) (device.Device, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+deviceColumns+`
		  FROM devices
		 WHERE id = $1`, id)
	d, err := scanDevice(row)
	if err != nil {
		return device.Device{}, notFound(err)
	}
	return d, nil
}

func (s *Store) ListAssignedDevices(ctx context.Context, serverID string, statuses []device.Status) ([]device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT `+deviceColumns+`
		  FROM devices
		 WHERE assigned_server_id = $1 AND status = ANY($2)
		 ORDER BY id`, serverID, statusStrings(statuses))
}

func (s *Store) ListUnassignedDevices(ctx context.Context, statuses []device.Status) ([]device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT `+deviceColumns+`
		  FROM devices
		 WHERE assigned_server_id IS NULL AND status = ANY($1)
		 ORDER BY updated_at`, statusStrings(statuses))
}

// ListOwnedDevices returns every non-deleted device owned by serverID.
func (s *Store) ListOwnedDevices(ctx context.Context, serverID string) ([]device.Device, error) {
	return s.queryDevices(ctx, `
		SELECT `+deviceColumns+`
		  FROM devices
		 WHERE assigned_server_id = $1 AND status <> 'deleted'
		 ORDER BY id`, serverID)
}

// ClaimDevice assigns the device only if nobody owns it yet.
func (s *Store) ClaimDevice(ctx context.Context, id, serverID string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE devices
		   SET assigned_server_id = $1
		 WHERE id = $2 AND assigned_server_id IS NULL`, serverID, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReassignDevice moves ownership away from `from`; an empty `to` clears it.
func (s *Store) ReassignDevice(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE devices
		   SET assigned_server_id = $1
		 WHERE id = $2 AND assigned_server_id = $3`, nullString(to), id, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) SetDeviceStatus(ctx context.Context, id string, status device.Status) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE devices
		   SET status = $1, updated_at = NOW()
		 WHERE id = $2`, string(status), id)
	return err
}

func (s *Store) SetLoginChallenge(ctx context.Context, id, challenge string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE devices
		   SET login_challenge = $1, updated_at = NOW()
		 WHERE id = $2`, nullString(challenge), id)
	return err
}

func (s *Store) SetDeviceError(ctx context.Context, id string, status device.Status, msg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE devices
		   SET status = $1, last_error = $2, updated_at = NOW()
		 WHERE id = $3`, string(status), nullString(msg), id)
	return err
}

// MarkDeviceConnected stores the authenticated snapshot and logs the transition in one tx.
func (s *Store) MarkDeviceConnected(ctx context.Context, id string, snapshot []byte) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE devices
			   SET status = 'connected', session_snapshot = $1, login_challenge = NULL,
			       last_error = NULL, updated_at = NOW()
			 WHERE id = $2`, snapshot, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO connection_events (device_id, event, error, created_at)
			VALUES ($1, $2, NULL, NOW())`, id, string(device.EventConnected))
		return err
	})
}

// ClearDeviceSession drops login material and snapshot; the next connect needs a fresh login.
func (s *Store) ClearDeviceSession(ctx context.Context, id string, status device.Status, msg string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE devices
		   SET status = $1, login_challenge = NULL, session_snapshot = NULL,
		       last_error = $2, updated_at = NOW()
		 WHERE id = $3`, string(status), nullString(msg), id)
	return err
}

func (s *Store) AppendConnectionEvent(ctx context.Context, ev device.ConnectionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO connection_events (device_id, event, error, created_at)
		VALUES ($1, $2, $3, $4)`, ev.DeviceID, string(ev.Event), nullString(ev.Error), ev.CreatedAt)
	return err
}
