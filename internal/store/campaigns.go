package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mutter0815/BroadcastGateway/internal/campaign"
)

const campaignColumns = `id, tenant_id, device_id, body, media_url, recipients,
	delay_type, base_delay_seconds, randomize, batch_size, pause_seconds,
	status, sent_count, failed_count, scheduled_at, last_error, created_at`

func scanCampaign(r rowScanner) (campaign.Campaign, error) {
	var (
		c          campaign.Campaign
		media      sql.NullString
		recipients []byte
		delayType  string
		status     string
		scheduled  sql.NullTime
		lastErr    sql.NullString
	)
	err := r.Scan(&c.ID, &c.TenantID, &c.DeviceID, &c.Body, &media, &recipients,
		&delayType, &c.Pacing.BaseDelaySeconds, &c.Pacing.Randomize, &c.Pacing.BatchSize, &c.Pacing.PauseSeconds,
		&status, &c.SentCount, &c.FailedCount, &scheduled, &lastErr, &c.CreatedAt)
	if err != nil {
		return campaign.Campaign{}, err
	}
	if len(recipients) > 0 {
		if err := json.Unmarshal(recipients, &c.Recipients); err != nil {
			return campaign.Campaign{}, fmt.Errorf("campaign %s recipients: %w", c.ID, err)
		}
	}
	c.MediaURL = media.String
	c.Pacing.DelayType = campaign.DelayType(delayType)
	c.Status = campaign.Status(status)
	if scheduled.Valid {
		t := scheduled.Time
		c.ScheduledAt = &t
	}
	c.LastError = lastErr.String
	return c, nil
}

func (s *Store) GetCampaign(ctx context.Context, id string) (campaign.Campaign, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		  FROM campaigns
		 WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return campaign.Campaign{}, notFound(err)
	}
	return c, nil
}

const joinedCampaignColumns = `c.id, c.tenant_id, c.device_id, c.body, c.media_url, c.recipients,
	c.delay_type, c.base_delay_seconds, c.randomize, c.batch_size, c.pause_seconds,
	c.status, c.sent_count, c.failed_count, c.scheduled_at, c.last_error, c.created_at`

// ListProcessingCampaigns returns up to limit campaigns in processing whose
// device has an owner, oldest first. Ids in exclude are skipped in the query so
// they do not take up the window.
func (s *Store) ListProcessingCampaigns(ctx context.Context, limit int, exclude []string) ([]campaign.Campaign, error) {
	return s.queryCampaigns(ctx, `
		SELECT `+joinedCampaignColumns+`
		  FROM campaigns c
		  JOIN devices d ON d.id = c.device_id
		 WHERE c.status = 'processing'
		   AND d.assigned_server_id IS NOT NULL
		   AND NOT (c.id::text = ANY($2))
		 ORDER BY c.created_at, c.id
		 LIMIT $1`, clampLimit(limit), textArray(exclude))
}

// ListProcessingCampaignsForServer is ListProcessingCampaigns restricted to
// devices owned by serverID.
func (s *Store) ListProcessingCampaignsForServer(ctx context.Context, serverID string, limit int, exclude []string) ([]campaign.Campaign, error) {
	return s.queryCampaigns(ctx, `
		SELECT `+joinedCampaignColumns+`
		  FROM campaigns c
		  JOIN devices d ON d.id = c.device_id
		 WHERE c.status = 'processing'
		   AND d.assigned_server_id = $2
		   AND NOT (c.id::text = ANY($3))
		 ORDER BY c.created_at, c.id
		 LIMIT $1`, clampLimit(limit), serverID, textArray(exclude))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 10
	}
	return limit
}

func (s *Store) queryCampaigns(ctx context.Context, q string, args ...any) ([]campaign.Campaign, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []campaign.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CampaignStatus(ctx context.Context, id string) (campaign.Status, error) {
	var st string
	err := s.DB.QueryRowContext(ctx, `SELECT status FROM campaigns WHERE id = $1`, id).Scan(&st)
	if err != nil {
		return "", notFound(err)
	}
	return campaign.Status(st), nil
}

func (s *Store) CheckpointCampaign(ctx context.Context, id string, sent, failed int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET sent_count = $1, failed_count = $2, updated_at = NOW()
		 WHERE id = $3 AND status = 'processing'`, sent, failed, id)
	return err
}

// CompleteCampaign sets the terminal status once; false means someone moved it away from processing.
func (s *Store) CompleteCampaign(ctx context.Context, id string, sent, failed int) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = 'completed', sent_count = $1, failed_count = $2, updated_at = NOW()
		 WHERE id = $3 AND status = 'processing'`, sent, failed, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *Store) FailCampaign(ctx context.Context, id, reason string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = 'failed', last_error = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN ('draft', 'processing')`, nullString(reason), id)
	return err
}

// ActivateDueCampaigns promotes scheduled drafts whose time has come.
func (s *Store) ActivateDueCampaigns(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE campaigns
		   SET status = 'processing', updated_at = NOW()
		 WHERE status = 'draft' AND scheduled_at IS NOT NULL AND scheduled_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) LookupContactName(ctx context.Context, tenantID, phone string) (string, error) {
	var name sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT name
		  FROM contacts
		 WHERE tenant_id = $1 AND phone = $2
		 LIMIT 1`, tenantID, phone).Scan(&name)
	if err != nil {
		return "", notFound(err)
	}
	return name.String, nil
}
