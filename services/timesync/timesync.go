// Package timesync keeps gateway clocks honest with SECURE_TIME_SYNC commands.
//
// Commands are enqueued with a placeholder payload; the dispatcher seals the
// current time and signs it on every delivery attempt, so a retried command
// never carries a stale timestamp.
package timesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"gatewarden/pkg/protocol"
	"gatewarden/services/commands"
	"gatewarden/services/keys"
)

const defaultSchedule = "@every 6h"

// Queue is the part of the command queue the scheduler needs.
type Queue interface {
	Enqueue(ctx context.Context, facilityID string, cmdType protocol.CmdType, payload json.RawMessage, signature string) (uuid.UUID, error)
	Outstanding(ctx context.Context, facilityID string, cmdType protocol.CmdType) (int64, error)
}

// FacilityLister lists facilities with a gateway.
type FacilityLister interface {
	Facilities(ctx context.Context) ([]string, error)
}

// Signer signs payloads with the online OPS key.
type Signer interface {
	Sign(ctx context.Context, version keys.Version, payload []byte) (keys.Signature, error)
	SignerKeyID() string
}

// KeyVersions resolves a facility's key format.
type KeyVersions interface {
	KeyVersion(ctx context.Context, facilityID string) (keys.Version, error)
}

// Payload is the signed body of a SECURE_TIME_SYNC command.
type Payload struct {
	CmdType    protocol.CmdType `json:"cmd_type"`
	FacilityID string           `json:"facility_id"`
	TS         int64            `json:"ts,omitempty"`
	KeyID      string           `json:"kid,omitempty"`
}

// Scheduler fans SECURE_TIME_SYNC out to every facility on a cron schedule.
type Scheduler struct {
	queue      Queue
	facilities FacilityLister
	log        zerolog.Logger
	cron       *cron.Cron
	schedule   string
}

// NewScheduler returns a Scheduler for schedule, a cron expression with five
// fields, six with seconds, or a descriptor such as "@every 6h".
func NewScheduler(queue Queue, facilities FacilityLister, schedule string, log zerolog.Logger) (*Scheduler, error) {
	if queue == nil || facilities == nil {
		return nil, errors.New("queue and facility lister are required")
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultSchedule
	}
	var opts []cron.Option
	if strings.Count(schedule, " ") == 5 {
		opts = append(opts, cron.WithSeconds())
	}
	return &Scheduler{
		queue:      queue,
		facilities: facilities,
		log:        log.With().Str("component", "timesync").Logger(),
		cron:       cron.New(opts...),
		schedule:   schedule,
	}, nil
}

// Start registers the fan-out job and starts the cron runner. The job stops
// enqueueing once ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		n, err := s.SyncAll(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("time sync fan-out")
			return
		}
		s.log.Info().Int("enqueued", n).Msg("time sync fan-out")
	})
	if err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner and waits for a running job.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// SyncAll enqueues a time sync for every facility and returns how many were enqueued.
func (s *Scheduler) SyncAll(ctx context.Context) (int, error) {
	ids, err := s.facilities.Facilities(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		ok, err := s.SyncFacility(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// SyncFacility enqueues a time sync for facilityID unless one is already
// outstanding, and reports whether it enqueued.
func (s *Scheduler) SyncFacility(ctx context.Context, facilityID string) (bool, error) {
	open, err := s.queue.Outstanding(ctx, facilityID, protocol.CmdSecureTimeSync)
	if err != nil {
		return false, fmt.Errorf("outstanding time syncs for %s: %w", facilityID, err)
	}
	if open > 0 {
		return false, nil
	}
	payload, err := json.Marshal(Payload{CmdType: protocol.CmdSecureTimeSync, FacilityID: facilityID})
	if err != nil {
		return false, err
	}
	if _, err := s.queue.Enqueue(ctx, facilityID, protocol.CmdSecureTimeSync, payload, ""); err != nil {
		return false, fmt.Errorf("enqueue time sync for %s: %w", facilityID, err)
	}
	return true, nil
}

// OnConnect enqueues a time sync for a gateway that just authenticated.
func (s *Scheduler) OnConnect(ctx context.Context, facilityID string) {
	if _, err := s.SyncFacility(ctx, facilityID); err != nil {
		s.log.Warn().Err(err).Str("facility_id", facilityID).Msg("time sync on connect")
	}
}

// Sealer stamps a SECURE_TIME_SYNC command with the current time and signs it
// for the facility's key version.
func Sealer(signer Signer, versions KeyVersions, now func() time.Time) commands.Sealer {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, cmd commands.Command) (json.RawMessage, string, error) {
		kid := signer.SignerKeyID()
		if kid == "" {
			return nil, "", keys.ErrSignerUnavailable
		}
		version, err := versions.KeyVersion(ctx, cmd.FacilityID)
		if err != nil {
			return nil, "", err
		}
		payload, err := json.Marshal(Payload{
			CmdType:    protocol.CmdSecureTimeSync,
			FacilityID: cmd.FacilityID,
			TS:         now().UTC().Unix(),
			KeyID:      kid,
		})
		if err != nil {
			return nil, "", err
		}
		sig, err := signer.Sign(ctx, version, payload)
		if err != nil {
			return nil, "", err
		}
		return payload, sig.Value, nil
	}
}
