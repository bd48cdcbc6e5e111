package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/logging"
	appoutbox "gitea.xscloud.ru/xscloud/fleet-outbox/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/fleet-outbox/pkg/infrastructure/mysql"
)

type Mode string

const (
	// ModeExclusive runs cycles under a named lock, one relay per table is active.
	ModeExclusive Mode = "exclusive"
	// ModeClaim lets several relays run, each leases its batch before delivery.
	ModeClaim Mode = "claim"
)

type RelayConfig struct {
	Mode         Mode
	BatchSize    uint
	PollInterval time.Duration
	// ClaimLease is stretched to cover BatchSize deliveries of DeliveryTimeout.
	ClaimLease      time.Duration
	DeliveryTimeout time.Duration
	LockTimeout     time.Duration
	// MaxAttempts moves a record to the dead letter table after that many failed deliveries, 0 retries forever.
	MaxAttempts int
	// MaxBackoff caps the wait between cycles failing on the store.
	MaxBackoff time.Duration
	// StrictAggregateOrder skips the rest of an aggregate's records in a cycle after one of them fails.
	StrictAggregateOrder bool
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Mode:            ModeExclusive,
		BatchSize:       10,
		PollInterval:    2 * time.Second,
		ClaimLease:      time.Minute,
		DeliveryTimeout: 10 * time.Second,
		MaxBackoff:      30 * time.Second,
	}
}

type CycleResult struct {
	Fetched      int
	Delivered    int
	Failed       int
	DeadLettered int
	Skipped      int
}

type Relay interface {
	// Start polls until ctx is cancelled. The record in flight is finished before it returns.
	Start(ctx context.Context) error
	RunOnce(ctx context.Context) (CycleResult, error)
}

// NewRelay needs locker only in ModeExclusive.
func NewRelay(
	name string,
	store Store,
	transport Transport,
	locker mysql.Locker,
	config RelayConfig,
	logger logging.Logger,
) Relay {
	config = normalizeConfig(config)
	if config.Mode == ModeExclusive && locker == nil {
		panic("locker is required in exclusive mode")
	}
	return &relay{
		name:      name,
		store:     store,
		transport: transport,
		locker:    locker,
		config:    config,
		logger: logger.WithFields(logging.Fields{
			"relay": name,
			"mode":  string(config.Mode),
		}),
	}
}

type relay struct {
	name      string
	store     Store
	transport Transport
	locker    mysql.Locker
	config    RelayConfig
	logger    logging.Logger
}

func (r *relay) Start(ctx context.Context) error {
	cycleBackOff := newCycleBackOff(r.config.PollInterval, r.config.MaxBackoff)
	r.logger.Info("outbox relay started")
	for {
		if ctx.Err() != nil {
			r.logger.Info("outbox relay stopped")
			return nil
		}

		wait := r.config.PollInterval
		result, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			wait = cycleBackOff.NextBackOff()
			r.logger.WithField("retry_in", wait.String()).Warning(err, "outbox relay cycle failed")
		default:
			cycleBackOff.Reset()
			if result.Fetched == int(r.config.BatchSize) && result.Failed == 0 && result.Skipped == 0 {
				// full batch, more records are likely waiting
				wait = 0
			}
		}

		if wait <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
}

func (r *relay) RunOnce(ctx context.Context) (result CycleResult, err error) {
	if r.config.Mode == ModeClaim {
		return r.cycle(ctx, func(ctx context.Context) ([]Record, error) {
			return r.store.ClaimUnprocessedBatch(ctx, r.config.BatchSize, r.config.ClaimLease)
		})
	}

	err = r.locker.ExecuteWithLock(ctx, r.lockName(), r.config.LockTimeout, func() error {
		var cycleErr error
		result, cycleErr = r.cycle(ctx, func(ctx context.Context) ([]Record, error) {
			return r.store.FetchUnprocessedBatch(ctx, r.config.BatchSize)
		})
		return cycleErr
	})
	if errors.Is(err, mysql.ErrLockTimeout) {
		r.logger.Debug("outbox relay lock is held by another instance")
		return CycleResult{}, nil
	}
	return result, err
}

func (r *relay) cycle(ctx context.Context, fetch func(ctx context.Context) ([]Record, error)) (CycleResult, error) {
	var result CycleResult
	records, err := fetch(ctx)
	if err != nil {
		return result, err
	}
	result.Fetched = len(records)

	failedAggregates := make(map[string]bool)
	var unattempted []uuid.UUID
	for i, record := range records {
		if ctx.Err() != nil {
			unattempted = append(unattempted, recordUUIDs(records[i:])...)
			break
		}
		if r.config.StrictAggregateOrder && failedAggregates[record.aggregateKey()] {
			result.Skipped++
			unattempted = append(unattempted, record.ID)
			continue
		}

		outcome, dispatchErr := r.dispatch(ctx, record)
		switch outcome {
		case outcomeDelivered:
			result.Delivered++
		case outcomeFailed:
			result.Failed++
			failedAggregates[record.aggregateKey()] = true
		case outcomeDeadLettered:
			result.DeadLettered++
			failedAggregates[record.aggregateKey()] = true
		}
		if dispatchErr != nil {
			unattempted = append(unattempted, recordUUIDs(records[i+1:])...)
			r.releaseClaims(ctx, unattempted)
			return result, dispatchErr
		}
	}
	r.releaseClaims(ctx, unattempted)

	if result.Fetched > 0 {
		r.logger.WithFields(logging.Fields{
			"fetched":       result.Fetched,
			"delivered":     result.Delivered,
			"failed":        result.Failed,
			"dead_lettered": result.DeadLettered,
			"skipped":       result.Skipped,
		}).Info("outbox relay cycle completed")
	}
	return result, nil
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeFailed
	outcomeDeadLettered
)

// dispatch delivers one record and records the result. It is detached from ctx cancellation,
// a started delivery is always followed by its mark.
// A non-nil error means the store is failing and the cycle must stop.
func (r *relay) dispatch(ctx context.Context, record Record) (outcome, error) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.DeliveryTimeout)
	defer cancel()

	logger := r.logger.WithFields(logging.Fields{
		"record_id":      record.ID.String(),
		"event_type":     record.EventType,
		"aggregate_type": record.AggregateType,
		"aggregate_id":   record.AggregateID,
	})

	err := r.transport.Deliver(opCtx, record.message())
	if err != nil {
		transportErr := &appoutbox.TransportError{
			RecordID:  record.ID.String(),
			EventType: record.EventType,
			Err:       err,
		}
		logger.WithField("attempt", record.Attempts+1).Warning(transportErr, "outbox record delivery failed")
		return r.recordFailure(opCtx, logger, record, transportErr)
	}

	err = r.store.MarkProcessed(opCtx, record.ID)
	if err != nil {
		logger.Error(err, "delivered outbox record was not marked processed, it will be delivered again")
		return outcomeDelivered, err
	}
	logger.Debug("outbox record delivered")
	return outcomeDelivered, nil
}

func (r *relay) recordFailure(ctx context.Context, logger logging.Logger, record Record, deliveryErr error) (outcome, error) {
	attempts := record.Attempts + 1
	if r.config.MaxAttempts > 0 && attempts >= r.config.MaxAttempts {
		record.Attempts = attempts
		err := r.store.DeadLetter(ctx, record, deliveryErr.Error())
		if err != nil {
			logger.Error(err, "failed to dead letter outbox record")
			return outcomeFailed, err
		}
		logger.WithField("attempts", attempts).Warning(deliveryErr, "outbox record moved to dead letter")
		return outcomeDeadLettered, nil
	}

	err := r.store.MarkFailed(ctx, record.ID, deliveryErr.Error())
	if err != nil {
		logger.Error(err, "failed to record outbox delivery failure")
		return outcomeFailed, err
	}
	return outcomeFailed, nil
}

func (r *relay) releaseClaims(ctx context.Context, ids []uuid.UUID) {
	if r.config.Mode != ModeClaim || len(ids) == 0 {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.DeliveryTimeout)
	defer cancel()
	if err := r.store.ReleaseClaims(releaseCtx, ids); err != nil {
		r.logger.WithField("records", len(ids)).Warning(err, "failed to release outbox claims, they expire with the lease")
	}
}

func (r *relay) lockName() string {
	return "outbox_" + r.name + "_relay"
}

func normalizeConfig(config RelayConfig) RelayConfig {
	defaults := DefaultRelayConfig()
	if config.Mode == "" {
		config.Mode = defaults.Mode
	}
	if config.BatchSize == 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.MaxBackoff < config.PollInterval {
		config.MaxBackoff = max(defaults.MaxBackoff, config.PollInterval)
	}
	minLease := config.DeliveryTimeout * time.Duration(config.BatchSize)
	if config.ClaimLease < minLease {
		config.ClaimLease = minLease
	}
	return config
}

func newCycleBackOff(initial, ceiling time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = ceiling
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func recordUUIDs(records []Record) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.ID)
	}
	return ids
}
