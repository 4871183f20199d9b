package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-coordinator/internal/repository"
)

const cleanupTimeout = 30 * time.Second

// CleanupJob materialises lazily expired leases and commands and purges
// rows nobody can reach any more. Expiry is always evaluated at read time,
// so the job never changes what callers observe.
type CleanupJob struct {
	pairingCodeRepo repository.PairingCodeRepository
	leaseRepo       repository.LeaseRepository
	commandRepo     repository.CommandRepository
	interval        time.Duration
	retention       time.Duration
	now             func() time.Time
	done            chan struct{}
}

func NewCleanupJob(
	pairingCodeRepo repository.PairingCodeRepository,
	leaseRepo repository.LeaseRepository,
	commandRepo repository.CommandRepository,
	interval time.Duration,
	retention time.Duration,
) *CleanupJob {
	return &CleanupJob{
		pairingCodeRepo: pairingCodeRepo,
		leaseRepo:       leaseRepo,
		commandRepo:     commandRepo,
		interval:        interval,
		retention:       retention,
		now:             func() time.Time { return time.Now().UTC() },
		done:            make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("retention", j.retention).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	now := j.now()
	cutoff := now.Add(-j.retention)

	j.runCleanup(ctx, "pairing codes", func(ctx context.Context) (int64, error) {
		return j.pairingCodeRepo.DeleteDead(ctx, now)
	})
	j.runCleanup(ctx, "expired leases", func(ctx context.Context) (int64, error) {
		return j.leaseRepo.ReleaseExpired(ctx, now)
	})
	j.runCleanup(ctx, "stale commands", func(ctx context.Context) (int64, error) {
		return j.commandRepo.ExpireStale(ctx, now)
	})
	if j.retention > 0 {
		j.runCleanup(ctx, "finished commands", func(ctx context.Context) (int64, error) {
			return j.commandRepo.DeleteFinishedBefore(ctx, cutoff)
		})
		j.runCleanup(ctx, "released leases", func(ctx context.Context) (int64, error) {
			return j.leaseRepo.DeleteReleasedBefore(ctx, cutoff)
		})
	}
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
