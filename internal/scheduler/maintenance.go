package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/astrolabe/internal/modules/pipeline"
	"github.com/aristath/astrolabe/internal/storage"
)

// jobTimeout bounds one maintenance run.
const jobTimeout = 10 * time.Minute

// CachePurgeJob deletes expired cache entries. Reads already skip expired
// rows, so this only reclaims space.
type CachePurgeJob struct {
	cache *storage.Cache
	log   zerolog.Logger
}

func NewCachePurgeJob(cache *storage.Cache, log zerolog.Logger) *CachePurgeJob {
	return &CachePurgeJob{
		cache: cache,
		log:   log.With().Str("job", "cache_purge").Logger(),
	}
}

func (j *CachePurgeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	removed, err := j.cache.PurgeExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	if removed > 0 {
		j.log.Info().Int64("removed", removed).Msg("Purged expired cache entries")
	}
	return nil
}

func (j *CachePurgeJob) Name() string {
	return "cache_purge"
}

// JobArchiver uploads a job report to long-term storage.
type JobArchiver interface {
	ArchiveJob(ctx context.Context, job *pipeline.Job) error
}

// ArchiveSweepJob moves completed jobs past the age threshold out of the
// document store: upload first, delete only after the upload succeeded. A
// failed upload leaves the job in place for the next sweep.
type ArchiveSweepJob struct {
	documents *storage.DocumentStore
	archiver  JobArchiver
	minAge    time.Duration
	log       zerolog.Logger
}

func NewArchiveSweepJob(documents *storage.DocumentStore, archiver JobArchiver, minAge time.Duration, log zerolog.Logger) *ArchiveSweepJob {
	return &ArchiveSweepJob{
		documents: documents,
		archiver:  archiver,
		minAge:    minAge,
		log:       log.With().Str("job", "job_archive_sweep").Logger(),
	}
}

func (j *ArchiveSweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().Add(-j.minAge)
	ids, err := j.documents.ListOlderThan(ctx, pipeline.CollectionJobs, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list jobs for archival: %w", err)
	}

	archived := 0
	for _, id := range ids {
		var job pipeline.Job
		if err := j.documents.Get(ctx, pipeline.CollectionJobs, id, &job); err != nil {
			j.log.Warn().Err(err).Str("job_id", id).Msg("Failed to load job for archival")
			continue
		}
		if job.Status != pipeline.StatusCompleted {
			continue
		}

		if err := j.archiver.ArchiveJob(ctx, &job); err != nil {
			j.log.Warn().Err(err).Str("job_id", id).Msg("Failed to archive job, keeping it")
			continue
		}
		if err := j.documents.Delete(ctx, pipeline.CollectionJobs, id); err != nil {
			j.log.Warn().Err(err).Str("job_id", id).Msg("Archived job could not be deleted")
			continue
		}
		archived++
	}

	if archived > 0 {
		j.log.Info().Int("archived", archived).Msg("Archived completed jobs")
	}
	return nil
}

func (j *ArchiveSweepJob) Name() string {
	return "job_archive_sweep"
}

// FailedJobPurgeJob deletes failed jobs past the age threshold. Failed jobs
// are not archived: the report holds no portfolio, only the error.
type FailedJobPurgeJob struct {
	documents *storage.DocumentStore
	minAge    time.Duration
	log       zerolog.Logger
}

func NewFailedJobPurgeJob(documents *storage.DocumentStore, minAge time.Duration, log zerolog.Logger) *FailedJobPurgeJob {
	return &FailedJobPurgeJob{
		documents: documents,
		minAge:    minAge,
		log:       log.With().Str("job", "failed_job_purge").Logger(),
	}
}

func (j *FailedJobPurgeJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	cutoff := time.Now().Add(-j.minAge)
	ids, err := j.documents.ListOlderThan(ctx, pipeline.CollectionJobs, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list jobs for purge: %w", err)
	}

	purged := 0
	for _, id := range ids {
		var job pipeline.Job
		if err := j.documents.Get(ctx, pipeline.CollectionJobs, id, &job); err != nil {
			j.log.Warn().Err(err).Str("job_id", id).Msg("Failed to load job for purge")
			continue
		}
		if job.Status != pipeline.StatusFailed {
			continue
		}
		if err := j.documents.Delete(ctx, pipeline.CollectionJobs, id); err != nil {
			j.log.Warn().Err(err).Str("job_id", id).Msg("Failed to delete failed job")
			continue
		}
		purged++
	}

	if purged > 0 {
		j.log.Info().Int("purged", purged).Msg("Purged stale failed jobs")
	}
	return nil
}

func (j *FailedJobPurgeJob) Name() string {
	return "failed_job_purge"
}
