// Package checkpoint persists ordered progress markers per job over a
// pluggable key-value backend, enabling resumption and bounded retention.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidemark-io/tideline/pkg/checkpoint/kv"
)

const keyPrefix = "checkpoints/"

// Config controls per-job retention.
type Config struct {
	// MaxPerJob caps the checkpoints kept per job, oldest trimmed first.
	// The most recent checkpoint of an in-progress job and a terminal
	// completed checkpoint are never trimmed. Zero means 20.
	MaxPerJob int

	// RetentionPeriod ages out checkpoints in the background purger, with
	// the same exemptions as MaxPerJob. Zero means 72h.
	RetentionPeriod time.Duration

	// PurgeInterval is how often the background purger runs. Zero means
	// RetentionPeriod / 4, floored at one minute.
	PurgeInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerJob <= 0 {
		c.MaxPerJob = 20
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = 72 * time.Hour
	}
	if c.PurgeInterval <= 0 {
		c.PurgeInterval = c.RetentionPeriod / 4
		if c.PurgeInterval < time.Minute {
			c.PurgeInterval = time.Minute
		}
	}
	return c
}

// jobIndex is the in-process view of one job's checkpoints. It is
// authoritative within the process lifetime: a failed backend write degrades
// resumability across restarts only.
type jobIndex struct {
	seq  uint64 // next sequence to assign
	cps  []*ProcessingCheckpoint
	hash string // config hash captured at CreateInitial
}

func (j *jobIndex) latest() *ProcessingCheckpoint {
	if len(j.cps) == 0 {
		return nil
	}
	return j.cps[len(j.cps)-1]
}

// Store implements append-only checkpoint semantics over a kv.Store.
// Checkpoints are immutable once written; progress is always a new
// checkpoint. A checkpoint becomes visible to Latest only after its write
// fully completes, so resumption never observes a partial checkpoint.
type Store struct {
	kv  kv.Store
	cfg Config
	log *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobIndex

	now func() time.Time
}

// NewStore creates a checkpoint store over the given backend.
func NewStore(backend kv.Store, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:   backend,
		cfg:  cfg.withDefaults(),
		log:  logger.With("component", "checkpoint"),
		jobs: make(map[string]*jobIndex),
		now:  time.Now,
	}
}

// CreateInitial writes the sequence-zero checkpoint for a job, capturing the
// configuration snapshot and its hash for drift detection on resume.
func (s *Store) CreateInitial(ctx context.Context, jobID string, meta Meta) (*ProcessingCheckpoint, error) {
	if jobID == "" {
		return nil, fmt.Errorf("checkpoint: empty job ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadJobLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if last := idx.latest(); last != nil {
		if last.Completed {
			return nil, ErrJobAlreadyCompleted
		}
		return nil, fmt.Errorf("checkpoint: job %s already has checkpoints", jobID)
	}

	hash := hashConfig(meta.ConfigSnapshot)
	idx.hash = hash
	cp := &ProcessingCheckpoint{
		Version:        CheckpointVersion,
		CheckpointID:   checkpointID(jobID, 0),
		JobID:          jobID,
		Sequence:       0,
		Status:         StatusInitial,
		Timestamp:      s.now().UTC(),
		ConfigHash:     hash,
		ConfigSnapshot: meta.ConfigSnapshot,
	}
	idx.seq = 1
	s.commitLocked(ctx, idx, cp)
	return cp, nil
}

// Append writes a new progress checkpoint. Values are clamped non-decreasing
// against the previous checkpoint so ProcessedLines and CompletionPct never
// regress within a job; a regression is logged and lifted.
func (s *Store) Append(ctx context.Context, jobID string, p Progress) (*ProcessingCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadJobLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	last := idx.latest()
	if last == nil {
		return nil, ErrNoInitialCheckpoint
	}
	if last.Completed {
		return nil, ErrJobAlreadyCompleted
	}

	if p.ProcessedLines < last.ProcessedLines {
		s.log.Warn("processed lines regressed, clamping",
			"job_id", jobID, "got", p.ProcessedLines, "previous", last.ProcessedLines)
		p.ProcessedLines = last.ProcessedLines
	}
	if p.LastPosition < last.LastPosition {
		p.LastPosition = last.LastPosition
	}
	if p.CompletionPct < last.CompletionPct {
		p.CompletionPct = last.CompletionPct
	}
	// 100 is reserved for the terminal completed checkpoint.
	if p.CompletionPct >= 100 {
		p.CompletionPct = 99.9
	}
	status := p.Status
	if status == "" {
		status = StatusProgress
	}

	cp := &ProcessingCheckpoint{
		Version:          CheckpointVersion,
		CheckpointID:     checkpointID(jobID, idx.seq),
		JobID:            jobID,
		Sequence:         idx.seq,
		Status:           status,
		ProcessedLines:   p.ProcessedLines,
		LastPosition:     p.LastPosition,
		CompletionPct:    p.CompletionPct,
		Timestamp:        s.now().UTC(),
		Reason:           p.Reason,
		MemoryUsageBytes: p.MemoryUsageBytes,
		ConfigHash:       idx.hash,
	}
	idx.seq++
	s.commitLocked(ctx, idx, cp)
	return cp, nil
}

// MarkCompleted writes the terminal checkpoint with CompletionPct 100 and
// final metrics. It is kept until explicit Delete regardless of retention.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, metrics FinalMetrics) (*ProcessingCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadJobLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	last := idx.latest()
	if last == nil {
		return nil, ErrNoInitialCheckpoint
	}
	if last.Completed {
		return nil, ErrJobAlreadyCompleted
	}

	processed := metrics.TotalLines
	if processed < last.ProcessedLines {
		processed = last.ProcessedLines
	}
	cp := &ProcessingCheckpoint{
		Version:        CheckpointVersion,
		CheckpointID:   checkpointID(jobID, idx.seq),
		JobID:          jobID,
		Sequence:       idx.seq,
		Status:         StatusCompleted,
		ProcessedLines: processed,
		LastPosition:   last.LastPosition,
		CompletionPct:  100,
		Timestamp:      s.now().UTC(),
		Completed:      true,
		ConfigHash:     idx.hash,
		Metrics:        &metrics,
	}
	idx.seq++
	s.commitLocked(ctx, idx, cp)
	return cp, nil
}

// MarkFailed writes a failure checkpoint capturing the last known good
// progress and the error. The job stays resumable.
func (s *Store) MarkFailed(ctx context.Context, jobID string, reason string) (*ProcessingCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadJobLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	last := idx.latest()
	if last == nil {
		return nil, ErrNoInitialCheckpoint
	}
	if last.Completed {
		return nil, ErrJobAlreadyCompleted
	}

	cp := &ProcessingCheckpoint{
		Version:        CheckpointVersion,
		CheckpointID:   checkpointID(jobID, idx.seq),
		JobID:          jobID,
		Sequence:       idx.seq,
		Status:         StatusFailed,
		ProcessedLines: last.ProcessedLines,
		LastPosition:   last.LastPosition,
		CompletionPct:  last.CompletionPct,
		Timestamp:      s.now().UTC(),
		Reason:         reason,
		ConfigHash:     idx.hash,
	}
	idx.seq++
	s.commitLocked(ctx, idx, cp)
	return cp, nil
}

// Latest returns the highest-sequence checkpoint for a job, or
// ErrCheckpointNotFound. A checkpoint with Completed=false is the resumption
// point for the job.
func (s *Store) Latest(ctx context.Context, jobID string) (*ProcessingCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadJobLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	last := idx.latest()
	if last == nil {
		return nil, ErrCheckpointNotFound
	}
	cp := *last
	return &cp, nil
}

// All returns every retained checkpoint for a job in ascending sequence.
func (s *Store) All(ctx context.Context, jobID string) ([]*ProcessingCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadJobLocked(ctx, jobID)
	if err != nil {
		return nil, err
	}
	out := make([]*ProcessingCheckpoint, len(idx.cps))
	for i, cp := range idx.cps {
		c := *cp
		out[i] = &c
	}
	return out, nil
}

// Delete removes every checkpoint for a job, terminal included.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.jobs, jobID)
	if err := s.kv.Delete(ctx, keyPrefix+jobID+"/"); err != nil {
		return &WriteError{JobID: jobID, Err: err}
	}
	return nil
}

// Jobs lists the distinct job IDs with at least one checkpoint.
func (s *Store) Jobs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.jobs))
	for id, idx := range s.jobs {
		if len(idx.cps) > 0 {
			seen[id] = true
		}
	}
	entries, err := s.kv.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		rest := strings.TrimPrefix(e.Key, keyPrefix)
		if i := strings.IndexByte(rest, '/'); i > 0 {
			seen[rest[:i]] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// StartRetentionPurger runs the age-based purge loop until ctx is cancelled.
// It removes checkpoints older than RetentionPeriod but never the most
// recent checkpoint of an in-progress job, nor a terminal completed one.
func (s *Store) StartRetentionPurger(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PurgeInterval)
	defer ticker.Stop()

	s.log.Info("retention purger started",
		"retention", s.cfg.RetentionPeriod, "interval", s.cfg.PurgeInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeExpired(ctx)
		}
	}
}

// PurgeExpired runs one age-based purge pass.
func (s *Store) PurgeExpired(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-s.cfg.RetentionPeriod)
	for jobID, idx := range s.jobs {
		kept := idx.cps[:0]
		for i, cp := range idx.cps {
			expired := cp.Timestamp.Before(cutoff)
			isNewest := i == len(idx.cps)-1
			if expired && !cp.Completed && !isNewest {
				s.deleteKeyLocked(ctx, jobID, cp)
				continue
			}
			kept = append(kept, cp)
		}
		if n := len(idx.cps) - len(kept); n > 0 {
			s.log.Debug("purged expired checkpoints", "job_id", jobID, "count", n)
		}
		idx.cps = kept
	}
}

// loadJobLocked returns the in-memory index for a job, rehydrating it from
// the backend on first touch so resumption works across process restarts.
func (s *Store) loadJobLocked(ctx context.Context, jobID string) (*jobIndex, error) {
	if idx, ok := s.jobs[jobID]; ok {
		return idx, nil
	}
	idx := &jobIndex{}
	entries, err := s.kv.List(ctx, keyPrefix+jobID+"/")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		var cp ProcessingCheckpoint
		if err := json.Unmarshal(e.Value, &cp); err != nil {
			s.log.Warn("skipping corrupt checkpoint", "key", e.Key, "error", err)
			continue
		}
		idx.cps = append(idx.cps, &cp)
	}
	// Keys are zero-padded so the listing is already sequence-ordered, but
	// a corrupt entry in the middle must not break ordering.
	sort.Slice(idx.cps, func(i, j int) bool { return idx.cps[i].Sequence < idx.cps[j].Sequence })
	if last := idx.latest(); last != nil {
		idx.seq = last.Sequence + 1
		idx.hash = last.ConfigHash
	}
	s.jobs[jobID] = idx
	return idx, nil
}

// commitLocked appends the checkpoint to the in-memory index, mirrors it to
// the backend, and applies count-based trimming. A backend failure is logged
// and does not propagate: the job keeps running on the in-memory index.
func (s *Store) commitLocked(ctx context.Context, idx *jobIndex, cp *ProcessingCheckpoint) {
	idx.cps = append(idx.cps, cp)

	data, err := json.Marshal(cp)
	if err == nil {
		err = s.kv.Put(ctx, storeKey(cp.JobID, cp.Sequence), data)
	}
	if err != nil {
		werr := &WriteError{JobID: cp.JobID, CheckpointID: cp.CheckpointID, Err: err}
		s.log.Error("checkpoint persistence failed, continuing in-memory", "error", werr)
	}

	// Trim to MaxPerJob, oldest first. The newest checkpoint and the
	// terminal completed checkpoint are exempt.
	for len(idx.cps) > s.cfg.MaxPerJob {
		victim := -1
		for i := 0; i < len(idx.cps)-1; i++ {
			if !idx.cps[i].Completed {
				victim = i
				break
			}
		}
		if victim < 0 {
			break
		}
		old := idx.cps[victim]
		idx.cps = append(idx.cps[:victim], idx.cps[victim+1:]...)
		s.deleteKeyLocked(ctx, cp.JobID, old)
	}
}

func (s *Store) deleteKeyLocked(ctx context.Context, jobID string, cp *ProcessingCheckpoint) {
	if err := s.kv.Delete(ctx, storeKey(jobID, cp.Sequence)); err != nil {
		s.log.Warn("failed to delete trimmed checkpoint",
			"job_id", jobID, "sequence", cp.Sequence, "error", err)
	}
}

func storeKey(jobID string, seq uint64) string {
	return fmt.Sprintf("%s%s/%012d", keyPrefix, jobID, seq)
}

func checkpointID(jobID string, seq uint64) string {
	return fmt.Sprintf("%s-%012d", jobID, seq)
}

// hashConfig computes a short hash of the configuration snapshot for drift
// detection between runs.
func hashConfig(snapshot map[string]interface{}) string {
	if snapshot == nil {
		return "no-config"
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "hash-error"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
