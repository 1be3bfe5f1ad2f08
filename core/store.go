package core

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const (
	DefaultKeyPrefix     = "training_config_"
	DefaultMaxEvents     = 1000
	DefaultRecordTTL     = 2 * time.Hour
	DefaultBatchInterval = time.Second

	storeLockStripes = 64
)

var (
	// ErrRecordNotFound indicates no record exists for the task id.
	ErrRecordNotFound = errors.New("progress record not found")

	// ErrStoreUnavailable wraps any failure of the cache backend.
	ErrStoreUnavailable = errors.New("progress store unavailable")

	// ErrEventThrottled is returned by AppendEvent when a batch_progress
	// event arrives within BatchInterval of the previous one.
	ErrEventThrottled = errors.New("batch progress throttled")
)

// StoreOptions configures a ProgressStore. Zero values select the defaults.
type StoreOptions struct {
	KeyPrefix     string
	MaxEvents     int
	TTL           time.Duration
	BatchInterval time.Duration
	Codec         RecordCodec
	Now           func() time.Time
}

// ProgressStore is the authoritative per-task record kept in a shared Cache.
//
// Writes are read-modify-write. A striped in-process lock serialises writers
// within one process; writers in different processes may lose updates, which
// is tolerated because each task has a single active worker.
type ProgressStore struct {
	cache         Cache
	keyPrefix     string
	maxEvents     int
	ttl           time.Duration
	batchInterval time.Duration
	codec         RecordCodec
	now           func() time.Time

	locks [storeLockStripes]sync.Mutex
}

// NewProgressStore creates a store over cache.
func NewProgressStore(cache Cache, opts StoreOptions) *ProgressStore {
	s := &ProgressStore{
		cache:         cache,
		keyPrefix:     opts.KeyPrefix,
		maxEvents:     opts.MaxEvents,
		ttl:           opts.TTL,
		batchInterval: opts.BatchInterval,
		codec:         opts.Codec,
		now:           opts.Now,
	}
	if s.keyPrefix == "" {
		s.keyPrefix = DefaultKeyPrefix
	}
	if s.maxEvents <= 0 {
		s.maxEvents = DefaultMaxEvents
	}
	if s.ttl <= 0 {
		s.ttl = DefaultRecordTTL
	}
	if s.batchInterval <= 0 {
		s.batchInterval = DefaultBatchInterval
	}
	if s.codec == nil {
		s.codec = JSONCodec{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Key returns the cache key holding the record for taskID.
func (s *ProgressStore) Key(taskID string) string {
	return s.keyPrefix + taskID
}

// MaxEvents returns the retention cap of Record.Updates.
func (s *ProgressStore) MaxEvents() int { return s.maxEvents }

func (s *ProgressStore) lock(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &s.locks[h.Sum32()%storeLockStripes]
}

// Get loads the record for taskID.
func (s *ProgressStore) Get(ctx context.Context, taskID string) (*Record, error) {
	data, err := s.cache.Get(ctx, s.Key(taskID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %w", ErrStoreUnavailable, taskID, err)
	}

	rec, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrStoreUnavailable, taskID, err)
	}
	return rec, nil
}

// Set overwrites the record. A non-positive ttl selects the store default.
func (s *ProgressStore) Set(ctx context.Context, rec *Record, ttl time.Duration) error {
	if rec == nil || rec.TaskID == "" {
		return errors.New("record must have a task id")
	}
	mu := s.lock(rec.TaskID)
	mu.Lock()
	defer mu.Unlock()
	return s.save(ctx, rec, ttl)
}

func (s *ProgressStore) save(ctx context.Context, rec *Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	rec.LastActivityTime = unixSeconds(s.now())
	if rec.Updates == nil {
		rec.Updates = EventList{}
	}
	data, err := s.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", ErrStoreUnavailable, rec.TaskID, err)
	}
	if err := s.cache.Set(ctx, s.Key(rec.TaskID), data, ttl); err != nil {
		return fmt.Errorf("%w: set %s: %w", ErrStoreUnavailable, rec.TaskID, err)
	}
	return nil
}

// Update applies fn to the current record and writes it back.
func (s *ProgressStore) Update(ctx context.Context, taskID string, fn func(*Record) error) error {
	mu := s.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return s.save(ctx, rec, 0)
}

// Delete removes the record.
func (s *ProgressStore) Delete(ctx context.Context, taskID string) error {
	if err := s.cache.Delete(ctx, s.Key(taskID)); err != nil {
		return fmt.Errorf("%w: delete %s: %w", ErrStoreUnavailable, taskID, err)
	}
	return nil
}

// AppendEvent enriches ev, applies its status side effects, appends it to the
// record and trims the log to MaxEvents. It returns the stored event with its
// sequence number assigned.
func (s *ProgressStore) AppendEvent(ctx context.Context, taskID string, ev Event) (Event, error) {
	if ev == nil {
		return nil, errors.New("nil event")
	}
	mu := s.lock(taskID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	ev, err = s.enrich(rec, ev, now)
	if err != nil {
		return nil, err
	}

	h := ev.header()
	h.Seq = rec.LastSeq() + 1
	if h.Timestamp == 0 {
		h.Timestamp = unixSeconds(now)
	}
	ev = ev.withHeader(h)

	rec.Updates = append(rec.Updates, ev)
	if over := len(rec.Updates) - s.maxEvents; over > 0 {
		rec.Updates = append(EventList(nil), rec.Updates[over:]...)
		rec.Evicted += int64(over)
	}

	if err := s.save(ctx, rec, 0); err != nil {
		return nil, err
	}
	return ev, nil
}

// enrich fills derived fields and applies the record side effects of ev.
func (s *ProgressStore) enrich(rec *Record, ev Event, now time.Time) (Event, error) {
	switch e := ev.(type) {
	case EpochProgressEvent:
		if e.StatusText == "" {
			switch e.Stage {
			case StageEpochEnd:
				e.StatusText = fmt.Sprintf("Epoch %d/%d", e.Epoch, e.TotalEpochs)
			case StageEpochStart:
				e.StatusText = fmt.Sprintf("Starting epoch %d", e.Epoch)
			}
		}
		if e.TotalEpochs > 0 {
			e.ProgressPercent = roundTenth(float64(e.Epoch) / float64(e.TotalEpochs) * 100)
		}
		if e.Stage == StageEpochEnd {
			for _, p := range []**float64{&e.TrainLoss, &e.ValLoss, &e.TrainMAE, &e.ValMAE} {
				if *p == nil {
					*p = Float(0)
				}
			}
		}
		return e, nil

	case BatchProgressEvent:
		ts := unixSeconds(now)
		if rec.LastBatchTime > 0 && ts-rec.LastBatchTime < s.batchInterval.Seconds() {
			return nil, ErrEventThrottled
		}
		rec.LastBatchTime = ts
		return e, nil

	case LogEvent:
		if e.Level == "" {
			e.Level = "info"
		}
		return e, nil

	case ErrorEvent:
		if e.Message == "" {
			e.Message = "unknown error"
		}
		if !rec.Status.IsTerminal() {
			rec.Status = StatusFailed
			rec.Error = e.Message
		}
		return e, nil

	case CompleteEvent:
		if e.Status == "" {
			e.Status = StatusCompleted
		}
		if !rec.Status.IsTerminal() {
			rec.Status = e.Status
			if e.Error != "" {
				rec.Error = e.Error
			}
		}
		return e, nil

	default:
		return ev, nil
	}
}

func roundTenth(v float64) float64 { return math.Round(v*10) / 10 }
