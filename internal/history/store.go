package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricewatch/internal/retry"
)

// DefaultCapacity is the number of samples retained per instrument.
const DefaultCapacity = 10

// Persister stores whole-store snapshots keyed by namespace (one per exchange).
// LoadHistories returns an empty map, not an error, when nothing was saved yet.
type Persister interface {
	LoadHistories(ctx context.Context, namespace string) (map[string][]decimal.Decimal, error)
	SaveHistories(ctx context.Context, namespace string, snapshot map[string][]decimal.Decimal) error
}

// Window is a point-in-time copy of one instrument's history.
// Prices[0] is the newest sample. Seq counts every upsert ever applied to the instrument.
type Window struct {
	Prices []decimal.Decimal
	Seq    uint64
}

type series struct {
	prices []decimal.Decimal
	seq    uint64
}

// Store is the mutex-guarded rolling price history shared by the poller and the detector.
type Store struct {
	mu        sync.Mutex
	persistMu sync.Mutex // orders snapshot writes: an earlier snapshot is never written after a later one
	capacity  int
	namespace string
	data      map[string]*series

	persister Persister
	policy    retry.Policy
	logger    zerolog.Logger
}

// Options parameterise a Store.
type Options struct {
	Namespace string
	Capacity  int
	Persister Persister
	Retry     retry.Policy
}

// NewStore builds an empty store; call Load to restore persisted state.
func NewStore(opts Options, logger zerolog.Logger) *Store {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity:  capacity,
		namespace: opts.Namespace,
		data:      make(map[string]*series),
		persister: opts.Persister,
		policy:    opts.Retry,
		logger:    logger.With().Str("component", "history").Str("exchange", opts.Namespace).Logger(),
	}
}

// Capacity returns the per-instrument window size.
func (s *Store) Capacity() int {
	return s.capacity
}

// Upsert inserts price at the front of the instrument's history, dropping the oldest sample beyond capacity.
func (s *Store) Upsert(instrument string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(instrument, price)
}

// UpsertAll applies a whole poll snapshot atomically.
func (s *Store) UpsertAll(prices map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for instrument, price := range prices {
		s.upsertLocked(instrument, price)
	}
}

func (s *Store) upsertLocked(instrument string, price decimal.Decimal) {
	ser, ok := s.data[instrument]
	if !ok {
		ser = &series{}
		s.data[instrument] = ser
	}
	ser.seq++

	n := len(ser.prices) + 1
	if n > s.capacity {
		n = s.capacity
	}
	next := make([]decimal.Decimal, n)
	next[0] = price
	copy(next[1:], ser.prices)
	ser.prices = next
}

// ReadAll returns a deep copy of every history.
func (s *Store) ReadAll() map[string][]decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// View returns a deep copy of every history together with its upsert sequence.
func (s *Store) View() map[string]Window {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Window, len(s.data))
	for instrument, ser := range s.data {
		out[instrument] = Window{Prices: clonePrices(ser.prices), Seq: ser.seq}
	}
	return out
}

// Get returns a copy of one instrument's history.
func (s *Store) Get(instrument string) []decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	ser, ok := s.data[instrument]
	if !ok {
		return nil
	}
	return clonePrices(ser.prices)
}

// Reset clears the instrument's history.
func (s *Store) Reset(instrument string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ser, ok := s.data[instrument]; ok {
		ser.prices = ser.prices[:0]
	}
}

// ResetSeen clears the samples that were visible at sequence seen. Samples upserted
// after the caller's View are kept, so a reset racing with the poller drops nothing.
func (s *Store) ResetSeen(instrument string, seen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ser, ok := s.data[instrument]
	if !ok {
		return
	}
	newer := int(ser.seq - seen)
	if seen > ser.seq || newer <= 0 {
		ser.prices = ser.prices[:0]
		return
	}
	if newer < len(ser.prices) {
		ser.prices = ser.prices[:newer]
	}
}

// Len reports the number of tracked instruments.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Load replaces the in-memory state with the persisted snapshot.
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	var loaded map[string][]decimal.Decimal
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		var err error
		loaded, err = s.persister.LoadHistories(ctx, s.namespace)
		return err
	}, s.logRetry("load"))
	if err != nil {
		return fmt.Errorf("load histories: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*series, len(loaded))
	for instrument, prices := range loaded {
		if len(prices) > s.capacity {
			prices = prices[:s.capacity]
		}
		s.data[instrument] = &series{prices: clonePrices(prices)}
	}
	s.logger.Info().Int("instruments", len(s.data)).Msg("histories loaded")
	return nil
}

// Persist writes the current snapshot. Rewriting an identical snapshot is harmless.
func (s *Store) Persist(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snapshot := s.ReadAll()
	err := s.policy.Do(ctx, func(ctx context.Context) error {
		return s.persister.SaveHistories(ctx, s.namespace, snapshot)
	}, s.logRetry("persist"))
	if err != nil {
		return fmt.Errorf("persist histories: %w", err)
	}
	return nil
}

func (s *Store) logRetry(op string) retry.OnRetry {
	return func(attempt int, err error) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Str("op", op).Msg("history persistence failed")
	}
}

func (s *Store) snapshotLocked() map[string][]decimal.Decimal {
	out := make(map[string][]decimal.Decimal, len(s.data))
	for instrument, ser := range s.data {
		out[instrument] = clonePrices(ser.prices)
	}
	return out
}

func clonePrices(prices []decimal.Decimal) []decimal.Decimal {
	out := make([]decimal.Decimal, len(prices))
	copy(out, prices)
	return out
}
