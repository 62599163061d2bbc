package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// Snowflake ids
// ============================================================================
//
//   | 41 bit ms since epoch | 10 bit worker | 12 bit sequence |
//
// Outbox event ids. Consumers dedupe on them, so they must not repeat across
// processes; each instance runs with its own worker id.
// ============================================================================

const (
	epoch        = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerBits   = 10
	sequenceBits = 12
	maxWorkerID  = 1<<workerBits - 1
	sequenceMask = 1<<sequenceBits - 1
)

type Snowflake struct {
	mu       sync.Mutex
	workerID int64
	lastMs   int64
	sequence int64
	nowMs    func() int64
}

var (
	defaultGenerator *Snowflake
	once             sync.Once
)

func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker id must be between 0 and %d, got %d", maxWorkerID, workerID)
	}
	return &Snowflake{
		workerID: workerID,
		nowMs:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Init sets the worker id of the package level generator. Only the first call wins.
func Init(workerID int64) error {
	var err error
	once.Do(func() {
		defaultGenerator, err = NewSnowflake(workerID)
	})
	return err
}

// NextID falls back to worker 1 when Init was never called.
func NextID() int64 {
	_ = Init(1)
	return defaultGenerator.Generate()
}

// Generate never hands out an id at or below the previous one. If the wall
// clock steps back the generator keeps counting on the last millisecond it saw.
func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := s.nowMs()
	if ms < s.lastMs {
		ms = s.lastMs
	}

	if ms == s.lastMs {
		s.sequence = (s.sequence + 1) & sequenceMask
		if s.sequence == 0 {
			// sequence exhausted, borrow the next millisecond
			ms = s.lastMs + 1
			for s.nowMs() < ms && s.nowMs() >= s.lastMs {
				time.Sleep(50 * time.Microsecond)
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = ms

	return (ms-epoch)<<(workerBits+sequenceBits) | s.workerID<<sequenceBits | s.sequence
}
