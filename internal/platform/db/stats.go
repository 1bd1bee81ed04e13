package db

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolStats is a snapshot of a pgx pool, reported by /health/journal.
type PoolStats struct {
	Total          int32   `json:"total"`
	Idle           int32   `json:"idle"`
	InUse          int32   `json:"in_use"`
	Max            int32   `json:"max"`
	Utilization    float64 `json:"utilization"`
	Acquires       int64   `json:"acquires"`
	EmptyAcquires  int64   `json:"empty_acquires"`
	AvgAcquireWait string  `json:"avg_acquire_wait"`
}

// SnapshotPool reads the current statistics of pool.
func SnapshotPool(pool *pgxpool.Pool) PoolStats {
	return statsFrom(pool.Stat())
}

type poolStat interface {
	TotalConns() int32
	IdleConns() int32
	AcquiredConns() int32
	MaxConns() int32
	AcquireCount() int64
	EmptyAcquireCount() int64
	AcquireDuration() time.Duration
}

func statsFrom(s poolStat) PoolStats {
	out := PoolStats{
		Total:         s.TotalConns(),
		Idle:          s.IdleConns(),
		InUse:         s.AcquiredConns(),
		Max:           s.MaxConns(),
		Acquires:      s.AcquireCount(),
		EmptyAcquires: s.EmptyAcquireCount(),
	}
	if out.Max > 0 {
		out.Utilization = float64(out.InUse) / float64(out.Max)
	}
	var wait time.Duration
	if out.Acquires > 0 {
		wait = s.AcquireDuration() / time.Duration(out.Acquires)
	}
	out.AvgAcquireWait = wait.String()
	return out
}
