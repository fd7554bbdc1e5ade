package domain

import (
	"fmt"
	"sync"
	"time"
)

// IDGenerator produces deterministic, sortable-prefix ids for the four
// entity kinds, following the ingestion pipeline's id format: a leading
// digit identifying the kind, followed by a time-derived suffix and a
// counter that guarantees uniqueness for ids minted within the same tick.
type IDGenerator struct {
	mu       sync.Mutex
	counters map[byte]int
	lastSec  map[byte]int64
}

// NewIDGenerator returns a ready-to-use id generator.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		counters: make(map[byte]int),
		lastSec:  make(map[byte]int64),
	}
}

const (
	kindDataset    = '1'
	kindCollection = '2'
	kindData       = '3'
	kindVector     = '4'
)

func (g *IDGenerator) next(kind byte, withMicros bool) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	sec := now.Unix()
	if g.lastSec[kind] != sec {
		g.lastSec[kind] = sec
		g.counters[kind] = 0
	}
	g.counters[kind]++
	counter := g.counters[kind]

	secSuffix := sec % 1_000_000
	if withMicros {
		micros := now.Nanosecond() / 1000 % 100_000
		return fmt.Sprintf("%c%06d%05d", kind, secSuffix, micros)
	}
	return fmt.Sprintf("%c%06d%03d", kind, secSuffix, counter%1000)
}

// NewDatasetID mints a Dataset id: '1' + 6-digit unix-second suffix + 3-digit counter.
func (g *IDGenerator) NewDatasetID() string { return g.next(kindDataset, false) }

// NewCollectionID mints a Collection id with the same shape, kind '2'.
func (g *IDGenerator) NewCollectionID() string { return g.next(kindCollection, false) }

// NewDataID mints a Data id: '3' + 6-digit second suffix + 5-digit microsecond.
func (g *IDGenerator) NewDataID() string { return g.next(kindData, true) }

// NewVectorID mints an EmbeddingVector id, kind '4', microsecond-resolution.
func (g *IDGenerator) NewVectorID() string { return g.next(kindVector, true) }
