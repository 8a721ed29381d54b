// Package id provides identifier generation for runs and workers.
//
// Run ids are prefixed ULIDs drawn from a monotonic entropy source, so two ids
// issued by the same generator never collide even within one millisecond.
// Worker ids are random UUIDs; they only need to be readable in logs.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// RunID correlates a run request with its result events.
type RunID string

// WorkerID identifies a sandbox worker inside the pool process.
type WorkerID string

const (
	RunPrefix    = "run"
	WorkerPrefix = "wrk"
)

// Generator generates ULIDs with optional prefixes
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex // Protects entropy reader
}

var (
	defaultGenerator *Generator
	once             sync.Once
)

// Default returns the singleton generator instance
func Default() *Generator {
	once.Do(func() {
		defaultGenerator = NewGenerator()
	})
	return defaultGenerator
}

// NewGenerator creates a generator with monotonic, cryptographically secure entropy.
func NewGenerator() *Generator {
	return &Generator{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Generate creates a new ULID
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRunID generates a new run correlation id.
func NewRunID() RunID {
	return RunID(Default().GenerateWithPrefix(RunPrefix))
}

// NewWorkerID generates a new worker id.
func NewWorkerID() WorkerID {
	return WorkerID(WorkerPrefix + "_" + uuid.NewString())
}

func (id RunID) String() string    { return string(id) }
func (id WorkerID) String() string { return string(id) }
