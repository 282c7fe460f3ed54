// Package uuid provides task and worker ID generation.
package uuid

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, so task ids sort by enqueue time.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// WorkerID returns a lease identity of the form "<hostname>-<uuid7 suffix>".
// The hostname makes ledger rows readable; the suffix keeps two processes on
// one host distinct.
func (g Generator) WorkerID() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, id[len(id)-12:]), nil
}
