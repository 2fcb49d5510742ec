// Package model defines the Sheriff's core data types: identifiers,
// CommandRecord, DeputyRecord, and the status derivation of §4.1.
package model

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// DeputyID is an opaque string assigned by deputies at boot.
type DeputyID string

// CommandID is an operator-assigned string, globally unique across all
// deputies.
type CommandID string

// SheriffID self-identifies a Sheriff process: host name + pid +
// monotonic construction timestamp, sufficient to detect rival sheriffs
// on the same transport.
type SheriffID string

// NewSheriffID builds a SheriffID from the local host, the process id,
// and a random suffix so that two sheriffs started in the same process
// tick on the same host never collide.
func NewSheriffID() SheriffID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return SheriffID(fmt.Sprintf("%s-%d-%d-%s",
		host, os.Getpid(), time.Now().UnixNano(), uuid.NewString()[:8]))
}

// maxRunID is the wrap boundary: the source's latent 2^32 overflow bug
// is corrected here per spec.md §9 — desiredRunid wraps from 2^31-1 back
// to 1, never to 0 or negative.
const maxRunID = (1 << 31) - 1

// RunID is the monotonic "desired run" counter of a CommandRecord.
type RunID uint32

// Next returns the next RunID in sequence, wrapping at maxRunID back to 1.
func (r RunID) Next() RunID {
	if r >= maxRunID {
		return 1
	}
	return r + 1
}
