// Package ports collects the small, narrow interfaces that let core
// components be tested without a real socket, PTY, or subprocess,
// mirroring the teacher's internal/interfaces pattern of one interface
// per external collaborator plus a default OS-backed implementation.
package ports

import "context"

// SpawnRequest is the payload of a SPAWN control RPC (spec §6).
type SpawnRequest struct {
	Name    string   `json:"name"`
	CLI     string   `json:"cli"`
	Task    string   `json:"task"`
	CWD     string   `json:"cwd"`
	Team    string   `json:"team,omitempty"`
	Shadow  []string `json:"shadow,omitempty"`
}

// SpawnResult is what a Launcher returns for a successful spawn.
type SpawnResult struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
}

// Launcher is the daemon's only way to start or stop an agent process; the
// daemon itself never calls exec directly (spec §6: "the daemon owns no
// subprocess management beyond calling these").
type Launcher interface {
	Spawn(ctx context.Context, req SpawnRequest) (SpawnResult, error)
	Release(ctx context.Context, name string) error
}
