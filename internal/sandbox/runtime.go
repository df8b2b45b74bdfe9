// Package sandbox manages the per-session containers and volumes that
// agents run in.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a Runtime when a container or volume does
// not exist.
var ErrNotFound = errors.New("sandbox not found")

type State string

const (
	StateRunning  State = "running"
	StateStopped  State = "stopped"
	StateNotFound State = "not_found"
)

type MountType string

const (
	MountVolume MountType = "volume"
	MountBind   MountType = "bind"
)

type Mount struct {
	Type     MountType
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         map[string]string
	Labels      map[string]string
	WorkingDir  string
	Mounts      []Mount
	Tmpfs       map[string]string
	MemoryBytes int64
	NetworkMode string
}

// ContainerState is the runtime's view of one container.
type ContainerState struct {
	ID         string
	Name       string
	State      State
	ExitCode   int
	Error      string
	OOMKilled  bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// RunResult is the outcome of a container run to completion.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the container engine as seen by the Manager.
type Runtime interface {
	Ping(ctx context.Context) error
	CreateVolume(ctx context.Context, name string, labels map[string]string) error
	RemoveVolume(ctx context.Context, name string) error
	// Run creates a container, waits for it to exit, collects its output
	// and removes it.
	Run(ctx context.Context, spec ContainerSpec) (RunResult, error)
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	// Inspect accepts an ID or a name.
	Inspect(ctx context.Context, idOrName string) (ContainerState, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	PullImage(ctx context.Context, ref string) error
	ImageExists(ctx context.Context, ref string) (bool, error)
	Close() error
}
