package sandbox

import (
	"fmt"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
)

// Policy defines the container every run gets.
type Policy struct {
	Image       string        // engine image that compiles and traces the entry unit
	Timeout     time.Duration // wall-clock budget per run
	MemoryMB    int64         // memory ceiling, swap included
	CPUPeriod   int64         // CFS period in microseconds
	CPUQuota    int64         // CFS quota per period
	PidsLimit   int64
	MountPath   string // where the workspace appears inside the container
	StopTimeout int    // seconds docker waits before SIGKILL on stop
	User        string // optional uid[:gid] to run as
	PullMissing bool   // pull Image when the daemon does not have it
}

// DefaultPolicy returns the limits the engine image is tuned for.
func DefaultPolicy() Policy {
	return Policy{
		Image:       "java-visualizer-engine",
		Timeout:     15 * time.Second,
		MemoryMB:    256,
		CPUPeriod:   100000,
		CPUQuota:    80000,
		PidsLimit:   64,
		MountPath:   "/sandbox",
		StopTimeout: 2,
	}
}

// Validate rejects policies that would start an unbounded container.
func (p Policy) Validate() error {
	switch {
	case p.Image == "":
		return fmt.Errorf("sandbox image is required")
	case p.Timeout <= 0:
		return fmt.Errorf("sandbox timeout must be positive, got %s", p.Timeout)
	case p.MemoryMB <= 0:
		return fmt.Errorf("sandbox memory must be positive, got %d", p.MemoryMB)
	case p.CPUPeriod <= 0 || p.CPUQuota <= 0:
		return fmt.Errorf("sandbox cpu period and quota must be positive")
	case p.PidsLimit <= 0:
		return fmt.Errorf("sandbox pids limit must be positive, got %d", p.PidsLimit)
	case !path.IsAbs(p.MountPath):
		return fmt.Errorf("sandbox mount path must be absolute, got %q", p.MountPath)
	}
	return nil
}

func (p Policy) containerConfig(runID, entry string) *container.Config {
	stop := p.StopTimeout
	return &container.Config{
		Image:           p.Image,
		Cmd:             []string{path.Join(p.MountPath, entry)},
		User:            p.User,
		Tty:             false,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
		StopTimeout:     &stop,
		Labels:          map[string]string{"jvis.run": runID},
	}
}

func (p Policy) hostConfig(workspace string) *container.HostConfig {
	memory := p.MemoryMB * 1024 * 1024
	pids := p.PidsLimit
	return &container.HostConfig{
		Binds:       []string{workspace + ":" + p.MountPath},
		NetworkMode: "none",
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			CPUPeriod:  p.CPUPeriod,
			CPUQuota:   p.CPUQuota,
			PidsLimit:  &pids,
		},
	}
}
