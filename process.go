package main

import (
	"context"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/disgoorg/snowflake/v2"
)

// ===========================
// Process Registry
// ===========================

type ProcessKind int

const (
	ProcessLocate ProcessKind = iota
	ProcessFetch
	ProcessTranscode
)

func (k ProcessKind) String() string {
	switch k {
	case ProcessLocate:
		return "locate"
	case ProcessFetch:
		return "fetch"
	case ProcessTranscode:
		return "transcode"
	}
	return "unknown"
}

// TrackedProcess is a handle for one external helper process (or a
// context-managed helper invocation) owned by a guild session.
type TrackedProcess struct {
	Guild   snowflake.ID
	Kind    ProcessKind
	Started time.Time

	mu     sync.Mutex
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// SetCmd attaches the underlying command once it has been started.
// Helpers driven purely through context cancellation never call this.
func (p *TrackedProcess) SetCmd(cmd *exec.Cmd) {
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()
}

func (p *TrackedProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *TrackedProcess) Age() time.Duration {
	return time.Since(p.Started)
}

// Done is closed when the process has been unregistered, i.e. its owner
// has observed termination.
func (p *TrackedProcess) Done() <-chan struct{} {
	return p.done
}

func (p *TrackedProcess) interrupt() {
	p.mu.Lock()
	cancel := p.cancel
	cmd := p.cmd
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		// Signal the whole group when we own one
		if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGINT)
		} else {
			_ = cmd.Process.Signal(syscall.SIGINT)
		}
	}
}

func (p *TrackedProcess) forceKill() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		if cmd.SysProcAttr != nil && cmd.SysProcAttr.Setpgid {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		} else {
			_ = cmd.Process.Kill()
		}
	}
}

// ProcessInfo is a read-only snapshot entry for diagnostics.
type ProcessInfo struct {
	Kind ProcessKind
	PID  int
	Age  time.Duration
}

// ProcessRegistry tracks every external helper process per guild so that
// session teardown can reap all of them.
type ProcessRegistry struct {
	mu    sync.Mutex
	procs map[snowflake.ID]map[*TrackedProcess]struct{}
}

func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{
		procs: make(map[snowflake.ID]map[*TrackedProcess]struct{}),
	}
}

// Register creates and tracks a new process handle. Each handle enters
// the registry exactly once, at construction.
func (r *ProcessRegistry) Register(guild snowflake.ID, kind ProcessKind, cancel context.CancelFunc) *TrackedProcess {
	p := &TrackedProcess{
		Guild:   guild,
		Kind:    kind,
		Started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	set, ok := r.procs[guild]
	if !ok {
		set = make(map[*TrackedProcess]struct{})
		r.procs[guild] = set
	}
	set[p] = struct{}{}
	r.mu.Unlock()

	return p
}

// Unregister removes the handle and marks it done. Removing a handle
// that is already gone is a no-op.
func (r *ProcessRegistry) Unregister(p *TrackedProcess) {
	if p == nil {
		return
	}

	r.mu.Lock()
	if set, ok := r.procs[p.Guild]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(r.procs, p.Guild)
		}
	}
	r.mu.Unlock()

	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.mu.Unlock()
}

func (r *ProcessRegistry) Count(guild snowflake.ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs[guild])
}

// ListActive returns a snapshot of the guild's live helper processes.
func (r *ProcessRegistry) ListActive(guild snowflake.ID) []ProcessInfo {
	r.mu.Lock()
	handles := make([]*TrackedProcess, 0, len(r.procs[guild]))
	for p := range r.procs[guild] {
		handles = append(handles, p)
	}
	r.mu.Unlock()

	infos := make([]ProcessInfo, 0, len(handles))
	for _, p := range handles {
		infos = append(infos, ProcessInfo{Kind: p.Kind, PID: p.PID(), Age: p.Age()})
	}
	return infos
}

// KillAll reaps every tracked process for a guild: interrupt first, then
// escalate to SIGKILL for anything still alive after the grace window.
func (r *ProcessRegistry) KillAll(guild snowflake.ID) {
	r.mu.Lock()
	handles := make([]*TrackedProcess, 0, len(r.procs[guild]))
	for p := range r.procs[guild] {
		handles = append(handles, p)
	}
	r.mu.Unlock()

	if len(handles) == 0 {
		return
	}

	LogVoice("Reaping %d helper process(es) in guild %s", len(handles), guild)

	for _, p := range handles {
		p.interrupt()
	}

	grace := time.Now().Add(2 * time.Second)
	var survivors []*TrackedProcess
	for _, p := range handles {
		if !waitDone(p.done, grace) {
			survivors = append(survivors, p)
		}
	}

	if len(survivors) == 0 {
		return
	}

	for _, p := range survivors {
		LogVoice("Helper %s (pid %d) ignored interrupt in guild %s, killing", p.Kind, p.PID(), guild)
		p.forceKill()
	}

	deadline := time.Now().Add(1 * time.Second)
	for _, p := range survivors {
		if !waitDone(p.done, deadline) {
			// Owner never observed the exit; drop the handle so the
			// registry does not leak.
			r.Unregister(p)
		}
	}
}

func waitDone(done <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// KillAllGuilds reaps helper processes across every guild, used at
// shutdown.
func (r *ProcessRegistry) KillAllGuilds() {
	r.mu.Lock()
	guilds := make([]snowflake.ID, 0, len(r.procs))
	for g := range r.procs {
		guilds = append(guilds, g)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, g := range guilds {
		wg.Add(1)
		safeGo(func() {
			func(guild snowflake.ID) {
				defer wg.Done()
				r.KillAll(guild)
			}(g)
		})
	}
	wg.Wait()
}

// groupProcAttr makes the helper its own process group leader so
// descendant processes die with it.
func groupProcAttr(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
