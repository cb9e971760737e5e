// Package vos implements VirtualOS (spec component C3): a per-node
// cooperative round-robin scheduler of CPU/memory-bound processes, with
// named devices (inflight-capped, instant or reservation submission),
// string-keyed syscalls, and an interrupt queue drained after every tick
// and every syscall. Devices, syscalls, and interrupt handlers are
// registered by name rather than through a closed interface hierarchy, so
// a StorageVirtualNode can extend the table without vos knowing about
// storage concepts (spec.md §9's dynamic-dispatch design note).
package vos

// ProcessState is VirtualProcess.state.
type ProcessState int

const (
	Ready ProcessState = iota
	Running
	Blocked
	Completed
	Failed
)

func (s ProcessState) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ProcessState) terminal() bool { return s == Completed || s == Failed }

// Process is VirtualProcess.
type Process struct {
	PID            int
	Name           string
	CPURequired    float64
	MemoryRequired int64
	Target         func() error
	State          ProcessState
	CPUUsed        float64
	workExecuted   bool
}

// SubmitMode distinguishes instant device submissions (handler runs
// synchronously, slot released immediately) from reservation submissions
// (slot held until an explicit CompleteDeviceRequest).
type SubmitMode int

const (
	SubmitInstant SubmitMode = iota
	SubmitReservation
)

// DeviceHandler performs a device's work for one instant-mode submission.
// Reservation-mode submissions never invoke the handler — the caller is
// expected to perform the work itself and later call
// CompleteDeviceRequest.
type DeviceHandler func(payload map[string]any) (any, error)

// Device is VirtualDevice.
type Device struct {
	Name           string
	MaxInflight    int
	InflightCount  int
	handler        DeviceHandler
	activeRequests map[int]map[string]any
}

// Interrupt is the payload delivered to a device's registered interrupt
// handlers once it fires.
type Interrupt struct {
	Device  string
	Success bool
	Error   string
	Payload map[string]any
}

// SyscallResult is the normalized outcome of InvokeSyscall.
type SyscallResult struct {
	Success  bool
	Result   any
	Error    string
	Metadata map[string]any
}

// SyscallContext is passed to a SyscallHandler; it is the only way a
// syscall handler may touch a device.
type SyscallContext struct {
	os *OS
}

// DeviceCall submits payload to a named device under the given mode.
func (c *SyscallContext) DeviceCall(device string, payload map[string]any, mode SubmitMode) SyscallResult {
	return c.os.deviceCall(device, payload, mode)
}

// SyscallHandler implements one named syscall. Its return value is
// normalized by InvokeSyscall: an error yields success=false; anything
// else is wrapped as success=true, result=value, except that returning a
// SyscallResult directly passes it through unchanged, and returning a
// bool maps straight to its success field.
type SyscallHandler func(ctx *SyscallContext, args map[string]any) (any, error)

// OS is VirtualOS.
type OS struct {
	memoryCapacity int64
	usedMemory     int64
	cpuTimeSlice   float64

	processes map[int]*Process
	nextPID   int
	ready     []int

	devices         map[string]*Device
	nextTicket      int
	syscalls        map[string]SyscallHandler
	interruptQueue  []Interrupt
	interruptHooks  map[string][]func(Interrupt)

	syscallInvocations int
	syscallDenials     int
}

// New returns an empty VirtualOS with the given memory capacity (bytes)
// and per-tick CPU time slice (seconds).
func New(memoryCapacityBytes int64, cpuTimeSlice float64) *OS {
	if cpuTimeSlice <= 0 {
		cpuTimeSlice = 0.01
	}
	return &OS{
		memoryCapacity: memoryCapacityBytes,
		cpuTimeSlice:   cpuTimeSlice,
		processes:      make(map[int]*Process),
		devices:        make(map[string]*Device),
		syscalls:       make(map[string]SyscallHandler),
		interruptHooks: make(map[string][]func(Interrupt)),
	}
}

// UsedMemory reports Σ memory_required of non-terminal processes.
func (o *OS) UsedMemory() int64 { return o.usedMemory }

// SpawnProcess creates a READY process, deducting memory immediately.
// Returns (0, false) if the deduction would exceed capacity (denial).
func (o *OS) SpawnProcess(name string, cpuRequired float64, memoryRequired int64, target func() error) (int, bool) {
	if o.usedMemory+memoryRequired > o.memoryCapacity {
		return 0, false
	}
	o.nextPID++
	pid := o.nextPID
	o.processes[pid] = &Process{
		PID:            pid,
		Name:           name,
		CPURequired:    cpuRequired,
		MemoryRequired: memoryRequired,
		Target:         target,
		State:          Ready,
	}
	o.usedMemory += memoryRequired
	o.ready = append(o.ready, pid)
	return pid, true
}

// GetProcess looks a process up by pid, or returns (nil, false).
func (o *OS) GetProcess(pid int) (*Process, bool) {
	p, ok := o.processes[pid]
	return p, ok
}

func (o *OS) refundMemory(p *Process) {
	o.usedMemory -= p.MemoryRequired
	if o.usedMemory < 0 {
		o.usedMemory = 0
	}
}

// HasRunnableWork reports whether any process is queued READY.
func (o *OS) HasRunnableWork() bool { return len(o.ready) > 0 }

// ScheduleTick pops the front of the READY queue and advances it by one
// cpu_time_slice, per spec.md §4.3: a terminal process is dropped; a
// fresh process's target runs exactly once (a returned error fails it and
// refunds memory); otherwise cpu_used grows by the slice (capped at the
// remaining budget) and the process either completes (refunding memory)
// or requeues. Interrupts are drained unconditionally at the end.
func (o *OS) ScheduleTick() {
	defer o.drainInterrupts()
	if len(o.ready) == 0 {
		return
	}
	pid := o.ready[0]
	o.ready = o.ready[1:]
	p, ok := o.processes[pid]
	if !ok || p.State.terminal() {
		return
	}
	p.State = Running
	if !p.workExecuted {
		p.workExecuted = true
		if p.Target != nil {
			if err := p.Target(); err != nil {
				p.State = Failed
				o.refundMemory(p)
				return
			}
		}
	}
	slice := o.cpuTimeSlice
	remaining := p.CPURequired - p.CPUUsed
	if slice > remaining {
		slice = remaining
	}
	p.CPUUsed += slice
	if p.CPUUsed >= p.CPURequired {
		p.State = Completed
		o.refundMemory(p)
		return
	}
	p.State = Ready
	o.ready = append(o.ready, pid)
}

// BlockProcess moves a READY or RUNNING process to BLOCKED.
func (o *OS) BlockProcess(pid int) bool {
	p, ok := o.processes[pid]
	if !ok || (p.State != Ready && p.State != Running) {
		return false
	}
	p.State = Blocked
	for i, q := range o.ready {
		if q == pid {
			o.ready = append(o.ready[:i], o.ready[i+1:]...)
			break
		}
	}
	return true
}

// UnblockProcess moves a BLOCKED process back to READY.
func (o *OS) UnblockProcess(pid int) bool {
	p, ok := o.processes[pid]
	if !ok || p.State != Blocked {
		return false
	}
	p.State = Ready
	o.ready = append(o.ready, pid)
	return true
}

// KillProcess force-removes a process from scheduling, refunding memory
// unless it was already terminal, and marks it FAILED.
func (o *OS) KillProcess(pid int) bool {
	p, ok := o.processes[pid]
	if !ok {
		return false
	}
	if !p.State.terminal() {
		o.refundMemory(p)
	}
	p.State = Failed
	for i, q := range o.ready {
		if q == pid {
			o.ready = append(o.ready[:i], o.ready[i+1:]...)
			break
		}
	}
	return true
}

// RegisterDevice installs a named device; re-registering a name replaces
// the previous device.
func (o *OS) RegisterDevice(name string, maxInflight int, handler DeviceHandler) {
	if maxInflight < 1 {
		maxInflight = 1
	}
	o.devices[name] = &Device{
		Name:           name,
		MaxInflight:    maxInflight,
		handler:        handler,
		activeRequests: make(map[int]map[string]any),
	}
}

// RegisterInterruptHandler subscribes to interrupts raised against a
// device; handlers run synchronously, in registration order, when the
// interrupt queue is drained.
func (o *OS) RegisterInterruptHandler(device string, handler func(Interrupt)) {
	o.interruptHooks[device] = append(o.interruptHooks[device], handler)
}

// RegisterSyscall installs a named syscall entry point.
func (o *OS) RegisterSyscall(name string, handler SyscallHandler) {
	o.syscalls[name] = handler
}

func (o *OS) enqueueInterrupt(it Interrupt) { o.interruptQueue = append(o.interruptQueue, it) }

func (o *OS) drainInterrupts() {
	queue := o.interruptQueue
	o.interruptQueue = nil
	for _, it := range queue {
		for _, h := range o.interruptHooks[it.Device] {
			h(it)
		}
	}
}

// deviceCall is the backpressure-enforcing core shared by SyscallContext
// and node-level callers that hold a raw OS reference (e.g. completing a
// reservation started outside a syscall).
func (o *OS) deviceCall(device string, payload map[string]any, mode SubmitMode) SyscallResult {
	d, ok := o.devices[device]
	if !ok {
		return SyscallResult{Success: false, Error: "unknown-device"}
	}
	if d.InflightCount >= d.MaxInflight {
		return SyscallResult{Success: false, Error: "device-busy"}
	}
	d.InflightCount++
	if mode == SubmitReservation {
		o.nextTicket++
		ticket := o.nextTicket
		d.activeRequests[ticket] = payload
		return SyscallResult{Success: true, Metadata: map[string]any{"ticket": ticket}}
	}
	var result any
	var err error
	if d.handler != nil {
		result, err = d.handler(payload)
	}
	d.InflightCount--
	if d.InflightCount < 0 {
		d.InflightCount = 0
	}
	if err != nil {
		o.enqueueInterrupt(Interrupt{Device: device, Success: false, Error: err.Error(), Payload: payload})
		return SyscallResult{Success: false, Error: err.Error()}
	}
	o.enqueueInterrupt(Interrupt{Device: device, Success: true, Payload: payload})
	return SyscallResult{Success: true, Result: result}
}

// CompleteDeviceRequest releases a reservation-mode slot and enqueues its
// completion interrupt. ticket is the int handle returned in
// SyscallResult.Metadata["ticket"]; it is ignored (treated as already
// released) if unrecognized, matching a tolerant "missing ticket" path
// callers use on already-failed transfers.
func (o *OS) CompleteDeviceRequest(device string, ticket any, success bool, errMsg string) {
	d, ok := o.devices[device]
	if !ok {
		return
	}
	if t, ok := ticket.(int); ok {
		delete(d.activeRequests, t)
	}
	if d.InflightCount > 0 {
		d.InflightCount--
	}
	o.enqueueInterrupt(Interrupt{Device: device, Success: success, Error: errMsg})
}

// InvokeSyscall looks up a registered handler and normalizes its result
// per spec.md §4.3: a returned error becomes success=false with that
// error's message; anything else is wrapped success=true unless it is
// already a SyscallResult (passed through) or a bool (mapped directly to
// success). Interrupts are drained once the handler returns.
func (o *OS) InvokeSyscall(name string, args map[string]any) SyscallResult {
	defer o.drainInterrupts()
	h, ok := o.syscalls[name]
	if !ok {
		o.syscallDenials++
		return SyscallResult{Success: false, Error: "unknown-syscall"}
	}
	o.syscallInvocations++
	ctx := &SyscallContext{os: o}
	value, err := h(ctx, args)
	if err != nil {
		return SyscallResult{Success: false, Error: err.Error()}
	}
	switch v := value.(type) {
	case SyscallResult:
		return v
	case bool:
		return SyscallResult{Success: v}
	default:
		return SyscallResult{Success: true, Result: value}
	}
}

// Stats returns (invocations, denials) counted across InvokeSyscall calls.
func (o *OS) Stats() (invocations, denials int) { return o.syscallInvocations, o.syscallDenials }
