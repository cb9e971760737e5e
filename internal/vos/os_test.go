package vos

import (
	"errors"
	"testing"
)

func TestSpawnDeniedOverMemoryCapacity(t *testing.T) {
	o := New(100, 0.01)
	if _, ok := o.SpawnProcess("p", 1, 200, nil); ok {
		t.Fatalf("spawn should have been denied over capacity")
	}
	if o.UsedMemory() != 0 {
		t.Fatalf("used memory = %d, want 0 after denial", o.UsedMemory())
	}
}

func TestSpawnDeductsMemoryImmediately(t *testing.T) {
	o := New(100, 0.01)
	if _, ok := o.SpawnProcess("p", 1, 40, nil); !ok {
		t.Fatalf("spawn should have succeeded")
	}
	if o.UsedMemory() != 40 {
		t.Fatalf("used memory = %d, want 40", o.UsedMemory())
	}
}

func TestScheduleTickRunsTargetExactlyOnce(t *testing.T) {
	o := New(100, 1.0)
	runs := 0
	pid, ok := o.SpawnProcess("p", 1, 10, func() error { runs++; return nil })
	if !ok {
		t.Fatal("spawn failed")
	}
	for i := 0; i < 5 && o.HasRunnableWork(); i++ {
		o.ScheduleTick()
	}
	p, _ := o.GetProcess(pid)
	if p.State != Completed {
		t.Fatalf("state = %v, want Completed", p.State)
	}
	if runs != 1 {
		t.Fatalf("target ran %d times, want 1", runs)
	}
	if o.UsedMemory() != 0 {
		t.Fatalf("memory not refunded: %d", o.UsedMemory())
	}
}

func TestScheduleTickRequeuesUntilCPURequirementMet(t *testing.T) {
	o := New(100, 1.0)
	pid, _ := o.SpawnProcess("p", 3.0, 10, nil)
	for i := 0; i < 2; i++ {
		o.ScheduleTick()
		p, _ := o.GetProcess(pid)
		if p.State != Ready {
			t.Fatalf("tick %d: state = %v, want Ready (not yet done)", i, p.State)
		}
	}
	o.ScheduleTick()
	p, _ := o.GetProcess(pid)
	if p.State != Completed {
		t.Fatalf("state = %v, want Completed after 3 ticks", p.State)
	}
}

func TestTargetErrorFailsProcessAndRefundsMemory(t *testing.T) {
	o := New(100, 1.0)
	pid, _ := o.SpawnProcess("p", 1, 50, func() error { return errors.New("boom") })
	o.ScheduleTick()
	p, _ := o.GetProcess(pid)
	if p.State != Failed {
		t.Fatalf("state = %v, want Failed", p.State)
	}
	if o.UsedMemory() != 0 {
		t.Fatalf("memory not refunded on failure: %d", o.UsedMemory())
	}
}

func TestKillProcessRefundsMemoryUnlessTerminal(t *testing.T) {
	o := New(100, 1.0)
	pid, _ := o.SpawnProcess("p", 5, 30, nil)
	o.KillProcess(pid)
	p, _ := o.GetProcess(pid)
	if p.State != Failed {
		t.Fatalf("state = %v, want Failed", p.State)
	}
	if o.UsedMemory() != 0 {
		t.Fatalf("memory = %d, want 0", o.UsedMemory())
	}
	// Killing an already-terminal process must not double-refund.
	o2 := New(100, 1.0)
	pid2, _ := o2.SpawnProcess("p2", 1, 10, nil)
	o2.ScheduleTick()
	o2.KillProcess(pid2)
	if o2.UsedMemory() != 0 {
		t.Fatalf("double refund: used memory = %d", o2.UsedMemory())
	}
}

func TestBlockUnblockProcess(t *testing.T) {
	o := New(100, 1.0)
	pid, _ := o.SpawnProcess("p", 5, 10, nil)
	if !o.BlockProcess(pid) {
		t.Fatal("block should have succeeded from Ready")
	}
	if o.HasRunnableWork() {
		t.Fatal("blocked process should not be runnable")
	}
	if !o.UnblockProcess(pid) {
		t.Fatal("unblock should have succeeded from Blocked")
	}
	if !o.HasRunnableWork() {
		t.Fatal("unblocked process should be runnable again")
	}
}

func TestInstantDeviceReleasesSlotAndFiresInterrupt(t *testing.T) {
	o := New(100, 1.0)
	o.RegisterDevice("disk", 1, func(payload map[string]any) (any, error) { return "ok", nil })
	var fired []Interrupt
	o.RegisterInterruptHandler("disk", func(it Interrupt) { fired = append(fired, it) })
	o.RegisterSyscall("disk_write", func(ctx *SyscallContext, args map[string]any) (any, error) {
		return ctx.DeviceCall("disk", args, SubmitInstant), nil
	})
	res := o.InvokeSyscall("disk_write", map[string]any{"size": 10})
	if !res.Success {
		t.Fatalf("result = %+v, want success", res)
	}
	if len(fired) != 1 || !fired[0].Success {
		t.Fatalf("interrupts = %+v", fired)
	}
}

func TestReservationDeviceHoldsSlotUntilCompletion(t *testing.T) {
	o := New(100, 1.0)
	o.RegisterDevice("nic", 1, nil)
	o.RegisterSyscall("network_send", func(ctx *SyscallContext, args map[string]any) (any, error) {
		return ctx.DeviceCall("nic", args, SubmitReservation), nil
	})
	first := o.InvokeSyscall("network_send", map[string]any{"bytes": 100})
	if !first.Success {
		t.Fatalf("first send should succeed: %+v", first)
	}
	second := o.InvokeSyscall("network_send", map[string]any{"bytes": 100})
	if second.Success {
		t.Fatalf("second send should be denied while slot is held")
	}
	if second.Error != "device-busy" {
		t.Fatalf("error = %q, want device-busy", second.Error)
	}
	ticket := first.Metadata["ticket"]
	o.CompleteDeviceRequest("nic", ticket, true, "")
	third := o.InvokeSyscall("network_send", map[string]any{"bytes": 100})
	if !third.Success {
		t.Fatalf("send after completion should succeed: %+v", third)
	}
}

func TestUnknownSyscallCountsAsDenial(t *testing.T) {
	o := New(100, 1.0)
	res := o.InvokeSyscall("missing", nil)
	if res.Success {
		t.Fatal("unknown syscall should fail")
	}
	_, denials := o.Stats()
	if denials != 1 {
		t.Fatalf("denials = %d, want 1", denials)
	}
}

func TestSyscallHandlerErrorNormalized(t *testing.T) {
	o := New(100, 1.0)
	o.RegisterSyscall("broken", func(ctx *SyscallContext, args map[string]any) (any, error) {
		return nil, errors.New("handler exploded")
	})
	res := o.InvokeSyscall("broken", nil)
	if res.Success || res.Error != "handler exploded" {
		t.Fatalf("got %+v", res)
	}
}

func TestSyscallHandlerBoolNormalized(t *testing.T) {
	o := New(100, 1.0)
	o.RegisterSyscall("probe", func(ctx *SyscallContext, args map[string]any) (any, error) {
		return true, nil
	})
	res := o.InvokeSyscall("probe", nil)
	if !res.Success {
		t.Fatalf("got %+v", res)
	}
}
