package kernel

import (
	"bytes"
	"testing"

	"github.com/allonsy/pintos/frame"
	"github.com/allonsy/pintos/vm"
)

type testMapper struct {
	installed map[uintptr]*frame.Frame
}

func newTestMapper() *testMapper { return &testMapper{installed: make(map[uintptr]*frame.Frame)} }

func (m *testMapper) Install(addr uintptr, f *frame.Frame, writable bool) {
	m.installed[addr] = f
}
func (m *testMapper) Clear(addr uintptr) { delete(m.installed, addr) }

func TestNewDefaultWiresEverySubsystem(t *testing.T) {
	k := NewDefault(256, 128)
	defer k.Shutdown()

	if k.Frames.Len() != DefaultLimits().Frames {
		t.Fatalf("Frames.Len() = %d, want %d", k.Frames.Len(), DefaultLimits().Frames)
	}
	if k.Swap.Slots() == 0 {
		t.Fatalf("expected a nonzero swap slot count")
	}
	if k.Inodes == nil || k.Cache == nil {
		t.Fatalf("expected Inodes and Cache to be wired")
	}
}

func TestHandleFaultUpdatesStats(t *testing.T) {
	k := NewDefault(64, 64)
	defer k.Shutdown()

	mapper := newTestMapper()
	as := k.NewAddressSpace("demo", mapper, 0xC0000000)

	as.SPT().Allocate(0x1000, vm.AnonData, false)
	if status := k.HandleFault(as, 0x1000, nil, true); status != 0 {
		t.Fatalf("HandleFault status = %d, want 0", status)
	}
	if k.Stats.FaultsResident.Load() != 1 {
		t.Fatalf("FaultsResident = %d, want 1", k.Stats.FaultsResident.Load())
	}

	if status := k.HandleFault(as, 0, nil, false); status != -1 {
		t.Fatalf("null deref HandleFault status = %d, want -1", status)
	}
	if k.Stats.FaultsFatal.Load() != 1 {
		t.Fatalf("FaultsFatal = %d, want 1", k.Stats.FaultsFatal.Load())
	}
}

func TestWriteProfileProducesNonEmptyOutput(t *testing.T) {
	k := NewDefault(64, 64)
	defer k.Shutdown()

	mapper := newTestMapper()
	as := k.NewAddressSpace("demo", mapper, 0xC0000000)
	as.SPT().Allocate(0x2000, vm.AnonData, false)
	if status := k.HandleFault(as, 0x2000, nil, true); status != 0 {
		t.Fatalf("HandleFault: status %d", status)
	}

	var buf bytes.Buffer
	if err := k.WriteProfile(&buf); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatalf("expected a non-empty profile")
	}
}

func TestNotifyOomDoesNotBlockWhenChannelFull(t *testing.T) {
	k := NewDefault(64, 64)
	defer k.Shutdown()

	for i := 0; i < cap(k.OomCh)+2; i++ {
		k.NotifyOom("demo")
	}
	if len(k.OomCh) != cap(k.OomCh) {
		t.Fatalf("OomCh len = %d, want full at %d", len(k.OomCh), cap(k.OomCh))
	}
}
