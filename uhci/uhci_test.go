// Tests for the UHCI engine
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package uhci

import (
	"testing"

	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/pciio"
	"github.com/usbarmory/atahost/pciio/fake"
)

func newTestController(t *testing.T) (*Controller, *fake.Bar) {
	t.Helper()

	io := fake.NewBar(0x20)
	cfg := fake.NewConfig(pciio.ClassCode{Base: 0x0c, Sub: 0x03, ProgInterface: 0x00})
	attrs := fake.NewAttrs(pciio.DeviceEnable)
	dmaDev := fake.NewDMA(true)

	c := New(io, cfg, attrs, dmaDev, clock.NewVirtual())

	if err := c.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	return c, io
}

func TestSectorFactorTable(t *testing.T) {
	cases := map[int]int{8: 71, 16: 51, 32: 33, 64: 19}

	for mpl, want := range cases {
		if got := sectorFactor(mpl); got != want {
			t.Errorf("sectorFactor(%d) = %d, want %d", mpl, got, want)
		}
	}
}

func TestDedupEntriesPreservesOrderAndBreaksCycles(t *testing.T) {
	got := dedupEntries([]int{0, 10, 20, 10, 1024, 0})
	want := []int{0, 10, 20}

	if len(got) != len(want) {
		t.Fatalf("dedupEntries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dedupEntries = %v, want %v", got, want)
		}
	}
}

func TestWalkChainShortPacketCompletes(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Stop()

	busAddr := uint32(0x1000)

	t0, err := NewTD(c.arena, 1, 1, PIDIn, true, false, busAddr, 64, false, true)
	if err != nil {
		t.Fatalf("NewTD: %v", err)
	}
	defer t0.Free(c.arena)

	t1, err := NewTD(c.arena, 1, 1, PIDIn, false, false, busAddr+64, 64, false, true)
	if err != nil {
		t.Fatalf("NewTD: %v", err)
	}
	defer t1.Free(c.arena)

	linkChain([]*TD{t0, t1})

	// Simulate the controller retiring the first TD with a short packet
	// (actual length < token max length), which must stop the scan
	// before the still-active second TD is ever inspected.
	t0.writeField(4, (uint32(3)<<tdCErrShift)|uint32(31)) // actual length 32

	done, errMask, actualLen, stopIdx := walkChain([]*TD{t0, t1})
	if !done {
		t.Fatalf("walkChain: expected done on short packet")
	}
	if errMask != 0 {
		t.Errorf("errMask = %#x, want 0", errMask)
	}
	if actualLen != 32 {
		t.Errorf("actualLen = %d, want 32", actualLen)
	}
	if stopIdx != 0 {
		t.Errorf("stopIdx = %d, want 0", stopIdx)
	}
}

func TestWalkChainOrsErrorBits(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Stop()

	t0, err := NewTD(c.arena, 1, 1, PIDOut, true, false, 0x2000, 8, false, false)
	if err != nil {
		t.Fatalf("NewTD: %v", err)
	}
	defer t0.Free(c.arena)

	// Stalled + CRC timeout, active bit clear: the controller retired
	// the TD with errors latched.
	t0.writeField(4, tdStatusStalled|tdStatusCRCTimeout)

	done, errMask, _, stopIdx := walkChain([]*TD{t0})
	if !done {
		t.Fatalf("walkChain: expected done on error")
	}
	if errMask&(tdStatusStalled|tdStatusCRCTimeout) == 0 {
		t.Errorf("errMask = %#x, want stalled|crc-timeout bits set", errMask)
	}
	if stopIdx != 0 {
		t.Errorf("stopIdx = %d, want 0", stopIdx)
	}
}

func TestAsyncInterruptQHChainCardinality(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Stop()

	buf := make([]byte, 8)

	const interval = 10

	if err := c.SubmitAsyncInterrupt(1, 1, 8, interval, false, buf, nil, nil); err != nil {
		t.Fatalf("SubmitAsyncInterrupt: %v", err)
	}

	n := c.intrHead
	if n == nil {
		t.Fatalf("expected a node at the interrupt list head")
	}

	want := ceilDivInt(FrameListLen, interval)
	if len(n.qhs) != want {
		t.Errorf("QH chain length = %d, want %d (ceil(1024/%d))", len(n.qhs), want, interval)
	}

	if len(n.entries) != want {
		t.Errorf("entries length = %d, want %d", len(n.entries), want)
	}

	for i, e := range n.entries {
		if e != i*interval {
			t.Errorf("entries[%d] = %d, want %d", i, e, i*interval)
		}
	}
}

func TestAsyncInterruptCancelRestoresArenaBitCount(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Stop()

	before := c.arena.InUseUnits()

	buf := make([]byte, 8)

	if err := c.SubmitAsyncInterrupt(1, 1, 8, 10, false, buf, nil, nil); err != nil {
		t.Fatalf("SubmitAsyncInterrupt: %v", err)
	}

	if c.arena.InUseUnits() == before {
		t.Fatalf("expected arena usage to grow after submit")
	}

	if _, err := c.CancelAsyncInterrupt(1, 1); err != nil {
		t.Fatalf("CancelAsyncInterrupt: %v", err)
	}

	if got := c.arena.InUseUnits(); got != before {
		t.Errorf("InUseUnits after cancel = %d, want %d (pre-submission level)", got, before)
	}

	if c.intrHead != nil {
		t.Errorf("expected interrupt list to be empty after cancel")
	}
}

func TestMonitorTickDeliversDataAndResubmits(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Stop()

	buf := make([]byte, 8)

	fired := 0
	var gotLen int
	var gotErr uint32

	cb := func(b []byte, n int, ctx interface{}, errMask uint32) {
		fired++
		gotLen = n
		gotErr = errMask
	}

	if err := c.SubmitAsyncInterrupt(1, 1, 8, 10, false, buf, cb, nil); err != nil {
		t.Fatalf("SubmitAsyncInterrupt: %v", err)
	}

	n := c.intrHead

	// Nothing retired yet: the monitor must not fire the callback.
	c.MonitorTick()
	if fired != 0 {
		t.Fatalf("callback fired with the chain still active")
	}

	// Simulate the controller retiring the single TD with a full 8-byte
	// report (actual-length field encodes n-1).
	n.tds[0].writeField(4, (uint32(3)<<tdCErrShift)|uint32(7))

	c.MonitorTick()

	if fired != 1 {
		t.Fatalf("callback fired %d times, want 1", fired)
	}
	if gotLen != 8 || gotErr != 0 {
		t.Errorf("callback got (len=%d, err=%#x), want (8, 0)", gotLen, gotErr)
	}

	// One completed TD advances the toggle by one; the chain is
	// reactivated for the next polling round.
	if !n.startToggle {
		t.Errorf("expected start toggle flipped after one completed TD")
	}
	if !n.tds[0].IsActive() {
		t.Errorf("expected TD reactivated for resubmission")
	}
}

func TestAsyncInterruptCancelUnknownNodeReturnsNotFound(t *testing.T) {
	c, _ := newTestController(t)
	defer c.Stop()

	if _, err := c.CancelAsyncInterrupt(5, 1); err == nil {
		t.Fatalf("expected error cancelling an unknown node")
	}
}

func TestHostControllerStateMachine(t *testing.T) {
	c, io := newTestController(t)
	defer c.Stop()

	if c.state != StateOperational {
		t.Fatalf("state after Init = %v, want Operational", c.state)
	}

	// The fake bar has no hardware behavior model; simulate a
	// controller that halts instantaneously once RUN/STOP is cleared so
	// WaitUntilSet16(HCH) observes the bit on its first poll.
	io.Write16(regUSBSTS, stsHCH)

	if err := c.Halt(); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	if c.state != StateHalt {
		t.Fatalf("state after Halt = %v, want Halt", c.state)
	}

	if err := c.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if c.state != StateSuspend {
		t.Fatalf("state after Suspend = %v, want Suspend", c.state)
	}

	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if c.state != StateOperational {
		t.Fatalf("state after Resume = %v, want Operational", c.state)
	}
}

func TestRootHubPortFeatures(t *testing.T) {
	c, io := newTestController(t)
	defer c.Stop()

	io.Write16(regPORTSC1, portCCS|portCSC)

	st, err := c.PortStatus(0)
	if err != nil {
		t.Fatalf("PortStatus: %v", err)
	}
	if !st.Connected || !st.ConnectChange {
		t.Errorf("PortStatus = %+v, want connected+connect-change", st)
	}
	if !st.Owner {
		t.Errorf("PortStatus = %+v, want owner always true", st)
	}

	if err := c.SetPortFeature(0, FeatureEnable); err != nil {
		t.Fatalf("SetPortFeature: %v", err)
	}

	st, err = c.PortStatus(0)
	if err != nil {
		t.Fatalf("PortStatus: %v", err)
	}
	if !st.Enabled {
		t.Errorf("expected port enabled after SetPortFeature(Enable)")
	}

	if err := c.ClearPortFeature(0, FeatureConnectChange); err != nil {
		t.Fatalf("ClearPortFeature: %v", err)
	}

	// CSC is write-one-to-clear: the fake bar has no such semantics, so
	// assert the driver wrote the acknowledge bit rather than masking it
	// out of the read-modify-write.
	v, err := io.Read16(regPORTSC1)
	if err != nil {
		t.Fatalf("Read16: %v", err)
	}
	if v&portCSC == 0 {
		t.Errorf("expected CSC written back as 1 to acknowledge the change")
	}

	if err := c.SetPortFeature(0, FeaturePower); err != nil {
		t.Errorf("SetPortFeature(Power) must be a no-op, got error: %v", err)
	}
}
