// Tests for the IDE/ATAPI engine
// https://github.com/usbarmory/atahost
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ide

import (
	"testing"
	"time"

	"github.com/usbarmory/atahost/clock"
	"github.com/usbarmory/atahost/devinfo"
	"github.com/usbarmory/atahost/idemode"
	"github.com/usbarmory/atahost/pciio"
	"github.com/usbarmory/atahost/pciio/fake"
)

func TestDiscoverChannelLegacyMode(t *testing.T) {
	cfg := fake.NewConfig(pciio.ClassCode{ProgInterface: 0})
	cfg.SetBAR(4, 0xc000, true)

	rs, err := discoverChannel(cfg, 0)
	if err != nil {
		t.Fatalf("discoverChannel: %v", err)
	}

	if rs.commandBase != legacyPrimaryCommandBase {
		t.Errorf("commandBase = %#x, want %#x", rs.commandBase, legacyPrimaryCommandBase)
	}
	if rs.controlBase != legacyPrimaryControlBase {
		t.Errorf("controlBase = %#x, want %#x", rs.controlBase, legacyPrimaryControlBase)
	}
	if rs.busMasterBase != 0xc000 {
		t.Errorf("busMasterBase = %#x, want 0xc000", rs.busMasterBase)
	}

	rs2, err := discoverChannel(cfg, 1)
	if err != nil {
		t.Fatalf("discoverChannel secondary: %v", err)
	}
	if rs2.commandBase != legacySecondaryCommandBase {
		t.Errorf("secondary commandBase = %#x, want %#x", rs2.commandBase, legacySecondaryCommandBase)
	}
	if rs2.busMasterBase != 0xc008 {
		t.Errorf("secondary busMasterBase = %#x, want 0xc008", rs2.busMasterBase)
	}
}

func TestDiscoverChannelNativeMode(t *testing.T) {
	cfg := fake.NewConfig(pciio.ClassCode{ProgInterface: piPrimaryNative})
	cfg.SetBAR(0, 0xd010, true) // bits 15:3 -> 0xd010
	cfg.SetBAR(1, 0xd021, true) // bits 15:2 -> 0xd020, +2 -> 0xd022
	cfg.SetBAR(4, 0xe000, true)

	rs, err := discoverChannel(cfg, 0)
	if err != nil {
		t.Fatalf("discoverChannel: %v", err)
	}

	if rs.commandBase != 0xd010 {
		t.Errorf("commandBase = %#x, want 0xd010", rs.commandBase)
	}
	if rs.controlBase != 0xd022 {
		t.Errorf("controlBase = %#x, want 0xd022", rs.controlBase)
	}
	if rs.busMasterBase != 0xe000 {
		t.Errorf("busMasterBase = %#x, want 0xe000", rs.busMasterBase)
	}
}

func newTestChannel(t *testing.T) (*Channel, *fake.Bar) {
	t.Helper()

	io := fake.NewBar(0x10000)

	ch := &Channel{
		num:   0,
		io:    io,
		clock: clock.NewVirtual(),
		regs: registerSet{
			commandBase:   legacyPrimaryCommandBase,
			controlBase:   legacyPrimaryControlBase,
			busMasterBase: 0xc000,
		},
	}

	return ch, io
}

func TestIssuePreamblePushesFIFOPairsAndCommand(t *testing.T) {
	ch, io := newTestChannel(t)

	cb := devinfo.CommandBlock{
		Command:     0xec,
		Features:    0x11,
		SectorCount: 0x22,
		LBALow:      0x33,
		LBAMid:      0x44,
		LBAHigh:     0x55,
		Device:      0x01,
	}

	if err := ch.issuePreamble(0, cb, time.Second); err != nil {
		t.Fatalf("issuePreamble: %v", err)
	}

	head, _ := io.Read8(legacyPrimaryCommandBase + regDeviceHead)
	if head != 0xe1 {
		t.Errorf("device/head = %#x, want 0xe1", head)
	}

	gotCommand, _ := io.Read8(legacyPrimaryCommandBase + regCommand)
	if gotCommand != cb.Command {
		t.Errorf("command register = %#x, want %#x", gotCommand, cb.Command)
	}

	gotFeatures, _ := io.Read8(legacyPrimaryCommandBase + regFeatures)
	if gotFeatures != cb.Features {
		t.Errorf("features register = %#x, want %#x", gotFeatures, cb.Features)
	}
}

func TestTransferPIOShortPacketTerminatesWithoutError(t *testing.T) {
	ch, _ := newTestChannel(t)

	// The fake bar's status register starts zeroed: BSY clear, DRQ
	// clear. transferPIO must read this as "device ended the transfer
	// early" and return with no error.
	n, err := ch.transferPIO(dataIn, make([]byte, 512), time.Second)
	if err != nil {
		t.Fatalf("transferPIO: %v", err)
	}
	if n != 0 {
		t.Errorf("transferred = %d, want 0 on an immediate short packet", n)
	}
}

func TestTransferPIOSingleBlock(t *testing.T) {
	ch, io := newTestChannel(t)

	io.Write8(legacyPrimaryCommandBase+regCommand, devinfo.StatusDRQ)

	buf := make([]byte, pioBlockWords*2)
	n, err := ch.transferPIO(dataIn, buf, time.Second)
	if err != nil {
		t.Fatalf("transferPIO: %v", err)
	}
	if n != len(buf) {
		t.Errorf("transferred = %d, want %d", n, len(buf))
	}
}

func TestBuildIDEPRDListOneMiBIsSixteenFullEntries(t *testing.T) {
	length := 16 * prdMaxBytesPerEntry // 1 MiB

	entries, err := buildIDEPRDList(0x20000, length)
	if err != nil {
		t.Fatalf("buildIDEPRDList: %v", err)
	}

	if len(entries) != 16 {
		t.Fatalf("len(entries) = %d, want 16", len(entries))
	}

	for i, e := range entries {
		if e.length != prdMaxBytesPerEntry {
			t.Errorf("entries[%d].length = %d, want %d", i, e.length, prdMaxBytesPerEntry)
		}
		wantEOT := i == len(entries)-1
		if e.eot != wantEOT {
			t.Errorf("entries[%d].eot = %v, want %v", i, e.eot, wantEOT)
		}
	}
}

func TestBuildIDEPRDListEncodesZeroFor64KiB(t *testing.T) {
	entries, err := buildIDEPRDList(0x30000, prdMaxBytesPerEntry)
	if err != nil {
		t.Fatalf("buildIDEPRDList: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].length != prdMaxBytesPerEntry {
		t.Errorf("entries[0].length = %d, want %d", entries[0].length, prdMaxBytesPerEntry)
	}
	if !entries[0].eot {
		t.Error("expected EOT set on the only entry")
	}
}

func TestAllocatePRDTableIs64KiBAligned(t *testing.T) {
	dmaDev := fake.NewDMA(true)

	table, err := allocatePRDTable(dmaDev, 16)
	if err != nil {
		t.Fatalf("allocatePRDTable: %v", err)
	}
	defer table.Free()

	if table.CPUAddr%prdAlignment != 0 {
		t.Errorf("CPUAddr %#x not 64KiB aligned", table.CPUAddr)
	}

	end := uint64(table.CPUAddr) + uint64(16*prdEntrySize) - 1
	if (uint64(table.CPUAddr) &^ uint64(prdAlignment-1)) != (end &^ uint64(prdAlignment-1)) {
		t.Errorf("table crosses a 64KiB boundary: start %#x end %#x", table.CPUAddr, end)
	}
}

func TestAtapiTurnSizeCaps(t *testing.T) {
	if got := atapiTurnSize(4, 8); got != 4 {
		t.Errorf("atapiTurnSize(4, 8) = %d, want 4", got)
	}
	if got := atapiTurnSize(8, 4); got != 4 {
		t.Errorf("atapiTurnSize(8, 4) = %d, want 4", got)
	}
}

func TestClassifySignature(t *testing.T) {
	cases := []struct {
		sig  signature
		kind devinfo.Kind
		ok   bool
	}{
		{signature{count: 1, lbaLow: 1}, devinfo.KindHardDisk, true},
		{signature{lbaMid: 0x14, lbaHigh: 0xeb}, devinfo.KindCDROM, true},
		{signature{lbaMid: 0x7f, lbaHigh: 0x7f}, devinfo.KindUnknown, false},
	}

	for _, c := range cases {
		kind, ok := classifySignature(c.sig)
		if kind != c.kind || ok != c.ok {
			t.Errorf("classifySignature(%+v) = (%v, %v), want (%v, %v)", c.sig, kind, ok, c.kind, c.ok)
		}
	}
}

func TestTransferModeValueEncoding(t *testing.T) {
	cases := []struct {
		mode idemode.ProposedMode
		want byte
	}{
		{idemode.ProposedMode{Mode: idemode.ModeUDMA, Number: 5}, 0x45},
		{idemode.ProposedMode{Mode: idemode.ModeMultiwordDMA, Number: 2}, 0x22},
		{idemode.ProposedMode{Mode: idemode.ModePIO, Number: 4}, 0x0c},
		{idemode.ProposedMode{Mode: idemode.ModePIO, Number: 0}, 0x00},
	}

	for _, c := range cases {
		if got := transferModeValue(c.mode); got != c.want {
			t.Errorf("transferModeValue(%+v) = %#x, want %#x", c.mode, got, c.want)
		}
	}
}
