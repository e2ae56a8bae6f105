package bundle

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func samplePayloads() []Payload {
	return []Payload{
		{FunAddr: 0x400, Encoded: []byte{1, 2, 3, 4}},
		{FunAddr: 0x500, Encoded: []byte{5, 6}},
		{FunAddr: 0x600, Encoded: []byte{7}},
	}
}

func TestBundleRoundTrip(t *testing.T) {
	shared := []uint64{0x1000, 0x2000}
	raw, err := Write(samplePayloads(), shared)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("VMBH")) {
		t.Errorf("bundle does not start with VMBH: % x", raw[:4])
	}
	footStart := len(raw) - footerSize
	if !bytes.Equal(raw[footStart:footStart+4], []byte("VMBF")) {
		t.Errorf("bundle footer magic missing: % x", raw[footStart:footStart+4])
	}

	entries, gotShared, err := Read(raw)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(shared, gotShared); diff != "" {
		t.Errorf("shared table (-want +got):\n%s", diff)
	}
	want := samplePayloads()
	if len(entries) != len(want) {
		t.Fatalf("entries = %d, want %d", len(entries), len(want))
	}
	for i := range want {
		if entries[i].FunAddr != want[i].FunAddr {
			t.Errorf("entry %d fun_addr %#x, want %#x", i, entries[i].FunAddr, want[i].FunAddr)
		}
		if diff := cmp.Diff(want[i].Encoded, entries[i].Data); diff != "" {
			t.Errorf("entry %d data (-want +got):\n%s", i, diff)
		}
	}
}

func TestBundleRejectsBadInput(t *testing.T) {
	if _, err := Write(nil, nil); err == nil {
		t.Error("empty payload list accepted")
	}
	if _, err := Write([]Payload{{FunAddr: 0, Encoded: []byte{1}}}, nil); err == nil {
		t.Error("zero fun_addr accepted")
	}
	if _, err := Write([]Payload{
		{FunAddr: 0x400, Encoded: []byte{1}},
		{FunAddr: 0x400, Encoded: []byte{2}},
	}, nil); err == nil {
		t.Error("duplicate fun_addr accepted")
	}
	if _, err := Write([]Payload{{FunAddr: 0x400}}, nil); err == nil {
		t.Error("empty payload accepted")
	}
}

func TestBundleReadRejectsCorruptCRC(t *testing.T) {
	raw, err := Write(samplePayloads(), nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	raw[8] ^= 0xff // flip a byte inside the payload area
	if _, _, err := Read(raw); err == nil {
		t.Fatal("expected CRC mismatch")
	}
}

func TestEmbedAppendsFooter(t *testing.T) {
	host := []byte("host shared object bytes")
	payload, err := Write(samplePayloads(), nil)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := Embed(host, payload)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if !bytes.HasPrefix(out, host) {
		t.Error("host bytes not preserved")
	}
	if !HasPayload(out) {
		t.Error("embedded output not detected by HasPayload")
	}
	wantLen := len(host) + len(payload) + embeddedFooterSize
	if len(out) != wantLen {
		t.Errorf("output length %d, want %d", len(out), wantLen)
	}
}

// Embed is idempotent over repeated invocations.
func TestEmbedIdempotent(t *testing.T) {
	host := []byte("host shared object bytes")
	payload, err := Write(samplePayloads(), []uint64{0xabc})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	once, err := Embed(host, payload)
	if err != nil {
		t.Fatalf("first embed: %v", err)
	}
	twice, err := Embed(once, payload)
	if err != nil {
		t.Fatalf("second embed: %v", err)
	}
	if !bytes.Equal(once, twice) {
		t.Error("re-embedding the same payload changed the output")
	}
}

func TestEmbedReplacesOldPayload(t *testing.T) {
	host := []byte("host shared object bytes")
	p1, _ := Write(samplePayloads(), nil)
	p2, _ := Write(samplePayloads()[:1], nil)
	out1, err := Embed(host, p1)
	if err != nil {
		t.Fatalf("embed 1: %v", err)
	}
	out2, err := Embed(out1, p2)
	if err != nil {
		t.Fatalf("embed 2: %v", err)
	}
	want := len(host) + len(p2) + embeddedFooterSize
	if len(out2) != want {
		t.Errorf("old payload not stripped: length %d, want %d", len(out2), want)
	}
}

func TestEmbedRejectsCorruptHost(t *testing.T) {
	host := []byte("host shared object bytes")
	payload, _ := Write(samplePayloads(), nil)
	out, err := Embed(host, payload)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	// Corrupt a payload byte while keeping the footer magic intact.
	out[len(host)+2] ^= 0xff
	if _, err := Embed(out, payload); err == nil {
		t.Fatal("expected corrupt-host error")
	}
}
