package vmtranslate

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTextRoundTrip(t *testing.T) {
	fn := translated(t)
	var buf bytes.Buffer
	if err := WriteText(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ParseText(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sameIR(t, fn, got)
	if len(got.Records) != len(fn.Records) {
		t.Fatalf("record count %d != %d", len(got.Records), len(fn.Records))
	}
	for i := range fn.Records {
		if got.Records[i].Addr != fn.Records[i].Addr {
			t.Errorf("record %d addr %#x != %#x", i, got.Records[i].Addr, fn.Records[i].Addr)
		}
		if diff := cmp.Diff(fn.Records[i].Words, got.Records[i].Words); diff != "" {
			t.Errorf("record %d words (-want +got):\n%s", i, diff)
		}
	}
}

func TestTextCarriesDisassemblyComments(t *testing.T) {
	fn := translated(t)
	var buf bytes.Buffer
	if err := WriteText(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	text := buf.String()
	for _, want := range []string{"fun_addr 0x1000", "OP_ALLOC_RETURN", "OP_RETURN", "// "} {
		if !strings.Contains(text, want) {
			t.Errorf("text form lacks %q", want)
		}
	}
}

func TestParseTextRejectsCountMismatch(t *testing.T) {
	fn := translated(t)
	var buf bytes.Buffer
	if err := WriteText(&buf, fn); err != nil {
		t.Fatalf("write: %v", err)
	}
	broken := strings.Replace(buf.String(), "reg_id_count", "reg_id_count 99 //", 1)
	if _, err := ParseText(strings.NewReader(broken)); err == nil {
		t.Fatal("expected count-mismatch error")
	}
}

func TestParseTextRejectsUnknownOpcode(t *testing.T) {
	input := "fun_addr 0x10\nreg_id_count 0\ntype_id_count 0\nbranch_id_count 0\ncall_id_count 0\ninst_id_count 0\ninst_addr 0x10\nOP_BOGUS 1 2\n"
	if _, err := ParseText(strings.NewReader(input)); err == nil {
		t.Fatal("expected unknown-opcode error")
	}
}
