package vmtranslate

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteText renders fn as the human-readable <function>.txt form: the side
// tables first (registers, type tags, branch/call targets), then the flat
// instruction stream, one VM instruction per line, each followed by a
// column-padded comment naming the opcode and, for the line that begins an
// AArch64 instruction's expansion, the original address and disassembly.
func WriteText(w io.Writer, fn *FunctionIR) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "fun_addr 0x%x\n", fn.Addr)
	fmt.Fprintf(bw, "reg_id_count %d\n", len(fn.RegIDs))
	for _, r := range fn.RegIDs {
		fmt.Fprintf(bw, "reg_id %d\n", r)
	}
	fmt.Fprintf(bw, "type_id_count %d\n", len(fn.TypeTags))
	for _, t := range fn.TypeTags {
		fmt.Fprintf(bw, "type_id 0x%x\n", uint32(t))
	}
	fmt.Fprintf(bw, "branch_id_count %d\n", len(fn.BranchTargets))
	for i, addr := range fn.BranchTargets {
		fmt.Fprintf(bw, "branch_id %d 0x%x\n", i, addr)
	}
	fmt.Fprintf(bw, "call_id_count %d\n", len(fn.CallTargets))
	for i, addr := range fn.CallTargets {
		fmt.Fprintf(bw, "call_id %d 0x%x\n", i, addr)
	}

	// inst_id_count is the total flattened word count across every record's
	// Words (opcode words and operand words alike), matching the unencoded
	// binary form's inst_count field, not a count of logical instructions.
	instWordCount := 0
	for _, rec := range fn.Records {
		instWordCount += len(rec.Words)
	}
	fmt.Fprintf(bw, "inst_id_count %d\n", instWordCount)

	for _, rec := range fn.Records {
		fmt.Fprintf(bw, "inst_addr 0x%x\n", rec.Addr)
		first := true
		w := 0
		for w < len(rec.Words) {
			op := Op(rec.Words[w])
			n := instWords[op]
			operands := rec.Words[w+1 : w+1+n]
			line := op.String()
			for _, v := range operands {
				line += fmt.Sprintf(" %d", v)
			}
			comment := fmt.Sprintf("// %-16s", op.String())
			if first {
				comment += fmt.Sprintf(" 0x%x: %s", rec.Addr, rec.AsmText)
				first = false
			}
			fmt.Fprintf(bw, "%-48s %s\n", line, comment)
			w += 1 + n
		}
	}
	return bw.Flush()
}

// ParseText parses the <function>.txt form written by WriteText back into a
// FunctionIR. Trailing "// ..." comments are ignored; only the mechanical
// fields before them are consumed.
func ParseText(r io.Reader) (*FunctionIR, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var fn *FunctionIR
	var regCount, typeCount, branchCount, callCount, instCount int
	regsSeen, typesSeen, branchesSeen, callsSeen := 0, 0, 0, 0
	var records []AddrRecord
	var curAddr uint64
	var curWords []uint32
	haveCur := false
	wordsSeen := 0

	flush := func() {
		if haveCur {
			records = append(records, AddrRecord{Addr: curAddr, Words: curWords})
		}
	}

	for sc.Scan() {
		line := sc.Text()
		code := line
		if i := strings.Index(line, "//"); i >= 0 {
			code = line[:i]
		}
		fields := strings.Fields(code)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "fun_addr":
			addr, err := parseHex(fields[1])
			if err != nil {
				return nil, err
			}
			fn = newFunctionIR(addr)
		case "reg_id_count":
			regCount, _ = strconv.Atoi(fields[1])
		case "reg_id":
			v, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, err
			}
			fn.useReg(uint32(v))
			regsSeen++
		case "type_id_count":
			typeCount, _ = strconv.Atoi(fields[1])
		case "type_id":
			v, err := parseHex(fields[1])
			if err != nil {
				return nil, err
			}
			fn.useType(TypeTag(v))
			typesSeen++
		case "branch_id_count":
			branchCount, _ = strconv.Atoi(fields[1])
		case "branch_id":
			addr, err := parseHex(fields[2])
			if err != nil {
				return nil, err
			}
			fn.getOrAddBranch(addr)
			branchesSeen++
		case "call_id_count":
			callCount, _ = strconv.Atoi(fields[1])
		case "call_id":
			addr, err := parseHex(fields[2])
			if err != nil {
				return nil, err
			}
			fn.getOrAddCall(addr)
			callsSeen++
		case "inst_id_count":
			instCount, _ = strconv.Atoi(fields[1])
		case "inst_addr":
			flush()
			addr, err := parseHex(fields[1])
			if err != nil {
				return nil, err
			}
			curAddr, curWords, haveCur = addr, nil, true
		default:
			op, ok := parseOpName(fields[0])
			if !ok {
				return nil, fmt.Errorf("vmtranslate: unrecognized text line %q", line)
			}
			n := instWords[op]
			if len(fields)-1 != n {
				return nil, fmt.Errorf("vmtranslate: %s expects %d operands, got %d", op, n, len(fields)-1)
			}
			curWords = append(curWords, uint32(op))
			for _, f := range fields[1:] {
				v, err := strconv.ParseUint(f, 10, 32)
				if err != nil {
					return nil, err
				}
				curWords = append(curWords, uint32(v))
			}
			wordsSeen += 1 + n
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("vmtranslate: text stream missing fun_addr")
	}
	if regsSeen != regCount || typesSeen != typeCount || branchesSeen != branchCount || callsSeen != callCount || wordsSeen != instCount {
		return nil, fmt.Errorf("vmtranslate: text stream count mismatch (reg %d/%d type %d/%d branch %d/%d call %d/%d inst words %d/%d)",
			regsSeen, regCount, typesSeen, typeCount, branchesSeen, branchCount, callsSeen, callCount, wordsSeen, instCount)
	}
	fn.Records = records
	return fn, nil
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

func parseOpName(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}
