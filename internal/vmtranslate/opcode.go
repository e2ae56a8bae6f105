// Package vmtranslate implements the AArch64-to-bytecode function
// translator: it walks a function's machine code one instruction at a time and
// emits the register-based VM instruction stream the embedded interpreter
// runs instead of the native code. Opcode numbering is a wire constant:
// it must stay stable so anything that already speaks the
// unencoded/encoded function formats keeps working.
package vmtranslate

// Op is a VM instruction opcode. Each instruction line in a translated
// function is one Op followed by a fixed number of uint32 operand words
// (see instWords).
type Op uint32

// The full numeric space is carried even though the AArch64 translator only
// ever emits a subset: encoded function blobs stay addressable by any VM
// built against the complete numbering.
const (
	OP_END            Op = 0
	OP_BINARY         Op = 1
	OP_TYPE_CONVERT   Op = 2
	OP_LOAD_CONST     Op = 3
	OP_STORE_CONST    Op = 4
	OP_GET_ELEMENT    Op = 5
	OP_ALLOC_RETURN   Op = 6
	OP_STORE          Op = 7
	OP_LOAD_CONST64   Op = 8
	OP_NOP            Op = 9
	OP_COPY           Op = 10
	OP_GET_FIELD      Op = 11
	OP_CMP            Op = 12
	OP_SET_FIELD      Op = 13
	OP_RESTORE_REG    Op = 14
	OP_CALL           Op = 15
	OP_RETURN         Op = 16
	OP_BRANCH         Op = 17
	OP_BRANCH_IF      Op = 18
	OP_ALLOC_MEMORY   Op = 19
	OP_MOV            Op = 20
	OP_LOAD_IMM       Op = 21
	OP_DYNAMIC_CAST   Op = 22
	OP_UNARY          Op = 23
	OP_PHI            Op = 24
	OP_SELECT         Op = 25
	OP_MEMCPY         Op = 26
	OP_MEMSET         Op = 27
	OP_STRLEN         Op = 28
	OP_FETCH_NEXT     Op = 29
	OP_CALL_INDIRECT  Op = 30
	OP_SWITCH         Op = 31
	OP_GET_PTR        Op = 32
	OP_BITCAST        Op = 33
	OP_SIGN_EXTEND    Op = 34
	OP_ZERO_EXTEND    Op = 35
	OP_TRUNCATE       Op = 36
	OP_FLOAT_EXTEND   Op = 37
	OP_FLOAT_TRUNCATE Op = 38
	OP_INT_TO_FLOAT   Op = 39
	OP_ARRAY_ELEM     Op = 40
	OP_FLOAT_TO_INT   Op = 41
	OP_READ           Op = 42
	OP_WRITE          Op = 43
	OP_LEA            Op = 44
	OP_ATOMIC_ADD     Op = 45
	OP_ATOMIC_SUB     Op = 46
	OP_ATOMIC_XCHG    Op = 47
	OP_ATOMIC_CAS     Op = 48
	OP_FENCE          Op = 49
	OP_UNREACHABLE    Op = 50
	OP_ALLOC_VSP      Op = 51
	OP_BINARY_IMM     Op = 52
	OP_BRANCH_IF_CC   Op = 53
	OP_SET_RETURN_PC  Op = 54
	OP_BL             Op = 55
	OP_ADRP           Op = 56
)

var opNames = map[Op]string{
	OP_END:            "OP_END",
	OP_BINARY:         "OP_BINARY",
	OP_TYPE_CONVERT:   "OP_TYPE_CONVERT",
	OP_LOAD_CONST:     "OP_LOAD_CONST",
	OP_STORE_CONST:    "OP_STORE_CONST",
	OP_GET_ELEMENT:    "OP_GET_ELEMENT",
	OP_ALLOC_RETURN:   "OP_ALLOC_RETURN",
	OP_STORE:          "OP_STORE",
	OP_LOAD_CONST64:   "OP_LOAD_CONST64",
	OP_NOP:            "OP_NOP",
	OP_COPY:           "OP_COPY",
	OP_GET_FIELD:      "OP_GET_FIELD",
	OP_CMP:            "OP_CMP",
	OP_SET_FIELD:      "OP_SET_FIELD",
	OP_RESTORE_REG:    "OP_RESTORE_REG",
	OP_CALL:           "OP_CALL",
	OP_RETURN:         "OP_RETURN",
	OP_BRANCH:         "OP_BRANCH",
	OP_BRANCH_IF:      "OP_BRANCH_IF",
	OP_ALLOC_MEMORY:   "OP_ALLOC_MEMORY",
	OP_MOV:            "OP_MOV",
	OP_LOAD_IMM:       "OP_LOAD_IMM",
	OP_DYNAMIC_CAST:   "OP_DYNAMIC_CAST",
	OP_UNARY:          "OP_UNARY",
	OP_PHI:            "OP_PHI",
	OP_SELECT:         "OP_SELECT",
	OP_MEMCPY:         "OP_MEMCPY",
	OP_MEMSET:         "OP_MEMSET",
	OP_STRLEN:         "OP_STRLEN",
	OP_FETCH_NEXT:     "OP_FETCH_NEXT",
	OP_CALL_INDIRECT:  "OP_CALL_INDIRECT",
	OP_SWITCH:         "OP_SWITCH",
	OP_GET_PTR:        "OP_GET_PTR",
	OP_BITCAST:        "OP_BITCAST",
	OP_SIGN_EXTEND:    "OP_SIGN_EXTEND",
	OP_ZERO_EXTEND:    "OP_ZERO_EXTEND",
	OP_TRUNCATE:       "OP_TRUNCATE",
	OP_FLOAT_EXTEND:   "OP_FLOAT_EXTEND",
	OP_FLOAT_TRUNCATE: "OP_FLOAT_TRUNCATE",
	OP_INT_TO_FLOAT:   "OP_INT_TO_FLOAT",
	OP_ARRAY_ELEM:     "OP_ARRAY_ELEM",
	OP_FLOAT_TO_INT:   "OP_FLOAT_TO_INT",
	OP_READ:           "OP_READ",
	OP_WRITE:          "OP_WRITE",
	OP_LEA:            "OP_LEA",
	OP_ATOMIC_ADD:     "OP_ATOMIC_ADD",
	OP_ATOMIC_SUB:     "OP_ATOMIC_SUB",
	OP_ATOMIC_XCHG:    "OP_ATOMIC_XCHG",
	OP_ATOMIC_CAS:     "OP_ATOMIC_CAS",
	OP_FENCE:          "OP_FENCE",
	OP_UNREACHABLE:    "OP_UNREACHABLE",
	OP_ALLOC_VSP:      "OP_ALLOC_VSP",
	OP_BINARY_IMM:     "OP_BINARY_IMM",
	OP_BRANCH_IF_CC:   "OP_BRANCH_IF_CC",
	OP_SET_RETURN_PC:  "OP_SET_RETURN_PC",
	OP_BL:             "OP_BL",
	OP_ADRP:           "OP_ADRP",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return "OP_UNKNOWN"
}

// BinOp is the sub-opcode packed into an OP_BINARY / OP_BINARY_IMM
// instruction's operand word. BinUpdateFlags is OR'd in when the source
// AArch64 instruction was a flag-setting variant (ANDS, SUBS, ...).
type BinOp uint32

const (
	BinXor  BinOp = 0x0
	BinSub  BinOp = 0x1
	BinAsr  BinOp = 0x2
	BinDiv  BinOp = 0x3
	BinAdd  BinOp = 0x4
	BinOr   BinOp = 0x5
	BinMod  BinOp = 0x6
	BinIdiv BinOp = 0x7
	BinFmod BinOp = 0x8
	BinMul  BinOp = 0x9
	BinLsr  BinOp = 0xA
	BinShl  BinOp = 0xB
	BinAnd  BinOp = 0xC

	BinUpdateFlags BinOp = 0x40
)

// Type tags identify the width/signedness of a binary operation's operands
// and of values moved through OP_SET_FIELD/OP_GET_FIELD. ALU operations and
// 64-bit loads/stores use TypeTagInt64Signed; 32-bit (W-register) loads and
// stores use TypeTagInt32Signed2 and byte loads/stores use
// TypeTagInt8Unsigned.
type TypeTag uint32

const (
	TypeTagInt32Signed2 TypeTag = 0x4
	TypeTagInt8Unsigned  TypeTag = 0x15
	TypeTagInt64Signed   TypeTag = 0xE
)

// instWords is the number of uint32 operand words (not counting the opcode
// itself) that follow each opcode in the flat instruction stream. Only the
// opcodes this translator emits appear here, plus OP_END, which it never
// emits; the rest of the numeric space never occurs in a stream it produces.
var instWords = map[Op]int{
	OP_END:          0,
	OP_ALLOC_RETURN: 4, // fixed zeros, per the prologue's literal operand list
	OP_ALLOC_VSP:    5, // two fixed zeros, a flag, vfp reg, vsp reg
	OP_LOAD_IMM:     2,
	OP_LOAD_CONST64: 3, // dst, lo32, hi32
	OP_BINARY:       5, // bop, type, n, m, d
	OP_BINARY_IMM:   5, // bop, type, n, imm32, d
	OP_SET_FIELD:    4, // type, base, off, src
	OP_GET_FIELD:    4, // type, base, off, dst
	OP_RETURN:       2,  // hasValue, reg
	OP_CALL:         11, // variant, argCount, hasRet, ret, fn, a0..a5
	OP_BRANCH:       1,  // branch table index
	OP_BRANCH_IF_CC: 2,  // cc, branch table index
	OP_BL:           1,  // call table index
	OP_ADRP:         3,  // dst, lo32, hi32
	OP_MOV:          2,  // src, dst
}
