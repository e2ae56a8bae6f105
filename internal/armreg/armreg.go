// Package armreg centralizes the AArch64 register-index mapping shared by
// the function translator (internal/vmtranslate) and the PC-relative
// patcher (arm64patch): the 5-bit field embedded in almost every A64
// instruction maps to X0..X30 plus either SP or XZR depending on context.
package armreg

// Well-known register indices, matching the Rd/Rn/Rm 5-bit encoding.
const (
	X16 = 16
	X17 = 17
	FP  = 29 // x29
	LR  = 30 // x30
	SP  = 31 // context-dependent: SP in load/store base position
	ZR  = 31 // context-dependent: XZR/WZR elsewhere
)

// Name returns the canonical Xn register name for a 5-bit field value. If
// spIsBase is true, 31 is rendered "sp"; otherwise it is rendered "xzr" (or
// "wzr" for a 32-bit context, handled by the caller).
func Name(n uint32, spIsBase bool) string {
	if n == 31 {
		if spIsBase {
			return "sp"
		}
		return "xzr"
	}
	return "x" + itoa(n)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [3]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// IsZeroOrStack reports whether field value n is 31, which denotes XZR/WZR
// or SP depending on context rather than a genuine general-purpose
// register.
func IsZeroOrStack(n uint32) bool { return n == 31 }
