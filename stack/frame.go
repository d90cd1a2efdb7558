// Package stack parses crash logs from debuggers and sanitizers into an
// ordered stack trace and derives stable fingerprints from it. It understands
// a fixed set of producer formats; anything else in the input is ignored.
package stack

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Mode identifies the producer whose format a frame was parsed under. The set
// is closed; the string tags are relied on by consumers and must not change.
type Mode int

const (
	ModeGDB Mode = iota
	ModeMinidump
	ModeRR
	ModeRust
	ModeSanitizer
	ModeTSan
	ModeValgrind

	// ModeAuto is not a format tag: passed to FromLine or FromText it means
	// "try every recognizer".
	ModeAuto Mode = -1
)

func (m Mode) String() string {
	switch m {
	case ModeGDB:
		return "gdb"
	case ModeMinidump:
		return "minidump"
	case ModeRR:
		return "rr"
	case ModeRust:
		return "rust"
	case ModeSanitizer:
		return "sanitizer"
	case ModeTSan:
		return "tsan"
	case ModeValgrind:
		return "valgrind"
	}
	return "unknown"
}

// Frame is one recognized call site. Empty strings and a StackLine of -1 mean
// the producer did not report that field. At least one of Function, Location
// and Offset is always set on a frame returned by FromLine.
type Frame struct {
	// Function is the symbol name with argument lists, template parameters
	// and address annotations trimmed.
	Function string
	// Location is a file basename, or a module/library name when no file is
	// known.
	Location string
	// Offset is a source line number or hex byte offset, kept as the
	// original token. It identifies the frame, it is never arithmetic.
	Offset    string
	StackLine int
	Mode      Mode
}

// These are effectively constants.
var (
	// "Foo::bar(int x)" -> "Foo::bar". Shared by gdb, sanitizer and tsan.
	reFuncName = regexp.MustCompile(`^(.+?)[(|\s<]`)

	reGDB       = regexp.MustCompile(`^#(\d+)\s+(?:0x[0-9a-f]+\sin\s)*(.+)`)
	reRR        = regexp.MustCompile(`^rr\((.+)\+(0x[0-9a-f]+)\)\[0x[0-9a-f]+\]`)
	reRustFrame = regexp.MustCompile(`^\s+(\d+):\s+0x[0-9a-f]+\s+-\s+(.+)`)
	reSanitizer = regexp.MustCompile(`^\s*#(\d+)\s0x[0-9a-f]+(\sin)?\s+(.+)`)
	reTSan      = regexp.MustCompile(`^\s*#(\d+)\s(.+)\s\((?:(.+)\+)?(0x[0-9a-f]+)\)`)
	reValgrind  = regexp.MustCompile(`^==\d+==\s+(?:at|by)\s+0x[0-9A-F]+:\s+(.+?)\s+\((.+)\)`)

	// "path/to/foo.cc:42" or "libfoo.so+0x1234" at the end of a sanitizer
	// frame. Source lines are decimal, binary offsets are hex.
	reSanitizerLoc = regexp.MustCompile(`^(.+?)(:(\d+)|\+(0x[0-9a-f]+))`)
)

// recognizers are consulted in this order. sanitizer must run before gdb:
// both start with "#N" but sanitizer lines always carry a hex address after
// the number.
var recognizers = []struct {
	mode      Mode
	prefilter string
	extract   func(string) *Frame
}{
	{ModeSanitizer, "#", parseSanitizer},
	{ModeGDB, "#", parseGDB},
	{ModeMinidump, "|", parseMinidump},
	{ModeRR, "rr(", parseRR},
	{ModeRust, "", parseRust},
	{ModeTSan, "#", parseTSan},
	{ModeValgrind, "== ", parseValgrind},
}

// FromLine parses a single line of text into a Frame. A nil return means the
// line is not a stack frame, it is never an error. mode restricts parsing to
// one format; pass ModeAuto to try them all. line must not contain line
// terminators.
func FromLine(line string, mode Mode) *Frame {
	if strings.Contains(line, "\n") {
		panic("stack: input contains unexpected new line(s)")
	}
	for _, r := range recognizers {
		if mode != ModeAuto && mode != r.mode {
			continue
		}
		if r.prefilter != "" && !strings.Contains(line, r.prefilter) {
			continue
		}
		frame := r.extract(line)
		if frame == nil {
			continue
		}
		// a frame with nothing to identify it is not a frame
		if frame.Function != "" || frame.Location != "" || frame.Offset != "" {
			return frame
		}
	}
	return nil
}

func (f *Frame) String() string {
	var out []string
	if f.StackLine >= 0 {
		out = append(out, fmt.Sprintf("%02d", f.StackLine))
	}
	if f.Function != "" {
		out = append(out, "function: '"+f.Function+"'")
	}
	if f.Location != "" {
		out = append(out, "location: '"+f.Location+"'")
	}
	if f.Offset != "" {
		out = append(out, "offset: '"+f.Offset+"'")
	}
	return strings.Join(out, " - ")
}

// basename returns everything after the last "/". Stack traces use forward
// slashes regardless of host, so path.Base's special cases ("" -> ".",
// trailing slash stripping) are unwanted here.
func basename(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// funcName applies reFuncName to line, returning "" when no name is found.
func funcName(line string) string {
	if m := reFuncName.FindStringSubmatch(line); m != nil {
		return m[1]
	}
	return ""
}

// parseSanitizer handles ASan/UBSan style frames:
//	#0 0x4a1b in Foo::bar(int) /src/foo.cc:42:7
//	#1 0x4a2c  (/usr/lib/libc.so+0x1234)
func parseSanitizer(line string) *Frame {
	m := reSanitizer.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	frame := &Frame{Mode: ModeSanitizer, StackLine: atoi(m[1])}
	line = m[3]
	// " in" means the line is symbolized
	if m[2] != "" {
		frame.Function = funcName(line)
	}
	if strings.HasPrefix(line, "(") {
		line = strings.Trim(line, "()")
	}
	if loc := reSanitizerLoc.FindStringSubmatch(line); loc != nil {
		frame.Location = basename(loc[1])
		if loc[3] != "" {
			frame.Offset = loc[3]
		} else {
			frame.Offset = loc[4]
		}
	} else {
		frame.Location = line
	}
	return frame
}

// parseGDB handles frames such as:
//	#2  0x0000000000400853 in main () at test.c:5
func parseGDB(line string) *Frame {
	m := reGDB.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	line = strings.TrimSpace(m[2])
	if line == "" {
		return nil
	}
	frame := &Frame{Mode: ModeGDB, StackLine: atoi(m[1])}
	frame.Function = funcName(line)
	if strings.Contains(line, ") at ") {
		parts := strings.Split(line, ") at ")
		line = parts[len(parts)-1]
		if file, off, found := strings.Cut(line, ":"); found {
			line, frame.Offset = file, off
		}
		if fields := strings.Fields(basename(line)); len(fields) > 0 {
			frame.Location = fields[0]
		}
	}
	return frame
}

// parseMinidump handles minidump_stackwalk machine output, seven
// "|"-separated fields per frame:
//	tid|stack_line|lib|func|file|line_no|offset
func parseMinidump(line string) *Frame {
	fields := strings.Split(line, "|")
	if len(fields) != 7 {
		return nil
	}
	tid, err := strconv.Atoi(fields[0])
	if err != nil || tid < 0 {
		return nil
	}
	stackLine, err := strconv.Atoi(fields[1])
	if err != nil || stackLine < 0 {
		return nil
	}
	lib, function, file, lineNo, offset := fields[2], fields[3], fields[4], fields[5], fields[6]
	frame := &Frame{Mode: ModeMinidump, StackLine: stackLine}
	if function != "" {
		frame.Function = strings.TrimSpace(function)
	}
	if file != "" {
		if strings.Count(file, ":") > 1 {
			// the file field carries VCS info, e.g. hg:hg.mozilla.org/...:src/x.cc:abcd
			parts := strings.Split(file, ":")
			frame.Location = basename(parts[len(parts)-2])
		} else {
			frame.Location = file
		}
	} else if lib != "" {
		frame.Location = strings.TrimSpace(lib)
	}
	if lineNo != "" {
		frame.Offset = strings.TrimSpace(lineNo)
	} else if offset != "" {
		frame.Offset = strings.TrimSpace(offset)
	}
	return frame
}

// parseRR handles rr backtrace entries:
//	rr(main+0x244)[0x45daa4]
// Only the location and offset are available; frames are not numbered.
func parseRR(line string) *Frame {
	m := reRR.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	return &Frame{Mode: ModeRR, StackLine: -1, Location: m[1], Offset: m[2]}
}

// parseRust handles rust panic backtraces:
//	  12:     0x7ff1d7e61fc8 - core::panicking::panic_fmt::h30b7b0e9e1c26cd9
// The trailing ::h<hash> symbol suffix is stripped.
func parseRust(line string) *Frame {
	m := reRustFrame.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	frame := &Frame{Mode: ModeRust, StackLine: atoi(m[1])}
	function := strings.TrimSpace(m[2])
	if i := strings.LastIndex(function, "::h"); i >= 0 && i+3 < len(function) &&
		strings.Trim(function[i+3:], "0123456789abcdef") == "" {
		function = function[:i]
	}
	frame.Function = function
	return frame
}

// parseTSan handles ThreadSanitizer report frames:
//	  #1 main test.cc:67 (test+0xa3b4)
// "<null>" file or line fields fall back to the module and module offset.
func parseTSan(line string) *Frame {
	m := reTSan.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	frame := &Frame{Mode: ModeTSan, StackLine: atoi(m[1])}
	line = m[2]
	if loc := basename(line); loc != "" {
		if tokens := strings.Fields(loc); len(tokens) > 0 {
			parts := strings.Split(tokens[len(tokens)-1], ":")
			if parts[0] != "<null>" {
				frame.Location = parts[0]
				if len(parts) > 1 && parts[1] != "<null>" {
					frame.Offset = parts[1]
				}
			}
		}
	}
	if frame.Location == "" {
		frame.Location = m[3]
	}
	if frame.Offset == "" {
		frame.Offset = m[4]
	}
	if function := funcName(line); function != "" && function != "<null>" {
		frame.Function = function
	}
	return frame
}

// parseValgrind handles memcheck frames:
//	==4754==    at 0x45C6C0: FooBar (decode.c:123)
//	==4754==    by 0x4C29BC5: calloc (in /usr/lib/valgrind/vgpreload_memcheck-amd64-linux.so)
func parseValgrind(line string) *Frame {
	m := reValgrind.FindStringSubmatch(line)
	if m == nil {
		return nil
	}
	frame := &Frame{Mode: ModeValgrind, StackLine: -1, Function: m[1]}
	line = m[2]
	if parts := strings.Split(line, ":"); len(parts) == 2 {
		frame.Location = strings.TrimSpace(parts[0])
		frame.Offset = parts[1]
	} else {
		// no file:line available, trim anything from the beginning we might
		// have missed and use the module name
		split := strings.Split(line, "(")
		location := split[len(split)-1]
		if strings.HasPrefix(location, "in ") {
			location = line[3:]
		}
		frame.Location = basename(location)
	}
	if frame.Location == "" {
		return nil
	}
	return frame
}

// atoi converts a digits-only regexp capture. The patterns guarantee the
// token is a non-negative decimal.
func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
