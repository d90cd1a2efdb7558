package stack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromLineSanitizer(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Frame
	}{
		{
			"symbolized with line and column",
			"    #0 0x4a1b in Foo::bar(int) /src/foo.cc:42:9",
			&Frame{Function: "Foo::bar", Location: "foo.cc", Offset: "42", StackLine: 0, Mode: ModeSanitizer},
		},
		{
			"symbolized",
			"    #1 0x7f2 in main /src/m.cc:10",
			&Frame{Function: "main", Location: "m.cc", Offset: "10", StackLine: 1, Mode: ModeSanitizer},
		},
		{
			"unsymbolized module offset",
			"    #2 0x5a8d  (/usr/lib/libc.so.6+0x3f4e5)",
			&Frame{Location: "libc.so.6", Offset: "0x3f4e5", StackLine: 2, Mode: ModeSanitizer},
		},
		{
			"no file or offset",
			"    #4 0xdead in wmain unknownmodule",
			&Frame{Function: "wmain", Location: "wmain unknownmodule", StackLine: 4, Mode: ModeSanitizer},
		},
		{
			"template function",
			"    #5 0x1f in nsTArray<int>::AppendElement() /src/xpcom/nsTArray.h:251",
			&Frame{Function: "nsTArray", Location: "nsTArray.h", Offset: "251", StackLine: 5, Mode: ModeSanitizer},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromLine(tc.line, ModeAuto))
		})
	}
}

func TestFromLineGDB(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Frame
	}{
		{
			"address and args",
			"#0  0x00007ff in do_work (x=1) at util.c:88",
			&Frame{Function: "do_work", Location: "util.c", Offset: "88", StackLine: 0, Mode: ModeGDB},
		},
		{
			"no address",
			"#1  main () at main.c:12",
			&Frame{Function: "main", Location: "main.c", Offset: "12", StackLine: 1, Mode: ModeGDB},
		},
		{
			"no source info",
			"#3  0x00002aa in _start ()",
			&Frame{Function: "_start", StackLine: 3, Mode: ModeGDB},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromLine(tc.line, ModeAuto))
		})
	}
}

func TestFromLineMinidump(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Frame
	}{
		{
			"vcs annotated file",
			"0|0|libfoo.so|do_thing|hg:repo:src/x.cc:abcd|123|0x5",
			&Frame{Function: "do_thing", Location: "x.cc", Offset: "123", StackLine: 0, Mode: ModeMinidump},
		},
		{
			"plain file kept verbatim",
			"0|3|lib|fn|src/a.cc|12|0x3",
			&Frame{Function: "fn", Location: "src/a.cc", Offset: "12", StackLine: 3, Mode: ModeMinidump},
		},
		{
			"library fallback",
			"0|1|libxul.so||||0x12345",
			&Frame{Location: "libxul.so", Offset: "0x12345", StackLine: 1, Mode: ModeMinidump},
		},
		{
			"line number only",
			"0|2||||42|0x8",
			&Frame{Offset: "42", StackLine: 2, Mode: ModeMinidump},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromLine(tc.line, ModeAuto))
		})
	}

	t.Run("rejects", func(t *testing.T) {
		assert.Nil(t, FromLine("-1|0|l|f|g.c|1|0x2", ModeAuto))
		assert.Nil(t, FromLine("0|-2|l|f|g.c|1|0x2", ModeAuto))
		assert.Nil(t, FromLine("0|0|l|f|g.c|1", ModeAuto))
		assert.Nil(t, FromLine("x|0|l|f|g.c|1|0x2", ModeAuto))
	})
}

func TestFromLineRR(t *testing.T) {
	want := &Frame{Location: "main", Offset: "0x244", StackLine: -1, Mode: ModeRR}
	assert.Equal(t, want, FromLine("rr(main+0x244)[0x45daa4]", ModeAuto))
	// rr frames must start the line
	assert.Nil(t, FromLine("/usr/bin/rr(main+0x244)[0x45daa4]", ModeAuto))
}

func TestFromLineRust(t *testing.T) {
	got := FromLine("  12:     0x7ff1d7e61fc8 - core::panicking::panic_fmt::h30b7b0e9e1c26cd9", ModeAuto)
	require.NotNil(t, got)
	assert.Equal(t, &Frame{Function: "core::panicking::panic_fmt", StackLine: 12, Mode: ModeRust}, got)

	// no symbol hash suffix to strip
	got = FromLine("   5:     0x55ce0ca9ad33 - main", ModeAuto)
	require.NotNil(t, got)
	assert.Equal(t, "main", got.Function)
}

func TestFromLineTSan(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Frame
	}{
		{
			"file and line",
			"  #1 main test.cc:67 (exe+0xa3b4)",
			&Frame{Function: "main", Location: "test.cc", Offset: "67", StackLine: 1, Mode: ModeTSan},
		},
		{
			"null file falls back to module",
			"  #0 <null> <null> (libfoo.so+0x12345)",
			&Frame{Location: "libfoo.so", Offset: "0x12345", StackLine: 0, Mode: ModeTSan},
		},
		{
			"null line falls back to module offset",
			"  #3 read src/io.cc:<null> (exe+0xbeef)",
			&Frame{Function: "read", Location: "io.cc", Offset: "0xbeef", StackLine: 3, Mode: ModeTSan},
		},
		{
			"operator symbol",
			"  #2 operator new(unsigned long) <null> (exe+0x123)",
			&Frame{Function: "operator", Location: "exe", Offset: "0x123", StackLine: 2, Mode: ModeTSan},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromLine(tc.line, ModeAuto))
		})
	}
}

func TestFromLineValgrind(t *testing.T) {
	tests := []struct {
		name string
		line string
		want *Frame
	}{
		{
			"file and line",
			"==4754==    at 0x45C6C0: FooBar (decode.c:123)",
			&Frame{Function: "FooBar", Location: "decode.c", Offset: "123", StackLine: -1, Mode: ModeValgrind},
		},
		{
			"module only",
			"==4754==    by 0x4C29BC5: calloc (in /usr/lib/valgrind/vgpreload_memcheck-amd64-linux.so)",
			&Frame{Function: "calloc", Location: "vgpreload_memcheck-amd64-linux.so", StackLine: -1, Mode: ModeValgrind},
		},
		{
			"nested parens",
			"==4754==    by 0x621E6D5: operator new(unsigned long) (vg_replace_malloc.c:334)",
			&Frame{Function: "operator new(unsigned long)", Location: "vg_replace_malloc.c", Offset: "334", StackLine: -1, Mode: ModeValgrind},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromLine(tc.line, ModeAuto))
		})
	}
}

func TestFromLineDispatchOrder(t *testing.T) {
	// "#N 0x..." is ambiguous between sanitizer and gdb; the hex address
	// after the number must win the line for sanitizer.
	frame := FromLine("#0 0x4a1b in main /src/m.cc:10", ModeAuto)
	require.NotNil(t, frame)
	assert.Equal(t, ModeSanitizer, frame.Mode)

	// forcing gdb parses the same line differently
	frame = FromLine("#0 0x4a1b in main /src/m.cc:10", ModeGDB)
	require.NotNil(t, frame)
	assert.Equal(t, ModeGDB, frame.Mode)
	assert.Equal(t, "main", frame.Function)
}

func TestFromLineHint(t *testing.T) {
	// a hint restricts parsing to that one format
	assert.Nil(t, FromLine("  #1 main test.cc:67 (exe+0xa3b4)", ModeValgrind))
	assert.NotNil(t, FromLine("  #1 main test.cc:67 (exe+0xa3b4)", ModeTSan))
}

func TestFromLineJunk(t *testing.T) {
	for _, line := range []string{
		"",
		"Segmentation fault (core dumped)",
		"==4754== Invalid read of size 4",
		"random text with a # in it",
		"Operating system: Linux",
	} {
		assert.Nil(t, FromLine(line, ModeAuto), "line %q", line)
	}
}

func TestFromLineEmbeddedNewline(t *testing.T) {
	assert.Panics(t, func() {
		FromLine("#0 0x1 in a /a.cc:1\n#1 0x2 in b /b.cc:2", ModeAuto)
	})
}

func TestModeString(t *testing.T) {
	tags := map[Mode]string{
		ModeGDB:       "gdb",
		ModeMinidump:  "minidump",
		ModeRR:        "rr",
		ModeRust:      "rust",
		ModeSanitizer: "sanitizer",
		ModeTSan:      "tsan",
		ModeValgrind:  "valgrind",
	}
	for mode, tag := range tags {
		assert.Equal(t, tag, mode.String())
	}
}

func TestFrameString(t *testing.T) {
	frame := &Frame{Function: "main", Location: "a.c", Offset: "12", StackLine: 0, Mode: ModeGDB}
	assert.Equal(t, "00 - function: 'main' - location: 'a.c' - offset: '12'", frame.String())

	// absent fields are omitted
	frame = &Frame{Location: "libm.so", Offset: "0x4", StackLine: -1, Mode: ModeRR}
	assert.Equal(t, "location: 'libm.so' - offset: '0x4'", frame.String())
}
