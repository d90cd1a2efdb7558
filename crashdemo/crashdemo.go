// Command crashdemo prints a synthetic crash log for exercising stackhash by
// hand. It can emit any supported format, vary the stack depth, and surround
// the stack with unrelated log noise.
package main

import (
	"flag"
	"fmt"
	"log"
)

func main() {
	format := flag.String("format", "sanitizer", "Format to emit: gdb, minidump, rr, rust, sanitizer, tsan or valgrind")
	frames := flag.Int("frames", 4, "Number of stack frames")
	noise := flag.Bool("noise", false, "If true, surround the stack with unrelated log lines")
	repeat := flag.Int("repeat", 1, "Number of concatenated stacks; for numbered formats only the last survives parsing, rr and valgrind stacks are all kept")
	flag.Parse()

	if *noise {
		fmt.Println("[task 2026-08-01] launching target build mc-20260801")
		fmt.Println("==ERROR: AddressSanitizer: SEGV on unknown address 0x000000000000")
	}
	for i := 0; i < *repeat; i++ {
		emit(*format, *frames)
	}
	if *noise {
		fmt.Println("stats: 182 iterations, 1 result")
	}
}

func emit(format string, frames int) {
	for i := 0; i < frames; i++ {
		addr := 0x400000 + i*0x1c2
		switch format {
		case "gdb":
			fmt.Printf("#%d  0x%08x in frame_%d (arg=%d) at demo_%d.c:%d\n", i, addr, i, i, i, 10+i*7)
		case "minidump":
			fmt.Printf("0|%d|libdemo.so|frame_%d|hg:demo.org/repo:src/demo_%d.cpp:beef|%d|0x%x\n", i, i, i, 10+i*7, addr)
		case "rr":
			fmt.Printf("rr(frame_%d+0x%x)[0x%x]\n", i, 0x40+i, addr)
		case "rust":
			fmt.Printf("  %2d:     0x%x - demo::frame_%d::h0123456789abcdef\n", i, addr, i)
		case "sanitizer":
			fmt.Printf("    #%d 0x%x in frame_%d(int) /demo/src/demo_%d.cpp:%d:9\n", i, addr, i, i, 10+i*7)
		case "tsan":
			fmt.Printf("  #%d frame_%d demo_%d.cpp:%d (libdemo.so+0x%x)\n", i, i, i, 10+i*7, addr)
		case "valgrind":
			fmt.Printf("==4754==    %s 0x%X: frame_%d (demo_%d.c:%d)\n", atOrBy(i), addr, i, i, 10+i*7)
		default:
			log.Fatalf("unknown format %q", format)
		}
	}
	fmt.Println()
}

func atOrBy(i int) string {
	if i == 0 {
		return "at"
	}
	return "by"
}
