// Command stackhash canonicalizes debugger and sanitizer crash logs into a
// stack trace plus two fingerprints: a minor hash identifying the exact
// crash and a major hash bucketing crashes by bug.
//
// With a file argument it prints the parsed frames and hashes. With -addr
// (or the PORT environment variable) it serves a paste form instead and
// keeps per-bucket counts across uploads.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/evanj/stackhash/stack"
)

const portEnvVar = "PORT"
const debugEnvVar = "DEBUG"
const uploadPath = "/upload"
const bucketsPath = "/buckets"
const textFormID = "text"
const fileFormID = "file"
const maxFormMemoryBytes = 32 * 1024 * 1024

// writeReport writes the parsed frames and fingerprints of a single crash
// log to w.
func writeReport(w io.Writer, s *stack.Stack) error {
	for _, frame := range s.Frames {
		if _, err := fmt.Fprintln(w, frame); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "Minor: %s\nMajor: %s\nFrames: %d\n", s.Minor(), s.Major(), len(s.Frames))
	return err
}

// bucket collects the crashes that share one major hash.
type bucket struct {
	major   string
	count   int
	minors  map[string]struct{}
	example *stack.Stack
}

// bucketStore is the in-memory crash triage state of the HTTP mode. It lives
// for the life of the process.
type bucketStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newBucketStore() *bucketStore {
	return &bucketStore{buckets: map[string]*bucket{}}
}

// add records one parsed stack. Stacks with no frames are not bucketed.
func (s *bucketStore) add(st *stack.Stack) {
	if len(st.Frames) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[st.Major()]
	if b == nil {
		b = &bucket{major: st.Major(), minors: map[string]struct{}{}, example: st}
		s.buckets[st.Major()] = b
	}
	b.count++
	b.minors[st.Minor()] = struct{}{}
}

// writeAggregated writes the buckets to w, largest first.
func (s *bucketStore) writeAggregated(w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := make([]*bucket, 0, len(s.buckets))
	total := 0
	for _, b := range s.buckets {
		sorted = append(sorted, b)
		total += b.count
	}
	sort.Slice(sorted, func(i int, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].major < sorted[j].major
	})

	fmt.Fprintf(w, "Found %d crashes in %d buckets\n", total, len(sorted))
	for _, b := range sorted {
		fmt.Fprintf(w, "\n%d crashes (%d distinct); major=%s\n", b.count, len(b.minors), b.major)
		for _, frame := range b.example.Frames {
			fmt.Fprintf(w, "\t%s\n", frame)
		}
	}
	return nil
}

var errMissing = errors.New("stackhash: missing crash log text")

func getLogText(r *http.Request) (string, error) {
	err := r.ParseMultipartForm(maxFormMemoryBytes)
	if err != nil {
		return "", err
	}

	// try the form field first then fall back to file upload
	v := r.FormValue(textFormID)
	if v != "" {
		return v, nil
	}

	mpf, _, err := r.FormFile(fileFormID)
	if err == http.ErrMissingFile {
		return "", errMissing
	}
	if err != nil {
		return "", err
	}
	fBytes, err := io.ReadAll(mpf)
	if err != nil {
		return "", err
	}
	err = mpf.Close()
	if err != nil {
		return "", err
	}
	v = string(fBytes)
	if v == "" {
		return "", errMissing
	}
	return v, nil
}

func (s *bucketStore) handleUpload(w http.ResponseWriter, r *http.Request) {
	slog.Debug("handleUpload", "method", r.Method, "url", r.URL.String())
	if r.Method != http.MethodPost {
		http.Error(w, "wrong method", http.StatusMethodNotAllowed)
		return
	}
	v, err := getLogText(r)
	if err != nil {
		if err == errMissing {
			http.Error(w, "must provide content", http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	parsed := stack.FromText(strings.ToValidUTF8(v, ""), stack.MajorDepth, stack.ModeAuto)
	s.add(parsed)

	w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	err = writeReport(w, parsed)
	if err != nil {
		slog.Error("writing report", "error", err)
	}
}

func (s *bucketStore) handleBuckets(w http.ResponseWriter, r *http.Request) {
	slog.Debug("handleBuckets", "method", r.Method, "url", r.URL.String())
	if r.Method != http.MethodGet {
		http.Error(w, "wrong method", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain;charset=utf-8")
	err := s.writeAggregated(w)
	if err != nil {
		slog.Error("writing buckets", "error", err)
	}
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	slog.Debug("handleRoot", "method", r.Method, "url", r.URL.String())
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "invalid method", http.StatusMethodNotAllowed)
		return
	}

	_, err := w.Write([]byte(rootTemplate))
	if err != nil {
		slog.Error("writing root page", "error", err)
	}
}

const rootTemplate = `<!doctype html>
<html>
<head><title>Stack Hash</title></head>
<body>
<h1>Stack Hash</h1>
<p>Paste a crash log (gdb, minidump, rr, rust, sanitizer, tsan or valgrind output), and get the canonical stack with its minor and major hashes. The minor hash identifies the exact crash; the major hash groups crashes that are probably the same bug. Uploaded crashes are counted on the <a href="` + bucketsPath + `">buckets page</a>.</p>

<form method="post" action="` + uploadPath + `" enctype="multipart/form-data">
<textarea name="` + textFormID + `" rows="10" cols="120" wrap="off" autofocus></textarea>
<p>Alternative file upload: <input type="file" name="` + fileFormID + `"></p>
<p><input type="submit" value="Hash Stack"></p>
</form>

<h2>Example Input</h2>
<pre>
==ERROR: AddressSanitizer: SEGV on unknown address 0x000000000000
    #0 0x4a1b2c in mozilla::dom::Foo::Bar(int) /src/dom/foo.cpp:4212:9
    #1 0x4a3d4e in mozilla::dom::Foo::Baz() /src/dom/foo.cpp:460
    #2 0x5b6f70 in main /src/shell.cpp:88
</pre>

<h2>Example Output</h2>
<pre>
00 - function: 'mozilla::dom::Foo::Bar' - location: 'foo.cpp' - offset: '4212'
01 - function: 'mozilla::dom::Foo::Baz' - location: 'foo.cpp' - offset: '460'
02 - function: 'main' - location: 'shell.cpp' - offset: '88'
Minor: 1c93b024e8cb7b724b6822a1cc9306b14c4e2d5a
Major: 6ec02dfc9841700633e590306181db5b8dfd70e7
Frames: 3
</pre>
</body>
</html>
`

func makeHandlers(store *bucketStore) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", handleRoot)
	mux.HandleFunc(uploadPath, store.handleUpload)
	mux.HandleFunc(bucketsPath, store.handleBuckets)
	return mux
}

func serveHTTP(addr string) error {
	mux := makeHandlers(newBucketStore())
	slog.Info(fmt.Sprintf("listening on http://%s ...", addr))
	return http.ListenAndServe(addr, mux)
}

func main() {
	addr := flag.String("addr", "", "If set, address for HTTP requests. If not set, reads the input file argument.")
	flag.Parse()

	debug := os.Getenv(debugEnvVar) != ""
	slog.SetDefault(newLogger(debug, os.Stdout))

	if *addr == "" && os.Getenv(portEnvVar) != "" {
		*addr = ":" + os.Getenv(portEnvVar)
	}
	if *addr != "" {
		err := serveHTTP(*addr)
		if err != nil {
			slog.Error("serving", "error", err)
			os.Exit(1)
		}
		return
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [-addr host:port] input\n", os.Args[0])
		os.Exit(2)
	}
	raw, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		slog.Error("reading input", "error", err)
		os.Exit(1)
	}

	parsed := stack.FromText(strings.ToValidUTF8(string(raw), ""), stack.MajorDepth, stack.ModeAuto)
	for _, frame := range parsed.Frames {
		slog.Info(frame.String())
	}
	slog.Info(fmt.Sprintf("Minor: %s", parsed.Minor()))
	slog.Info(fmt.Sprintf("Major: %s", parsed.Major()))
	slog.Info(fmt.Sprintf("Frames: %d", len(parsed.Frames)))
}
