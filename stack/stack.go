package stack

import (
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"strings"
)

// MajorDepth is the number of top frames the major hash covers.
const MajorDepth = 5

// MajorDepthRust widens the window for rust stacks, which carry many
// runtime/panic frames at the top.
const MajorDepthRust = 10

// Stack is an ordered stack trace: Frames[0] is the topmost (innermost)
// call. A Stack is immutable once built and safe to share across goroutines;
// the hash cache is idempotent, so the unguarded lazy fill is harmless.
type Stack struct {
	Frames []*Frame

	majorDepth       int
	minor, major     string
	minorOK, majorOK bool
}

// NewStack wraps an ordered frame slice. majorDepth bounds how many top
// frames feed the major hash.
func NewStack(frames []*Frame, majorDepth int) *Stack {
	return &Stack{Frames: frames, majorDepth: majorDepth}
}

// FromText parses a stack trace out of a log blob. It never fails: text with
// no recognizable frames yields an empty Stack.
//
// Lines are scanned bottom-up. Many producers emit a stack followed by
// unrelated trailing output; locking onto the deepest frame first and
// stopping when the frame numbering resets keeps a trailing stack from
// absorbing frames of the one printed above it. mode pins the format to
// parse; with ModeAuto the first recognized frame decides and frames of any
// other format are dropped.
func FromText(input string, majorDepth int, mode Mode) *Stack {
	var frames []*Frame
	prevLine := -1
	lines := strings.Split(input, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i] == "" {
			continue
		}
		frame := FromLine(lines[i], mode)
		if frame == nil {
			continue
		}

		// avoid issues with mixed stack types
		if mode == ModeAuto {
			mode = frame.Mode
		} else if mode != frame.Mode {
			continue
		}

		if frame.StackLine >= 0 {
			// a numbering reset means we crossed into the stack above this one
			if prevLine >= 0 && prevLine <= frame.StackLine {
				break
			}
			frames = append(frames, frame)
			if frame.StackLine < 1 {
				break
			}
			prevLine = frame.StackLine
		} else {
			frames = append(frames, frame)
		}
	}
	// collected bottom-up, flip to top-down
	for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
		frames[i], frames[j] = frames[j], frames[i]
	}

	if len(frames) > 0 && prevLine >= 0 {
		// assuming the first frame is 0
		if frames[0].StackLine != 0 {
			slog.Warn("first stack line not 0", "line", frames[0].StackLine)
		}
		if last := frames[len(frames)-1]; last.StackLine != len(frames)-1 {
			slog.Warn("last stack line does not match frame count", "line", last.StackLine, "frames", len(frames))
		}
	}

	if len(frames) > 0 && frames[0].Mode == ModeRust && majorDepth < MajorDepthRust {
		majorDepth = MajorDepthRust
	}
	return NewStack(frames, majorDepth)
}

func (s *Stack) String() string {
	out := make([]string, len(s.Frames))
	for i, frame := range s.Frames {
		out[i] = frame.String()
	}
	return strings.Join(out, "\n")
}

// MajorDepth reports the depth the major hash is computed over.
func (s *Stack) MajorDepth() int {
	return s.majorDepth
}

// Minor is the fine-grained fingerprint: every frame's location, function
// and offset feed the digest. It identifies an exact crash. Empty when the
// stack has no frames.
func (s *Stack) Minor() string {
	if !s.minorOK {
		s.minor = s.calculateHash(false)
		s.minorOK = true
	}
	return s.minor
}

// Major is the coarse fingerprint used to bucket crashes by bug: only the
// top MajorDepth frames count, and offsets below the top frame are left out
// since they move with every build. Empty when the stack has no frames or
// the depth is less than 1.
func (s *Stack) Major() string {
	if !s.majorOK {
		s.major = s.calculateHash(true)
		s.majorOK = true
	}
	return s.major
}

func (s *Stack) calculateHash(major bool) string {
	if len(s.Frames) == 0 || (major && s.majorDepth < 1) {
		return ""
	}
	h := sha1.New()
	depth := 0
	for _, frame := range s.Frames {
		depth++
		if major && depth > s.majorDepth {
			break
		}
		if frame.Location != "" {
			h.Write(hashBytes(frame.Location))
		}
		if frame.Function != "" {
			h.Write(hashBytes(frame.Function))
		}
		if major && depth > 1 {
			// only the top frame's offset goes into the major hash
			continue
		}
		if frame.Offset != "" {
			h.Write(hashBytes(frame.Offset))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// hashBytes drops invalid UTF-8 so malformed logs still fingerprint
// deterministically. Downstream databases key off these digests; the byte
// stream must never change.
func hashBytes(s string) []byte {
	return []byte(strings.ToValidUTF8(s, ""))
}
