package logger

import (
	"io"
	"os"
	"strings"
)

// tailChunk caps how much of the file Tail reads from the end.
const tailChunk = 256 * 1024

// Tail returns up to the last n lines of the file at path. Only the
// trailing chunk of a large file is read.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	var off int64
	if st.Size() > tailChunk {
		off = st.Size() - tailChunk
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return nil, err
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}

	text := strings.TrimRight(string(b), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	if off > 0 && len(lines) > 1 {
		// The first line of a mid-file read is almost surely partial.
		lines = lines[1:]
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
