package sessionparser

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

// Line is one complete, non-blank line and the offset just past it.
type Line struct {
	Data []byte
	End  int64
}

// LineReader reads the lines appended to a file since a stored offset.
// Only newline-terminated lines are consumed; a trailing partial line is
// left for the next pass.
type LineReader struct {
	path   string
	offset int64
	limit  int64 // stop at this offset; negative reads to end of file
}

// NewLineReader creates a reader that resumes at offset.
func NewLineReader(path string, offset int64) *LineReader {
	return &LineReader{path: path, offset: offset, limit: -1}
}

// Until stops reading at the line boundary limit. Lines are consumed
// whole, so a limit inside a line stops after that line.
func (r *LineReader) Until(limit int64) *LineReader {
	r.limit = limit
	return r
}

// ReadAvailable calls fn for every complete non-blank line between the
// current offset and end of file, in file order. It returns the offset
// after the last consumed line. On a read error the offset stays at the
// last good line boundary and the error is returned.
func (r *LineReader) ReadAvailable(fn func(Line)) (int64, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return r.offset, fmt.Errorf("open %s: %w", r.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		return r.offset, fmt.Errorf("seek %s to %d: %w", r.path, r.offset, err)
	}

	reader := bufio.NewReaderSize(f, 64*1024)
	for {
		if r.limit >= 0 && r.offset >= r.limit {
			return r.offset, nil
		}
		lineBytes, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Partial line (no newline yet), left for the next pass.
				return r.offset, nil
			}
			return r.offset, fmt.Errorf("read %s: %w", r.path, err)
		}

		r.offset += int64(len(lineBytes))

		line := trimLine(lineBytes)
		if len(line) == 0 {
			continue
		}

		// ReadBytes returns a fresh slice, so the caller owns it.
		fn(Line{Data: line, End: r.offset})
	}
}

// trimLine removes leading/trailing whitespace and a UTF-8 BOM.
func trimLine(line []byte) []byte {
	if len(line) >= 3 && line[0] == 0xEF && line[1] == 0xBB && line[2] == 0xBF {
		line = line[3:]
	}
	start := 0
	for start < len(line) && isSpace(line[start]) {
		start++
	}
	end := len(line)
	for end > start && isSpace(line[end-1]) {
		end--
	}
	return line[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
