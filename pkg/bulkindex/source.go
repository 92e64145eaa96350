package bulkindex

import (
	"bufio"
	"bytes"
	"context"
	"io"

	"github.com/CVDpl/go-bulkindex/pkg/bulkindex/keys"
)

// SliceSource streams documents from memory. Mainly for tests and small
// loads.
type SliceSource struct {
	docs []Document
	pos  int
	err  error
}

// NewSliceSource wraps docs in a DocumentSource.
func NewSliceSource(docs []Document) *SliceSource {
	return &SliceSource{docs: docs}
}

func (s *SliceSource) Next(ctx context.Context) bool {
	if s.err != nil || s.pos >= len(s.docs) {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.err = err
		return false
	}
	s.pos++
	return true
}

func (s *SliceSource) Doc() Document { return s.docs[s.pos-1] }
func (s *SliceSource) Err() error    { return s.err }
func (s *SliceSource) Close() error  { return nil }

// JSONLSource streams one JSON document per line. The 1-based line number is
// the document location, so a dropped-duplicates bitmap maps straight back
// to input lines. Blank lines are skipped but still numbered.
type JSONLSource struct {
	r    *bufio.Reader
	c    io.Closer
	line uint64
	cur  Document
	err  error
	done bool
}

// NewJSONLSource reads documents from r. If r is an io.Closer, Close closes
// it.
func NewJSONLSource(r io.Reader) *JSONLSource {
	s := &JSONLSource{r: bufio.NewReaderSize(r, 1<<20)}
	if c, ok := r.(io.Closer); ok {
		s.c = c
	}
	return s
}

func (s *JSONLSource) Next(ctx context.Context) bool {
	if s.err != nil || s.done {
		return false
	}
	for {
		if err := ctx.Err(); err != nil {
			s.err = err
			return false
		}
		line, err := s.r.ReadBytes('\n')
		if len(line) > 0 {
			s.line++
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				data := make([]byte, len(trimmed))
				copy(data, trimmed)
				s.cur = Document{Loc: keys.Location(s.line), Data: data}
				if err == io.EOF {
					s.done = true
				}
				return true
			}
		}
		if err == io.EOF {
			s.done = true
			return false
		}
		if err != nil {
			s.err = err
			return false
		}
	}
}

func (s *JSONLSource) Doc() Document { return s.cur }
func (s *JSONLSource) Err() error    { return s.err }

func (s *JSONLSource) Close() error {
	if s.c != nil {
		return s.c.Close()
	}
	return nil
}
