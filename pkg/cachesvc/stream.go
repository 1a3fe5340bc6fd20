package cachesvc

import "io"

// SliceStream replays a fixed list of chunks.
type SliceStream struct {
	items []Item
	next  int
}

// NewSliceStream returns a stream yielding items then io.EOF.
func NewSliceStream(items ...Item) *SliceStream {
	return &SliceStream{items: items}
}

// Chunked splits data into chunkSize pieces, marking the final one Last. An
// empty payload still yields one (empty, Last) chunk.
func Chunked(namespace, contentType string, data []byte, chunkSize int) *SliceStream {
	if chunkSize <= 0 {
		chunkSize = len(data)
	}
	var items []Item
	for off := 0; ; off += chunkSize {
		end := min(off+chunkSize, len(data))
		item := Item{Payload: data[off:end], Last: end == len(data)}
		if off == 0 {
			item.Namespace, item.ContentType = namespace, contentType
		}
		items = append(items, item)
		if item.Last {
			break
		}
	}
	return NewSliceStream(items...)
}

func (s *SliceStream) Recv() (Item, error) {
	if s.next >= len(s.items) {
		return Item{}, io.EOF
	}
	item := s.items[s.next]
	s.next++
	return item, nil
}

// ReaderStream reads chunks from r on demand. It reads one chunk ahead so
// the final chunk is marked Last.
type ReaderStream struct {
	namespace   string
	contentType string
	r           io.Reader
	chunkSize   int

	started  bool
	done     bool
	ahead    []byte
	aheadEOF bool
}

// NewReaderStream returns a stream of chunkSize pieces of r.
func NewReaderStream(namespace, contentType string, r io.Reader, chunkSize int) *ReaderStream {
	if chunkSize <= 0 {
		chunkSize = 1 << 20
	}
	return &ReaderStream{namespace: namespace, contentType: contentType, r: r, chunkSize: chunkSize}
}

func (s *ReaderStream) Recv() (Item, error) {
	if s.done {
		return Item{}, io.EOF
	}
	var item Item
	if !s.started {
		s.started = true
		item.Namespace, item.ContentType = s.namespace, s.contentType
		if err := s.readAhead(); err != nil {
			return Item{}, err
		}
	}
	item.Payload = s.ahead
	if s.aheadEOF {
		s.done = true
		item.Last = true
		return item, nil
	}
	if err := s.readAhead(); err != nil {
		return Item{}, err
	}
	if s.aheadEOF && len(s.ahead) == 0 {
		s.done = true
		item.Last = true
	}
	return item, nil
}

func (s *ReaderStream) readAhead() error {
	buf := make([]byte, s.chunkSize)
	n, err := io.ReadFull(s.r, buf)
	switch err {
	case nil:
	case io.EOF, io.ErrUnexpectedEOF:
		s.aheadEOF = true
	default:
		return err
	}
	s.ahead = buf[:n]
	return nil
}
