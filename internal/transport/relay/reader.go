package relay

import (
	"sync"

	"github.com/SpatiumPortae/roomshare/internal/transport"
)

// streamReader queues the chunks of one inbound stream for a single consumer.
type streamReader struct {
	info   transport.StreamInfo
	notify chan struct{}

	mu       sync.Mutex
	queue    [][]byte
	err      error
	received int64
	progress func(float64)
}

func newStreamReader(info transport.StreamInfo) *streamReader {
	return &streamReader{
		info:     info,
		notify:   make(chan struct{}, 1),
		progress: func(float64) {},
	}
}

func (s *streamReader) Info() transport.StreamInfo {
	return s.info
}

func (s *streamReader) OnProgress(fn func(float64)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.progress = fn
	s.mu.Unlock()
}

// Next blocks until a chunk arrives or the stream ends.
func (s *streamReader) Next() ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.received += int64(len(chunk))
			progress, received := s.progress, s.received
			s.mu.Unlock()
			if s.info.Size > 0 {
				progress(float64(received) / float64(s.info.Size))
			}
			return chunk, nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()
		<-s.notify
	}
}

func (s *streamReader) push(chunk []byte) {
	s.mu.Lock()
	if s.err == nil {
		s.queue = append(s.queue, chunk)
	}
	s.mu.Unlock()
	s.signal()
}

// close ends the stream with err once the queued chunks are consumed; io.EOF marks success.
func (s *streamReader) close(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
	s.signal()
}

func (s *streamReader) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
