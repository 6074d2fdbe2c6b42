package capture

// MockSource is a Source backed by an in-memory slice of frames, for tests
// and other callers that replay canned frames.
type MockSource struct {
	Frames [][]byte
	pos    int
	opened bool
}

// NewMockSource returns a Source that replays the given frames in order.
func NewMockSource(frames [][]byte) *MockSource {
	return &MockSource{Frames: frames}
}

// Open marks the source ready; MockSource never fails to open.
func (s *MockSource) Open() error {
	s.opened = true
	return nil
}

// ReadPacket returns the next queued frame, or ok=false once exhausted.
func (s *MockSource) ReadPacket() ([]byte, bool, error) {
	if s.pos >= len(s.Frames) {
		return nil, false, nil
	}
	f := s.Frames[s.pos]
	s.pos++
	return f, true, nil
}

// Close is a no-op for MockSource.
func (s *MockSource) Close() error {
	s.opened = false
	return nil
}
