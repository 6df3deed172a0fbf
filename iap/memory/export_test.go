package memory

func (s *InMemoryStore) Reset() {
	s.reset()
}
