package chat

// dedupeWindow bounds how many ids each dedupe generation retains.
const dedupeWindow = 8192

// recentSet remembers recently seen ids in bounded memory: two generations
// of at most limit entries, rotated when the current one fills. An id older
// than two full generations may be reported unseen again; the window is far
// wider than any realistic redelivery horizon of the event stream.
type recentSet struct {
	limit int
	cur   map[string]struct{}
	prev  map[string]struct{}
}

func newRecentSet(limit int) *recentSet {
	return &recentSet{limit: limit, cur: make(map[string]struct{})}
}

// Seen records the id and reports whether it was already present.
func (s *recentSet) Seen(id string) bool {
	if _, ok := s.cur[id]; ok {
		return true
	}
	if _, ok := s.prev[id]; ok {
		return true
	}
	if len(s.cur) >= s.limit {
		s.prev = s.cur
		s.cur = make(map[string]struct{}, s.limit)
	}
	s.cur[id] = struct{}{}
	return false
}
