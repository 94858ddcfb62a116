package extractor

import "container/list"

// tsOrderedSets is an insertion-ordered map from a timestamp's string
// key to the set of message identity keys pending or acknowledged at
// that instant. It plays the role of the reference implementation's
// per-timestamp OrderedDict-of-sets (acked_new/unacked_new): messages
// arrive in non-decreasing timestamp order (ExtractorQueue.push_message
// rejects anything older than the newest timestamp seen), so insertion
// order and timestamp order coincide, and front-popping during
// pointer maintenance behaves the same as it would against a
// timestamp-sorted structure.
type tsOrderedSets struct {
	order *list.List // of string ts key, insertion order
	elems map[string]*list.Element
	sets  map[string]map[string]struct{}
}

func newTSOrderedSets() *tsOrderedSets {
	return &tsOrderedSets{
		order: list.New(),
		elems: make(map[string]*list.Element),
		sets:  make(map[string]map[string]struct{}),
	}
}

func (m *tsOrderedSets) ensure(ts string) map[string]struct{} {
	if s, ok := m.sets[ts]; ok {
		return s
	}
	s := make(map[string]struct{})
	m.sets[ts] = s
	m.elems[ts] = m.order.PushBack(ts)
	return s
}

func (m *tsOrderedSets) add(ts, member string) { m.ensure(ts)[member] = struct{}{} }

func (m *tsOrderedSets) contains(ts, member string) bool {
	s, ok := m.sets[ts]
	if !ok {
		return false
	}
	_, ok = s[member]
	return ok
}

func (m *tsOrderedSets) discard(ts, member string) {
	if s, ok := m.sets[ts]; ok {
		delete(s, member)
	}
}

func (m *tsOrderedSets) len(ts string) int { return len(m.sets[ts]) }

func (m *tsOrderedSets) deleteKey(ts string) {
	if e, ok := m.elems[ts]; ok {
		m.order.Remove(e)
		delete(m.elems, ts)
		delete(m.sets, ts)
	}
}

func (m *tsOrderedSets) front() (string, bool) {
	if e := m.order.Front(); e != nil {
		return e.Value.(string), true
	}
	return "", false
}

// keys returns every timestamp key in insertion order.
func (m *tsOrderedSets) keys() []string {
	out := make([]string, 0, m.order.Len())
	for e := m.order.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(string))
	}
	return out
}
