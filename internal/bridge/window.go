package bridge

// window - ограниченное окно последних ID для дедупликации (кольцевой буфер + set).
type window struct {
	seen  map[string]struct{}
	ring  []string
	next  int
	limit int
}

func newWindow(limit int) *window {
	return &window{
		seen:  make(map[string]struct{}, limit),
		ring:  make([]string, limit),
		limit: limit,
	}
}

// add возвращает false, если id уже есть в окне
func (w *window) add(id string) bool {
	if _, ok := w.seen[id]; ok {
		return false
	}
	if old := w.ring[w.next]; old != "" {
		delete(w.seen, old)
	}
	w.ring[w.next] = id
	w.seen[id] = struct{}{}
	w.next = (w.next + 1) % w.limit
	return true
}
