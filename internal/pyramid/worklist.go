package pyramid

import "sync"

// workList orders layers by most recent request. Each layer appears once.
type workList struct {
	mu    sync.Mutex
	order []string
}

func (w *workList) indexLocked(id string) int {
	for i, v := range w.order {
		if v == id {
			return i
		}
	}
	return -1
}

// touch moves id to the front.
func (w *workList) touch(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if i := w.indexLocked(id); i >= 0 {
		w.order = append(w.order[:i], w.order[i+1:]...)
	}
	w.order = append([]string{id}, w.order...)
}

// pushBack appends id unless it is already listed.
func (w *workList) pushBack(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.indexLocked(id) < 0 {
		w.order = append(w.order, id)
	}
}

func (w *workList) pop() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.order) == 0 {
		return "", false
	}
	id := w.order[0]
	w.order = w.order[1:]
	return id, true
}

func (w *workList) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}
