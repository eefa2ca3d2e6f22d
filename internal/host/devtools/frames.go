package devtools

import (
	"sync"

	"github.com/mafredri/cdp/protocol/page"
)

// frames numbers the page's frames. The main frame is 0 and every other
// frame gets the next number the first time it is seen.
type frames struct {
	mu   sync.Mutex
	main page.FrameID
	next int
	ids  map[page.FrameID]int
	byID map[int]page.FrameID
	urls map[page.FrameID]string
}

func newFrames() *frames {
	return &frames{
		next: 1,
		ids:  make(map[page.FrameID]int),
		byID: make(map[int]page.FrameID),
		urls: make(map[page.FrameID]string),
	}
}

// navigated records the URL a frame committed to.
func (f *frames) navigated(id page.FrameID, parent *page.FrameID, url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if parent == nil && id != f.main {
		if f.main != "" {
			delete(f.ids, f.main)
			delete(f.urls, f.main)
		}
		f.main = id
		f.ids[id] = 0
		f.byID[0] = id
	}
	f.urls[id] = url
	return f.numberLocked(id)
}

func (f *frames) detach(id page.FrameID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.ids[id]; ok && id != f.main {
		delete(f.byID, n)
		delete(f.ids, id)
	}
	delete(f.urls, id)
}

func (f *frames) number(id page.FrameID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numberLocked(id)
}

func (f *frames) numberLocked(id page.FrameID) int {
	if n, ok := f.ids[id]; ok {
		return n
	}
	if f.main == "" {
		// the first document request arrives before its frame commits
		f.main = id
		f.ids[id] = 0
		f.byID[0] = id
		return 0
	}
	n := f.next
	f.next++
	f.ids[id] = n
	f.byID[n] = id
	return n
}

func (f *frames) isMain(id page.FrameID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.main == "" || f.main == id
}

func (f *frames) url(id page.FrameID) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[id]
}

// lookup returns the protocol id of frame n.
func (f *frames) lookup(n int) (page.FrameID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byID[n]
	return id, ok
}

// all returns every known frame, the main frame first.
func (f *frames) all() []page.FrameID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]page.FrameID, 0, len(f.ids))
	if f.main != "" {
		out = append(out, f.main)
	}
	for id := range f.ids {
		if id != f.main {
			out = append(out, id)
		}
	}
	return out
}
