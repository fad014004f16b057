package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling/internal/presence"
)

// fakeTransport records frames per connection id.
type fakeTransport struct {
	mu      sync.Mutex
	frames  map[string][][]byte
	closed  map[string]int
	failFor map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames:  make(map[string][][]byte),
		closed:  make(map[string]int),
		failFor: make(map[string]error),
	}
}

func (f *fakeTransport) Send(id string, frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[id]; err != nil {
		return err
	}
	f.frames[id] = append(f.frames[id], frame)
	return nil
}

func (f *fakeTransport) Close(id string, code int, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[id] = code
}

func (f *fakeTransport) sent(t *testing.T, id string) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.frames[id]))
	for _, frame := range f.frames[id] {
		var m map[string]any
		if err := json.Unmarshal(frame, &m); err != nil {
			t.Fatalf("frame for %s is not JSON: %v", id, err)
		}
		out = append(out, m)
	}
	return out
}

func (f *fakeTransport) rawSent(id string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames[id]...)
}

func (f *fakeTransport) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frames := range f.frames {
		n += len(frames)
	}
	return n
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = make(map[string][][]byte)
}

func (f *fakeTransport) closeCode(id string) (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	code, ok := f.closed[id]
	return code, ok
}

// mapDirectory is a Directory backed by a fixed member list.
type mapDirectory map[string]presence.Member

func (d mapDirectory) Lookup(id string) (presence.Member, bool) {
	m, ok := d[id]
	return m, ok
}

func types(frames []map[string]any) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		s, _ := f["type"].(string)
		out = append(out, s)
	}
	return out
}
