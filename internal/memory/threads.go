package memory

import (
	"sort"
	"sync"
)

// ThreadTable is an in-memory snapshot of the thread table, indexed by id
// and by exact name
type ThreadTable struct {
	mu      sync.RWMutex
	threads map[string]*Thread
	byName  map[string]*Thread
	prefix  string
}

// NewThreadTable creates a table that treats names with the given prefix
// as conversation threads
func NewThreadTable(prefix string, threads ...*Thread) *ThreadTable {
	if prefix == "" {
		prefix = DefaultConversationPrefix
	}
	t := &ThreadTable{
		threads: make(map[string]*Thread),
		byName:  make(map[string]*Thread),
		prefix:  prefix,
	}
	for _, th := range threads {
		t.Add(th)
	}
	return t
}

// Prefix returns the reserved conversation prefix
func (t *ThreadTable) Prefix() string {
	return t.prefix
}

// Add adds a thread to the table, deriving its kind from the name
func (t *ThreadTable) Add(thread *Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	thread.Kind = KindForName(thread.Name, t.prefix)
	if old, ok := t.threads[thread.ID]; ok {
		delete(t.byName, old.Name)
	}
	t.threads[thread.ID] = thread
	t.byName[thread.Name] = thread
}

// Get retrieves a thread by ID
func (t *ThreadTable) Get(id string) *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.threads[id]
}

// ByName retrieves a thread by exact (case-sensitive) name
func (t *ThreadTable) ByName(name string) *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byName[name]
}

// Delete removes a thread
func (t *ThreadTable) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if th, ok := t.threads[id]; ok {
		delete(t.byName, th.Name)
		delete(t.threads, id)
	}
}

// IsReserved reports whether a name falls in the conversation namespace
func (t *ThreadTable) IsReserved(name string) bool {
	return KindForName(name, t.prefix) == KindConversation
}

// Topical returns all organizer-managed threads sorted by name
func (t *ThreadTable) Topical() []*Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*Thread, 0, len(t.threads))
	for _, th := range t.threads {
		if th.Kind == KindTopical {
			result = append(result, th)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Overview returns name, scope and size for every topical thread
func (t *ThreadTable) Overview() []ThreadOverview {
	topical := t.Topical()
	out := make([]ThreadOverview, 0, len(topical))
	for _, th := range topical {
		out = append(out, ThreadOverview{ID: th.ID, Name: th.Name, Scope: th.Scope, Size: th.Size()})
	}
	return out
}

// Count returns the number of threads of any kind
func (t *ThreadTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.threads)
}
