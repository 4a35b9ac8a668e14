package engine

import "sync"

// DefaultRetainedCompletions is how many finished topics the broker keeps
// so that late subscribers still receive the completion.
const DefaultRetainedCompletions = 1024

// CompletionBroker wakes subscribers waiting on a statement's completion.
// It is safe for concurrent use.
//
// Each topic receives at most one Completion and is closed after it.
// Finished topics are retained, up to a bound, so that a subscriber arriving
// after the completion receives it instead of blocking forever.
type CompletionBroker struct {
	mu       sync.Mutex
	topics   map[string]*completionTopic
	finished []string
	retain   int
}

type completionTopic struct {
	subs       map[int]chan Completion
	nextID     int
	completion *Completion
}

// NewCompletionBroker creates a new completion broker.
func NewCompletionBroker() *CompletionBroker {
	return &CompletionBroker{
		topics: make(map[string]*completionTopic),
		retain: DefaultRetainedCompletions,
	}
}

// Subscribe returns a channel that receives the completion of the named
// statement and is then closed, along with an unsubscribe function. If the
// completion was already published, the channel holds it and is closed.
func (b *CompletionBroker) Subscribe(statementName string) (<-chan Completion, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[statementName]
	if !ok {
		t = &completionTopic{subs: make(map[int]chan Completion)}
		b.topics[statementName] = t
	}

	ch := make(chan Completion, 1)
	if t.completion != nil {
		ch <- *t.completion
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && t.completion == nil && b.topics[statementName] == t {
			delete(b.topics, statementName)
		}
	}
}

// Complete delivers c to every subscriber of c.StatementName and closes
// their channels. Only the first completion of a statement is delivered.
func (b *CompletionBroker) Complete(c Completion) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[c.StatementName]
	if !ok {
		t = &completionTopic{subs: make(map[int]chan Completion)}
		b.topics[c.StatementName] = t
	}
	if t.completion != nil {
		return
	}

	t.completion = &c
	for id, ch := range t.subs {
		// Buffered with capacity one and written once, so this never blocks.
		ch <- c
		close(ch)
		delete(t.subs, id)
	}

	b.finished = append(b.finished, c.StatementName)
	for len(b.finished) > b.retain {
		delete(b.topics, b.finished[0])
		b.finished = b.finished[1:]
	}
}
