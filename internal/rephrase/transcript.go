package rephrase

import (
	"strings"
	"sync"
)

// transcript collects what every style produced during one session.
type transcript struct {
	mu      sync.Mutex
	outputs map[string]*strings.Builder
	errors  map[string]string
}

func newTranscript() *transcript {
	return &transcript{
		outputs: make(map[string]*strings.Builder),
		errors:  make(map[string]string),
	}
}

func (t *transcript) append(tag, delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.outputs[tag]
	if !ok {
		b = &strings.Builder{}
		t.outputs[tag] = b
	}
	b.WriteString(delta)
}

func (t *transcript) fail(tag, message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors[tag] = message
}

func (t *transcript) snapshot() (map[string]string, map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	outputs := make(map[string]string, len(t.outputs))
	for tag, b := range t.outputs {
		outputs[tag] = b.String()
	}
	var errs map[string]string
	if len(t.errors) > 0 {
		errs = make(map[string]string, len(t.errors))
		for tag, msg := range t.errors {
			errs[tag] = msg
		}
	}
	return outputs, errs
}
