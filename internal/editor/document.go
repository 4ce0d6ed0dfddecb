// Package editor provides an in-memory text buffer with change notification,
// standing in for the host editing surface.
package editor

import (
	"context"
	"errors"
	"sync"
)

var ErrOffset = errors.New("editor: offset out of range")

// Loader reads a named document.
type Loader interface {
	Load(ctx context.Context, name string) (string, error)
}

// Saver writes a named document.
type Saver interface {
	Save(ctx context.Context, name, text string) error
}

// Document is a text buffer. Listeners registered with OnChange run after
// every edit, on the goroutine that made it, with no lock held.
type Document struct {
	mu        sync.Mutex
	text      []rune
	name      string
	committed bool
	nextID    int
	listeners map[int]func()
}

func New(text string) *Document {
	return &Document{text: []rune(text), listeners: make(map[int]func())}
}

// Open loads name from l and returns a committed document.
func Open(ctx context.Context, l Loader, name string) (*Document, error) {
	text, err := l.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	d := New(text)
	d.name = name
	d.committed = true
	return d, nil
}

func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.text)
}

// Len returns the length in characters.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.text)
}

func (d *Document) SetText(text string) {
	d.mu.Lock()
	d.text = []rune(text)
	d.mu.Unlock()
	d.notify()
}

// Insert inserts s at offset as one edit.
func (d *Document) Insert(offset int, s string) error {
	d.mu.Lock()
	if offset < 0 || offset > len(d.text) {
		d.mu.Unlock()
		return ErrOffset
	}
	ins := []rune(s)
	out := make([]rune, 0, len(d.text)+len(ins))
	out = append(out, d.text[:offset]...)
	out = append(out, ins...)
	d.text = append(out, d.text[offset:]...)
	d.mu.Unlock()
	d.notify()
	return nil
}

// Type inserts s one character at a time, the way keystrokes arrive, so every
// character produces its own change notification.
func (d *Document) Type(offset int, s string) error {
	for i, r := range []rune(s) {
		if err := d.Insert(offset+i, string(r)); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes n characters starting at offset as one edit.
func (d *Document) Delete(offset, n int) error {
	d.mu.Lock()
	if offset < 0 || n < 0 || offset+n > len(d.text) {
		d.mu.Unlock()
		return ErrOffset
	}
	d.text = append(d.text[:offset:offset], d.text[offset+n:]...)
	d.mu.Unlock()
	d.notify()
	return nil
}

// OnChange registers fn and returns a function that unregisters it.
func (d *Document) OnChange(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.listeners, id)
	}
}

func (d *Document) notify() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Committed reports whether the document has been saved or loaded under a
// name.
func (d *Document) Committed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.committed
}

func (d *Document) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

// Save writes the current text under name and marks the document committed.
func (d *Document) Save(ctx context.Context, s Saver, name string) error {
	if err := s.Save(ctx, name, d.Text()); err != nil {
		return err
	}
	d.mu.Lock()
	d.name = name
	d.committed = true
	d.mu.Unlock()
	return nil
}
