package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/tidysave/internal/host"
)

// Document is an open document held by the host.
type Document struct {
	path string

	mu    sync.RWMutex
	text  string
	saved string
}

// Path returns the absolute document path.
func (d *Document) Path() string { return d.path }

// Text returns the current document text.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text
}

// SetText replaces the document text.
func (d *Document) SetText(text string) {
	d.mu.Lock()
	d.text = text
	d.mu.Unlock()
}

// IsModified returns true if the text differs from what was last saved.
func (d *Document) IsModified() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.text != d.saved
}

func (d *Document) markSaved(text string) {
	d.mu.Lock()
	d.saved = text
	d.mu.Unlock()
}

// SaveError wraps a persist failure.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save %s: %v", e.Path, e.Err)
}

func (e *SaveError) Unwrap() error {
	return e.Err
}

// Documents is the host's running document table.
type Documents struct {
	h *Host

	mu     sync.RWMutex
	docs   map[string]*Document
	order  []string
	active *Document

	before subscriptions[func(host.SaveEvent)]
	after  subscriptions[func(host.SaveEvent)]
}

func newDocuments(h *Host) *Documents {
	return &Documents{
		h:    h,
		docs: make(map[string]*Document),
	}
}

// Open opens the file at path, or activates it if already open.
// A missing file opens as an empty document.
func (d *Documents) Open(path string) (*Document, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	doc, exists := d.docs[absPath]
	d.mu.RUnlock()
	if exists {
		d.setActive(doc)
		return doc, nil
	}

	content, err := os.ReadFile(absPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("open %s: %w", absPath, err)
	}

	doc = &Document{path: absPath, text: string(content), saved: string(content)}
	return d.add(doc), nil
}

// OpenText opens an in-memory document with the given content.
func (d *Documents) OpenText(path, text string) *Document {
	return d.add(&Document{path: path, text: text})
}

// Reload re-reads an open document from disk, discarding edits.
func (d *Documents) Reload(path string) (*Document, error) {
	doc := d.Get(path)
	if doc == nil {
		return d.Open(path)
	}
	content, err := os.ReadFile(doc.path)
	if err != nil {
		return nil, fmt.Errorf("reload %s: %w", doc.path, err)
	}
	doc.mu.Lock()
	doc.text = string(content)
	doc.saved = string(content)
	doc.mu.Unlock()
	return doc, nil
}

func (d *Documents) add(doc *Document) *Document {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check: a concurrent Open may have won.
	if existing, ok := d.docs[doc.path]; ok {
		d.active = existing
		return existing
	}
	d.docs[doc.path] = doc
	d.order = append(d.order, doc.path)
	d.active = doc
	return doc
}

func (d *Documents) setActive(doc *Document) {
	d.mu.Lock()
	d.active = doc
	d.mu.Unlock()
}

// Get returns an open document by path, or nil.
func (d *Documents) Get(path string) *Document {
	if abs, err := filepath.Abs(path); err == nil {
		d.mu.RLock()
		doc, ok := d.docs[abs]
		d.mu.RUnlock()
		if ok {
			return doc
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.docs[path]
}

// Active returns the active document or nil.
func (d *Documents) Active() host.Document {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.active == nil {
		return nil
	}
	return d.active
}

// Count returns the number of open documents.
func (d *Documents) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}

// SubscribeBeforeSave registers fn to run before every save.
func (d *Documents) SubscribeBeforeSave(fn func(host.SaveEvent)) host.Handle {
	return d.before.add(fn)
}

// SubscribeAfterSave registers fn to run after every successful persist.
func (d *Documents) SubscribeAfterSave(fn func(host.SaveEvent)) host.Handle {
	return d.after.add(fn)
}

// Unsubscribe removes a before- or after-save subscription.
func (d *Documents) Unsubscribe(h host.Handle) bool {
	if d.before.remove(h) {
		return true
	}
	return d.after.remove(h)
}

// BeforeSaveSubscribers returns the number of live before-save subscriptions.
func (d *Documents) BeforeSaveSubscribers() int {
	return d.before.len()
}

// Save saves an open document on the UI thread: before-save subscribers run
// in order, then the persister, then after-save subscribers.
func (d *Documents) Save(ctx context.Context, path string, reason host.SaveReason) error {
	doc := d.Get(path)
	if doc == nil {
		return fmt.Errorf("%s: %w", path, ErrDocumentNotOpen)
	}

	var saveErr error
	err := d.h.Invoke(ctx, func() {
		ev := host.SaveEvent{
			Ctx:      ctx,
			Document: doc,
			Save:     host.SaveContext{Reason: reason},
		}

		if saveErr = d.deliver(&d.before, ev); saveErr != nil {
			return
		}

		text := doc.Text()
		if err := d.h.persister(doc.path, text); err != nil {
			saveErr = &SaveError{Path: doc.path, Err: err}
			return
		}
		doc.markSaved(text)

		d.h.logger.Debug("document saved",
			zap.String("path", doc.path),
			zap.Stringer("reason", reason),
		)

		saveErr = d.deliver(&d.after, ev)
	})
	if err != nil {
		return err
	}
	return saveErr
}

// deliver runs every live subscriber of subs in order.
func (d *Documents) deliver(subs *subscriptions[func(host.SaveEvent)], ev host.SaveEvent) error {
	for _, sub := range subs.snapshot() {
		if !subs.has(sub.handle) {
			continue
		}
		fn := sub.fn
		if err := d.h.protect(func() { fn(ev) }); err != nil {
			return err
		}
	}
	return nil
}

// writeFile is the default persister.
func writeFile(path, text string) error {
	return os.WriteFile(path, []byte(text), 0644)
}

var _ host.DocumentTable = (*Documents)(nil)
