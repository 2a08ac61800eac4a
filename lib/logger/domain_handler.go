package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DomainKey is the attribute that routes a record into a domain's log file.
const DomainKey = "domain_uuid"

// DomainLogs owns the per-domain log files. Files are opened on first write
// and kept open until Close for that domain or CloseAll. A file that would
// grow past maxSize is renamed to "<name>.1", replacing the previous
// backup, and a fresh one is started.
type DomainLogs struct {
	path    func(uuid string) string
	maxSize int64

	mu    sync.Mutex
	files map[string]*domainLog
}

type domainLog struct {
	path string
	f    *os.File
	size int64
}

// NewDomainLogs maps domain UUIDs to files with path. maxSize <= 0 disables
// rotation.
func NewDomainLogs(path func(uuid string) string, maxSize int64) *DomainLogs {
	return &DomainLogs{
		path:    path,
		maxSize: maxSize,
		files:   make(map[string]*domainLog),
	}
}

// Write appends line to the log of domain uuid. Records for a domain whose
// log directory does not exist yet are dropped.
func (l *DomainLogs) Write(uuid, line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl, err := l.open(uuid)
	if dl == nil || err != nil {
		return err
	}
	if l.maxSize > 0 && dl.size > 0 && dl.size+int64(len(line)) > l.maxSize {
		if err := l.rotate(uuid, dl); err != nil {
			return err
		}
		if dl, err = l.open(uuid); dl == nil || err != nil {
			return err
		}
	}
	n, err := dl.f.WriteString(line)
	dl.size += int64(n)
	return err
}

// open returns the cached file for uuid, opening it if needed. l.mu must be
// held.
func (l *DomainLogs) open(uuid string) (*domainLog, error) {
	if dl, ok := l.files[uuid]; ok {
		return dl, nil
	}
	path := l.path(uuid)
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open domain log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat domain log: %w", err)
	}
	dl := &domainLog{path: path, f: f, size: st.Size()}
	l.files[uuid] = dl
	return dl, nil
}

// rotate closes dl and moves it aside. l.mu must be held.
func (l *DomainLogs) rotate(uuid string, dl *domainLog) error {
	delete(l.files, uuid)
	if err := dl.f.Close(); err != nil {
		return fmt.Errorf("close domain log: %w", err)
	}
	if err := os.Rename(dl.path, dl.path+".1"); err != nil {
		return fmt.Errorf("rotate domain log: %w", err)
	}
	return nil
}

// Close closes the log file of domain uuid if it is open. A later record
// for the domain opens it again.
func (l *DomainLogs) Close(uuid string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	dl, ok := l.files[uuid]
	if !ok {
		return nil
	}
	delete(l.files, uuid)
	return dl.f.Close()
}

// CloseAll closes every open log file.
func (l *DomainLogs) CloseAll() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for uuid, dl := range l.files {
		errs = append(errs, dl.f.Close())
		delete(l.files, uuid)
	}
	return errors.Join(errs...)
}

// Open returns the number of open log files.
func (l *DomainLogs) Open() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.files)
}

// DomainLogHandler wraps an slog.Handler and also writes records carrying a
// DomainKey attribute, bound or inline, to that domain's log as plain text.
type DomainLogHandler struct {
	slog.Handler
	logs   *DomainLogs
	domain string      // bound through WithAttrs
	bound  []slog.Attr // other bound attrs, rendered into the domain log
}

// NewDomainLogHandler wraps h, mirroring domain records into logs.
func NewDomainLogHandler(h slog.Handler, logs *DomainLogs) *DomainLogHandler {
	return &DomainLogHandler{Handler: h, logs: logs}
}

func (h *DomainLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if err := h.Handler.Handle(ctx, r); err != nil {
		return err
	}

	domain := h.domain
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == DomainKey {
			domain = a.Value.String()
		} else {
			attrs = append(attrs, a)
		}
		return true
	})
	if domain == "" {
		return nil
	}

	if err := h.logs.Write(domain, formatDomainRecord(r, h.bound, attrs)); err != nil {
		// Package-level slog has no DomainKey so this cannot recurse.
		slog.Warn("failed to write domain log", "domain", domain, "error", err)
	}
	return nil
}

func formatDomainRecord(r slog.Record, bound, attrs []slog.Attr) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", r.Time.Format(time.RFC3339), r.Level, r.Message)
	for _, group := range [][]slog.Attr{bound, attrs} {
		for _, a := range group {
			fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		}
	}
	b.WriteByte('\n')
	return b.String()
}

func (h *DomainLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &DomainLogHandler{
		Handler: h.Handler.WithAttrs(attrs),
		logs:    h.logs,
		domain:  h.domain,
		bound:   h.bound[:len(h.bound):len(h.bound)],
	}
	for _, a := range attrs {
		if a.Key == DomainKey {
			next.domain = a.Value.String()
			continue
		}
		next.bound = append(next.bound, a)
	}
	return next
}

// WithGroup only affects the wrapped handler; DomainKey is looked up at the
// top level.
func (h *DomainLogHandler) WithGroup(name string) slog.Handler {
	return &DomainLogHandler{
		Handler: h.Handler.WithGroup(name),
		logs:    h.logs,
		domain:  h.domain,
		bound:   h.bound,
	}
}
