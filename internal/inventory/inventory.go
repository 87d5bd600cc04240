// Package inventory implements the at-most-once draw engine over
// newline-delimited text files (§4.F). A draw takes the first N non-empty
// lines and atomically rewrites the file with the remainder; a push_front
// restores lines to the front under the same lock, used to undo a draw when
// the subsequent send fails.
package inventory

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// NotEnoughProductsError is returned when a draw requests more lines than the
// file currently has; the file is left untouched.
type NotEnoughProductsError struct {
	Path      string
	Requested int
	Available int
}

func (e *NotEnoughProductsError) Error() string {
	return fmt.Sprintf("inventory: %s has %d lines, need %d", e.Path, e.Available, e.Requested)
}

// ProductsFileNotFoundError is returned when the configured file does not exist.
type ProductsFileNotFoundError struct {
	Path string
}

func (e *ProductsFileNotFoundError) Error() string {
	return fmt.Sprintf("inventory: file not found: %s", e.Path)
}

var validNameRe = regexp.MustCompile(`^[А-Яа-яЁёA-Za-z0-9_\- .]+$`)

// ValidateName reports whether a file name (without directory components)
// matches the allowed character set.
func ValidateName(name string) bool {
	return validNameRe.MatchString(name)
}

// Engine serializes draw/push_front/count operations per file path. An
// in-process mutex per path is cached alongside a cross-process flock, so
// concurrent goroutines in this instance don't even contend on the
// advisory file lock (§9: "add an in-process mutex per inventory path cached
// in a map to avoid lock thrash").
type Engine struct {
	baseDir string

	mu     sync.Mutex
	guards map[string]*sync.Mutex
}

// New builds an Engine rooted at baseDir (storage/products).
func New(baseDir string) *Engine {
	return &Engine{baseDir: baseDir, guards: make(map[string]*sync.Mutex)}
}

func (e *Engine) guardFor(path string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.guards[path]
	if !ok {
		g = &sync.Mutex{}
		e.guards[path] = g
	}
	return g
}

// resolve appends ".txt" if missing and joins against baseDir.
func (e *Engine) resolve(name string) string {
	if filepath.Ext(name) == "" {
		name += ".txt"
	}
	return filepath.Join(e.baseDir, name)
}

func nonEmptyLines(data string) []string {
	raw := strings.Split(data, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Count returns the number of non-empty lines in name.
func (e *Engine) Count(name string) (int, error) {
	path := e.resolve(name)
	g := e.guardFor(path)
	g.Lock()
	defer g.Unlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, &ProductsFileNotFoundError{Path: path}
	}
	if err != nil {
		return 0, err
	}
	return len(nonEmptyLines(string(data))), nil
}

// Draw takes the first n non-empty lines from name, rewriting the file with
// the remainder atomically. Fails with NotEnoughProductsError without
// modifying the file if fewer than n lines are available.
func (e *Engine) Draw(name string, n int) (drawn []string, remaining int, err error) {
	path := e.resolve(name)
	g := e.guardFor(path)
	g.Lock()
	defer g.Unlock()

	fileLock := flock.New(path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return nil, 0, fmt.Errorf("inventory: acquire lock for %s: %w", path, err)
	}
	defer fileLock.Unlock()

	data, readErr := os.ReadFile(path)
	if os.IsNotExist(readErr) {
		return nil, 0, &ProductsFileNotFoundError{Path: path}
	}
	if readErr != nil {
		return nil, 0, readErr
	}

	lines := nonEmptyLines(string(data))
	if len(lines) < n {
		return nil, 0, &NotEnoughProductsError{Path: path, Requested: n, Available: len(lines)}
	}

	drawn = append([]string(nil), lines[:n]...)
	rest := lines[n:]

	if err := atomicWriteLines(path, rest); err != nil {
		return nil, 0, err
	}
	return drawn, len(rest), nil
}

// PushFront prepends lines to name's front, under the same lock discipline as
// Draw. Used to restore lines drawn but never delivered.
func (e *Engine) PushFront(name string, lines []string) error {
	path := e.resolve(name)
	g := e.guardFor(path)
	g.Lock()
	defer g.Unlock()

	fileLock := flock.New(path + ".lock")
	if err := fileLock.Lock(); err != nil {
		return fmt.Errorf("inventory: acquire lock for %s: %w", path, err)
	}
	defer fileLock.Unlock()

	data, readErr := os.ReadFile(path)
	var existing []string
	if readErr == nil {
		existing = nonEmptyLines(string(data))
	} else if !os.IsNotExist(readErr) {
		return readErr
	}

	combined := append(append([]string(nil), lines...), existing...)
	return atomicWriteLines(path, combined)
}

func atomicWriteLines(path string, lines []string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
