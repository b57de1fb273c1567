// Package nativetest provides engine decorators for tests.
package nativetest

import (
	"path/filepath"
	"sync"
	"testing"

	"corebridge/internal/native"
	"corebridge/internal/native/sqlitecore"
)

// Counting wraps an engine and counts calls that create or destroy native
// resources.
type Counting struct {
	native.Engine

	mu         sync.Mutex
	releases   map[native.Kind]int
	failures   map[native.Kind]int
	subscribes int
	hook       func(kind native.Kind, tok native.Token)
}

// NewCounting wraps eng.
func NewCounting(eng native.Engine) *Counting {
	return &Counting{
		Engine:   eng,
		releases: make(map[native.Kind]int),
		failures: make(map[native.Kind]int),
	}
}

// NewEngine returns a counting wrapper around a fresh sqlitecore engine that
// is closed when the test ends, and a file path inside t.TempDir.
func NewEngine(t testing.TB) (*Counting, string) {
	t.Helper()

	eng := sqlitecore.New(sqlitecore.DefaultOptions())
	t.Cleanup(func() { _ = eng.Close() })
	return NewCounting(eng), filepath.Join(t.TempDir(), "test.db")
}

// OnRelease installs a hook that runs before every release is forwarded.
func (c *Counting) OnRelease(hook func(kind native.Kind, tok native.Token)) {
	c.mu.Lock()
	c.hook = hook
	c.mu.Unlock()
}

// Release implements native.Engine.
func (c *Counting) Release(kind native.Kind, tok native.Token) error {
	c.mu.Lock()
	hook := c.hook
	c.mu.Unlock()
	if hook != nil {
		hook(kind, tok)
	}

	err := c.Engine.Release(kind, tok)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failures[kind]++
	} else {
		c.releases[kind]++
	}
	return err
}

// Subscribe implements native.Engine.
func (c *Counting) Subscribe(target native.Token, cb native.Callback) (native.Token, error) {
	tok, err := c.Engine.Subscribe(target, cb)
	if err == nil {
		c.mu.Lock()
		c.subscribes++
		c.mu.Unlock()
	}
	return tok, err
}

// Releases returns the number of successful releases of kind.
func (c *Counting) Releases(kind native.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releases[kind]
}

// Failures returns the number of failed releases of kind. Any failure means
// a token was released twice or with the wrong kind.
func (c *Counting) Failures(kind native.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[kind]
}

// TotalFailures sums Failures over every kind.
func (c *Counting) TotalFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.failures {
		n += v
	}
	return n
}

// Subscribes returns the number of successful Subscribe calls.
func (c *Counting) Subscribes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribes
}
