// Package console dispatches operator command lines such as
// "mt3333 version" or "gnss hdop set 1.5" to their handlers.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Handler runs one command. args excludes the command name.
type Handler func(ctx context.Context, args []string, w io.Writer) error

var ErrUnknownCommand = errors.New("unknown command")

// UsageError reports malformed arguments.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string { return "usage: " + e.Usage }

func usage(format string, a ...any) error {
	return &UsageError{Usage: fmt.Sprintf(format, a...)}
}

type Console struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Console {
	return &Console{handlers: make(map[string]Handler)}
}

func (c *Console) Handle(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[strings.ToLower(name)] = h
}

func (c *Console) Commands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.handlers))
	for k := range c.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Exec runs one line. Blank lines are ignored.
func (c *Console) Exec(ctx context.Context, line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	if name == "help" {
		_, err := fmt.Fprintf(w, "commands: %s\n", strings.Join(c.Commands(), " "))
		return err
	}
	c.mu.RLock()
	h, ok := c.handlers[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
	}
	return h(ctx, fields[1:], w)
}

// Serve reads lines from r until EOF or ctx is done, writing replies and
// errors to w.
func (c *Console) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- s.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Exec(ctx, line, w); err != nil {
				_, _ = fmt.Fprintf(w, "error: %v\n", err)
			}
		}
	}
}
