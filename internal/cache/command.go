package cache

import (
	"context"
	"fmt"
)

// CommandKind is the action of a Command.
type CommandKind int

const (
	// CommandInvalidate marks every key under Key stale.
	CommandInvalidate CommandKind = iota
	// CommandCancel aborts in-flight fetches under Key.
	CommandCancel
)

func (k CommandKind) String() string {
	switch k {
	case CommandInvalidate:
		return "invalidate"
	case CommandCancel:
		return "cancel"
	}
	return fmt.Sprintf("CommandKind(%d)", int(k))
}

// Command is a cache instruction sent by a component that does not hold the
// cache itself, such as the realtime listener.
type Command struct {
	Kind CommandKind
	Key  Key
}

// Invalidate returns a command that invalidates the prefix key.
func Invalidate(key Key) Command {
	return Command{Kind: CommandInvalidate, Key: key}
}

func (c Command) String() string {
	return c.Kind.String() + " " + c.Key.String()
}

// Apply executes one command.
func (c *Cache) Apply(cmd Command) {
	switch cmd.Kind {
	case CommandInvalidate:
		c.InvalidatePrefix(cmd.Key)
	case CommandCancel:
		c.CancelPrefix(cmd.Key)
	}
}

// Run applies commands until ctx is done or cmds is closed.
func (c *Cache) Run(ctx context.Context, cmds <-chan Command) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			c.Apply(cmd)
		}
	}
}
