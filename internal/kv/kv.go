// Package kv is the key-value contract the reminder engine persists through.
//
// Every driver supports expiring keys, an atomic multi-command batch, prefix
// enumeration and set-if-absent. A TTL of zero or less means the key never
// expires.
package kv

import (
	"context"
	"strings"
	"time"
)

// Op identifies a batch command.
type Op string

const (
	OpSet Op = "set"
	OpDel Op = "del"
)

// Command is a single write inside an atomic batch.
type Command struct {
	Op    Op
	Key   string
	Value string
	TTL   time.Duration
}

// Set builds a set command.
func Set(key, value string, ttl time.Duration) Command {
	return Command{Op: OpSet, Key: key, Value: value, TTL: ttl}
}

// Del builds a delete command.
func Del(key string) Command {
	return Command{Op: OpDel, Key: key}
}

// Store is implemented by every driver.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes key only if it is absent or expired and reports whether it did.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	// Exec applies all commands as one unit: either all of them land or none do.
	Exec(ctx context.Context, cmds []Command) error
	// Scan returns the live keys starting with prefix, sorted.
	Scan(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Purger is implemented by drivers that keep expired rows around until swept.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// expiresAt converts a TTL relative to now into an absolute deadline.
// The zero time means no expiry.
func expiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// likePrefix escapes prefix for a SQL LIKE pattern using '\' as the escape character.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
