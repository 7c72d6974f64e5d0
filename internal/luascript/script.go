// Package luascript provides a common interface for Lua script execution in Redis.
package luascript

import (
	"context"

	"github.com/redis/rueidis"
)

// Executor runs a fixed Lua script against a Redis client.
type Executor interface {
	// Exec executes the script with the given keys and arguments.
	Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult
}

// New creates an Executor wrapping rueidis.NewLuaScript, which handles the
// EVALSHA/EVAL upgrade path transparently.
func New(script string) Executor {
	return &executor{script: rueidis.NewLuaScript(script)}
}

type executor struct {
	script *rueidis.Lua
}

func (e *executor) Exec(ctx context.Context, client rueidis.Client, keys, args []string) rueidis.RedisResult {
	return e.script.Exec(ctx, client, keys, args)
}
