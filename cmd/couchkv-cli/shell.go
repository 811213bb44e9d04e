package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pior/couchkv"
)

const helpText = `Commands:
  get <key>                     - Get a value by key
  gat <key> <ttl>               - Get a value and update its TTL
  set <key> <value> [ttl]       - Set a key-value pair with optional TTL (seconds)
  add <key> <value> [ttl]       - Store only if the key does not exist
  replace <key> <value> [ttl]   - Store only if the key exists
  append <key> <value>          - Append to an existing value
  prepend <key> <value>         - Prepend to an existing value
  delete <key>                  - Delete a key
  incr <key> [delta]            - Increment a counter
  decr <key> [delta]            - Decrement a counter
  touch <key> <ttl>             - Update the TTL of a key
  multi-get <key1> <key2> ...   - Get multiple keys at once
  stats                         - Show client and node statistics
  map                           - Show the current cluster map
  ping                          - Ping all connected nodes
  quit                          - Exit the CLI`

type shell struct {
	client *couchkv.Client
	out    io.Writer
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// exec runs one command line and reports whether the shell should exit.
func (s *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "get":
		if len(args) != 1 {
			s.printf("Usage: get <key>\n")
			return false
		}
		s.timed(func() error {
			item, err := s.client.Get(ctx, args[0])
			if err == nil {
				s.printItem(item)
			}
			return err
		})

	case "gat":
		ttl, ok := s.ttlArg(args, 1, 2, "gat <key> <ttl_seconds>")
		if !ok {
			return false
		}
		s.timed(func() error {
			item, err := s.client.GetAndTouch(ctx, args[0], ttl)
			if err == nil {
				s.printItem(item)
			}
			return err
		})

	case "set", "add", "replace":
		ttl, ok := s.ttlArg(args, 2, 3, command+" <key> <value> [ttl_seconds]")
		if !ok {
			return false
		}
		item := couchkv.Item{Key: args[0], Value: []byte(args[1]), TTL: ttl}
		store := map[string]func(context.Context, couchkv.Item) (uint64, error){
			"set":     s.client.Set,
			"add":     s.client.Add,
			"replace": s.client.Replace,
		}[command]
		s.timed(func() error {
			cas, err := store(ctx, item)
			if err == nil {
				s.printf("Stored (cas %d)\n", cas)
			}
			return err
		})

	case "append", "prepend":
		if len(args) != 2 {
			s.printf("Usage: %s <key> <value>\n", command)
			return false
		}
		concat := s.client.Append
		if command == "prepend" {
			concat = s.client.Prepend
		}
		s.timed(func() error {
			err := concat(ctx, args[0], []byte(args[1]))
			if err == nil {
				s.printf("Stored\n")
			}
			return err
		})

	case "delete", "del":
		if len(args) != 1 {
			s.printf("Usage: delete <key>\n")
			return false
		}
		s.timed(func() error {
			err := s.client.Remove(ctx, args[0], 0)
			if err == nil {
				s.printf("Deleted\n")
			}
			return err
		})

	case "incr", "decr":
		if len(args) < 1 || len(args) > 2 {
			s.printf("Usage: %s <key> [delta]\n", command)
			return false
		}
		opts := couchkv.DefaultCounterOptions
		if len(args) == 2 {
			delta, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				s.printf("Invalid delta: %v\n", err)
				return false
			}
			opts.Delta = delta
		}
		counter := s.client.Increment
		if command == "decr" {
			counter = s.client.Decrement
		}
		s.timed(func() error {
			v, err := counter(ctx, args[0], opts)
			if err == nil {
				s.printf("Value: %d\n", v)
			}
			return err
		})

	case "touch":
		ttl, ok := s.ttlArg(args, 1, 2, "touch <key> <ttl_seconds>")
		if !ok {
			return false
		}
		s.timed(func() error {
			err := s.client.Touch(ctx, args[0], ttl)
			if err == nil {
				s.printf("Touched\n")
			}
			return err
		})

	case "multi-get", "mget":
		if len(args) == 0 {
			s.printf("Usage: multi-get <key1> <key2> ...\n")
			return false
		}
		s.timed(func() error {
			items, err := s.client.MultiGet(ctx, args)
			found := 0
			for _, key := range args {
				item, ok := items[key]
				if ok && item.Found {
					found++
					s.printf("  %s: %s\n", key, item.Value)
				} else {
					s.printf("  %s: <not found>\n", key)
				}
			}
			s.printf("Retrieved %d out of %d keys\n", found, len(args))
			return err
		})

	case "stats":
		s.printStats()

	case "map":
		s.printMap()

	case "ping":
		s.timed(func() error {
			err := s.client.Ping(ctx)
			if err == nil {
				s.printf("Ping successful\n")
			}
			return err
		})

	case "help":
		s.printf("%s\n", helpText)

	case "quit", "exit":
		s.printf("Goodbye!\n")
		return true

	default:
		s.printf("Unknown command: %s. Type 'help' for available commands.\n", command)
	}
	return false
}

// ttlArg validates the argument count; the optional TTL is the last argument.
func (s *shell) ttlArg(args []string, minArgs, maxArgs int, usage string) (time.Duration, bool) {
	if len(args) < minArgs || len(args) > maxArgs {
		s.printf("Usage: %s\n", usage)
		return 0, false
	}
	if len(args) == maxArgs {
		secs, err := strconv.Atoi(args[maxArgs-1])
		if err != nil {
			s.printf("Invalid TTL: %v\n", err)
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	return 0, true
}

func (s *shell) timed(fn func() error) {
	start := time.Now()
	err := fn()
	duration := time.Since(start)

	var opErr *couchkv.OperationError
	switch {
	case err == nil:
		s.printf("(took %v)\n", duration)
	case errors.Is(err, couchkv.ErrKeyNotFound):
		s.printf("Key not found (took %v)\n", duration)
	case errors.As(err, &opErr) && opErr.Node.StableID != "":
		s.printf("Error: %v [node %s, %d attempts] (took %v)\n", err, opErr.Node.StableID, opErr.Attempts, duration)
	default:
		s.printf("Error: %v (took %v)\n", err, duration)
	}
}

func (s *shell) printItem(item couchkv.Item) {
	if !item.Found {
		s.printf("Key not found\n")
		return
	}
	s.printf("Value: %s\n", item.Value)
	s.printf("Flags: %d CAS: %d\n", item.Flags, item.CAS)
}

func (s *shell) printStats() {
	cs := s.client.Stats()
	s.printf("Client:\n")
	s.printf("  Gets: %d (hits %d)\n", cs.Gets, cs.GetHits)
	s.printf("  Sets: %d Adds: %d Replaces: %d Deletes: %d\n", cs.Sets, cs.Adds, cs.Replaces, cs.Deletes)
	s.printf("  Counters: %d Appends: %d Touches: %d\n", cs.Counters, cs.Appends, cs.Touches)
	s.printf("  Errors: %d Retries: %d Shard misses: %d Ambiguous: %d\n", cs.Errors, cs.Retries, cs.ShardMisses, cs.Ambiguous)

	nodes := s.client.NodeStats()
	if len(nodes) == 0 {
		s.printf("No connected nodes\n")
		return
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node.StableID < nodes[j].Node.StableID })

	for _, n := range nodes {
		s.printf("Node %s (%s):\n", n.Node.StableID, n.Node.Addr())
		s.printf("  State: %s Circuit: %s In-Flight: %d\n", n.State, n.CircuitBreakerState, n.InFlight)
		s.printf("  Connections: %d total, %d active, %d idle\n", n.PoolStats.TotalConns, n.PoolStats.ActiveConns, n.PoolStats.IdleConns)
	}
}

func (s *shell) printMap() {
	m := s.client.ClusterMap()
	if m == nil {
		s.printf("No cluster map\n")
		return
	}
	s.printf("Bucket %s rev %d (%s, %d shards)\n", m.Bucket(), m.Revision(), m.Mode(), m.ShardCount())
	for _, n := range m.Nodes() {
		s.printf("  %s %s\n", n.StableID, n.Addr())
	}
}
