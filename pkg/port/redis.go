package port

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tidwall/redcon"
)

var address = flag.String("address", "0.0.0.0:6380", "The ip:port to listen on for Redis protocol.")

// RedisCommand represents a Redis command with its arguments.
type RedisCommand struct {
	command string
	raw     []byte   // All the given command sent over RESP, i.e. GET key.
	args    [][]byte // Only the args sent over, without the command.
}

// RedisOutput conforms to a real Redis server output on non pub / sub commands.
type RedisOutput struct {
	closeConnection bool    // Closes the connection if true.
	writeNil        bool    // Writes a nil value if true.
	err             *string // Error to return if set.
	writeInt        *int    // Writes an integer value if set.
	writeBytes      []byte  // Writes a string value if set.
}

func closeRedisConnection(msg string) RedisOutput {
	return RedisOutput{writeBytes: []byte(msg), closeConnection: true}
}

func writeRedisNil() RedisOutput {
	return RedisOutput{writeNil: true}
}

func writeRedisInt(i int) RedisOutput {
	return RedisOutput{writeInt: &i}
}

func writeRedisBytes(bytes []byte) RedisOutput {
	return RedisOutput{writeBytes: bytes}
}

func writeRedisString(str string) RedisOutput {
	return RedisOutput{writeBytes: []byte(str)}
}

func writeRedisError(err error) RedisOutput {
	msg := "ERR " + err.Error()
	return RedisOutput{err: &msg}
}

// setCommandRe parses an inline-style Redis SET command: SET key value
// [NX|XX] [GET]. There is no EX/PX/EXAT/PXAT/KEEPTTL support here: the
// index underneath has no notion of expiry, so there is nothing for those
// options to configure.
var setCommandRe = regexp.MustCompile(`(?i)^\s*SET\s+(\S+)\s+(\S+)(?:\s+(NX|XX))?(?:\s+(GET))?\s*$`)

func parseSetCommand(in []byte) (SetCommand, error) {
	m := setCommandRe.FindSubmatch(in)
	if m == nil {
		return SetCommand{}, fmt.Errorf("invalid SET syntax: %q", strings.TrimSpace(string(in)))
	}

	key, val := m[1], m[2]
	optExist := upperBytes(m[3])
	optGet := len(m[4]) > 0

	var ex existenceCheck
	if bytes.Equal(optExist, []byte("NX")) {
		ex = ifNotExists
	} else if bytes.Equal(optExist, []byte("XX")) {
		ex = ifExists
	}

	return SetCommand{key: key, value: val, existence: ex, get: optGet}, nil
}

func upperBytes(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return []byte(strings.ToUpper(string(b)))
}

func handleSetCommand(cmd RedisCommand, store *FleeStorage) RedisOutput {
	setCommand, err := parseSetCommand(cmd.raw)
	if err != nil {
		return writeRedisError(err)
	}
	setResult := store.Set(setCommand)
	if setResult.hasPreviousValue && setResult.previousValue != nil {
		return writeRedisBytes(setResult.previousValue)
	}
	if !setResult.couldSet {
		return writeRedisNil()
	}
	return writeRedisString("OK")
}

// RedisHandler handles Redis commands against a FleeStorage backend.
type RedisHandler struct {
	store *FleeStorage
}

// NewRedisHandler creates a new RedisHandler.
func NewRedisHandler(store *FleeStorage) (*RedisHandler, error) {
	if store == nil {
		return nil, errors.New("expected a non-nil store")
	}
	return &RedisHandler{store: store}, nil
}

func (rh *RedisHandler) handle(cmd RedisCommand) RedisOutput {
	switch cmd.command {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection("OK")
	case "SET":
		if len(cmd.args) < 2 {
			return writeRedisError(errors.New("wrong number of arguments for 'SET' command"))
		}
		return handleSetCommand(cmd, rh.store)
	case "GET":
		if len(cmd.args) != 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'get' command"))
		}
		key := cmd.args[0]
		if value, err := rh.store.Get(key); errors.Is(err, ErrKeyNotFound) {
			return writeRedisNil()
		} else if err != nil {
			return writeRedisError(err)
		} else {
			return writeRedisBytes(value)
		}
	case "DEL":
		if len(cmd.args) < 1 {
			return writeRedisError(errors.New("wrong number of arguments for 'DEL' command"))
		}
		deletedCount := 0
		for _, key := range cmd.args {
			if err := rh.store.Delete(key); err == nil {
				deletedCount++
			}
		}
		return writeRedisInt(deletedCount)
	case "DBSIZE":
		return writeRedisInt(int(rh.store.CurrentItemCount()))
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// RunRedisServer starts a Redis protocol server backed by store.
func RunRedisServer(ctx context.Context, store *FleeStorage) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}

	redisHandler, err := NewRedisHandler(store)
	if err != nil {
		return fmt.Errorf("failed to create a new redis handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *address,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			slog.Debug("Handling command.", "cmd", string(cmd.Raw))

			redisCmd := RedisCommand{
				command: strings.ToUpper(string(cmd.Args[0])), // Allows case-insensitive commands.
				args:    cmd.Args[1:],                         // Exclude the command itself.
				raw:     cmd.Raw,
			}
			output := redisHandler.handle(redisCmd)
			if output.closeConnection {
				conn.WriteBulk(output.writeBytes)
				if err := conn.Close(); err != nil {
					slog.Error("failed to close connection", "error", err)
				}
				return
			}
			if output.writeNil {
				conn.WriteNull()
				return
			}
			if output.err != nil {
				conn.WriteError(*output.err)
				return
			}
			if output.writeInt != nil {
				conn.WriteInt(*output.writeInt)
				return
			}
			conn.WriteBulk(output.writeBytes)
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Info("Accepting connection.", "addr", conn.NetConn().RemoteAddr().String())
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {})

	serverErrSignal := make(chan error, 1)
	go func() {
		slog.Info("Starting Redis server.", "address", *address)
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Server context cancelled", "err", ctx.Err())
		serverErr := redisServer.Close()
		storeErr := store.Close()
		if exitErr := errors.Join(serverErr, storeErr); exitErr != nil {
			return fmt.Errorf("failed to close fleeindex: %w", exitErr)
		}
	case err := <-serverErrSignal:
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
