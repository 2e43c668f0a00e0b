package orderq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

func QueueBase(queueName string) string {
	if containsHashTag(queueName) {
		return queueName
	}
	return "{" + queueName + "}"
}

// Keys names every collection of one logical queue. All of them share the
// queue's hash tag so multi-key scripts stay within one cluster slot.
type Keys struct {
	Work       string // pending jobs; producers LPUSH, consumers pop from the right
	Invisible  string // in-flight jobs scored by expiry ms
	Retry      string // priority retry jobs scored by eligible ms
	Terminated string // completed jobs scored by completion ms
	Output     string // promoted jobs scored by completion ms
	Paused     string

	base string
}

func KeysFor(queueName string) Keys {
	base := QueueBase(queueName)
	return Keys{
		Work:       base + ":work",
		Invisible:  base + ":invisible",
		Retry:      base + ":retry",
		Terminated: base + ":terminated",
		Output:     base + ":output",
		Paused:     base + ":paused",
		base:       base,
	}
}

// Lock is the locking buffer owned by one consumer.
func (k Keys) Lock(consumerID string) string {
	return k.base + ":lock:" + consumerID
}

// Group is the grouped queue of one group key.
func (k Keys) Group(group string) string {
	return k.base + ":group:" + group
}

func NowMs() int64 {
	return time.Now().UnixMilli()
}

func nowOr(override int64) int64 {
	if override > 0 {
		return override
	}
	return NowMs()
}

// clockFor picks the time source of an operation: clock when set, then a
// fixed override instant, then the wall clock. Only clock can express epoch 0.
func clockFor(clock func() int64, override int64) func() int64 {
	if clock != nil {
		return clock
	}
	if override > 0 {
		return func() int64 { return override }
	}
	return NowMs
}

func AsStr(v any) string {
	if v == nil {
		return ""
	}

	switch t := v.(type) {
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func containsHashTag(s string) bool {
	hasOpen := false
	for _, r := range s {
		if r == '{' {
			hasOpen = true
		}
		if hasOpen && r == '}' {
			return true
		}
	}
	return false
}

func asAnySlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	default:
		return nil, false
	}
}

func toInt64(v any) (int64, error) {
	if v == nil {
		return 0, errors.New("nil")
	}
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	case string:
		return parseScore(t)
	case []byte:
		return parseScore(string(t))
	default:
		return parseScore(AsStr(t))
	}
}

// parseScore accepts integers and the float form Redis uses for zset scores.
func parseScore(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

func toInt(v any) (int, error) {
	n, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func splitKeysArgs(numkeys int, args []any) ([]string, []any) {
	if numkeys <= 0 {
		return nil, args
	}

	if numkeys > len(args) {
		return nil, args
	}

	keys := make([]string, 0, numkeys)
	for i := 0; i < numkeys; i++ {
		keys = append(keys, AsStr(args[i]))
	}

	argv := args[numkeys:]
	return keys, argv
}

func msArg(ms int64) string {
	return strconv.FormatInt(ms, 10)
}
