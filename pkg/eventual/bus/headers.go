package bus

import (
	"encoding/binary"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// HeaderRetryCount carries how many times a delivery has been retried.
	HeaderRetryCount = "x-retry-count"
	// HeaderFinalError carries the last handler error on dead-lettered messages.
	HeaderFinalError = "x-final-error"

	headerDeath = "x-death"
)

// RetryCount reads the retry-count header. Absent or unreadable values count
// as zero. Any AMQP integer width is accepted, as is a 4-byte little-endian
// byte slice and a decimal string.
func RetryCount(headers amqp.Table) int {
	raw, ok := headers[HeaderRetryCount]
	if !ok {
		return 0
	}
	var n int64
	switch v := raw.(type) {
	case int:
		n = int64(v)
	case int8:
		n = int64(v)
	case int16:
		n = int64(v)
	case int32:
		n = int64(v)
	case int64:
		n = v
	case uint8:
		n = int64(v)
	case uint16:
		n = int64(v)
	case uint32:
		n = int64(v)
	case uint64:
		n = int64(v)
	case []byte:
		if len(v) != 4 {
			return 0
		}
		n = int64(int32(binary.LittleEndian.Uint32(v)))
	case string:
		parsed, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0
		}
		n = parsed
	default:
		return 0
	}
	if n < 0 {
		return 0
	}
	return int(n)
}

// escalationHeaders copies h without broker-managed and escalation headers.
func escalationHeaders(h amqp.Table) amqp.Table {
	out := make(amqp.Table, len(h)+2)
	for k, v := range h {
		switch k {
		case HeaderRetryCount, HeaderFinalError, headerDeath:
			continue
		}
		out[k] = v
	}
	return out
}

// tableCarrier adapts message headers for trace context propagation.
type tableCarrier amqp.Table

func (c tableCarrier) Get(key string) string {
	if s, ok := c[key].(string); ok {
		return s
	}
	return ""
}

func (c tableCarrier) Set(key, value string) { c[key] = value }

func (c tableCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
