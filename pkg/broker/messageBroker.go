package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransientTransport marks publish failures worth retrying on the next cycle.
	ErrTransientTransport = errors.New("transient transport error")
	// ErrCircuitOpen is returned while the circuit breaker rejects publishes.
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrBusClosed   = errors.New("bus closed")
	// ErrUnsupportedPattern is returned by transports that cannot route wildcard subscriptions.
	ErrUnsupportedPattern = errors.New("unsupported subscription pattern")
)

// Message is the unit a Bus carries.
type Message struct {
	Subject     string
	Key         string // ordering / routing key, the aggregate id for outbox rows
	ContentType string
	Body        []byte
	Headers     map[string]string
	MessageID   string
}

// Handler consumes one delivered message. Returning an error asks the
// transport to redeliver it.
type Handler func(ctx context.Context, msg Message) error

// Bus defines the operations to publish and consume messages.
type Bus interface {
	// Publish returns once the broker acknowledged the message.
	Publish(ctx context.Context, msg Message) error
	// Subscribe starts delivering messages whose subject matches pattern to h
	// until ctx is cancelled or the bus is closed. Patterns use AMQP topic
	// syntax: "*" matches one word, "#" zero or more.
	Subscribe(ctx context.Context, pattern string, h Handler) error
	// Close cleans up any resources (connections).
	Close() error
}

// Transient wraps err as an ErrTransientTransport.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientTransport) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientTransport, err)
}

// MatchSubject reports whether subject matches an AMQP style topic pattern.
func MatchSubject(pattern, subject string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(subject, "."))
}

func matchWords(pattern, subject []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(subject); i++ {
				if matchWords(pattern[1:], subject[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(subject) == 0 {
				return false
			}
		default:
			if len(subject) == 0 || subject[0] != pattern[0] {
				return false
			}
		}
		pattern, subject = pattern[1:], subject[1:]
	}
	return len(subject) == 0
}

func isWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "*#")
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
