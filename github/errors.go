package github

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/urizennnn/portfolio-feed/queue"
)

// Kind is the small set of failure states the rendering layer distinguishes.
type Kind int

const (
	KindNetwork Kind = iota
	KindRateLimited
	KindNotFound
	KindEmpty
)

func (k Kind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindEmpty:
		return "empty"
	default:
		return "network_error"
	}
}

// ErrEmpty means a well-formed response carried nothing to show. It is a
// display state rather than a failure.
var ErrEmpty = errors.New("github: no results")

type FetchError struct {
	Kind   Kind
	Status int
	Detail string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("github: %s (status %d): %s", e.Kind, e.Status, e.Detail)
}

func fromOutcome(out queue.Outcome, payload json.RawMessage) *FetchError {
	fe := &FetchError{Status: out.Status, Detail: payloadMessage(payload)}
	switch out.Kind {
	case queue.KindThrottled, queue.KindRateLimited:
		fe.Kind = KindRateLimited
	case queue.KindNotFound:
		fe.Kind = KindNotFound
	default:
		fe.Kind = KindNetwork
	}
	return fe
}

func payloadMessage(payload json.RawMessage) string {
	var m struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &m); err == nil && m.Message != "" {
		return m.Message
	}
	return string(payload)
}

// KindOf classifies err. Anything unrecognised counts as a network error.
func KindOf(err error) Kind {
	if errors.Is(err, ErrEmpty) {
		return KindEmpty
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}

var userMessages = map[Kind]string{
	KindRateLimited: "GitHub needs a short break. Check back in a little while.",
	KindNotFound:    "That GitHub profile or repository could not be found.",
	KindNetwork:     "GitHub could not be reached right now. Please try again later.",
	KindEmpty:       "Nothing to show here yet.",
}

// UserMessage returns the text shown to visitors for err. Raw error text is
// never included.
func UserMessage(err error) string {
	return userMessages[KindOf(err)]
}
