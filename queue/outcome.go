package queue

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies how a queued request ended.
type Kind int

const (
	KindOK Kind = iota
	// KindThrottled means the local quota gate refused the call; nothing was sent.
	KindThrottled
	// KindRateLimited means the remote service reported its rate limit.
	KindRateLimited
	KindNotFound
	// KindClientError covers every other non-2xx response.
	KindClientError
	// KindNetwork is a transport failure, timeout or unreadable body.
	KindNetwork
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindThrottled:
		return "throttled"
	case KindRateLimited:
		return "rate_limited"
	case KindNotFound:
		return "not_found"
	case KindClientError:
		return "client_error"
	case KindNetwork:
		return "network_error"
	default:
		return "unknown"
	}
}

// RateLimit mirrors the remote X-RateLimit-* headers. Known is false when
// the response carried none.
type RateLimit struct {
	Known     bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// Outcome is delivered with every callback. Cached results are always OK.
type Outcome struct {
	OK     bool
	Status int
	Cached bool
	Kind   Kind

	RateLimit RateLimit
}

// Callback receives the outcome of one queued request and its decoded JSON
// payload. On failure the payload is a {"message": ...} object unless the
// server sent a JSON error body of its own.
type Callback func(out Outcome, payload json.RawMessage)

var (
	cachedOutcome    = Outcome{OK: true, Status: http.StatusOK, Cached: true, Kind: KindOK}
	throttledOutcome = Outcome{Status: http.StatusForbidden, Kind: KindThrottled}
)

func messagePayload(msg string) json.RawMessage {
	b, _ := json.Marshal(struct {
		Message string `json:"message"`
	}{Message: msg})
	return b
}

func networkOutcome(err error) (Outcome, json.RawMessage) {
	return Outcome{Status: http.StatusInternalServerError, Kind: KindNetwork}, messagePayload(err.Error())
}

func parseRateLimit(h http.Header) RateLimit {
	rl := RateLimit{}
	if h == nil {
		return rl
	}
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return rl
	}
	rl.Known = true
	rl.Remaining = remaining
	if limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit")); err == nil {
		rl.Limit = limit
	}
	if reset, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Unix(reset, 0)
	}
	return rl
}

// classify turns a raw response into an Outcome and payload.
func classify(resp *Response) (Outcome, json.RawMessage) {
	out := Outcome{Status: resp.Status, RateLimit: parseRateLimit(resp.Header)}

	body := resp.Body
	if len(body) == 0 {
		body = []byte("null")
	}
	validJSON := json.Valid(body)

	switch {
	case resp.Status >= 200 && resp.Status < 300:
		if !validJSON {
			return Outcome{Status: http.StatusInternalServerError, Kind: KindNetwork, RateLimit: out.RateLimit},
				messagePayload("response body is not valid JSON")
		}
		out.OK = true
		out.Kind = KindOK
		return out, body
	case resp.Status == http.StatusNotFound:
		out.Kind = KindNotFound
	case resp.Status == http.StatusTooManyRequests:
		out.Kind = KindRateLimited
	case resp.Status == http.StatusForbidden && out.RateLimit.Known && out.RateLimit.Remaining == 0:
		out.Kind = KindRateLimited
	default:
		out.Kind = KindClientError
	}

	if validJSON && string(body) != "null" {
		return out, body
	}
	return out, messagePayload(http.StatusText(resp.Status))
}
