package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Limit names which ceiling a SizeExceededError refers to.
type Limit string

const (
	LimitCaller  Limit = "caller ceiling"
	LimitHard    Limit = "hard ceiling"
	LimitScratch Limit = "scratch free space"
)

// SizeExceededError is returned when the advertised or streamed size of a
// file passes a ceiling. Size is a lower bound when the stream was cut short.
type SizeExceededError struct {
	Size       int64
	Limit      int64
	Which      Limit
	Advertised bool
}

func (e *SizeExceededError) Error() string {
	src := "streamed"
	if e.Advertised {
		src = "advertised"
	}
	return fmt.Sprintf("file size %s (%s) exceeds %s of %s",
		FormatSize(e.Size), src, e.Which, FormatSize(e.Limit))
}

// NetworkError covers timeouts, resets and other failures where the remote
// never produced an answer. Safe for the caller to retry.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TransportError is returned when a remote rejected the request.
type TransportError struct {
	Transport string // "source", "primary", "secondary"
	Code      int
	Detail    string
	Permanent bool
	Err       error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	b.WriteString(e.Transport)
	b.WriteString(" rejected request")
	if e.Code != 0 {
		fmt.Fprintf(&b, " (%d)", e.Code)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitedError carries a server-mandated wait. It only escapes the
// secondary transport once its retry budget is spent.
type RateLimitedError struct {
	Wait     time.Duration
	Attempts int
}

func (e *RateLimitedError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rate limited after %d attempts (last wait %s)", e.Attempts, e.Wait)
	}
	return fmt.Sprintf("rate limited, retry after %s", e.Wait)
}

// PartialDeliveryError lists the chunk indices that could not be sent
// under the split fallback.
type PartialDeliveryError struct {
	Failed []int
	Total  int
}

func (e *PartialDeliveryError) Error() string {
	idx := make([]string, len(e.Failed))
	for i, n := range e.Failed {
		idx[i] = fmt.Sprint(n)
	}
	return fmt.Sprintf("%d of %d parts failed: %s", len(e.Failed), e.Total, strings.Join(idx, ", "))
}

// NewPartialDeliveryError sorts failed indices before wrapping them.
func NewPartialDeliveryError(failed []int, total int) *PartialDeliveryError {
	f := append([]int(nil), failed...)
	sort.Ints(f)
	return &PartialDeliveryError{Failed: f, Total: total}
}

// AsSizeExceeded checks if err is a SizeExceededError and returns it.
func AsSizeExceeded(err error) (*SizeExceededError, bool) {
	var e *SizeExceededError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsNetwork checks if err is a NetworkError and returns it.
func AsNetwork(err error) (*NetworkError, bool) {
	var e *NetworkError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsTransport checks if err is a TransportError and returns it.
func AsTransport(err error) (*TransportError, bool) {
	var e *TransportError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsRateLimited checks if err is a RateLimitedError and returns it.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var e *RateLimitedError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// AsPartial checks if err is a PartialDeliveryError and returns it.
func AsPartial(err error) (*PartialDeliveryError, bool) {
	var e *PartialDeliveryError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Kind maps an error to a stable label for metrics, API responses and
// chat replies.
func Kind(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := AsSizeExceeded(err); ok {
		return "size_exceeded"
	}
	if _, ok := AsPartial(err); ok {
		return "partial"
	}
	if _, ok := AsRateLimited(err); ok {
		return "rate_limited"
	}
	if _, ok := AsTransport(err); ok {
		return "transport"
	}
	if _, ok := AsNetwork(err); ok {
		return "network"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "network"
	}
	return "internal"
}

// Describe renders err for the person who asked for the delivery. Size
// errors are reported verbatim, network errors generically and transport
// rejections with the remote's detail.
func Describe(err error) string {
	if err == nil {
		return "Delivered."
	}
	if se, ok := AsSizeExceeded(err); ok {
		return "File too large: " + se.Error() + "."
	}
	if pe, ok := AsPartial(err); ok {
		return "Delivered with missing parts: " + pe.Error() + "."
	}
	if rl, ok := AsRateLimited(err); ok {
		return fmt.Sprintf("The large-file transport is rate limited. Try again in %s.", rl.Wait.Round(time.Second))
	}
	if te, ok := AsTransport(err); ok {
		if te.Detail != "" {
			return fmt.Sprintf("The %s rejected the request: %s.", transportNoun(te.Transport), te.Detail)
		}
		return fmt.Sprintf("The %s rejected the request.", transportNoun(te.Transport))
	}
	if _, ok := AsNetwork(err); ok {
		return "Network error while transferring the file. Please try again."
	}
	if errors.Is(err, context.Canceled) {
		return "Delivery cancelled."
	}
	return "Delivery failed."
}

func transportNoun(t string) string {
	if t == "source" {
		return "source server"
	}
	return t + " transport"
}
