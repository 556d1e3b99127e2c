package queue

import (
	"context"
	"errors"
	"net"
	"syscall"
)

// Failure buckets transport errors so the poll loop can log routine
// outages quietly and real problems loudly.
type Failure int

const (
	FailureUnknown Failure = iota
	FailureRefused
	FailureTimeout
	FailureDNS
)

func (f Failure) String() string {
	switch f {
	case FailureRefused:
		return "connection refused"
	case FailureTimeout:
		return "timeout"
	case FailureDNS:
		return "dns"
	default:
		return "unknown"
	}
}

// Expected reports whether the failure is a routine outage, the kind a
// worker rides out by polling again.
func (f Failure) Expected() bool { return f != FailureUnknown }

// Classify maps a transport error from Next or Report to a failure
// bucket. Order matters, a DNS timeout counts as DNS.
func Classify(err error) Failure {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureDNS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureUnknown
}
