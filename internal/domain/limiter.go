package domain

import "time"

// Admission is the rate limiter's decision for an inbound turn.
// RetryAfter is only meaningful when Allowed is false.
type Admission struct {
	Allowed    bool
	RetryAfter time.Duration
}

// AdmissionGate decides whether a principal's turn may proceed.
// Evaluated once per inbound message, before any thread state is touched.
type AdmissionGate interface {
	Admit(principalID string) Admission
}
