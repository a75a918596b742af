package lock

// MaxRefundHorizon bounds how far in the future an absolute lock may place
// its refund time, in seconds.
const MaxRefundHorizon int64 = 365 * 24 * 60 * 60

// Deadline is a single hash commitment that unlocks until its deadline.
type Deadline struct {
	Hash     Hash  `json:"hash"`
	Deadline int64 `json:"deadline"`
}

// Check fails with ErrDeadlineExceeded once now is past the deadline, and
// with ErrPreimageMismatch when the pre-image does not match.
func (d Deadline) Check(preimage []byte, now int64) error {
	if now > d.Deadline {
		return ErrDeadlineExceeded
	}
	if !d.Hash.Matches(preimage) {
		return ErrPreimageMismatch
	}
	return nil
}

// Absolute is an OR of one or two deadline locks plus a refund time.
type Absolute struct {
	Lock1      Deadline  `json:"lock1"`
	Lock2      *Deadline `json:"lock2,omitempty"`
	RefundTime int64     `json:"refundTime"`
}

// Deadlines returns the configured locks in evaluation order.
func (a Absolute) Deadlines() []Deadline {
	if a.Lock2 == nil {
		return []Deadline{a.Lock1}
	}
	return []Deadline{a.Lock1, *a.Lock2}
}

// Validate checks the creation invariants at time now: every deadline lies
// in (now, refund_time] and refund_time is at most MaxRefundHorizon away.
func (a Absolute) Validate(now int64) error {
	horizon, ok := addInt64(now, MaxRefundHorizon)
	if !ok || a.RefundTime > horizon {
		return ErrInvalidRefundTime
	}
	for _, d := range a.Deadlines() {
		if d.Deadline <= now {
			return ErrDeadlineExceeded
		}
		if d.Deadline > a.RefundTime {
			return ErrInvalidRefundTime
		}
	}
	return nil
}

// Check tries lock1 first; if it fails and lock2 exists, lock2's result is
// returned, otherwise lock1's failure.
func (a Absolute) Check(preimage []byte, now int64) error {
	err := a.Lock1.Check(preimage, now)
	if err == nil {
		return nil
	}
	if a.Lock2 != nil {
		return a.Lock2.Check(preimage, now)
	}
	return err
}

// Refundable requires the refund time to be reached and every deadline to
// have passed.
func (a Absolute) Refundable(now int64) error {
	if now < a.RefundTime {
		return ErrNotRefundable
	}
	for _, d := range a.Deadlines() {
		if now <= d.Deadline {
			return ErrNotRefundable
		}
	}
	return nil
}

// RefundAt is the first instant at which Refundable succeeds.
func (a Absolute) RefundAt() int64 {
	at := a.RefundTime
	for _, d := range a.Deadlines() {
		if d.Deadline >= at {
			at = d.Deadline + 1
		}
	}
	return at
}
