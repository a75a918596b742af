package lock

// Step identifies a lifecycle step gated by a relative lock.
type Step int

const (
	StepPrepare Step = iota + 1
	StepConfirm
)

func (s Step) String() string {
	switch s {
	case StepPrepare:
		return "prepare"
	case StepConfirm:
		return "confirm"
	}
	return "unknown"
}

// Relative anchors every window to the agreement time. The model is
// asymmetric: the party that is not the original sender confirms in a
// narrower slot that opens only once the sender's own window has closed.
//
//	prepare  outbound: <= a+1e            inbound: <= a+2e
//	confirm  outbound: sender <= a+3e     other: [a+3e+2t, a+3e+3t]
//	         inbound:  sender <= a+3e+1t  other: [a+3e+1t, a+3e+2t]
//	refund   >= earliest refund time, which must exceed a+3e+3t
type Relative struct {
	Hash                   Hash  `json:"hash"`
	AgreementReachedTime   int64 `json:"agreementReachedTime"`
	ExpectedSingleStepTime int64 `json:"expectedSingleStepTime"`
	TolerantSingleStepTime int64 `json:"tolerantSingleStepTime"`
	EarliestRefundTime     int64 `json:"earliestRefundTime"`
}

// at returns a + expected·e + tolerant·t.
func (l Relative) at(expected, tolerant int64) (int64, error) {
	e, ok := mulInt64(l.ExpectedSingleStepTime, expected)
	if !ok {
		return 0, ErrInvalidTimelock
	}
	t, ok := mulInt64(l.TolerantSingleStepTime, tolerant)
	if !ok {
		return 0, ErrInvalidTimelock
	}
	v, ok := addInt64(l.AgreementReachedTime, e)
	if !ok {
		return 0, ErrInvalidTimelock
	}
	v, ok = addInt64(v, t)
	if !ok {
		return 0, ErrInvalidTimelock
	}
	return v, nil
}

// Validate checks the step durations and that every window bound is
// representable. It does not check the refund invariant; see CheckRefundTime.
func (l Relative) Validate() error {
	if l.ExpectedSingleStepTime < 0 || l.TolerantSingleStepTime < 0 {
		return ErrInvalidTimelock
	}
	_, err := l.at(3, 3)
	return err
}

// CheckRefundTime enforces earliest_refund_time > a+3e+3t so that a sender is
// never exposed to a valid confirm and a valid refund at the same instant.
func (l Relative) CheckRefundTime() error {
	latest, err := l.at(3, 3)
	if err != nil {
		return err
	}
	if l.EarliestRefundTime <= latest {
		return ErrInvalidRefundTime
	}
	return nil
}

// CheckHashlock verifies the revealed pre-image against the commitment.
func (l Relative) CheckHashlock(preimage []byte) error {
	if !l.Hash.Matches(preimage) {
		return ErrPreimageMismatch
	}
	return nil
}

// Window returns the inclusive window in which step may run.
// isSender is whether the caller is the escrow's original sender; isOut is the
// escrow's direction flag.
func (l Relative) Window(step Step, isSender, isOut bool) (Window, error) {
	switch step {
	case StepPrepare:
		steps := int64(2)
		if isOut {
			steps = 1
		}
		end, err := l.at(steps, 0)
		if err != nil {
			return Window{}, err
		}
		return Window{Start: Unbounded, End: end}, nil
	case StepConfirm:
		// Tolerant-step offsets: sender end, counterparty start, counterparty end.
		senderEnd, otherStart, otherEnd := int64(1), int64(1), int64(2)
		if isOut {
			senderEnd, otherStart, otherEnd = 0, 2, 3
		}
		if isSender {
			end, err := l.at(3, senderEnd)
			if err != nil {
				return Window{}, err
			}
			return Window{Start: Unbounded, End: end}, nil
		}
		start, err := l.at(3, otherStart)
		if err != nil {
			return Window{}, err
		}
		end, err := l.at(3, otherEnd)
		if err != nil {
			return Window{}, err
		}
		return Window{Start: start, End: end}, nil
	}
	return Window{}, ErrInvalidTimelock
}

// CheckPrepare rejects creation once the prepare deadline has passed.
func (l Relative) CheckPrepare(now int64, isOut bool) error {
	w, err := l.Window(StepPrepare, true, isOut)
	if err != nil {
		return err
	}
	return w.Check(now)
}

// CheckConfirm verifies the pre-image, then the caller's confirm window.
func (l Relative) CheckConfirm(preimage []byte, now int64, isSender, isOut bool) error {
	if err := l.CheckHashlock(preimage); err != nil {
		return err
	}
	w, err := l.Window(StepConfirm, isSender, isOut)
	if err != nil {
		return err
	}
	return w.Check(now)
}

// Refundable reports ErrNotRefundable before the earliest refund time.
func (l Relative) Refundable(now int64) error {
	if now < l.EarliestRefundTime {
		return ErrNotRefundable
	}
	return nil
}

// RefundAt is the first instant at which a refund is permitted.
func (l Relative) RefundAt() int64 {
	return l.EarliestRefundTime
}
