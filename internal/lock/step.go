package lock

// StepLock is the swap timelock: submit within one step of agreement,
// confirm within two, refund strictly after two.
type StepLock struct {
	AgreementReachedTime int64 `json:"agreementReachedTime"`
	StepTime             int64 `json:"stepTime"`
}

func (l StepLock) at(steps int64) (int64, error) {
	d, ok := mulInt64(l.StepTime, steps)
	if !ok {
		return 0, ErrInvalidTimelock
	}
	v, ok := addInt64(l.AgreementReachedTime, d)
	if !ok {
		return 0, ErrInvalidTimelock
	}
	return v, nil
}

func (l StepLock) Validate() error {
	if l.StepTime < 0 {
		return ErrInvalidTimelock
	}
	end, err := l.at(2)
	if err != nil {
		return err
	}
	if _, ok := addInt64(end, 1); !ok {
		return ErrInvalidTimelock
	}
	return nil
}

// SubmitWindow is the inclusive window for SubmitSwap.
func (l StepLock) SubmitWindow() (Window, error) {
	end, err := l.at(1)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: Unbounded, End: end}, nil
}

// ConfirmWindow is the inclusive window for ConfirmSwap.
func (l StepLock) ConfirmWindow() (Window, error) {
	end, err := l.at(2)
	if err != nil {
		return Window{}, err
	}
	return Window{Start: Unbounded, End: end}, nil
}

// Refundable is strict so that it never overlaps the inclusive confirm end.
func (l StepLock) Refundable(now int64) error {
	end, err := l.at(2)
	if err != nil {
		return err
	}
	if now <= end {
		return ErrNotRefundable
	}
	return nil
}

// RefundAt is the first instant at which Refundable succeeds.
func (l StepLock) RefundAt() int64 {
	end, err := l.at(2)
	if err != nil {
		return Unbounded
	}
	return end + 1
}
