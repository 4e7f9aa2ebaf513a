package incentive

import (
	"context"
)

// =============================================================================
// ABUSE PREVENTION
// =============================================================================

// checkAbuse returns a non-empty rejection reason when the referral looks
// fraudulent:
//   - self-referral: referred phone equals the referrer's phone or is first
//     registered to the referrer, or (with CheckDeviceID) referred device
//     equals the referrer's device
//   - CheckPhone: another referral already used the referred phone
//   - CheckDeviceID: another referral already used the referred device
//
// Lookup failures follow policy.AbuseCheckFailureMode: OPEN logs, counts and
// skips the failed check; CLOSED returns the StorageError.
func (e *Engine) checkAbuse(ctx context.Context, s Stores, p PolicyConfig, r Referral) (string, error) {
	device := ""
	if r.ReferredUserDeviceID != nil {
		device = *r.ReferredUserDeviceID
	}

	referrer, err := s.Customers().GetCustomer(ctx, r.ReferrerUserID)
	if err != nil {
		if ferr := e.abuseLookupFailed(p, r, "load referrer", err); ferr != nil {
			return "", ferr
		}
	} else {
		if r.ReferredUserPhone != "" && referrer.Phone == r.ReferredUserPhone {
			return "Self-referral is not allowed", nil
		}
		if p.CheckDeviceID && device != "" && referrer.DeviceID == device {
			return "Self-referral is not allowed", nil
		}
	}

	if r.ReferredUserPhone != "" {
		owner, err := s.Customers().FindByPhone(ctx, r.ReferredUserPhone)
		switch {
		case err == nil:
			if owner.ID == r.ReferrerUserID {
				return "Self-referral is not allowed", nil
			}
		case !IsNotFound(err):
			if ferr := e.abuseLookupFailed(p, r, "find customer by phone", err); ferr != nil {
				return "", ferr
			}
		}
	}

	phone := ""
	if p.CheckPhone {
		phone = r.ReferredUserPhone
	}
	if !p.CheckDeviceID {
		device = ""
	}
	if phone == "" && device == "" {
		return "", nil
	}

	dup, err := s.Referrals().FindDuplicate(ctx, phone, device, r.ID)
	if err != nil {
		return "", e.abuseLookupFailed(p, r, "find duplicate referral", err)
	}
	if dup {
		return "Phone number or device was already used for another referral", nil
	}
	return "", nil
}

func (e *Engine) abuseLookupFailed(p PolicyConfig, r Referral, op string, err error) error {
	mode := p.AbuseCheckFailureMode
	if mode == "" {
		mode = AbuseOpen
	}
	e.metrics.AbuseLookupFailed(mode)
	if p.FailClosedOnAbuseLookup() {
		return NewStorageError(op, err)
	}
	e.logger.Warn("abuse check lookup failed, allowing referral",
		"referral_id", r.ID, "op", op, "error", err, "mode", mode)
	return nil
}
