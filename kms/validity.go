package kms

import (
	"time"

	"github.com/ruteri/federated-kms/interfaces"
)

// IsValid reports whether test is an acceptable timestamp for a record with
// the given validity window, judged against the current instant.
func IsValid(test time.Time, w interfaces.HasValidityWindow) bool {
	return IsValidAt(time.Now(), test, w)
}

// IsValidAt is IsValid with an explicit current instant. All bounds are open:
//
//   - test must not be after now
//   - now must lie strictly inside (NotValidBefore, NotValidAfter)
//   - test must lie strictly inside (NotValidBefore, NotValidAfter)
func IsValidAt(now, test time.Time, w interfaces.HasValidityWindow) bool {
	if w == nil {
		return false
	}

	notBefore, notAfter := w.NotValidBefore(), w.NotValidAfter()
	if notBefore.IsZero() || notAfter.IsZero() {
		return false
	}

	if test.After(now) {
		return false
	}
	if !now.After(notBefore) || !now.Before(notAfter) {
		return false
	}
	if !test.After(notBefore) || !test.Before(notAfter) {
		return false
	}
	return true
}
