package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestCreditErrorCodeOf(t *testing.T) {
	err := NewInsufficientCreditsError(MemberSubject("org-1", "user-a"), "remaining 950, requested 2000")

	if got := CodeOf(err); got != CodeInsufficientCredits {
		t.Errorf("CodeOf = %q, want %q", got, CodeInsufficientCredits)
	}

	// Wrapping must not hide the code.
	wrapped := fmt.Errorf("deduct: %w", err)
	if !IsCode(wrapped, CodeInsufficientCredits) {
		t.Error("IsCode should see through fmt.Errorf wrapping")
	}

	if got := CodeOf(errors.New("plain")); got != "" {
		t.Errorf("CodeOf(plain error) = %q, want empty", got)
	}
}

func TestCreditErrorHTTPStatusCodes(t *testing.T) {
	cases := []struct {
		err  *CreditError
		want int
	}{
		{NewInsufficientCreditsError(IndividualSubject("u"), "m"), http.StatusPaymentRequired},
		{NewInsufficientPoolCreditsError("org", "m"), http.StatusPaymentRequired},
		{NewConcurrencyTimeoutError(IndividualSubject("u"), nil), http.StatusServiceUnavailable},
		{NewInvalidAllocationError("org", "u", "m"), http.StatusUnprocessableEntity},
		{NewInvalidAmountError("m"), http.StatusUnprocessableEntity},
		{NewUnknownSubjectError(IndividualSubject("ghost")), http.StatusNotFound},
	}

	for _, tc := range cases {
		if got := tc.err.HTTPStatusCode(); got != tc.want {
			t.Errorf("%s: HTTPStatusCode = %d, want %d", tc.err.Code, got, tc.want)
		}
	}
}

func TestCreditErrorUnwrap(t *testing.T) {
	cause := errors.New("lock_timeout")
	err := NewConcurrencyTimeoutError(PoolSubject("org-1"), cause)

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}

func TestSubjectRefShapes(t *testing.T) {
	member := MemberSubject("org-1", "user-a")
	if member.Scope() != ScopeOrganization || member.IsPool() {
		t.Errorf("member subject misclassified: scope=%s pool=%v", member.Scope(), member.IsPool())
	}

	pool := PoolSubject("org-1")
	if !pool.IsPool() {
		t.Error("pool subject should report IsPool")
	}
	if pool.String() != "org-1/pool" {
		t.Errorf("pool String = %q", pool.String())
	}

	individual := IndividualSubject("user-a")
	if individual.Scope() != ScopeIndividual {
		t.Errorf("individual scope = %s", individual.Scope())
	}

	if err := (SubjectRef{}).Validate(); err == nil {
		t.Error("empty subject should fail validation")
	}
}
