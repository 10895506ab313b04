package orders

import "testing"

func TestNormalizeStatusCurrentValues(t *testing.T) {
	for _, s := range AllStatuses {
		got, ok := NormalizeStatus(string(s))
		if !ok || got != s {
			t.Fatalf("current value %s normalized to (%s, %v)", s, got, ok)
		}
	}
}

func TestNormalizeStatusLegacyValues(t *testing.T) {
	cases := map[string]Status{
		"PENDING":           StatusAwaitingFulfillment,
		"SCHEDULED":         StatusAwaitingFulfillment,
		"PROCESSING":        StatusInProgress,
		"PICKED_UP":         StatusInProgress,
		"EN_ROUTE":          StatusInProgress,
		"ON_SITE":           StatusInProgress,
		"QUOTE_SENT":        StatusQuoted,
		"AWAITING_APPROVAL": StatusPendingApproval,
		"CHARGED":           StatusPaid,
		"DONE":              StatusCompleted,
		"CANCELLED":         StatusCanceled,
		"VOID":              StatusFailedVoid,
		"FAILED":            StatusFailedVoid,
	}
	for raw, want := range cases {
		got, ok := NormalizeStatus(raw)
		if !ok || got != want {
			t.Fatalf("legacy %s normalized to (%s, %v), want %s", raw, got, ok, want)
		}
	}
}

func TestNormalizeStatusUnknownFallsBackSafely(t *testing.T) {
	got, ok := NormalizeStatus("SOMETHING_ELSE")
	if ok {
		t.Fatalf("unknown status reported as known")
	}
	if got != StatusAwaitingFulfillment {
		t.Fatalf("unknown status normalized to %s, want %s", got, StatusAwaitingFulfillment)
	}
}

func TestRoleTrusted(t *testing.T) {
	if !RoleAdmin.Trusted() || !RoleSaga.Trusted() {
		t.Fatalf("admin and saga must be trusted")
	}
	if RolePartner.Trusted() || RoleCustomer.Trusted() {
		t.Fatalf("partner and customer must not be trusted")
	}
}
