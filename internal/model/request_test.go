package model

import "testing"

func TestRequestStatus_CanAdvanceTo(t *testing.T) {
	tests := []struct {
		from RequestStatus
		to   RequestStatus
		want bool
	}{
		{RequestStatusOpen, RequestStatusAssigned, true},
		{RequestStatusAssigned, RequestStatusInTransit, true},
		{RequestStatusInTransit, RequestStatusCompleted, true},
		// スキップは許可しない
		{RequestStatusAssigned, RequestStatusCompleted, false},
		{RequestStatusOpen, RequestStatusInTransit, false},
		// 後退は許可しない
		{RequestStatusInTransit, RequestStatusAssigned, false},
		{RequestStatusCompleted, RequestStatusOpen, false},
		// 同一ステータスへの遷移も許可しない
		{RequestStatusAssigned, RequestStatusAssigned, false},
		{RequestStatusCompleted, RequestStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanAdvanceTo(tt.to); got != tt.want {
				t.Errorf("CanAdvanceTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRequestStatus_Next_CompletedIsTerminal(t *testing.T) {
	if _, ok := RequestStatusCompleted.Next(); ok {
		t.Error("COMPLETED should have no next status")
	}
}

func TestDeliveryRequest_IsAssigned(t *testing.T) {
	open := &DeliveryRequest{Status: RequestStatusOpen}
	if open.IsAssigned() {
		t.Error("OPEN request without driver should not be assigned")
	}
	assigned := &DeliveryRequest{Status: RequestStatusAssigned, AssignedDriverID: "driver-1"}
	if !assigned.IsAssigned() {
		t.Error("request with a driver should be assigned")
	}
}

func TestParseRequestStatus(t *testing.T) {
	for _, s := range []string{"OPEN", "ASSIGNED", "IN_TRANSIT", "COMPLETED"} {
		if _, ok := ParseRequestStatus(s); !ok {
			t.Errorf("ParseRequestStatus(%q) should succeed", s)
		}
	}
	if _, ok := ParseRequestStatus("open"); ok {
		t.Error("status values are case sensitive")
	}
}

func TestParseRole(t *testing.T) {
	if r, ok := ParseRole("DRIVER"); !ok || r != RoleDriver {
		t.Errorf("ParseRole(DRIVER) = %q, %v", r, ok)
	}
	if _, ok := ParseRole("ADMIN"); ok {
		t.Error("ADMIN is not a valid role")
	}
}

func TestParseRequestType(t *testing.T) {
	if rt, ok := ParseRequestType("PARCEL"); !ok || rt != RequestTypeParcel {
		t.Errorf("ParseRequestType(PARCEL) = %q, %v", rt, ok)
	}
	if _, ok := ParseRequestType(""); ok {
		t.Error("empty request type should be rejected")
	}
}

func TestAPIError_HasCode(t *testing.T) {
	err := NewConflictError("req-1")
	if !HasCode(err, ErrCodeConflict) {
		t.Error("expected CONFLICT code")
	}
	if HasCode(err, ErrCodeAuthFailure) {
		t.Error("did not expect AUTH_FAILURE code")
	}
	if HasCode(nil, ErrCodeConflict) {
		t.Error("nil error has no code")
	}
}
