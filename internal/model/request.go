package model

import "time"

// RequestType は配達依頼の種別を表す。
type RequestType string

const (
	// RequestTypeParcel は荷物の配送。ParcelSizeが意味を持つのはこの種別のみ。
	RequestTypeParcel RequestType = "PARCEL"
	// RequestTypeErrand は買い物などの代行。
	RequestTypeErrand RequestType = "ERRAND"
	// RequestTypeFood は飲食物の配達。
	RequestTypeFood RequestType = "FOOD"
)

// ParseRequestType は文字列からRequestTypeを解析する。
func ParseRequestType(s string) (RequestType, bool) {
	switch RequestType(s) {
	case RequestTypeParcel, RequestTypeErrand, RequestTypeFood:
		return RequestType(s), true
	default:
		return "", false
	}
}

// RequestStatus は配達依頼のライフサイクル状態。
// OPEN → ASSIGNED → IN_TRANSIT → COMPLETED の一方向にのみ遷移する。
type RequestStatus string

const (
	// RequestStatusOpen はドライバー未割り当て。
	RequestStatusOpen RequestStatus = "OPEN"
	// RequestStatusAssigned はドライバーが受諾済み。
	RequestStatusAssigned RequestStatus = "ASSIGNED"
	// RequestStatusInTransit は配達中。
	RequestStatusInTransit RequestStatus = "IN_TRANSIT"
	// RequestStatusCompleted は配達完了。
	RequestStatusCompleted RequestStatus = "COMPLETED"
)

// requestStatusOrder はステータスの順序。
var requestStatusOrder = map[RequestStatus]int{
	RequestStatusOpen:      0,
	RequestStatusAssigned:  1,
	RequestStatusInTransit: 2,
	RequestStatusCompleted: 3,
}

// ParseRequestStatus は文字列からRequestStatusを解析する。
func ParseRequestStatus(s string) (RequestStatus, bool) {
	st := RequestStatus(s)
	if _, ok := requestStatusOrder[st]; !ok {
		return "", false
	}
	return st, true
}

// Next は次のステータスを返す。COMPLETEDの場合はfalseを返す。
func (s RequestStatus) Next() (RequestStatus, bool) {
	switch s {
	case RequestStatusOpen:
		return RequestStatusAssigned, true
	case RequestStatusAssigned:
		return RequestStatusInTransit, true
	case RequestStatusInTransit:
		return RequestStatusCompleted, true
	default:
		return "", false
	}
}

// CanAdvanceTo はsからnextへの遷移が許可されるかを返す。
// 直後のステータスへの1段階の前進のみ許可する。
func (s RequestStatus) CanAdvanceTo(next RequestStatus) bool {
	n, ok := s.Next()
	return ok && n == next
}

// Coordinates は緯度経度。
type Coordinates struct {
	Lat float64
	Lng float64
}

// DeliveryRequest は顧客が作成する配達依頼。
// AssignedDriverIDはStatusがOPENの間のみ空になる。
// CustomerIDとCreatedAtは作成後に変更されない。
type DeliveryRequest struct {
	ID                  string
	RequestType         RequestType
	CustomerID          string
	CustomerDisplayName string
	Description         string
	PickupAddress       string
	DropoffAddress      string
	Pickup              Coordinates
	Dropoff             Coordinates
	Fee                 float64
	ParcelSize          string
	Status              RequestStatus
	AssignedDriverID    string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsAssigned はドライバーが割り当て済みかどうかを返す。
func (r *DeliveryRequest) IsAssigned() bool {
	return r.AssignedDriverID != ""
}
