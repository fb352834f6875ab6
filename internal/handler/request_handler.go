package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/letsgo/internal/client"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/security"
	"github.com/hitoshi/letsgo/internal/session"
)

// RequestHandler は配達依頼のHTTPハンドラー。
// 依頼の操作はリクエストに紐づくClientの依頼マネージャーを通して行う。
type RequestHandler struct {
	sanitizer security.TextSanitizer
}

// NewRequestHandler はRequestHandlerを生成する。
func NewRequestHandler(sanitizer security.TextSanitizer) *RequestHandler {
	return &RequestHandler{sanitizer: sanitizer}
}

type coordinatesJSON struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type createRequestRequest struct {
	ID             string          `json:"id"`
	RequestType    string          `json:"request_type"`
	Description    string          `json:"description"`
	PickupAddress  string          `json:"pickup_address"`
	DropoffAddress string          `json:"dropoff_address"`
	Pickup         coordinatesJSON `json:"pickup"`
	Dropoff        coordinatesJSON `json:"dropoff"`
	Fee            float64         `json:"fee"`
	ParcelSize     string          `json:"parcel_size"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// requestResponse は依頼のJSON表現。
type requestResponse struct {
	ID                  string              `json:"id"`
	RequestType         model.RequestType   `json:"request_type"`
	CustomerID          string              `json:"customer_id"`
	CustomerDisplayName string              `json:"customer_display_name"`
	Description         string              `json:"description"`
	PickupAddress       string              `json:"pickup_address"`
	DropoffAddress      string              `json:"dropoff_address"`
	Pickup              coordinatesJSON     `json:"pickup"`
	Dropoff             coordinatesJSON     `json:"dropoff"`
	Fee                 float64             `json:"fee"`
	ParcelSize          string              `json:"parcel_size,omitempty"`
	Status              model.RequestStatus `json:"status"`
	AssignedDriverID    string              `json:"assigned_driver_id,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

type requestListResponse struct {
	Requests []requestResponse `json:"requests"`
}

// Create は依頼を作成する。依頼者のみ実行できる。
// POST /api/requests
func (h *RequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	c, profile, ok := requireActive(w, r)
	if !ok {
		return
	}
	if profile.Role != model.RoleCustomer {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("Only customers can create requests."))
		return
	}

	var req createRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}

	dr, err := h.toDeliveryRequest(req, profile)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	created, err := c.Requests.CreateRequest(r.Context(), dr)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestResponse(created))
}

// ListOpen は未割り当ての依頼を古い順に返す。ドライバーのみ実行できる。
// GET /api/requests/open
func (h *RequestHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	c, profile, ok := requireActive(w, r)
	if !ok {
		return
	}
	if !profile.IsDriver() {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("Only drivers can browse open requests."))
		return
	}

	list, err := c.Requests.LoadOpenRequests(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestListResponse(list))
}

// ListMine は自分の依頼を新しい順に返す。ドライバーは担当分、依頼者は作成分。
// GET /api/requests/mine
func (h *RequestHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	c, profile, ok := requireActive(w, r)
	if !ok {
		return
	}

	list, err := c.Requests.LoadUserRequests(r.Context(), profile.ID, profile.IsDriver())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestListResponse(list))
}

// Accept は依頼を受諾する。他のドライバーが先に受諾していた場合は409を返す。
// POST /api/requests/{id}/accept
func (h *RequestHandler) Accept(w http.ResponseWriter, r *http.Request) {
	c, profile, ok := requireActive(w, r)
	if !ok {
		return
	}
	if !profile.IsDriver() {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("Only drivers can accept requests."))
		return
	}

	accepted, err := c.Requests.AcceptRequest(r.Context(), chi.URLParam(r, "id"), profile.ID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(accepted))
}

// UpdateStatus は担当ドライバーが依頼のステータスを1段階進める。
// PUT /api/requests/{id}/status
func (h *RequestHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	c, profile, ok := requireActive(w, r)
	if !ok {
		return
	}
	if !profile.IsDriver() {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewForbiddenError("Only drivers can update request status."))
		return
	}

	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		handleServiceError(w, err)
		return
	}
	next, ok := model.ParseRequestStatus(req.Status)
	if !ok {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("unknown status: "+req.Status))
		return
	}

	updated, err := c.Requests.UpdateStatus(r.Context(), chi.URLParam(r, "id"), profile.ID, next)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestResponse(updated))
}

// requireActive はサインイン済みでメールアドレスが確認済みかつプロフィールが読み込まれた
// Clientを返す。条件を満たさない場合はエラーを書き込んでfalseを返す。
func requireActive(w http.ResponseWriter, r *http.Request) (*client.Client, *model.Profile, bool) {
	c, ok := clientFromRequest(w, r)
	if !ok {
		return nil, nil, false
	}

	snap := c.Machine.Snapshot()
	success, ok := snap.State.(session.Success)
	if !ok || !success.EmailVerified || snap.Profile == nil {
		writeAPIErrorResponse(w, http.StatusForbidden,
			model.NewForbiddenError("A verified account with a loaded profile is required."))
		return nil, nil, false
	}
	return c, snap.Profile, true
}

// toDeliveryRequest は入力を検証・無害化して依頼に変換する。
// 依頼者の表示名は作成時点のプロフィールから写す。
func (h *RequestHandler) toDeliveryRequest(req createRequestRequest, profile *model.Profile) (*model.DeliveryRequest, error) {
	requestType, ok := model.ParseRequestType(req.RequestType)
	if !ok {
		return nil, model.NewValidationError("request_type must be PARCEL, ERRAND or FOOD")
	}

	description := h.sanitizer.Sanitize(req.Description)
	pickup := h.sanitizer.Sanitize(req.PickupAddress)
	dropoff := h.sanitizer.Sanitize(req.DropoffAddress)

	var missing []string
	if description == "" {
		missing = append(missing, "description")
	}
	if pickup == "" {
		missing = append(missing, "pickup_address")
	}
	if dropoff == "" {
		missing = append(missing, "dropoff_address")
	}
	if len(missing) > 0 {
		return nil, model.NewValidationError("missing required fields: " + strings.Join(missing, ", "))
	}
	if req.Fee < 0 {
		return nil, model.NewValidationError("fee must not be negative")
	}
	if !validCoordinates(req.Pickup) || !validCoordinates(req.Dropoff) {
		return nil, model.NewValidationError("coordinates are out of range")
	}

	parcelSize := ""
	if requestType == model.RequestTypeParcel {
		parcelSize = h.sanitizer.Sanitize(req.ParcelSize)
	}

	return &model.DeliveryRequest{
		ID:                  strings.TrimSpace(req.ID),
		RequestType:         requestType,
		CustomerID:          profile.ID,
		CustomerDisplayName: profile.DisplayName,
		Description:         description,
		PickupAddress:       pickup,
		DropoffAddress:      dropoff,
		Pickup:              model.Coordinates{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng},
		Dropoff:             model.Coordinates{Lat: req.Dropoff.Lat, Lng: req.Dropoff.Lng},
		Fee:                 req.Fee,
		ParcelSize:          parcelSize,
	}, nil
}

func validCoordinates(c coordinatesJSON) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func toRequestResponse(req *model.DeliveryRequest) requestResponse {
	return requestResponse{
		ID:                  req.ID,
		RequestType:         req.RequestType,
		CustomerID:          req.CustomerID,
		CustomerDisplayName: req.CustomerDisplayName,
		Description:         req.Description,
		PickupAddress:       req.PickupAddress,
		DropoffAddress:      req.DropoffAddress,
		Pickup:              coordinatesJSON{Lat: req.Pickup.Lat, Lng: req.Pickup.Lng},
		Dropoff:             coordinatesJSON{Lat: req.Dropoff.Lat, Lng: req.Dropoff.Lng},
		Fee:                 req.Fee,
		ParcelSize:          req.ParcelSize,
		Status:              req.Status,
		AssignedDriverID:    req.AssignedDriverID,
		CreatedAt:           req.CreatedAt,
		UpdatedAt:           req.UpdatedAt,
	}
}

func toRequestListResponse(list []*model.DeliveryRequest) requestListResponse {
	resp := requestListResponse{Requests: make([]requestResponse, 0, len(list))}
	for _, req := range list {
		resp.Requests = append(resp.Requests, toRequestResponse(req))
	}
	return resp
}
