package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/letsgo/internal/model"
)

// requestColumns はrequestsテーブルから読み出すカラム。scanRequestの順序と一致させること。
const requestColumns = `id, request_type, customer_id, customer_display_name, description,
	pickup_address, dropoff_address, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
	fee, parcel_size, status, assigned_driver_id, created_at, updated_at`

// PostgresRequestRepo はPostgreSQLを使用した配達依頼リポジトリ。
// ステータス更新は全て現在の状態を条件としたUPDATEで行い、
// 読み出してから書き戻す処理は行わない。
type PostgresRequestRepo struct {
	db *sql.DB
}

// NewPostgresRequestRepo はPostgresRequestRepoを生成する。
func NewPostgresRequestRepo(db *sql.DB) *PostgresRequestRepo {
	return &PostgresRequestRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*model.DeliveryRequest, error) {
	req := &model.DeliveryRequest{}
	var requestType, status string
	var driverID sql.NullString

	err := row.Scan(
		&req.ID, &requestType, &req.CustomerID, &req.CustomerDisplayName, &req.Description,
		&req.PickupAddress, &req.DropoffAddress,
		&req.Pickup.Lat, &req.Pickup.Lng, &req.Dropoff.Lat, &req.Dropoff.Lng,
		&req.Fee, &req.ParcelSize, &status, &driverID, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	req.RequestType = model.RequestType(requestType)
	req.Status = model.RequestStatus(status)
	if driverID.Valid {
		req.AssignedDriverID = driverID.String
	}
	return req, nil
}

// Create は依頼を作成する。IDが空の場合はUUIDを採番する。
// 作成日時と更新日時はDB側で設定し、reqに書き戻す。
func (r *PostgresRequestRepo) Create(ctx context.Context, req *model.DeliveryRequest) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else if _, err := uuid.Parse(req.ID); err != nil {
		return fmt.Errorf("invalid request ID %q: %w", req.ID, err)
	}

	var driverID sql.NullString
	if req.IsAssigned() {
		driverID = sql.NullString{String: req.AssignedDriverID, Valid: true}
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO requests (
			id, request_type, customer_id, customer_display_name, description,
			pickup_address, dropoff_address, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
			fee, parcel_size, status, assigned_driver_id
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING created_at, updated_at`,
		req.ID, string(req.RequestType), req.CustomerID, req.CustomerDisplayName, req.Description,
		req.PickupAddress, req.DropoffAddress, req.Pickup.Lat, req.Pickup.Lng, req.Dropoff.Lat, req.Dropoff.Lng,
		req.Fee, req.ParcelSize, string(req.Status), driverID,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

// FindByID は指定IDの依頼を取得する。見つからない場合はnilを返す。
// UUIDとして解釈できないIDも見つからないものとして扱う。
func (r *PostgresRequestRepo) FindByID(ctx context.Context, id string) (*model.DeliveryRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find request by ID: %w", err)
	}
	return req, nil
}

// List は検索条件に一致する依頼を作成日時順に返す。
// 絞り込みフィールドと並び順はホワイトリストで検証してからSQLに埋め込む。
func (r *PostgresRequestRepo) List(ctx context.Context, q RequestQuery) ([]*model.DeliveryRequest, error) {
	switch q.Field {
	case RequestFieldStatus, RequestFieldCustomerID, RequestFieldAssignedDriverID:
	default:
		return nil, fmt.Errorf("unsupported request filter field: %q", q.Field)
	}

	order := SortAscending
	if q.Order == SortDescending {
		order = SortDescending
	}

	// customer_id / assigned_driver_id はUUID型のため、不正な値は一致なしとする
	if q.Field != RequestFieldStatus {
		if _, err := uuid.Parse(q.Value); err != nil {
			return []*model.DeliveryRequest{}, nil
		}
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM requests WHERE %s = $1 ORDER BY created_at %s, id %s`,
			requestColumns, q.Field, order, order),
		q.Value,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	requests := []*model.DeliveryRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request row: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate request rows: %w", err)
	}
	return requests, nil
}

// Accept はステータスがOPENの場合に限りdriverIDを割り当ててASSIGNEDにする。
// 条件付きUPDATE1文で行うため、同時に受諾した複数のドライバーのうち1人だけが成功する。
func (r *PostgresRequestRepo) Accept(ctx context.Context, id, driverID string) (*model.DeliveryRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrRequestNotFound
	}

	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`UPDATE requests
		 SET status = $3, assigned_driver_id = $2, updated_at = clock_timestamp()
		 WHERE id = $1 AND status = $4 AND assigned_driver_id IS NULL
		 RETURNING `+requestColumns,
		id, driverID, string(model.RequestStatusAssigned), string(model.RequestStatusOpen),
	))
	if err == sql.ErrNoRows {
		return nil, r.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to accept request: %w", err)
	}
	return req, nil
}

// AdvanceStatus は現在のステータスがfromかつ担当ドライバーがdriverIDの場合に限り
// ステータスをtoに更新する。
func (r *PostgresRequestRepo) AdvanceStatus(ctx context.Context, id, driverID string, from, to model.RequestStatus) (*model.DeliveryRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrRequestNotFound
	}

	req, err := scanRequest(r.db.QueryRowContext(ctx,
		`UPDATE requests
		 SET status = $4, updated_at = clock_timestamp()
		 WHERE id = $1 AND assigned_driver_id = $2 AND status = $3
		 RETURNING `+requestColumns,
		id, driverID, string(from), string(to),
	))
	if err == sql.ErrNoRows {
		return nil, r.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to advance request status: %w", err)
	}
	return req, nil
}

// missOrConflict は条件付きUPDATEが0件だった理由を判定する。
func (r *PostgresRequestRepo) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check request existence: %w", err)
	}
	if !exists {
		return ErrRequestNotFound
	}
	return ErrPreconditionFailed
}

// compile-time interface check
var _ RequestRepository = (*PostgresRequestRepo)(nil)
