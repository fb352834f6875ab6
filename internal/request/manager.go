// Package request は配達依頼の作成・一覧・ステータス遷移を管理する。
package request

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/letsgo/internal/metrics"
	"github.com/hitoshi/letsgo/internal/model"
	"github.com/hitoshi/letsgo/internal/observe"
	"github.com/hitoshi/letsgo/internal/repository"
)

// storeUnavailable は利用者向けメッセージに含める障害理由。詳細はログにのみ出力する。
const storeUnavailable = "the request store is unavailable"

// Snapshot はManagerが公開する状態の単位。各フィールドは常に同時に置き換わる。
// スライスは公開後に変更されないため、受け取った側も変更してはならない。
type Snapshot struct {
	// Open はステータスがOPENの依頼一覧（作成日時の古い順）。
	Open []*model.DeliveryRequest
	// Mine は利用者自身の依頼一覧（作成日時の新しい順）。
	Mine []*model.DeliveryRequest
	// Loading はOPEN一覧の読み込み中にtrueになる。
	Loading bool
	// Err は直前の操作の失敗理由。成功した操作の開始時にnilに戻る。
	Err error
}

// Options はManagerの任意設定。
type Options struct {
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// Manager は1利用者分の配達依頼の操作と、その結果の公開を行う。
//
// 一覧の読み込みは一覧ごとに発行番号を持ち、表示中の結果より後に発行された読み込みの
// 結果だけを反映する。遅い読み込みが後から完了しても、新しい結果は上書きされない。
type Manager struct {
	repo    repository.RequestRepository
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	mu          sync.Mutex
	openIssued  uint64
	openApplied uint64
	openLoads   int
	mineIssued  uint64
	mineApplied uint64

	value *observe.Value[Snapshot]
}

// NewManager はManagerを生成する。
func NewManager(repo repository.RequestRepository, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Manager{
		repo:    repo,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		value: observe.New(Snapshot{
			Open: []*model.DeliveryRequest{},
			Mine: []*model.DeliveryRequest{},
		}),
	}
}

// Snapshot は現在公開されている状態を返す。
func (m *Manager) Snapshot() Snapshot {
	return m.value.Load()
}

// Err は直前の操作の失敗理由を返す。失敗していない場合はnil。
func (m *Manager) Err() error {
	return m.value.Load().Err
}

// Subscribe は状態の更新を購読する。
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	return m.value.Subscribe()
}

// Close は購読を全て終了する。
func (m *Manager) Close() {
	m.value.Close()
}

// CreateRequest は依頼をOPENとして作成する。IDが空の場合はストアが採番する。
// 業務項目の検証は呼び出し側の責務とし、ここでは行わない。
func (m *Manager) CreateRequest(ctx context.Context, req *model.DeliveryRequest) (*model.DeliveryRequest, error) {
	m.clearErr()

	created := *req
	created.Status = model.RequestStatusOpen
	created.AssignedDriverID = ""

	start := time.Now()
	err := m.repo.Create(ctx, &created)
	m.metrics.RecordStoreLatency("request_create", time.Since(start))
	if err != nil {
		m.logger.Error("failed to create request",
			slog.String("customer_id", req.CustomerID),
			slog.String("error", err.Error()),
		)
		return nil, m.failed("create", model.NewStoreWriteFailureError(storeUnavailable))
	}

	m.metrics.RecordRequestOperation("create", metrics.ResultSuccess)
	m.logger.Info("request created",
		slog.String("request_id", created.ID),
		slog.String("customer_id", created.CustomerID),
		slog.String("request_type", string(created.RequestType)),
	)
	m.value.Update(func(s Snapshot) Snapshot {
		s.Mine = prepend(s.Mine, &created)
		return s
	})
	return &created, nil
}

// LoadOpenRequests はOPENの依頼を作成日時の古い順に読み込み、公開する。
func (m *Manager) LoadOpenRequests(ctx context.Context) ([]*model.DeliveryRequest, error) {
	m.mu.Lock()
	m.openIssued++
	seq := m.openIssued
	m.openLoads++
	m.mu.Unlock()
	m.value.Update(func(s Snapshot) Snapshot {
		s.Loading = true
		s.Err = nil
		return s
	})

	start := time.Now()
	list, err := m.repo.List(ctx, repository.RequestQuery{
		Field: repository.RequestFieldStatus,
		Value: string(model.RequestStatusOpen),
		Order: repository.SortAscending,
	})
	m.metrics.RecordStoreLatency("request_list_open", time.Since(start))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.openLoads--
	loading := m.openLoads > 0

	if err != nil {
		m.logger.Error("failed to load open requests",
			slog.Uint64("sequence", seq),
			slog.String("error", err.Error()),
		)
		apiErr := model.NewStoreReadFailureError(storeUnavailable)
		m.metrics.RecordRequestOperation("list_open", metrics.ResultFailure)
		// 表示中の一覧より古い読み込みの失敗は公開しない
		publish := seq > m.openApplied
		if publish {
			m.openApplied = seq
		}
		m.value.Update(func(s Snapshot) Snapshot {
			s.Loading = loading
			if publish {
				s.Err = apiErr
			}
			return s
		})
		return nil, apiErr
	}

	m.metrics.RecordRequestOperation("list_open", metrics.ResultSuccess)
	apply := seq > m.openApplied
	if apply {
		m.openApplied = seq
	} else {
		m.logger.Debug("discarded stale open request list",
			slog.Uint64("sequence", seq),
			slog.Uint64("applied_sequence", m.openApplied),
		)
	}
	m.value.Update(func(s Snapshot) Snapshot {
		s.Loading = loading
		if apply {
			s.Open = list
		}
		return s
	})
	return list, nil
}

// LoadUserRequests はuserIDの依頼を作成日時の新しい順に読み込み、公開する。
// asDriverがtrueの場合は担当ドライバーとして、falseの場合は依頼者として検索する。
func (m *Manager) LoadUserRequests(ctx context.Context, userID string, asDriver bool) ([]*model.DeliveryRequest, error) {
	m.mu.Lock()
	m.mineIssued++
	seq := m.mineIssued
	m.mu.Unlock()
	m.clearErr()

	field := repository.RequestFieldCustomerID
	if asDriver {
		field = repository.RequestFieldAssignedDriverID
	}

	start := time.Now()
	list, err := m.repo.List(ctx, repository.RequestQuery{
		Field: field,
		Value: userID,
		Order: repository.SortDescending,
	})
	m.metrics.RecordStoreLatency("request_list_mine", time.Since(start))
	if err != nil {
		m.logger.Error("failed to load user requests",
			slog.String("user_id", userID),
			slog.Bool("as_driver", asDriver),
			slog.String("error", err.Error()),
		)
		return nil, m.failed("list_mine", model.NewStoreReadFailureError(storeUnavailable))
	}
	m.metrics.RecordRequestOperation("list_mine", metrics.ResultSuccess)

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq > m.mineApplied {
		m.mineApplied = seq
		m.value.Update(func(s Snapshot) Snapshot {
			s.Mine = list
			return s
		})
	}
	return list, nil
}

// AcceptRequest はドライバーdriverIDとしてOPENの依頼を受諾する。
// 他のドライバーが先に受諾していた場合はCONFLICTエラーを返し、依頼は変更しない。
// 自動での再試行は行わない。
func (m *Manager) AcceptRequest(ctx context.Context, requestID, driverID string) (*model.DeliveryRequest, error) {
	m.clearErr()

	start := time.Now()
	accepted, err := m.repo.Accept(ctx, requestID, driverID)
	m.metrics.RecordStoreLatency("request_accept", time.Since(start))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPreconditionFailed):
			m.metrics.RecordAcceptConflict()
			m.logger.Info("request already accepted by another driver",
				slog.String("request_id", requestID),
				slog.String("driver_id", driverID),
			)
			m.removeOpen(requestID)
			return nil, m.failedWith("accept", metrics.ResultConflict, model.NewConflictError(requestID))
		case errors.Is(err, repository.ErrRequestNotFound):
			m.removeOpen(requestID)
			return nil, m.failedWith("accept", metrics.ResultRejected, model.NewRequestNotFoundError(requestID))
		default:
			m.logger.Error("failed to accept request",
				slog.String("request_id", requestID),
				slog.String("driver_id", driverID),
				slog.String("error", err.Error()),
			)
			return nil, m.failed("accept", model.NewStoreWriteFailureError(storeUnavailable))
		}
	}

	m.metrics.RecordRequestOperation("accept", metrics.ResultSuccess)
	m.logger.Info("request accepted",
		slog.String("request_id", requestID),
		slog.String("driver_id", driverID),
	)
	m.value.Update(func(s Snapshot) Snapshot {
		s.Open = without(s.Open, requestID)
		s.Mine = prepend(without(s.Mine, requestID), accepted)
		return s
	})
	return accepted, nil
}

// UpdateStatus は担当ドライバーdriverIDとして依頼のステータスをnextに進める。
// 直後のステータスへの1段階の前進のみ許可し、後退・スキップ・同一ステータスは
// INVALID_TRANSITIONとして拒否する。更新は読み出した時点のステータスを条件に行う。
func (m *Manager) UpdateStatus(ctx context.Context, requestID, driverID string, next model.RequestStatus) (*model.DeliveryRequest, error) {
	m.clearErr()

	current, err := m.repo.FindByID(ctx, requestID)
	if err != nil {
		m.logger.Error("failed to load request for status update",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		return nil, m.failed("update_status", model.NewStoreWriteFailureError(storeUnavailable))
	}
	if current == nil {
		return nil, m.failedWith("update_status", metrics.ResultRejected, model.NewRequestNotFoundError(requestID))
	}
	if !current.Status.CanAdvanceTo(next) || current.Status == model.RequestStatusOpen {
		return nil, m.failedWith("update_status", metrics.ResultRejected, model.NewInvalidTransitionError(current.Status, next))
	}
	if current.AssignedDriverID != driverID {
		return nil, m.failedWith("update_status", metrics.ResultRejected,
			model.NewForbiddenError("Only the assigned driver can update this request."))
	}

	start := time.Now()
	updated, err := m.repo.AdvanceStatus(ctx, requestID, driverID, current.Status, next)
	m.metrics.RecordStoreLatency("request_advance", time.Since(start))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrPreconditionFailed):
			return nil, m.failedWith("update_status", metrics.ResultConflict, model.NewStatusChangedError(requestID))
		case errors.Is(err, repository.ErrRequestNotFound):
			return nil, m.failedWith("update_status", metrics.ResultRejected, model.NewRequestNotFoundError(requestID))
		default:
			m.logger.Error("failed to update request status",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()),
			)
			return nil, m.failed("update_status", model.NewStoreWriteFailureError(storeUnavailable))
		}
	}

	m.metrics.RecordRequestOperation("update_status", metrics.ResultSuccess)
	m.logger.Info("request status updated",
		slog.String("request_id", requestID),
		slog.String("from", string(current.Status)),
		slog.String("to", string(next)),
	)
	m.value.Update(func(s Snapshot) Snapshot {
		s.Mine = replace(s.Mine, updated)
		return s
	})
	return updated, nil
}

func (m *Manager) clearErr() {
	m.value.Update(func(s Snapshot) Snapshot {
		s.Err = nil
		return s
	})
}

func (m *Manager) failed(operation string, apiErr *model.APIError) error {
	return m.failedWith(operation, metrics.ResultFailure, apiErr)
}

// failedWith はapiErrをエラー信号として公開し、そのまま返す。
func (m *Manager) failedWith(operation, result string, apiErr *model.APIError) error {
	m.metrics.RecordRequestOperation(operation, result)
	m.value.Update(func(s Snapshot) Snapshot {
		s.Err = apiErr
		return s
	})
	return apiErr
}

func (m *Manager) removeOpen(requestID string) {
	m.value.Update(func(s Snapshot) Snapshot {
		s.Open = without(s.Open, requestID)
		return s
	})
}

// without はidの依頼を除いた新しいスライスを返す。
func without(list []*model.DeliveryRequest, id string) []*model.DeliveryRequest {
	out := make([]*model.DeliveryRequest, 0, len(list))
	for _, r := range list {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func prepend(list []*model.DeliveryRequest, req *model.DeliveryRequest) []*model.DeliveryRequest {
	out := make([]*model.DeliveryRequest, 0, len(list)+1)
	out = append(out, req)
	return append(out, list...)
}

// replace はreqと同じIDの依頼を置き換えた新しいスライスを返す。
func replace(list []*model.DeliveryRequest, req *model.DeliveryRequest) []*model.DeliveryRequest {
	out := make([]*model.DeliveryRequest, len(list))
	for i, r := range list {
		if r.ID == req.ID {
			out[i] = req
		} else {
			out[i] = r
		}
	}
	return out
}
