package jobstore

import (
	"FinDocAnalyzer/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GormStore implements Store on a relational database (sqlite or MySQL).
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps db. Call Migrate before first use on a fresh database.
func NewGormStore(db *gorm.DB, opts ...Option) *GormStore {
	o := buildOptions(opts)
	return &GormStore{db: db, now: func() time.Time { return o.now().UTC() }}
}

// Migrate creates or updates the analysis_results and task_queue tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&models.Job{}, &models.TaskHandle{}); err != nil {
		return fmt.Errorf("自动迁移失败: %w", err)
	}
	return nil
}

// Create 创建一条 pending 状态的分析记录。
func (s *GormStore) Create(ctx context.Context, in models.NewJob) (*models.Job, error) {
	if err := validateNew(in); err != nil {
		return nil, err
	}
	now := s.now()
	job := &models.Job{
		ID:           uuid.NewString(),
		FileName:     in.FileName,
		FilePath:     in.FilePath,
		Query:        in.Query,
		FileSource:   in.FileSource,
		Status:       models.JobStatusPending,
		FileSize:     in.FileSize,
		FileType:     in.FileType,
		OutputFormat: "txt",
		Metadata:     mergeMetadata(nil, in.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, fmt.Errorf("创建分析记录失败: %w", err)
	}
	return job, nil
}

// Get 按 ID 查询分析记录。
func (s *GormStore) Get(ctx context.Context, id string) (*models.Job, error) {
	return s.get(s.db.WithContext(ctx), id)
}

func (s *GormStore) get(tx *gorm.DB, id string) (*models.Job, error) {
	var job models.Job
	if err := tx.Where("id = ?", id).Take(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("查询分析记录 %s 失败: %w", id, err)
	}
	return &job, nil
}

// Update 在一个事务中应用部分更新。
func (s *GormStore) Update(ctx context.Context, id string, p Patch) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.get(tx, id)
		if err != nil {
			return err
		}
		fields, err := patchFields(job, p, s.now())
		if err != nil {
			return err
		}
		if err := s.casUpdate(tx, job, fields); err != nil {
			return err
		}
		out, err = s.get(tx, id)
		return err
	})
	return out, err
}

// casUpdate writes fields only if the row still has the status and claim token read earlier.
func (s *GormStore) casUpdate(tx *gorm.DB, seen *models.Job, fields map[string]interface{}) error {
	res := tx.Model(&models.Job{}).
		Where("id = ? AND status = ? AND claim_token = ?", seen.ID, seen.Status, seen.ClaimToken).
		Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("更新分析记录 %s 失败: %w", seen.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return models.ErrConflict
	}
	return nil
}

// List 按创建时间倒序分页查询。
func (s *GormStore) List(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	limit, offset = normalizePage(limit, offset)
	scope := func(db *gorm.DB) *gorm.DB {
		if len(f.Statuses) > 0 {
			db = db.Where("status IN ?", f.Statuses)
		}
		if f.CreatedBefore != nil {
			db = db.Where("created_at < ?", f.CreatedBefore.UTC())
		}
		return db
	}
	db := s.db.WithContext(ctx)

	var page Page
	if err := db.Model(&models.Job{}).Scopes(scope).Count(&page.Total).Error; err != nil {
		return Page{}, fmt.Errorf("统计分析记录失败: %w", err)
	}
	if err := db.Scopes(scope).Order("created_at DESC").Order("id").Limit(limit).Offset(offset).Find(&page.Jobs).Error; err != nil {
		return Page{}, fmt.Errorf("查询分析记录列表失败: %w", err)
	}
	return page, nil
}

// Claim 获取任务租约并将状态置为 processing。
func (s *GormStore) Claim(ctx context.Context, id, token string, leaseUntil time.Time) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if err := checkClaim(job, token, s.now()); err != nil {
			out = job
			return err
		}
		until := leaseUntil.UTC()
		fields := map[string]interface{}{
			"status":        models.JobStatusProcessing,
			"claim_token":   token,
			"claimed_until": until,
			"updated_at":    s.now(),
		}
		if err := s.casUpdate(tx, job, fields); err != nil {
			return err
		}
		out, err = s.get(tx, id)
		return err
	})
	return out, err
}

func (s *GormStore) Handover(ctx context.Context, id, from, to string, leaseUntil time.Time) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if err := checkClaim(job, from, s.now()); err != nil {
			out = job
			return err
		}
		fields := map[string]interface{}{
			"claim_token":   to,
			"claimed_until": leaseUntil.UTC(),
			"updated_at":    s.now(),
		}
		if err := s.casUpdate(tx, job, fields); err != nil {
			return err
		}
		out, err = s.get(tx, id)
		return err
	})
	return out, err
}

// Finish 写入终态。对已处于终态的记录重复调用不会产生任何修改。
func (s *GormStore) Finish(ctx context.Context, id string, o models.Outcome, outputPath string) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			out = job
			return models.ErrTerminal
		}
		if !models.CanTransition(job.Status, o.Status()) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, job.Status, o.Status())
		}
		if err := s.casUpdate(tx, job, terminalFields(job, o, outputPath, s.now())); err != nil {
			return err
		}
		out, err = s.get(tx, id)
		return err
	})
	return out, err
}

// Delete 在同一事务中删除记录及其任务句柄。
func (s *GormStore) Delete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("analysis_result_id = ?", id).Delete(&models.TaskHandle{}).Error; err != nil {
			return fmt.Errorf("删除任务句柄失败: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&models.Job{})
		if res.Error != nil {
			return fmt.Errorf("删除分析记录 %s 失败: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return models.ErrNotFound
		}
		return nil
	})
}

// CreateTaskHandle 记录一次成功派发。
func (s *GormStore) CreateTaskHandle(ctx context.Context, h *models.TaskHandle) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Status == "" {
		h.Status = models.TaskHandlePending
	}
	h.CreatedAt = s.now()
	if err := s.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("创建任务句柄失败: %w", err)
	}
	return nil
}

// UpdateTaskHandle 按引擎任务 ID 更新任务句柄。
func (s *GormStore) UpdateTaskHandle(ctx context.Context, taskID string, p models.HandlePatch) (*models.TaskHandle, error) {
	fields := handleFields(p)
	var out *models.TaskHandle
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(fields) > 0 {
			res := tx.Model(&models.TaskHandle{}).Where("celery_task_id = ?", taskID).Updates(fields)
			if res.Error != nil {
				return fmt.Errorf("更新任务句柄 %s 失败: %w", taskID, res.Error)
			}
		}
		var err error
		out, err = getHandle(tx, taskID)
		return err
	})
	return out, err
}

// GetTaskHandle 按引擎任务 ID 查询任务句柄。
func (s *GormStore) GetTaskHandle(ctx context.Context, taskID string) (*models.TaskHandle, error) {
	return getHandle(s.db.WithContext(ctx), taskID)
}

func getHandle(tx *gorm.DB, taskID string) (*models.TaskHandle, error) {
	var h models.TaskHandle
	if err := tx.Where("celery_task_id = ?", taskID).Take(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("查询任务句柄 %s 失败: %w", taskID, err)
	}
	return &h, nil
}

// TaskHandlesForJob 返回某条记录的全部任务句柄。
func (s *GormStore) TaskHandlesForJob(ctx context.Context, jobID string) ([]models.TaskHandle, error) {
	var hs []models.TaskHandle
	if err := s.db.WithContext(ctx).Where("analysis_result_id = ?", jobID).Order("created_at").Find(&hs).Error; err != nil {
		return nil, fmt.Errorf("查询任务句柄失败: %w", err)
	}
	return hs, nil
}

// Ping 检查数据库连接。
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭底层连接池。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func handleFields(p models.HandlePatch) map[string]interface{} {
	fields := map[string]interface{}{}
	if p.Status != nil {
		fields["status"] = *p.Status
	}
	if p.RetryCount != nil {
		fields["retry_count"] = *p.RetryCount
	}
	if p.ErrorMessage != nil {
		fields["error_message"] = *p.ErrorMessage
	}
	if p.StartedAt != nil {
		fields["started_at"] = p.StartedAt.UTC()
	}
	if p.CompletedAt != nil {
		fields["completed_at"] = p.CompletedAt.UTC()
	}
	return fields
}
