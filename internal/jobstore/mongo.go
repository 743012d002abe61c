package jobstore

import (
	"FinDocAnalyzer/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	jobsCollection    = "analysis_results"
	handlesCollection = "task_queue"
)

// MongoStore implements Store on MongoDB. Each transition is a single-document
// update whose filter repeats the status and claim token that were read.
type MongoStore struct {
	client  *mongo.Client
	jobs    *mongo.Collection
	handles *mongo.Collection
	now     func() time.Time
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore uses the named database on client.
func NewMongoStore(client *mongo.Client, database string, opts ...Option) *MongoStore {
	o := buildOptions(opts)
	db := client.Database(database)
	return &MongoStore{
		client:  client,
		jobs:    db.Collection(jobsCollection),
		handles: db.Collection(handlesCollection),
		// Mongo stores milliseconds.
		now: func() time.Time { return o.now().UTC().Truncate(time.Millisecond) },
	}
}

// EnsureIndexes creates the indexes List and the task handle lookups rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("创建 %s 索引失败: %w", jobsCollection, err)
	}
	_, err = s.handles.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "job_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("创建 %s 索引失败: %w", handlesCollection, err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, in models.NewJob) (*models.Job, error) {
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
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return nil, fmt.Errorf("创建分析记录失败: %w", err)
	}
	return job, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	if err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("查询分析记录 %s 失败: %w", id, err)
	}
	return &job, nil
}

func (s *MongoStore) Update(ctx context.Context, id string, p Patch) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	fields, err := patchFields(job, p, s.now())
	if err != nil {
		return nil, err
	}
	return s.casUpdate(ctx, job, fields)
}

func (s *MongoStore) casUpdate(ctx context.Context, seen *models.Job, fields map[string]interface{}) (*models.Job, error) {
	filter := bson.M{"_id": seen.ID, "status": seen.Status, "claim_token": seen.ClaimToken}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out models.Job
	err := s.jobs.FindOneAndUpdate(ctx, filter, bson.M{"$set": fields}, opts).Decode(&out)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrConflict
		}
		return nil, fmt.Errorf("更新分析记录 %s 失败: %w", seen.ID, err)
	}
	return &out, nil
}

func (s *MongoStore) List(ctx context.Context, f Filter, limit, offset int) (Page, error) {
	limit, offset = normalizePage(limit, offset)
	filter := mongoFilter(f)

	total, err := s.jobs.CountDocuments(ctx, filter)
	if err != nil {
		return Page{}, fmt.Errorf("统计分析记录失败: %w", err)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.jobs.Find(ctx, filter, opts)
	if err != nil {
		return Page{}, fmt.Errorf("查询分析记录列表失败: %w", err)
	}
	var jobs []models.Job
	if err := cur.All(ctx, &jobs); err != nil {
		return Page{}, fmt.Errorf("读取分析记录列表失败: %w", err)
	}
	return Page{Jobs: jobs, Total: total}, nil
}

func mongoFilter(f Filter) bson.M {
	filter := bson.M{}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	if f.CreatedBefore != nil {
		filter["created_at"] = bson.M{"$lt": f.CreatedBefore.UTC()}
	}
	return filter
}

func (s *MongoStore) Claim(ctx context.Context, id, token string, leaseUntil time.Time) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkClaim(job, token, s.now()); err != nil {
		return job, err
	}
	return s.casUpdate(ctx, job, map[string]interface{}{
		"status":        models.JobStatusProcessing,
		"claim_token":   token,
		"claimed_until": leaseUntil.UTC(),
		"updated_at":    s.now(),
	})
}

func (s *MongoStore) Handover(ctx context.Context, id, from, to string, leaseUntil time.Time) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkClaim(job, from, s.now()); err != nil {
		return job, err
	}
	return s.casUpdate(ctx, job, map[string]interface{}{
		"claim_token":   to,
		"claimed_until": leaseUntil.UTC(),
		"updated_at":    s.now(),
	})
}

func (s *MongoStore) Finish(ctx context.Context, id string, o models.Outcome, outputPath string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, models.ErrTerminal
	}
	if !models.CanTransition(job.Status, o.Status()) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, job.Status, o.Status())
	}
	return s.casUpdate(ctx, job, terminalFields(job, o, outputPath, s.now()))
}

// Delete removes the job, then its task handles. The two writes are not atomic.
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.jobs.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("删除分析记录 %s 失败: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return models.ErrNotFound
	}
	if _, err := s.handles.DeleteMany(ctx, bson.M{"job_id": id}); err != nil {
		return fmt.Errorf("删除任务句柄失败: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateTaskHandle(ctx context.Context, h *models.TaskHandle) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Status == "" {
		h.Status = models.TaskHandlePending
	}
	h.CreatedAt = s.now()
	if _, err := s.handles.InsertOne(ctx, h); err != nil {
		return fmt.Errorf("创建任务句柄失败: %w", err)
	}
	return nil
}

func (s *MongoStore) UpdateTaskHandle(ctx context.Context, taskID string, p models.HandlePatch) (*models.TaskHandle, error) {
	fields := handleFields(p)
	if len(fields) == 0 {
		return s.GetTaskHandle(ctx, taskID)
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var h models.TaskHandle
	err := s.handles.FindOneAndUpdate(ctx, bson.M{"task_id": taskID}, bson.M{"$set": fields}, opts).Decode(&h)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("更新任务句柄 %s 失败: %w", taskID, err)
	}
	return &h, nil
}

func (s *MongoStore) GetTaskHandle(ctx context.Context, taskID string) (*models.TaskHandle, error) {
	var h models.TaskHandle
	if err := s.handles.FindOne(ctx, bson.M{"task_id": taskID}).Decode(&h); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("查询任务句柄 %s 失败: %w", taskID, err)
	}
	return &h, nil
}

func (s *MongoStore) TaskHandlesForJob(ctx context.Context, jobID string) ([]models.TaskHandle, error) {
	cur, err := s.handles.Find(ctx, bson.M{"job_id": jobID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("查询任务句柄失败: %w", err)
	}
	var hs []models.TaskHandle
	if err := cur.All(ctx, &hs); err != nil {
		return nil, fmt.Errorf("读取任务句柄失败: %w", err)
	}
	return hs, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
