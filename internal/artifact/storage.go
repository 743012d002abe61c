package artifact

import (
	"FinDocAnalyzer/pkg/logger"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
)

// ErrExists is returned when an artifact with the same name was already written.
var ErrExists = errors.New("artifact already exists")

// Storage persists report bytes under a name and returns the reference stored on the job.
type Storage interface {
	Create(ctx context.Context, name string, content []byte) (string, error)
	Remove(ctx context.Context, ref string) error
}

// LocalStorage writes reports into a directory on the local filesystem.
type LocalStorage struct {
	Dir string
}

// Create writes content to Dir/name and fails with ErrExists instead of overwriting.
func (s *LocalStorage) Create(_ context.Context, name string, content []byte) (string, error) {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", fmt.Errorf("无法创建输出目录 %s: %w", s.Dir, err)
	}
	path := filepath.Join(s.Dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, path)
		}
		return "", fmt.Errorf("无法创建报告文件 %s: %w", path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("写入报告文件 %s 失败: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("关闭报告文件 %s 失败: %w", path, err)
	}
	return path, nil
}

// Remove deletes a report. A report that is already gone is not an error.
func (s *LocalStorage) Remove(_ context.Context, ref string) error {
	if err := os.Remove(ref); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// MinioStorage stores reports as objects in a bucket.
type MinioStorage struct {
	Client *minio.Client
	Bucket string
}

// Create uploads content unless an object with the same key exists.
func (s *MinioStorage) Create(ctx context.Context, name string, content []byte) (string, error) {
	if _, err := s.Client.StatObject(ctx, s.Bucket, name, minio.StatObjectOptions{}); err == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrExists, s.Bucket, name)
	}
	_, err := s.Client.PutObject(ctx, s.Bucket, name, bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: "text/plain; charset=utf-8"})
	if err != nil {
		return "", fmt.Errorf("上传报告 %s 失败: %w", name, err)
	}
	return name, nil
}

// Remove deletes the object named by ref.
func (s *MinioStorage) Remove(ctx context.Context, ref string) error {
	return s.Client.RemoveObject(ctx, s.Bucket, filepath.Base(ref), minio.RemoveObjectOptions{})
}

// MirroredStorage writes to Primary and copies each report to Mirror.
// Only Primary's reference is recorded; mirror failures are logged.
type MirroredStorage struct {
	Primary Storage
	Mirror  Storage
	Log     *logger.Logger
}

func (s *MirroredStorage) Create(ctx context.Context, name string, content []byte) (string, error) {
	ref, err := s.Primary.Create(ctx, name, content)
	if err != nil {
		return "", err
	}
	if _, err := s.Mirror.Create(ctx, name, content); err != nil {
		s.Log.WithPayload(map[string]interface{}{"artifact": name, "error": err.Error()}).Warn("报告镜像上传失败")
	}
	return ref, nil
}

func (s *MirroredStorage) Remove(ctx context.Context, ref string) error {
	if err := s.Mirror.Remove(ctx, ref); err != nil {
		s.Log.WithPayload(map[string]interface{}{"artifact": ref, "error": err.Error()}).Warn("删除镜像报告失败")
	}
	return s.Primary.Remove(ctx, ref)
}
