package service

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"story-vault/app/config"
	"story-vault/app/eventbus"
	"story-vault/app/logger"
	"story-vault/app/model"
	"story-vault/app/utils/pathhelper"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// UploadService 把下载完成的文件上传到 S3 兼容的对象存储
type UploadService struct {
	logger  *logger.Logger
	cfg     config.CloudConfig
	client  *minio.Client
	records *RecordService
}

// NewUploadService 创建云端上传服务
func NewUploadService(cfg config.CloudConfig, records *RecordService, log *logger.Logger) (*UploadService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化对象存储客户端失败: %w", err)
	}
	return &UploadService{
		logger:  log,
		cfg:     cfg,
		client:  client,
		records: records,
	}, nil
}

// Subscribe 订阅下载完成事件
// 上传在事件分发协程内同步执行，同一频道的消费互不阻塞
func (s *UploadService) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.ChannelDownloadCompleted, "cloud_upload", func(event eventbus.Event) {
		task, ok := event.Payload.(*model.DownloadTask)
		if !ok {
			return
		}
		if err := s.Upload(context.Background(), task); err != nil {
			s.logger.Errorf("上传失败: %s: %v", task.OutputPath, err)
		}
	})
}

// Upload 上传单个文件并回填云端地址
func (s *UploadService) Upload(ctx context.Context, task *model.DownloadTask) error {
	objectName := pathhelper.DatedSubdir(task.Story)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.UploadTimeout)*time.Second)
	defer cancel()

	contentType := mime.TypeByExtension(filepath.Ext(task.OutputPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := s.client.FPutObject(ctx, s.cfg.Bucket, objectName, task.OutputPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return err
	}

	cloudURL := s.publicURL(objectName)
	s.logger.Infof("上传完成: %s (%s)", cloudURL, model.FormatSize(info.Size))

	if err := s.records.SetCloudURL(task.Story.ID, cloudURL); err != nil {
		s.logger.Errorf("回填云端地址失败: %v", err)
	}

	if s.cfg.DeleteAfterUpload {
		if err := os.Remove(task.OutputPath); err != nil {
			s.logger.Warnf("删除本地文件失败: %v", err)
		}
	}
	return nil
}

func (s *UploadService) publicURL(objectName string) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + objectName
	}
	scheme := "http"
	if s.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, s.cfg.Endpoint, s.cfg.Bucket, objectName)
}
