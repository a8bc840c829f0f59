package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"story-vault/app/config"
	"story-vault/app/logger"

	"resty.dev/v3"
)

// HTTPError 下载请求返回的非 200 状态
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("下载请求失败，状态码: %d", e.StatusCode)
}

// ErrDiskFull 磁盘可用空间低于安全阈值
var ErrDiskFull = fmt.Errorf("磁盘可用空间不足")

// Fetcher 流式文件下载器
type Fetcher struct {
	logger *logger.Logger
	cfg    config.DownloadConfig
	http   *resty.Client
}

// NewFetcher 创建下载器
func NewFetcher(cfg config.DownloadConfig, log *logger.Logger) *Fetcher {
	client := resty.New().
		SetTimeout(time.Duration(cfg.Timeout) * time.Second).
		SetHeader("User-Agent", cfg.UserAgent).
		SetDoNotParseResponse(true)

	return &Fetcher{
		logger: log,
		cfg:    cfg,
		http:   client,
	}
}

// Close 释放底层连接
func (f *Fetcher) Close() error {
	return f.http.Close()
}

// Fetch 下载文件到目标路径，先写临时文件再原子重命名
// 下载过程中定期检查磁盘空间，失败时不留下部分文件
func (f *Fetcher) Fetch(ctx context.Context, url, destPath string) (int64, error) {
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("创建输出目录失败: %w", err)
	}

	if err := f.checkDisk(dir); err != nil {
		return 0, err
	}

	resp, err := f.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return 0, fmt.Errorf("下载请求失败: %w", err)
	}
	body := resp.Body
	defer body.Close()

	if resp.StatusCode() != 200 {
		return 0, &HTTPError{StatusCode: resp.StatusCode()}
	}

	tempPath := destPath + ".tmp"
	file, err := os.Create(tempPath)
	if err != nil {
		return 0, fmt.Errorf("创建临时文件失败: %w", err)
	}

	written, err := f.stream(ctx, file, body, dir)
	closeErr := file.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return 0, err
	}

	if length := resp.RawResponse.ContentLength; length > 0 && written != length {
		os.Remove(tempPath)
		return 0, fmt.Errorf("下载不完整: 已写入 %d 字节，期望 %d 字节", written, length)
	}

	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		return 0, fmt.Errorf("重命名文件失败: %w", err)
	}

	return written, nil
}

// stream 分块写入并定期检查磁盘空间
func (f *Fetcher) stream(ctx context.Context, dst io.Writer, src io.Reader, dir string) (int64, error) {
	buf := make([]byte, f.cfg.ChunkSize)
	checkInterval := int64(f.cfg.DiskCheckIntervalMB) * 1024 * 1024

	var written, sinceCheck int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("写入文件失败: %w", err)
			}
			written += int64(n)
			sinceCheck += int64(n)

			if checkInterval > 0 && sinceCheck >= checkInterval {
				if err := f.checkDisk(dir); err != nil {
					return written, err
				}
				sinceCheck = 0
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("读取响应失败: %w", readErr)
		}
	}
}

// checkDisk 检查目录所在磁盘的可用空间
func (f *Fetcher) checkDisk(dir string) error {
	free, err := FreeSpace(dir)
	if err != nil {
		f.logger.Warnf("检查磁盘空间失败: %v", err)
		return nil
	}
	min := int64(f.cfg.MinDiskSpaceMB) * 1024 * 1024
	if free < min {
		return fmt.Errorf("%w: 可用 %dMB，最低要求 %dMB",
			ErrDiskFull, free/1024/1024, f.cfg.MinDiskSpaceMB)
	}
	return nil
}
