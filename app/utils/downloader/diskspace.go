package downloader

import "golang.org/x/sys/unix"

// FreeSpace 返回路径所在文件系统的可用字节数
func FreeSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
