package pathhelper

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"story-vault/app/model"
)

var unsafeChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)

const maxNameLen = 50

// SanitizeFilename 清理文件名中的非法字符
func SanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "")
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.Trim(name, "._")
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	if name == "" {
		name = "unnamed"
	}
	return name
}

// StoryFilename 生成动态文件名: 用户名_时间戳_媒体ID.扩展名
func StoryFilename(story model.Story) string {
	timestamp := story.TakenAt.Format("20060102_150405")
	return fmt.Sprintf("%s_%s_%s%s",
		SanitizeFilename(story.Username),
		timestamp,
		SanitizeFilename(story.ID),
		story.FileExt())
}

// OutputPath 生成按用户分目录的完整输出路径
func OutputPath(baseDir string, story model.Story) string {
	return filepath.Join(baseDir, SanitizeFilename(story.Username), StoryFilename(story))
}

// DatedSubdir 生成按日期分目录的路径，用于云端对象名
func DatedSubdir(story model.Story) string {
	return filepath.ToSlash(filepath.Join(
		story.TakenAt.In(time.UTC).Format("2006/01/02"),
		SanitizeFilename(story.Username),
		StoryFilename(story)))
}
