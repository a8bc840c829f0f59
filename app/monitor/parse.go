package monitor

import (
	"time"

	"story-vault/app/config"
	"story-vault/app/instagram"
	"story-vault/app/model"
)

// qualityHeights 清晰度名称到目标高度的映射
var qualityHeights = map[string]int{
	"1080p": 1080,
	"720p":  720,
	"480p":  480,
	"360p":  360,
	"240p":  240,
}

// Parser 把接口返回的媒体项转换为内部动态模型
type Parser struct {
	cfg config.MonitorConfig
}

// NewParser 创建解析器
func NewParser(cfg config.MonitorConfig) *Parser {
	return &Parser{cfg: cfg}
}

// Parse 转换单个媒体项，返回 false 表示该项被过滤或无法解析
func (p *Parser) Parse(item instagram.ReelItem, target model.TargetUser) (model.Story, bool) {
	isVideo := item.MediaType == instagram.WireMediaVideo
	if isVideo && !p.cfg.DownloadVideos {
		return model.Story{}, false
	}
	if !isVideo && !p.cfg.DownloadImages {
		return model.Story{}, false
	}

	story := model.Story{
		ID:          item.StoryID(),
		Username:    target.Username,
		DisplayName: target.DisplayName(),
		TakenAt:     time.Unix(item.TakenAt, 0),
	}
	if story.ID == "" {
		return model.Story{}, false
	}
	story.ExpireAt = story.TakenAt.Add(time.Duration(p.cfg.StoryExpireHours) * time.Hour)

	if item.Caption != nil {
		story.Caption = item.Caption.Text
	}

	if isVideo {
		story.MediaType = model.MediaVideo
		story.VideoURL = pickVersion(item.VideoVersions, p.cfg.VideoQuality)
		if story.VideoURL == "" {
			return model.Story{}, false
		}
		story.ThumbnailURL = pickVersion(item.ImageVersions.Candidates, "lowest")
	} else {
		story.MediaType = model.MediaImage
		story.ImageURL = pickVersion(item.ImageVersions.Candidates, p.cfg.ImageQuality)
		if story.ImageURL == "" {
			return model.Story{}, false
		}
	}

	return story, true
}

// pickVersion 按清晰度配置选择媒体版本，接口按清晰度从高到低排序
func pickVersion(versions []instagram.MediaVersion, quality string) string {
	if len(versions) == 0 {
		return ""
	}
	switch quality {
	case "", "highest":
		return versions[0].URL
	case "lowest":
		return versions[len(versions)-1].URL
	}

	target, ok := qualityHeights[quality]
	if !ok {
		return versions[0].URL
	}
	// 选择不超过目标高度的最高清晰度
	for _, v := range versions {
		if v.Height <= target {
			return v.URL
		}
	}
	return versions[len(versions)-1].URL
}
