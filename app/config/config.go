package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Instagram InstagramConfig `mapstructure:"instagram"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Download  DownloadConfig  `mapstructure:"download"`
	History   HistoryConfig   `mapstructure:"history"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Cloud     CloudConfig     `mapstructure:"cloud"`
}

type ServerConfig struct {
	Port   string `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"` // 状态接口的访问密钥
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type InstagramConfig struct {
	SessionFile       string  `mapstructure:"session_file"`        // 会话凭证文件
	LoginServiceURL   string  `mapstructure:"login_service_url"`   // 外部登录服务地址（会话刷新）
	LoginServiceKey   string  `mapstructure:"login_service_key"`   // 登录服务 API 密钥
	UserAgent         string  `mapstructure:"user_agent"`          // 请求 User-Agent
	RequestTimeout    int     `mapstructure:"request_timeout"`     // API 请求超时（秒）
	APIDelayMin       float64 `mapstructure:"api_delay_min"`       // 账号间的最小随机延迟（秒）
	APIDelayMax       float64 `mapstructure:"api_delay_max"`       // 账号间的最大随机延迟（秒）
	RateLimitCooldown int     `mapstructure:"rate_limit_cooldown"` // 触发限流后的冷却时间（秒）
}

type MonitorConfig struct {
	CheckIntervalMin int    `mapstructure:"check_interval_min"` // 轮询间隔下限（秒）
	CheckIntervalMax int    `mapstructure:"check_interval_max"` // 轮询间隔上限（秒）
	TargetsFile      string `mapstructure:"targets_file"`       // 监控目标配置文件
	StoryExpireHours int    `mapstructure:"story_expire_hours"` // 限时动态的有效时长（小时）
	DownloadVideos   bool   `mapstructure:"download_videos"`
	DownloadImages   bool   `mapstructure:"download_images"`
	VideoQuality     string `mapstructure:"video_quality"` // highest, lowest, 720p, 480p, 360p
	ImageQuality     string `mapstructure:"image_quality"` // highest, lowest
}

type DownloadConfig struct {
	OutputDir           string   `mapstructure:"output_dir"`
	MaxConcurrent       int      `mapstructure:"max_concurrent"`         // 最大并发下载数
	QueueSize           int      `mapstructure:"queue_size"`             // 下载队列容量
	MaxRetries          int      `mapstructure:"max_retries"`            // 最大重试次数
	RetryBaseDelay      int      `mapstructure:"retry_base_delay"`       // 重试基础延迟（秒），按尝试次数指数增长
	RetryMaxDelay       int      `mapstructure:"retry_max_delay"`        // 重试延迟上限（秒）
	Timeout             int      `mapstructure:"timeout"`                // 单次下载超时（秒）
	ChunkSize           int      `mapstructure:"chunk_size"`             // 下载缓冲区大小（字节）
	MinDiskSpaceMB      int      `mapstructure:"min_disk_space_mb"`      // 磁盘剩余空间安全线（MB）
	DiskCheckIntervalMB int      `mapstructure:"disk_check_interval_mb"` // 下载过程中磁盘检查间隔（MB）
	ShutdownGrace       int      `mapstructure:"shutdown_grace"`         // 关闭时等待下载完成的宽限期（秒）
	AllowedDomains      []string `mapstructure:"allowed_domains"`        // 允许下载的 CDN 域名后缀
	UserAgent           string   `mapstructure:"user_agent"`             // 下载请求 User-Agent（空则用默认值）
}

type HistoryConfig struct {
	RetentionHours  int    `mapstructure:"retention_hours"` // 去重记录保留时长（小时）
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	WarmFromDB      bool   `mapstructure:"warm_from_db"` // 启动时从数据库回填去重记录
}

type NotifyConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	Provider          string  `mapstructure:"provider"` // discord 或 telegram
	DiscordWebhookURL string  `mapstructure:"discord_webhook_url"`
	TelegramToken     string  `mapstructure:"telegram_token"`
	TelegramChatID    string  `mapstructure:"telegram_chat_id"`
	QueueSize         int     `mapstructure:"queue_size"`    // 消息队列容量
	MaxRetries        int     `mapstructure:"max_retries"`   // 消息发送重试次数
	MessageDelay      float64 `mapstructure:"message_delay"` // 消息间延迟（秒）
	RequestTimeout    int     `mapstructure:"request_timeout"`
	OnStoryDetected   bool    `mapstructure:"on_story_detected"`
	OnDownloadDone    bool    `mapstructure:"on_download_complete"`
	OnDownloadFailed  bool    `mapstructure:"on_download_failed"`
	OnErrors          bool    `mapstructure:"on_errors"`
	DailySummary      bool    `mapstructure:"daily_summary"`
	DailySummaryHour  int     `mapstructure:"daily_summary_hour"`
	DailySummaryMin   int     `mapstructure:"daily_summary_minute"`
}

type CloudConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Endpoint          string `mapstructure:"endpoint"` // S3 兼容端点（如 Cloudflare R2）
	AccessKey         string `mapstructure:"access_key"`
	SecretKey         string `mapstructure:"secret_key"`
	Bucket            string `mapstructure:"bucket"`
	PublicURL         string `mapstructure:"public_url"` // 公开访问前缀（可选）
	UseSSL            bool   `mapstructure:"use_ssl"`
	DeleteAfterUpload bool   `mapstructure:"delete_after_upload"` // 上传成功后删除本地文件
	UploadTimeout     int    `mapstructure:"upload_timeout"`      // 上传超时（秒）
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// Instagram API 默认配置
	viper.SetDefault("instagram.session_file", "data/sessions/session.json")
	viper.SetDefault("instagram.request_timeout", 30)
	viper.SetDefault("instagram.api_delay_min", 1.0)
	viper.SetDefault("instagram.api_delay_max", 3.0)
	viper.SetDefault("instagram.rate_limit_cooldown", 300)

	// 监控默认配置
	viper.SetDefault("monitor.check_interval_min", 18000)
	viper.SetDefault("monitor.check_interval_max", 21600)
	viper.SetDefault("monitor.targets_file", "data/targets.yaml")
	viper.SetDefault("monitor.story_expire_hours", 24)
	viper.SetDefault("monitor.download_videos", true)
	viper.SetDefault("monitor.download_images", true)
	viper.SetDefault("monitor.video_quality", "highest")
	viper.SetDefault("monitor.image_quality", "highest")

	// 下载默认配置
	viper.SetDefault("download.output_dir", "data/stories")
	viper.SetDefault("download.max_concurrent", 3)
	viper.SetDefault("download.queue_size", 1024)
	viper.SetDefault("download.max_retries", 3)
	viper.SetDefault("download.retry_base_delay", 2)
	viper.SetDefault("download.retry_max_delay", 60)
	viper.SetDefault("download.timeout", 120)
	viper.SetDefault("download.chunk_size", 32*1024)
	viper.SetDefault("download.min_disk_space_mb", 500)
	viper.SetDefault("download.disk_check_interval_mb", 10)
	viper.SetDefault("download.shutdown_grace", 30)
	viper.SetDefault("download.allowed_domains", []string{
		"cdninstagram.com",
		"fbcdn.net",
		"akamaized.net",
		"akamaihd.net",
		"instagram.com",
	})

	// 去重记录默认配置
	viper.SetDefault("history.retention_hours", 24)
	viper.SetDefault("history.cleanup_schedule", "0 * * * *")
	viper.SetDefault("history.warm_from_db", true)

	// 通知默认配置
	viper.SetDefault("notify.enabled", false)
	viper.SetDefault("notify.provider", "discord")
	viper.SetDefault("notify.queue_size", 100)
	viper.SetDefault("notify.max_retries", 3)
	viper.SetDefault("notify.message_delay", 0.5)
	viper.SetDefault("notify.request_timeout", 10)
	viper.SetDefault("notify.on_story_detected", true)
	viper.SetDefault("notify.on_download_complete", true)
	viper.SetDefault("notify.on_download_failed", true)
	viper.SetDefault("notify.on_errors", true)
	viper.SetDefault("notify.daily_summary", false)
	viper.SetDefault("notify.daily_summary_hour", 9)
	viper.SetDefault("notify.daily_summary_minute", 0)

	// 云存储默认配置
	viper.SetDefault("cloud.enabled", false)
	viper.SetDefault("cloud.use_ssl", true)
	viper.SetDefault("cloud.bucket", "instagram-stories")
	viper.SetDefault("cloud.upload_timeout", 300)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.Monitor.CheckIntervalMin <= 0 || config.Monitor.CheckIntervalMax < config.Monitor.CheckIntervalMin {
		return fmt.Errorf("轮询间隔配置无效: [%d, %d]", config.Monitor.CheckIntervalMin, config.Monitor.CheckIntervalMax)
	}
	if config.Instagram.APIDelayMax < config.Instagram.APIDelayMin {
		return fmt.Errorf("API 延迟区间配置无效: [%.1f, %.1f]", config.Instagram.APIDelayMin, config.Instagram.APIDelayMax)
	}
	if config.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("最大并发下载数必须大于 0")
	}
	if config.Download.MaxRetries < 0 {
		return fmt.Errorf("最大重试次数不能为负数")
	}
	if len(config.Download.AllowedDomains) == 0 {
		return fmt.Errorf("允许下载的域名列表不能为空")
	}
	if config.History.RetentionHours <= 0 {
		return fmt.Errorf("去重记录保留时长必须大于 0")
	}
	if config.Notify.Enabled {
		switch config.Notify.Provider {
		case "discord":
			if config.Notify.DiscordWebhookURL == "" {
				return fmt.Errorf("启用 Discord 通知但未设置 webhook 地址")
			}
		case "telegram":
			if config.Notify.TelegramToken == "" || config.Notify.TelegramChatID == "" {
				return fmt.Errorf("启用 Telegram 通知但未设置 token 或 chat_id")
			}
		default:
			return fmt.Errorf("不支持的通知服务: %s", config.Notify.Provider)
		}
	}
	if config.Cloud.Enabled {
		if config.Cloud.Endpoint == "" || config.Cloud.AccessKey == "" || config.Cloud.SecretKey == "" {
			return fmt.Errorf("启用云存储但缺少端点或密钥配置")
		}
	}
	return nil
}
