package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"story-vault/app/config"
	"story-vault/app/database"
	"story-vault/app/downloader"
	"story-vault/app/eventbus"
	"story-vault/app/handler"
	"story-vault/app/history"
	"story-vault/app/instagram"
	"story-vault/app/logger"
	"story-vault/app/monitor"
	"story-vault/app/server"
	"story-vault/app/service"
	"story-vault/app/targets"
	dlutil "story-vault/app/utils/downloader"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动监控守护进程",
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer() {
	cfg := config.Load()
	log := logger.New(cfg.Log)
	defer log.Close()

	log.Infof("story-vault 启动中")

	if err := database.Init(log); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}
	defer database.Close()

	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.New(log, 256)

	records := service.NewRecordService(log)
	records.Subscribe(bus)

	retention := time.Duration(cfg.History.RetentionHours) * time.Hour
	ledger := history.New(log, retention)
	if cfg.History.WarmFromDB {
		ids, err := records.CompletedStoryIDs(time.Now().Add(-retention))
		if err != nil {
			log.Warnf("预热去重记录失败: %v", err)
		} else {
			ledger.Warm(ids, time.Now())
			log.Infof("从数据库预热了 %d 条去重记录", len(ids))
		}
	}

	client, err := instagram.NewClient(cfg.Instagram, log)
	if err != nil {
		log.Fatalf("初始化 API 客户端失败: %v", err)
	}
	defer client.Close()

	store, err := targets.NewStore(cfg.Monitor.TargetsFile, log)
	if err != nil {
		log.Fatalf("加载监控目标失败: %v", err)
	}

	watcher, err := targets.NewWatcher(store, log)
	if err != nil {
		log.Fatalf("初始化目标文件监听失败: %v", err)
	}
	if err := watcher.Start(ctx); err != nil {
		log.Fatalf("启动目标文件监听失败: %v", err)
	}
	defer watcher.Close()

	fetcher := dlutil.NewFetcher(cfg.Download, log)
	defer fetcher.Close()

	scheduler := downloader.NewScheduler(cfg.Download, fetcher, ledger, bus, log)
	scheduler.Start(ctx)

	var refresher monitor.SessionRefresher
	if cfg.Instagram.LoginServiceURL != "" {
		refresher = client
	}
	mon := monitor.New(cfg.Monitor, cfg.Instagram, client, refresher, store, ledger, bus, log)
	mon.OnTick = records.BumpChecks

	var notify *service.NotifyService
	if cfg.Notify.Enabled {
		notify, err = service.NewNotifyService(cfg.Notify, nil, log)
		if err != nil {
			log.Fatalf("初始化通知服务失败: %v", err)
		}
		notify.Subscribe(bus)
		notify.Start(ctx)
	}

	if cfg.Cloud.Enabled {
		upload, err := service.NewUploadService(cfg.Cloud, records, log)
		if err != nil {
			log.Fatalf("初始化云端上传失败: %v", err)
		}
		upload.Subscribe(bus)
	}

	scheduledJobs := startCron(cfg, records, ledger, notify, log)

	mon.Start(ctx)

	h := &handler.Handler{
		Monitor:   mon,
		Scheduler: scheduler,
		Records:   records,
		Targets:   store,
		Ledger:    ledger,
		StartedAt: time.Now(),
	}
	httpServer := server.New(cfg.Server, h, log)
	httpServer.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infof("收到退出信号，开始关闭")

	// 先停产生事件的组件，再停消费事件的组件
	mon.Stop()
	scheduler.Stop()
	scheduledJobs.Stop()
	bus.Close()
	if notify != nil {
		notify.Stop()
	}
	httpServer.Stop()
	cancel()

	log.Infof("story-vault 已退出")
}

// startCron 注册每日摘要和清理任务
func startCron(cfg *config.Config, records *service.RecordService, ledger *history.Ledger, notify *service.NotifyService, log *logger.Logger) *cron.Cron {
	jobs := cron.New()

	if cfg.Notify.Enabled && cfg.Notify.DailySummary && notify != nil {
		spec := fmt.Sprintf("%d %d * * *", cfg.Notify.DailySummaryMin, cfg.Notify.DailySummaryHour)
		_, err := jobs.AddFunc(spec, func() {
			stats, err := records.TodayStats()
			if err != nil {
				log.Errorf("读取当日统计失败: %v", err)
				return
			}
			notify.PushDailySummary(stats)
		})
		if err != nil {
			log.Errorf("注册每日摘要任务失败: %v", err)
		}
	}

	if cfg.History.CleanupSchedule != "" {
		retention := time.Duration(cfg.History.RetentionHours) * time.Hour
		_, err := jobs.AddFunc(cfg.History.CleanupSchedule, func() {
			ledger.EvictExpired()
			pruned, err := records.PruneDetections(time.Now().Add(-retention))
			if err != nil {
				log.Errorf("清理检测记录失败: %v", err)
				return
			}
			if pruned > 0 {
				log.Infof("清理了 %d 条过期检测记录", pruned)
			}
		})
		if err != nil {
			log.Errorf("注册清理任务失败: %v", err)
		}
	}

	jobs.Start()
	return jobs
}
