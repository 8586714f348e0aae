package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"shift-match/internal/api"
	"shift-match/internal/matching"
	"shift-match/internal/notifier"
	"shift-match/internal/refresher"
	"shift-match/internal/storage"
	"shift-match/internal/sweeper"
)

// AppConfig 应用配置。
type AppConfig struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Sweep    sweeper.Config       `yaml:"sweep"`
	Email    notifier.EmailConfig `yaml:"email"`
	// DebugTime RFC3339 形式的固定时钟，仅联调时使用。
	DebugTime string `yaml:"debug_time"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Printf("load config error: %v", err)
		return
	}

	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath = "shifts.db"
	}

	store, err := storage.NewStore(dbPath)
	if err != nil {
		log.Printf("init store error: %v", err)
		return
	}
	defer store.Close()

	now := buildClock(cfg.DebugTime)
	notif := buildNotifier(store, cfg.Email)
	ref := refresher.NewService(store, log.Default(), now)
	svc := matching.NewService(store, ref, notif, log.Default(), now)
	handler := api.NewHandler(store, svc, now)

	addr := cfg.Server.Addr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: handler}

	var swp sweepRunner
	if cfg.Sweep.Interval != "" {
		swp = sweeper.NewSweeper(ref, log.Default(), cfg.Sweep)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("listening on %s", addr)
	if err := runServer(ctx, srv, swp, 5*time.Second); err != nil {
		log.Printf("server error: %v", err)
	}
}

// httpServer 与 sweepRunner 抽象出 runServer 的依赖，便于测试替换。
type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type sweepRunner interface {
	Start(ctx context.Context) error
}

// runServer 运行 HTTP 服务与可选的后台扫描，上下文取消后优雅关闭。
func runServer(ctx context.Context, srv httpServer, swp sweepRunner, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	if swp != nil {
		go func() {
			if err := swp.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("sweeper stopped: %v", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func loadConfig() (AppConfig, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, err
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// buildClock 解析联调用的固定时钟，未配置时使用系统时钟。
func buildClock(debugTime string) func() time.Time {
	if debugTime == "" {
		return time.Now
	}
	fixed, err := time.Parse(time.RFC3339, debugTime)
	if err != nil {
		log.Printf("invalid debug_time %q, fallback to system clock: %v", debugTime, err)
		return time.Now
	}
	log.Printf("debug clock fixed at %s", fixed.Format(time.RFC3339))
	return func() time.Time { return fixed }
}

// buildNotifier 组装事件分发链：日志与出站记录始终启用，
// 邮件告警仅在配置齐备时接入。
func buildNotifier(store *storage.Store, email notifier.EmailConfig) notifier.Notifier {
	chain := notifier.Multi{
		notifier.NewLogNotifier(nil),
		notifier.NewOutboxNotifier(store),
	}
	if email.Host != "" && email.Port != 0 && email.From != "" && len(email.To) > 0 {
		chain = append(chain, notifier.NewEmailNotifier(email, nil))
	} else {
		log.Printf("email alerts disabled: missing host/port/from/to")
	}
	return chain
}
