// Package sweeper 周期性地对全量应募执行时间驱动转移，为没有任何
// 读取触发惰性刷新的行兜底。
package sweeper

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"shift-match/internal/refresher"

	"golang.org/x/sync/errgroup"
)

// Config 扫描配置。
type Config struct {
	Interval string `yaml:"interval" json:"interval"`
	Timeout  string `yaml:"timeout" json:"timeout"`
}

// Refresher 抽象刷新入口，便于测试替换。
type Refresher interface {
	RefreshAll(ctx context.Context) (refresher.Result, error)
}

// Sweeper 负责周期性触发全量刷新。
type Sweeper struct {
	refresher Refresher
	logger    *log.Logger
	interval  time.Duration
	timeout   time.Duration
	running   atomic.Bool
	newTicker func(time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

// NewSweeper 创建 Sweeper，解析配置的间隔与超时。
func NewSweeper(ref Refresher, logger *log.Logger, cfg Config) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	interval := time.Minute
	if cfg.Interval != "" {
		if d, err := time.ParseDuration(cfg.Interval); err == nil && d > 0 {
			interval = d
		}
	}
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	return &Sweeper{
		refresher: ref,
		logger:    logger,
		interval:  interval,
		timeout:   timeout,
		newTicker: defaultTicker,
	}
}

// Start 启动扫描循环，直到上下文取消。
func (s *Sweeper) Start(ctx context.Context) error {
	if s.refresher == nil {
		return fmt.Errorf("sweeper missing refresher")
	}

	g, ctx := errgroup.WithContext(ctx)
	tick := s.newTicker(s.interval)
	ch := tick.C()

	g.Go(func() error {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				if _, err := s.runOnce(ctx); err != nil {
					return err
				}
			drain:
				for {
					select {
					case <-ch:
						continue
					default:
						break drain
					}
				}
			}
		}
	})

	return g.Wait()
}

// RunOnce 对外暴露单次扫描接口，便于手动触发。
func (s *Sweeper) RunOnce(ctx context.Context) (refresher.Result, error) {
	return s.runOnce(ctx)
}

func (s *Sweeper) runOnce(ctx context.Context) (refresher.Result, error) {
	if s.running.Swap(true) {
		return refresher.Result{}, nil
	}
	defer s.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.refresher.RefreshAll(ctx)
	if err != nil {
		return result, fmt.Errorf("sweep statuses: %w", err)
	}
	if result.ScheduledToWorking > 0 || result.WorkingToCompleted > 0 {
		s.logger.Printf("[sweeper] swept: scheduled→working=%d working→completed=%d",
			result.ScheduledToWorking, result.WorkingToCompleted)
	}
	return result, nil
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }
