package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oficina/offline-agent/internal/agent"
	"github.com/oficina/offline-agent/internal/logging"
)

// State 对应 service worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant 表示安装重试耗尽，宿主不再自动重试。
	StateRedundant State = "redundant"
)

// ErrNotInstalled 表示尚未安装成功就请求激活。
var ErrNotInstalled = errors.New("agent not installed")

// HostOptions 描述宿主依赖。
type HostOptions struct {
	Agent          agent.Lifecycle
	Network        agent.Network
	Logger         *logrus.Logger
	CacheName      string
	MaxRetries     int
	InitialBackoff time.Duration
}

// Status 是宿主状态快照，供诊断接口输出。
type Status struct {
	State       State     `json:"state"`
	CacheName   string    `json:"cache_name"`
	Attempts    int       `json:"install_attempts"`
	LastError   string    `json:"last_error,omitempty"`
	InstalledAt time.Time `json:"installed_at,omitzero"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

// Host 负责派发生命周期事件并决定请求是否交给代理处理。
type Host struct {
	agent          agent.Lifecycle
	network        agent.Network
	logger         *logrus.Logger
	cacheName      string
	maxRetries     int
	initialBackoff time.Duration
	sleep          func(context.Context, time.Duration) error

	// lifecycleMu 串行化 install/activate，mu 只保护状态字段。
	lifecycleMu sync.Mutex
	mu          sync.RWMutex
	status      Status
}

// NewHost 构造宿主，初始状态为 parsed，尚未控制任何请求。
func NewHost(opts HostOptions) (*Host, error) {
	if opts.Agent == nil {
		return nil, errors.New("agent is required")
	}
	if opts.Network == nil {
		return nil, errors.New("network is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Host{
		agent:          opts.Agent,
		network:        opts.Network,
		logger:         opts.Logger,
		cacheName:      opts.CacheName,
		maxRetries:     retries,
		initialBackoff: backoff,
		sleep:          sleepContext,
		status:         Status{State: StateParsed, CacheName: opts.CacheName},
	}, nil
}

// Start 依次执行安装与激活，与浏览器首次注册 service worker 时的顺序一致。
func (h *Host) Start(ctx context.Context) error {
	if err := h.Install(ctx); err != nil {
		return err
	}
	return h.Activate(ctx)
}

// Install 派发 install 事件，失败时按指数退避重试 MaxRetries 次，耗尽后进入 redundant。
func (h *Host) Install(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	// 已激活时重新安装只刷新缓存内容，不影响请求接管。
	wasActive := h.Status().State == StateActivated
	setState := func(s *Status, state State) {
		if !wasActive {
			s.State = state
		}
	}

	backoff := h.initialBackoff
	for attempt := 0; ; attempt++ {
		h.update(func(s *Status) {
			setState(s, StateInstalling)
			s.Attempts++
		})

		err := h.agent.OnInstall(ctx)
		if err == nil {
			h.update(func(s *Status) {
				setState(s, StateInstalled)
				s.LastError = ""
				s.InstalledAt = time.Now().UTC()
			})
			return nil
		}

		fields := logging.LifecycleFields("install", h.cacheName)
		fields["attempt"] = attempt + 1
		if attempt >= h.maxRetries || ctx.Err() != nil {
			h.update(func(s *Status) {
				setState(s, StateRedundant)
				s.LastError = err.Error()
			})
			h.logger.WithFields(fields).WithError(err).Error("install_gave_up")
			return err
		}

		h.update(func(s *Status) { s.LastError = err.Error() })
		fields["retry_in_ms"] = backoff.Milliseconds()
		h.logger.WithFields(fields).WithError(err).Warn("install_retry")
		if sleepErr := h.sleep(ctx, backoff); sleepErr != nil {
			h.update(func(s *Status) { setState(s, StateRedundant) })
			return fmt.Errorf("%w: %w", err, sleepErr)
		}
		backoff *= 2
	}
}

// Activate 派发 activate 事件。激活失败时保持 installed，可通过诊断接口重试。
func (h *Host) Activate(ctx context.Context) error {
	h.lifecycleMu.Lock()
	defer h.lifecycleMu.Unlock()

	current := h.Status().State
	if current != StateInstalled && current != StateActivated {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, current)
	}

	// 重复激活期间保持 activated，请求不会短暂退回直连。
	if current == StateInstalled {
		h.update(func(s *Status) { s.State = StateActivating })
	}
	if err := h.agent.OnActivate(ctx); err != nil {
		h.update(func(s *Status) {
			s.State = current
			s.LastError = err.Error()
		})
		return err
	}
	h.update(func(s *Status) {
		s.State = StateActivated
		s.LastError = ""
		s.ActivatedAt = time.Now().UTC()
	})
	return nil
}

// Dispatch 处理一次拦截：已激活时交给代理，否则作为不受控请求直接访问网络。
func (h *Host) Dispatch(ctx context.Context, req *http.Request) (*agent.Result, error) {
	if h.Controlling() {
		return h.agent.OnFetch(ctx, req)
	}
	resp, err := h.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &agent.Result{Response: resp, Source: agent.SourcePassthrough}, nil
}

// Controlling 表示代理是否已经接管请求。
func (h *Host) Controlling() bool {
	return h.Status().State == StateActivated
}

// Status 返回当前状态快照。
func (h *Host) Status() Status {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *Host) update(fn func(*Status)) {
	h.mu.Lock()
	fn(&h.status)
	h.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
