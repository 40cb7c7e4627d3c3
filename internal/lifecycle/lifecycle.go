// Package lifecycle drives one worker version through install and activate.
//
// Install pre-warms the shell generation and then asks the host to let this
// version supersede any waiting one. Activate deletes every generation that
// does not belong to this version and only then lets the host hand open
// clients over to it.
package lifecycle

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"go.trai.ch/zerr"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// State 是 worker 版本在生命周期中的位置。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	// StateRedundant 表示安装或激活失败，该版本不会再接管请求。
	StateRedundant State = "redundant"
)

// ErrInvalidTransition 表示信号顺序错误，例如在 install 完成前调用 activate。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Host 是宿主运行时提供的客户端控制能力。
type Host interface {
	// SkipWaiting 允许当前版本立即取代正在等待的旧版本。
	SkipWaiting()
	// Claim 让当前版本立即接管所有已打开的客户端。
	Claim(ctx context.Context) error
}

// Options 描述一个 worker 版本的生命周期依赖。
type Options struct {
	Version     string
	Store       cache.Store
	Loader      cache.Loader
	Host        Host
	ShellName   string
	RuntimeName string
	ShellAssets []string
	Logger      *logrus.Logger
}

// Manager 串行执行 install / activate，两者都在工作完成后才返回。
type Manager struct {
	opts Options

	mu    sync.Mutex
	state State
}

// New 创建处于 parsed 状态的 Manager。
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Manager{opts: opts, state: StateParsed}
}

// State 返回当前生命周期状态。
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Install 打开 shell 缓存代并预热全部 shell 资源，成功后调用 Host.SkipWaiting。
// 任意资源加载失败则安装失败，版本进入 redundant，不会被激活。
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition(StateParsed, StateInstalling); err != nil {
		return err
	}

	fields := m.fields("install")
	if err := m.install(ctx); err != nil {
		m.setState(StateRedundant)
		m.opts.Logger.WithFields(fields).WithError(err).Error("安装失败，版本不会被激活")
		return err
	}

	m.setState(StateInstalled)
	if m.opts.Host != nil {
		m.opts.Host.SkipWaiting()
	}
	m.opts.Logger.WithFields(fields).WithField("assets", len(m.opts.ShellAssets)).Info("shell 资源预热完成")
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	shell, err := m.opts.Store.Open(ctx, m.opts.ShellName)
	if err != nil {
		return zerr.With(zerr.Wrap(err, "open shell generation"), "generation", m.opts.ShellName)
	}
	if err := cache.AddAll(ctx, shell, m.opts.Loader, m.opts.ShellAssets); err != nil {
		return zerr.With(zerr.Wrap(err, "pre-cache shell assets"), "generation", m.opts.ShellName)
	}
	return nil
}

// Activate 删除所有不属于当前版本的缓存代，删除全部完成后才调用 Host.Claim。
// 返回被删除的缓存代名称。
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		return nil, err
	}

	fields := m.fields("activate")
	deleted, err := m.activate(ctx)
	if err != nil {
		m.setState(StateRedundant)
		m.opts.Logger.WithFields(fields).WithError(err).Error("激活失败")
		return deleted, err
	}

	m.setState(StateActivated)
	m.opts.Logger.WithFields(fields).WithField("deleted", deleted).Info("旧缓存代已清理，版本已接管")
	return deleted, nil
}

func (m *Manager) activate(ctx context.Context) ([]string, error) {
	names, err := m.opts.Store.Keys(ctx)
	if err != nil {
		return nil, zerr.Wrap(err, "list generations")
	}

	retained := make(map[string]struct{})
	for _, name := range Retained(names, m.opts.ShellName, m.opts.RuntimeName) {
		retained[name] = struct{}{}
	}

	var deleted []string
	for _, name := range names {
		if _, ok := retained[name]; ok {
			continue
		}
		if _, err := m.opts.Store.Delete(ctx, name); err != nil {
			return deleted, zerr.With(zerr.Wrap(err, "delete stale generation"), "generation", name)
		}
		deleted = append(deleted, name)
	}

	if m.opts.Host != nil {
		if err := m.opts.Host.Claim(ctx); err != nil {
			return deleted, zerr.Wrap(err, "claim clients")
		}
	}
	return deleted, nil
}

// Retained 返回 names 中在激活后保留的缓存代，即当前 shell 与运行时缓存代，
// 顺序与 names 一致。
func Retained(names []string, shellName, runtimeName string) []string {
	var out []string
	for _, name := range names {
		if name == shellName || name == runtimeName {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return zerr.With(zerr.With(ErrInvalidTransition, "from", string(m.state)), "to", string(to))
	}
	m.state = to
	return nil
}

func (m *Manager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

func (m *Manager) fields(action string) logrus.Fields {
	return logging.LifecycleFields(action, m.opts.Version, m.opts.ShellName, m.opts.RuntimeName)
}
