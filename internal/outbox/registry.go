package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Effector 一个下游副作用。返回 nil 表示成功，任何 error 都计为一次失败尝试。
type Effector interface {
	Execute(ctx context.Context, p *AppointmentPayload) error
}

// EffectorFunc 函数适配
type EffectorFunc func(ctx context.Context, p *AppointmentPayload) error

func (f EffectorFunc) Execute(ctx context.Context, p *AppointmentPayload) error { return f(ctx, p) }

// Registry 事件类型 -> effector 的分发表
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Effector
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Effector)}
}

// Register 注册（或替换）某事件类型的处理者
func (r *Registry) Register(eventType string, e Effector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = e
}

// Alias 让 alias 复用 target 已注册的处理者
func (r *Registry) Alias(alias, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.handlers[target]
	if !ok {
		return fmt.Errorf("alias %s: no effector registered for %s", alias, target)
	}
	r.handlers[alias] = e
	return nil
}

func (r *Registry) Lookup(eventType string) (Effector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[eventType]
	return e, ok
}

// Types 已注册的事件类型（排序后）
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
