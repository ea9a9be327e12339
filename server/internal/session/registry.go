package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Registry 是进程内的会话控制器表。
// 条目在 TTL 内保留，会话结束后报告仍可查询；过期时仍在进行中的会话按断线结束。
type Registry struct {
	cache *cache.Cache
}

func NewRegistry(ttl, cleanupInterval time.Duration) *Registry {
	c := cache.New(ttl, cleanupInterval)
	c.OnEvicted(func(_ string, v any) {
		if ctrl, ok := v.(*Controller); ok {
			ctrl.Abort()
		}
	})
	return &Registry{cache: c}
}

// Add 注册控制器，同 ID 覆盖。
func (r *Registry) Add(c *Controller) {
	r.cache.SetDefault(c.ID(), c)
}

// Get 查找控制器。进行中的会话每次访问都会续期。
func (r *Registry) Get(id string) (*Controller, error) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	c := v.(*Controller)
	if s := c.Status(); s == StatusActive || s == StatusConnecting {
		r.cache.SetDefault(id, c)
	}
	return c, nil
}

func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

// List 按 ID 排序返回未过期的控制器。
func (r *Registry) List() []*Controller {
	items := r.cache.Items()
	out := make([]*Controller, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*Controller))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Shutdown 结束所有进行中的会话，并等待它们的报告写完或 ctx 到期。
func (r *Registry) Shutdown(ctx context.Context) error {
	controllers := r.List()
	errs := make(chan error, len(controllers))

	var wg sync.WaitGroup
	for _, c := range controllers {
		if c.Status() != StatusActive {
			continue
		}
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			c.Abort()
			if err := c.Wait(ctx); err != nil {
				errs <- err
			}
		}(c)
	}
	wg.Wait()
	close(errs)

	return <-errs
}
