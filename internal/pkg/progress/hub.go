package progress

import (
	"context"
	"errors"
	"sync"

	"github.com/3Eeeecho/go-chunkupload/internal/models"
)

// Publisher 与 engine.Publisher 一致
type Publisher interface {
	Publish(ctx context.Context, trackingID string, snap models.ProgressSnapshot) error
}

// Hub 进程内的进度分发，供 SSE 订阅。慢订阅者只保留最新一条快照
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

type subscriber struct {
	ch chan models.ProgressSnapshot
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *Hub) Publish(_ context.Context, trackingID string, snap models.ProgressSnapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[trackingID] {
		select {
		case s.ch <- snap:
		default:
			// 丢掉旧的，保留最新
			select {
			case <-s.ch:
			default:
			}
			s.ch <- snap
		}
	}
	return nil
}

// Subscribe 返回快照通道与取消函数，取消后通道被关闭
func (h *Hub) Subscribe(trackingID string) (<-chan models.ProgressSnapshot, func()) {
	s := &subscriber{ch: make(chan models.ProgressSnapshot, 1)}
	h.mu.Lock()
	if h.subs[trackingID] == nil {
		h.subs[trackingID] = make(map[*subscriber]struct{})
	}
	h.subs[trackingID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[trackingID], s)
			if len(h.subs[trackingID]) == 0 {
				delete(h.subs, trackingID)
			}
			close(s.ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers 当前订阅某个上传的数量
func (h *Hub) Subscribers(trackingID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[trackingID])
}

// Multi 依次发布到多个 Publisher，返回所有错误的合并
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, trackingID string, snap models.ProgressSnapshot) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, trackingID, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SubscribeFunc 订阅某个上传的进度快照，返回的函数用于取消订阅
type SubscribeFunc func(ctx context.Context, trackingID string) (<-chan models.ProgressSnapshot, func())

// Source 把 Hub 适配为 SubscribeFunc
func (h *Hub) Source() SubscribeFunc {
	return func(_ context.Context, trackingID string) (<-chan models.ProgressSnapshot, func()) {
		return h.Subscribe(trackingID)
	}
}
