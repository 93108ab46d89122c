package lifecycle

import (
	"context"

	"github.com/quran-companion/shell-cache/internal/controller"
	"github.com/quran-companion/shell-cache/internal/fetch"
)

// Outcome 是一次 fetch 事件的处理结果。
type Outcome struct {
	Response *fetch.Response
	// Generation 为处理请求的控制器 id，透传到网络时为空。
	Generation  string
	Intercepted bool
}

// CacheHit 表示响应直接来自缓存分区。
func (o Outcome) CacheHit() bool {
	return o.Response != nil && o.Response.Source == fetch.SourceCache
}

// ControllerStatus 描述单个控制器。
type ControllerStatus struct {
	Generation string `json:"generation"`
	State      string `json:"state"`
	Assets     int    `json:"assets"`
	Clients    int    `json:"clients"`
}

// Status 是 /-/status 诊断输出。
type Status struct {
	Active          *ControllerStatus `json:"active,omitempty"`
	Waiting         *ControllerStatus `json:"waiting,omitempty"`
	Requested       string            `json:"requested,omitempty"`
	Partitions      []string          `json:"partitions"`
	PartitionsError string            `json:"partitions_error,omitempty"`
	Clients         int               `json:"clients"`
	LastError       string            `json:"last_error,omitempty"`
}

// Snapshot 汇总 active/waiting 控制器、分区列表与客户端数量。
func (h *Host) Snapshot(ctx context.Context) Status {
	h.mu.Lock()
	h.pruneLocked()
	status := Status{
		Active:  h.describeLocked(h.active),
		Waiting: h.describeLocked(h.waiting),
		Clients: len(h.clients),
	}
	if h.requested != nil {
		status.Requested = h.requested.ID
	}
	if h.lastErr != nil {
		status.LastError = h.lastErr.Error()
	}
	h.mu.Unlock()

	names, err := h.store.Keys(ctx)
	if err != nil {
		status.PartitionsError = err.Error()
	}
	if names == nil {
		names = []string{}
	}
	status.Partitions = names
	return status
}

func (h *Host) describeLocked(ctrl *controller.Controller) *ControllerStatus {
	if ctrl == nil {
		return nil
	}
	return &ControllerStatus{
		Generation: ctrl.ID(),
		State:      string(ctrl.State()),
		Assets:     len(ctrl.Generation().Manifest),
		Clients:    h.controlledLocked(ctrl),
	}
}
