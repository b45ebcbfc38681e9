package engine

import (
	"sync"
	"time"
)

type Notice struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	EntryID string    `json:"entryId,omitempty"`
	At      time.Time `json:"at"`
}

// Notifier receives user-facing failure messages. Presentation is up to the caller.
type Notifier interface {
	Notify(Notice)
}

type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(notice Notice) {
	f(notice)
}

// NoticeLog keeps the most recent notices in memory.
type NoticeLog struct {
	mu    sync.Mutex
	limit int
	items []Notice
}

func NewNoticeLog(limit int) *NoticeLog {
	if limit <= 0 {
		limit = 20
	}
	return &NoticeLog{limit: limit}
}

func (l *NoticeLog) Notify(notice Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, notice)
	if len(l.items) > l.limit {
		l.items = append([]Notice(nil), l.items[len(l.items)-l.limit:]...)
	}
}

func (l *NoticeLog) Recent() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Notice{}, l.items...)
}
