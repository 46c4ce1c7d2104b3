package service

import (
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/protection-module/internal/domain/model"
)

type countingResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *countingResolver) URI(requestID, fileName string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return "https://objects.example.com/" + requestID + "/" + fileName
}

func TestLinkCache_DownloadOnlyForComplete(t *testing.T) {
	resolver := &countingResolver{}
	links := NewLinkCache(resolver, "/api/v1/protection/", 10, time.Minute)

	req := model.NewProtectionRequest("alice@example.com", "a.docx")
	req.ID = "req-1"

	view := links.View(req)
	if view.Links.Self.Href != "/api/v1/protection/req-1" {
		t.Errorf("self = %q", view.Links.Self.Href)
	}
	if view.Links.Download != nil {
		t.Error("download не должен появляться до COMPLETE")
	}
	if resolver.calls != 0 {
		t.Errorf("resolver вызван %d раз", resolver.calls)
	}

	_ = req.Complete()
	view = links.View(req)
	if view.Links.Download == nil || view.Links.Download.Href != "https://objects.example.com/req-1/a.docx" {
		t.Fatalf("download = %+v", view.Links.Download)
	}
}

func TestLinkCache_CachesAndForgets(t *testing.T) {
	resolver := &countingResolver{}
	links := NewLinkCache(resolver, "/api/v1/protection", 10, time.Minute)

	req := model.NewProtectionRequest("alice@example.com", "a.docx")
	req.ID = "req-1"
	_ = req.Complete()

	links.DownloadHref(req)
	links.DownloadHref(req)
	if resolver.calls != 1 {
		t.Errorf("resolver вызван %d раз, ожидается 1", resolver.calls)
	}

	links.Forget(req.ID)
	links.DownloadHref(req)
	if resolver.calls != 2 {
		t.Errorf("после Forget resolver вызван %d раз, ожидается 2", resolver.calls)
	}
}

func TestLinkCache_TTL(t *testing.T) {
	resolver := &countingResolver{}
	links := NewLinkCache(resolver, "/api/v1/protection", 10, 10*time.Millisecond)

	req := model.NewProtectionRequest("alice@example.com", "a.docx")
	req.ID = "req-1"
	_ = req.Complete()

	links.DownloadHref(req)
	time.Sleep(50 * time.Millisecond)
	links.DownloadHref(req)
	if resolver.calls != 2 {
		t.Errorf("resolver вызван %d раз, ожидается 2", resolver.calls)
	}
}
