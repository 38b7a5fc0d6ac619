package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/hostagent/internal/port/link"
	"github.com/Strob0t/hostagent/internal/resilience"
	"github.com/Strob0t/hostagent/internal/service"
)

func TestLinkManager_PublishWhileDown(t *testing.T) {
	m := service.NewLinkManager(link.Schemes{}, "a1", "", time.Millisecond,
		resilience.NewBreaker("link", 3, time.Second), nil, nil)

	if err := m.Publish(context.Background(), []byte(`{}`)); !errors.Is(err, link.ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
	if m.Connected() || m.URL() != "" {
		t.Error("manager reports a link before any announcement")
	}
}

func TestLinkManager_SwitchesToNewAnnouncement(t *testing.T) {
	d := &fakeDialer{}
	connects := make(chan struct{}, 8)
	m := service.NewLinkManager(link.Schemes{"ws": d}, "a1", "", 10*time.Millisecond,
		resilience.NewBreaker("link", 3, time.Second), nil,
		func(context.Context) { connects <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	m.Announce("ws://one/link")
	<-connects
	first := d.last()

	if err := m.Publish(context.Background(), []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}

	m.Announce("ws://two/link")
	<-connects
	waitFor(t, "old connection closed", func() bool { return !first.IsConnected() })
	if m.URL() != "ws://two/link" {
		t.Errorf("url %s", m.URL())
	}

	d.mu.Lock()
	urls := append([]string(nil), d.urls...)
	d.mu.Unlock()
	if len(urls) != 2 || urls[0] != "ws://one/link" || urls[1] != "ws://two/link" {
		t.Errorf("dialed %v", urls)
	}
}

func TestLinkManager_StaticIgnoresAnnouncements(t *testing.T) {
	m := service.NewLinkManager(link.Schemes{}, "a1", "nats://broker:4222", time.Millisecond,
		resilience.NewBreaker("link", 3, time.Second), nil, nil)
	if !m.Static() {
		t.Fatal("expected static manager")
	}
	m.Announce("ws://other/link")
	m.Announce("ws://third/link")
}
