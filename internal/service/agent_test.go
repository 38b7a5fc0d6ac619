package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/hostagent/internal/config"
	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/agent"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
	"github.com/Strob0t/hostagent/internal/port/link"
	"github.com/Strob0t/hostagent/internal/service"
)

func init() {
	domainserver.Register("agenttest", func(domainserver.Env) (domainserver.Server, error) {
		return &fakeServer{name: "agenttest", journal: &journal{}}, nil
	})
}

type memStore struct {
	mu    sync.Mutex
	file  agent.StateFile
	has   bool
	saves int
	err   error
}

func (m *memStore) Load() (agent.StateFile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file, m.has, nil
}

func (m *memStore) Save(f agent.StateFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.file = f
	m.has = true
	m.saves++
	return nil
}

func (m *memStore) snapshot() (agent.StateFile, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file, m.saves
}

type pushed struct {
	dest string
	data []byte
}

type fakePusher struct {
	mu    sync.Mutex
	calls []pushed
}

func (p *fakePusher) Push(_ context.Context, dest string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushed{dest, data})
	return nil
}

func (p *fakePusher) list() []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]pushed(nil), p.calls...)
}

type fakeDatagrams struct {
	mu   sync.Mutex
	sent [][]byte
	port int
}

func (d *fakeDatagrams) Broadcast(data []byte, port int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, data)
	d.port = port
	return nil
}

func (d *fakeDatagrams) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

type fakeConn struct {
	handler link.Handler

	mu        sync.Mutex
	published [][]byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *fakeConn) Publish(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, data)
	return nil
}

func (c *fakeConn) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) messages() []wireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wireMessage, 0, len(c.published))
	for _, data := range c.published {
		var m wireMessage
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	urls  []string
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url, _ string, h link.Handler) (link.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &fakeConn{handler: h, done: make(chan struct{})}
	d.urls = append(d.urls, url)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type wireMessage struct {
	Prefix    command.Prefix `json:"prefix"`
	CommandID command.ID     `json:"commandId"`
	Params    struct {
		Record  map[string]any `json:"record"`
		ReplyTo string         `json:"replyTo"`
	} `json:"params"`
}

type agentFixture struct {
	svc       *service.AgentService
	transport *service.TransportService
	store     *memStore
	pusher    *fakePusher
	datagrams *fakeDatagrams
	dialer    *fakeDialer
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Paths.DataDir = t.TempDir()
	cfg.Agent.Heartbeat = 5 * time.Millisecond
	cfg.Agent.IntentTick = 5 * time.Millisecond
	cfg.Agent.DiskPoll = 0
	cfg.Link.DiscoveryInterval = 0
	cfg.Link.ReconnectDelay = 10 * time.Millisecond
	return &cfg
}

func newAgent(t *testing.T, cfg *config.Config, store *memStore, servers ...config.ServerEntry) *agentFixture {
	t.Helper()
	reg := intent.NewRegistry()
	reg.Register("test.idle", func(in *intent.Intent) (intent.Behavior, error) {
		in.Stage("Idle", func(*intent.Intent) {})
		return startStage("Idle"), nil
	})

	f := &agentFixture{
		transport: service.NewTransportService(command.DefaultSchema(), nil),
		store:     store,
		pusher:    &fakePusher{},
		datagrams: &fakeDatagrams{},
		dialer:    &fakeDialer{},
	}
	svc, err := service.NewAgentService(service.AgentDeps{
		Config:    cfg,
		Servers:   servers,
		Transport: f.transport,
		Intents:   reg,
		Store:     store,
		Dialers:   link.Schemes{"ws": f.dialer},
	})
	if err != nil {
		t.Fatal(err)
	}
	f.svc = svc
	svc.Bind(context.Background(), service.Endpoints{
		TCPPort:   8580,
		UDPPort:   8581,
		Pusher:    f.pusher,
		Datagrams: f.datagrams,
	})
	svc.Start(context.Background())
	return f
}

func (f *agentFixture) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = f.svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *agentFixture) invoke(t *testing.T, raw string) (any, error) {
	t.Helper()
	inv, err := f.transport.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	return f.transport.Dispatch(context.Background(), "http", "/", inv)
}

var fakeEntry = config.ServerEntry{Type: "agenttest", Name: "fake", Params: map[string]any{"label": "one"}}

func TestAgent_CreatesAndReusesIdentity(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.DisplayName = "Lobby"
	store := &memStore{}

	first := newAgent(t, cfg, store)
	file, saves := store.snapshot()
	if saves != 1 {
		t.Fatalf("new identity saved %d times, want 1", saves)
	}
	if _, err := uuid.Parse(file.AgentID); err != nil {
		t.Fatalf("agent id %q is not a UUID", file.AgentID)
	}
	if file.AgentID != first.svc.AgentID() {
		t.Errorf("persisted id %s, service id %s", file.AgentID, first.svc.AgentID())
	}
	if file.AgentConfiguration.DisplayName != "Lobby" {
		t.Errorf("display name %q", file.AgentConfiguration.DisplayName)
	}

	second := newAgent(t, cfg, store)
	if second.svc.AgentID() != first.svc.AgentID() {
		t.Error("restart created a new agent id")
	}
	if _, saves := store.snapshot(); saves != 1 {
		t.Errorf("restart rewrote the state file")
	}
}

func TestAgent_IdentityPersistFailureIsFatal(t *testing.T) {
	store := &memStore{err: errors.New("read-only file system")}
	_, err := service.NewAgentService(service.AgentDeps{
		Config:    testConfig(t),
		Transport: service.NewTransportService(command.DefaultSchema(), nil),
		Intents:   intent.NewRegistry(),
		Store:     store,
	})
	if err == nil {
		t.Fatal("expected an error when the new identity cannot be saved")
	}
}

func TestAgent_UnknownServerType(t *testing.T) {
	_, err := service.NewAgentService(service.AgentDeps{
		Config:    testConfig(t),
		Servers:   []config.ServerEntry{{Type: "nope", Name: "nope"}},
		Transport: service.NewTransportService(command.DefaultSchema(), nil),
		Intents:   intent.NewRegistry(),
		Store:     &memStore{},
	})
	if err == nil {
		t.Fatal("expected unknown server type to fail")
	}
}

func TestAgent_StartsServersWhenEnabled(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{}, fakeEntry)

	health := f.svc.HealthStatus()
	if health["running"] != true || health["status"] != agent.StatusRunning {
		t.Fatalf("health %v", health)
	}

	res, err := f.invoke(t, `{"commandName":"GetStatus"}`)
	if err != nil {
		t.Fatal(err)
	}
	rec := res.(map[string]any)
	if rec["status"] != agent.StatusRunning || rec["tcpPort"] != 8580 || rec["udpPort"] != 8581 {
		t.Errorf("status record %v", rec)
	}
	if rec["applicationName"] != agent.ApplicationName {
		t.Errorf("applicationName %v", rec["applicationName"])
	}
}

func TestAgent_DisabledAgentKeepsServersStopped(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Enabled = false
	f := newAgent(t, cfg, &memStore{}, fakeEntry)

	if got := f.svc.HealthStatus()["status"]; got != agent.StatusDisabled {
		t.Fatalf("status %v, want disabled", got)
	}
	if _, err := f.invoke(t, `{"commandName":"StartServers"}`); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("StartServers on disabled agent: %v", err)
	}
}

func TestAgent_UpdateConfiguration(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{}, fakeEntry)

	_, err := f.invoke(t, `{"commandName":"UpdateAgentConfiguration","params":{
		"enabled":false,"displayName":"Hall","serverConfigurations":{"fake":{"level":3}}}}`)
	if err != nil {
		t.Fatal(err)
	}

	file, _ := f.store.snapshot()
	st := file.AgentConfiguration
	if st.Enabled || st.DisplayName != "Hall" {
		t.Errorf("persisted state %+v", st)
	}
	if st.ServerConfigurations["fake"]["level"] != 3.0 {
		t.Errorf("persisted delta %v", st.ServerConfigurations["fake"])
	}
	if f.svc.Servers().IsRunning() {
		t.Error("servers still running after disable")
	}
	infos := f.svc.Servers().Infos()
	if infos[0].Configuration["level"] != 3.0 || infos[0].Configuration["label"] != "one" {
		t.Errorf("merged configuration %v", infos[0].Configuration)
	}
	if got := f.svc.ContactRecord()["displayName"]; got != "Hall" {
		t.Errorf("contact displayName %v", got)
	}

	if _, err := f.invoke(t, `{"commandName":"UpdateAgentConfiguration","params":{"enabled":true}}`); err != nil {
		t.Fatal(err)
	}
	if !f.svc.Servers().IsRunning() {
		t.Error("servers not started after enable")
	}
}

func TestAgent_UpdateConfigurationRejectsBadDelta(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{}, fakeEntry)
	_, before := f.store.snapshot()

	for _, raw := range []string{
		`{"commandName":"UpdateAgentConfiguration","params":{"enabled":false,"serverConfigurations":{"fake":{"level":"high"}}}}`,
		`{"commandName":"UpdateAgentConfiguration","params":{"serverConfigurations":{"missing":{}}}}`,
		`{"commandName":"UpdateAgentConfiguration","params":{"enabled":false,"serverConfigurations":{"fake":{"level":-1}}}}`,
	} {
		if _, err := f.invoke(t, raw); !errors.Is(err, domain.ErrValidation) {
			t.Errorf("%s: got %v, want validation error", raw, err)
		}
	}
	if _, after := f.store.snapshot(); after != before {
		t.Error("rejected update was persisted")
	}
	if !f.svc.State().Enabled {
		t.Error("rejected update changed the run state")
	}
}

func TestAgent_ReportStatusPushesRecord(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{})

	_, err := f.invoke(t, `{"commandName":"ReportStatus","prefix":{"record":{"req":"r1"}},
		"params":{"destination":"udp://127.0.0.1:9"}}`)
	if err != nil {
		t.Fatal(err)
	}
	calls := f.pusher.list()
	if len(calls) != 1 || calls[0].dest != "udp://127.0.0.1:9" {
		t.Fatalf("pushes %v", calls)
	}
	var m wireMessage
	if err := json.Unmarshal(calls[0].data, &m); err != nil {
		t.Fatal(err)
	}
	if m.CommandID != command.IDAgentStatus || m.Prefix.Record["req"] != "r1" {
		t.Errorf("pushed %+v", m)
	}
	if m.Params.Record["agentId"] != f.svc.AgentID() || m.Params.Record["status"] != agent.StatusStopped {
		t.Errorf("record %v", m.Params.Record)
	}
}

func TestAgent_LinkAnnounceConnectsAndAnswers(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{})
	f.run(t)

	if _, err := f.invoke(t, `{"commandName":"LinkAnnounce","params":{"url":"ws://coordinator:9000/link"}}`); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "link connection", func() bool { return f.dialer.last() != nil })
	conn := f.dialer.last()

	waitFor(t, "contact record", func() bool {
		for _, m := range conn.messages() {
			if m.CommandID == command.IDAgentContact {
				return true
			}
		}
		return false
	})
	if !f.svc.HealthStatus()["linkConnected"].(bool) {
		t.Error("health does not report the link")
	}

	conn.handler(context.Background(), []byte(`{"commandName":"GetStatus","prefix":{"record":{"corr":"7"}}}`))
	waitFor(t, "command response", func() bool {
		for _, m := range conn.messages() {
			if m.CommandID == command.IDCommandResponse && m.Prefix.Record["corr"] == "7" {
				return m.Params.Record["success"] == true && m.Params.Record["result"] != nil
			}
		}
		return false
	})

	// Dropped connections are dialed again.
	_ = conn.Close()
	waitFor(t, "redial", func() bool { return f.dialer.last() != conn })
}

func TestAgent_StaticLinkIgnoresAnnouncements(t *testing.T) {
	cfg := testConfig(t)
	cfg.Link.URL = "ws://static:9000/link"
	f := newAgent(t, cfg, &memStore{})
	f.run(t)

	waitFor(t, "static link", func() bool { return f.dialer.last() != nil })
	if _, err := f.invoke(t, `{"commandName":"LinkAnnounce","params":{"url":"ws://other:9000/link"}}`); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	f.dialer.mu.Lock()
	defer f.dialer.mu.Unlock()
	for _, u := range f.dialer.urls {
		if u != cfg.Link.URL {
			t.Errorf("dialed %s", u)
		}
	}
}

func TestAgent_DiscoveryBroadcastsWhileDisconnected(t *testing.T) {
	cfg := testConfig(t)
	cfg.Link.DiscoveryInterval = 10 * time.Millisecond
	f := newAgent(t, cfg, &memStore{})
	f.run(t)

	waitFor(t, "discovery broadcast", func() bool { return f.datagrams.count() > 0 })

	f.datagrams.mu.Lock()
	data, port := f.datagrams.sent[0], f.datagrams.port
	f.datagrams.mu.Unlock()
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if m.CommandID != command.IDDiscoverLink || port != cfg.UDP.Port {
		t.Errorf("broadcast %+v to port %d", m, port)
	}
	if !strings.HasPrefix(m.Params.ReplyTo, "udp://") || !strings.HasSuffix(m.Params.ReplyTo, ":8581") {
		t.Errorf("replyTo %q", m.Params.ReplyTo)
	}
}

func TestAgent_IntentsArePersisted(t *testing.T) {
	store := &memStore{}
	f := newAgent(t, testConfig(t), store)
	f.run(t)

	res, err := f.invoke(t, `{"commandName":"RunIntent","params":{"type":"test.idle","group":"screen"}}`)
	if err != nil {
		t.Fatal(err)
	}
	info := res.(intent.Info)
	if info.Name != "test.idle" || info.Group != "screen" {
		t.Errorf("info %+v", info)
	}
	waitFor(t, "saved intent", func() bool {
		file, _ := store.snapshot()
		return len(file.AgentConfiguration.Intents) == 1 && file.AgentConfiguration.Intents[0].ID == info.ID
	})

	res, err = f.invoke(t, `{"commandName":"ListIntents"}`)
	if err != nil {
		t.Fatal(err)
	}
	if list := res.(map[string]any)["intents"].([]intent.Info); len(list) != 1 {
		t.Errorf("listed %d intents", len(list))
	}

	res, err = f.invoke(t, `{"commandName":"DeactivateIntent","params":{"intentId":"`+info.ID+`"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if res.(intent.Info).IsActive {
		t.Error("DeactivateIntent left the intent active")
	}
	waitFor(t, "deactivation saved", func() bool {
		file, _ := store.snapshot()
		saved := file.AgentConfiguration.Intents
		return len(saved) == 1 && !saved[0].Active
	})
	res, err = f.invoke(t, `{"commandName":"ActivateIntent","params":{"intentId":"`+info.ID+`"}}`)
	if err != nil {
		t.Fatal(err)
	}
	if !res.(intent.Info).IsActive {
		t.Error("ActivateIntent left the intent inactive")
	}
	waitFor(t, "activation saved", func() bool {
		file, _ := store.snapshot()
		saved := file.AgentConfiguration.Intents
		return len(saved) == 1 && saved[0].Active
	})

	if _, err := f.invoke(t, `{"commandName":"RemoveIntent","params":{"intentId":"`+info.ID+`"}}`); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "intent removed from state", func() bool {
		file, _ := store.snapshot()
		return len(file.AgentConfiguration.Intents) == 0
	})
}

func TestAgent_RestoresSavedIntents(t *testing.T) {
	id := uuid.NewString()
	st := agent.DefaultRunState()
	st.Intents = []intent.Saved{{ID: id, Type: "test.idle", Name: "idle", Active: true}}
	store := &memStore{has: true, file: agent.StateFile{AgentID: uuid.NewString(), AgentConfiguration: st}}

	f := newAgent(t, testConfig(t), store)
	f.run(t)

	waitFor(t, "restored intent", func() bool {
		list, err := f.svc.Intents().List(context.Background())
		return err == nil && len(list) == 1 && list[0].ID == id && list[0].IsActive
	})
}

func TestAgent_TaskCommands(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{})

	res, err := f.invoke(t, `{"commandName":"ListTasks"}`)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.(map[string]any)["tasks"]; !ok {
		t.Errorf("ListTasks result %v", res)
	}
	_, err = f.invoke(t, `{"commandName":"CancelTask","params":{"taskId":"`+uuid.NewString()+`"}}`)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("cancel unknown task: %v", err)
	}
}

func TestAgent_ShutdownCommand(t *testing.T) {
	f := newAgent(t, testConfig(t), &memStore{}, fakeEntry)

	if _, err := f.invoke(t, `{"commandName":"ShutdownAgent"}`); err != nil {
		t.Fatal(err)
	}
	if _, err := f.invoke(t, `{"commandName":"ShutdownAgent"}`); err != nil {
		t.Fatal(err)
	}
	select {
	case <-f.svc.Done():
	default:
		t.Fatal("Done not closed after ShutdownAgent")
	}
	if err := f.svc.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.svc.Servers().IsRunning() {
		t.Error("servers running after shutdown")
	}
}
