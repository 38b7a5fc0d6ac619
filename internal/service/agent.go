package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"os"
	"runtime"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/hostagent/internal/adapter/otel"
	"github.com/Strob0t/hostagent/internal/config"
	"github.com/Strob0t/hostagent/internal/domain"
	"github.com/Strob0t/hostagent/internal/domain/agent"
	"github.com/Strob0t/hostagent/internal/domain/command"
	"github.com/Strob0t/hostagent/internal/domain/intent"
	"github.com/Strob0t/hostagent/internal/periodic"
	"github.com/Strob0t/hostagent/internal/port/broadcast"
	"github.com/Strob0t/hostagent/internal/port/domainserver"
	"github.com/Strob0t/hostagent/internal/port/link"
	"github.com/Strob0t/hostagent/internal/resilience"
)

// StateStore persists the agent id and run state.
type StateStore interface {
	Load() (agent.StateFile, bool, error)
	Save(f agent.StateFile) error
}

// RecordPusher delivers a serialized record to a udp:// or http(s)://
// destination.
type RecordPusher interface {
	Push(ctx context.Context, destination string, data []byte) error
}

// DatagramBroadcaster sends a datagram to every local broadcast address.
type DatagramBroadcaster interface {
	Broadcast(data []byte, port int) error
}

// AgentDeps are the collaborators of an AgentService.
type AgentDeps struct {
	Config    *config.Config
	Servers   []config.ServerEntry
	Transport *TransportService
	Intents   *intent.Registry
	Store     StateStore
	Dialers   link.Schemes
	Metrics   *cfotel.Metrics
	Breakers  *resilience.Set
}

// Endpoints are the bound transports, known only after listening.
type Endpoints struct {
	TCPPort   int
	UDPPort   int
	Pusher    RecordPusher
	Datagrams DatagramBroadcaster
}

// DiskUsage is the last free-space sample of the data dir.
type DiskUsage struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"usedPercent"`
	CheckedAt   int64   `json:"checkedAt"`
}

// AgentService is the agent runtime. It owns the run state, the domain
// servers, the task and intent engines and the coordinator link.
type AgentService struct {
	cfg       *config.Config
	agentID   string
	transport *TransportService
	store     StateStore
	tasks     *TaskRunnerService
	intents   *IntentService
	servers   *ServerRegistry
	link      *LinkManager

	discovery *periodic.Task
	diskPoll  *periodic.Task

	// persistMu serializes updateState; mu guards the fields below and is
	// never held across I/O.
	persistMu sync.Mutex
	mu        sync.RWMutex
	identity  agent.Identity
	state     agent.RunState
	disk      *DiskUsage
	pusher    RecordPusher
	datagrams DatagramBroadcaster

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewAgentService loads or creates the agent state and builds the
// configured domain servers. A fresh agent id that cannot be persisted is
// fatal.
func NewAgentService(deps AgentDeps) (*AgentService, error) {
	cfg := deps.Config

	f, ok, err := deps.Store.Load()
	if err != nil {
		slog.Warn("agent state unreadable, starting fresh", "error", err)
		ok = false
	}
	if !ok {
		f = agent.StateFile{AgentID: uuid.NewString(), AgentConfiguration: agent.DefaultRunState()}
		f.AgentConfiguration.Enabled = cfg.Agent.Enabled
		f.AgentConfiguration.DisplayName = cfg.Agent.DisplayName
		if err := deps.Store.Save(f); err != nil {
			return nil, fmt.Errorf("persist new agent state: %w", err)
		}
		slog.Info("created agent identity", "agent_id", f.AgentID)
	}
	f.AgentConfiguration.Normalize()

	breakers := deps.Breakers
	if breakers == nil {
		breakers = resilience.NewSet(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	}

	s := &AgentService{
		cfg:       cfg,
		agentID:   f.AgentID,
		transport: deps.Transport,
		store:     deps.Store,
		servers:   NewServerRegistry(),
		identity:  agent.Identity{AgentID: f.AgentID, ApplicationName: agent.ApplicationName},
		state:     f.AgentConfiguration,
		shutdown:  make(chan struct{}),
	}
	s.tasks = NewTaskRunnerService(s, cfg.Tasks.MaxRunning, deps.Metrics)
	s.intents = NewIntentService(deps.Intents, s, s.saveIntents)
	s.link = NewLinkManager(deps.Dialers, f.AgentID, cfg.Link.URL, cfg.Link.ReconnectDelay,
		breakers.For("link"), s.handleLinkMessage, s.onLinkConnect)

	if cfg.Link.DiscoveryInterval > 0 {
		s.discovery = periodic.New("agent.discovery", cfg.Link.DiscoveryInterval, s.discover,
			periodic.WithJitter(cfg.Link.DiscoveryInterval/4))
	}
	if cfg.Agent.DiskPoll > 0 {
		s.diskPoll = periodic.New("agent.disk-poll", cfg.Agent.DiskPoll, s.pollDisk)
	}

	env := domainserver.Env{
		Routes:  deps.Transport,
		Tasks:   s.tasks,
		Intents: deps.Intents,
		DataDir: cfg.Paths.DataDir,
		BinDir:  cfg.Paths.BinDir,
	}
	for _, e := range deps.Servers {
		srv, err := domainserver.New(e.Type, env)
		if err != nil {
			return nil, fmt.Errorf("server %s: %w", e.Name, err)
		}
		if err := s.servers.Add(e.Name, e.Description, srv, baseConfig(cfg, e)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// baseConfig returns the static configuration of e with the agent wide
// tool defaults filled in where the entry leaves them out.
func baseConfig(cfg *config.Config, e config.ServerEntry) map[string]any {
	base := maps.Clone(e.Params)
	if base == nil {
		base = map[string]any{}
	}
	fill := func(key string, v any, set bool) {
		if _, ok := base[key]; !ok && set {
			base[key] = v
		}
	}
	switch e.Type {
	case "media":
		fill("player", cfg.Tools.Player, cfg.Tools.Player != "")
	case "display":
		fill("script", cfg.Tools.DisplayScript, cfg.Tools.DisplayScript != "")
		fill("finder", cfg.Tools.BrowserFinder, cfg.Tools.BrowserFinder != "")
	case "cache":
		fill("memoryBytes", float64(cfg.Cache.MemoryMB<<20), cfg.Cache.MemoryMB > 0)
	}
	return base
}

// AgentID returns the persisted agent id.
func (s *AgentService) AgentID() string { return s.agentID }

// Servers returns the domain server registry.
func (s *AgentService) Servers() *ServerRegistry { return s.servers }

// Tasks returns the task runner.
func (s *AgentService) Tasks() *TaskRunnerService { return s.tasks }

// Intents returns the intent engine.
func (s *AgentService) Intents() *IntentService { return s.intents }

// Bind completes the identity with the bound ports and installs the
// outbound transports.
func (s *AgentService) Bind(ctx context.Context, ep Endpoints) {
	hostname := s.cfg.Agent.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	platform := hostPlatform(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = agent.Identity{
		AgentID:         s.agentID,
		URLHostname:     hostname,
		TCPPort:         ep.TCPPort,
		UDPPort:         ep.UDPPort,
		DisplayName:     displayName(s.state, hostname),
		ApplicationName: agent.ApplicationName,
		Platform:        platform,
		StartTime:       time.Now().UnixMilli(),
	}
	s.pusher = ep.Pusher
	s.datagrams = ep.Datagrams
}

func hostPlatform(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil || info.Platform == "" {
		return runtime.GOOS + "/" + runtime.GOARCH
	}
	if info.PlatformVersion != "" {
		return info.Platform + " " + info.PlatformVersion
	}
	return info.Platform
}

func displayName(st agent.RunState, hostname string) string {
	if st.DisplayName != "" {
		return st.DisplayName
	}
	return hostname
}

// Start installs the saved server deltas, starts the servers when the
// agent is enabled and registers the control commands. A server that fails
// to start is logged; the agent stays reachable so it can be reconfigured.
func (s *AgentService) Start(ctx context.Context) {
	s.mu.RLock()
	st := s.state.Clone()
	s.mu.RUnlock()

	s.servers.SetDeltas(st.ServerConfigurations)
	if st.Enabled {
		if err := s.servers.StartAll(ctx); err != nil {
			slog.Error("server startup aborted", "error", err)
		}
	} else {
		slog.Info("agent disabled, servers not started")
	}

	s.transport.AddInvokeHandler("/", command.TypeAgent, s.handleAgent)
	s.transport.AddInvokeHandler("/", command.TypeLink, s.handleLink)
	slog.Info("agent started", "agent_id", s.agentID, "status", s.servers.Status(st.Enabled))
}

// Run drives the task runner, intent engine, coordinator link and the
// periodic maintenance until ctx is cancelled.
func (s *AgentService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.tasks.Run(ctx, s.cfg.Agent.Heartbeat) })
	g.Go(func() error { return s.intents.Run(ctx, s.cfg.Agent.IntentTick) })
	g.Go(func() error {
		s.mu.RLock()
		saved := slices.Clone(s.state.Intents)
		s.mu.RUnlock()
		err := s.intents.Restore(ctx, saved)
		if err != nil && ctx.Err() == nil && !errors.Is(err, ErrEngineStopped) {
			return fmt.Errorf("restore intents: %w", err)
		}
		return nil
	})
	g.Go(func() error { return s.link.Run(ctx) })
	if s.diskPoll != nil {
		g.Go(func() error {
			s.diskPoll.Run(ctx)
			return nil
		})
	}
	if s.discovery != nil && !s.link.Static() {
		g.Go(func() error {
			s.discovery.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops every domain server.
func (s *AgentService) Shutdown(ctx context.Context) error {
	return s.servers.StopAll(ctx)
}

// Done is closed when a ShutdownAgent command was received.
func (s *AgentService) Done() <-chan struct{} { return s.shutdown }

func (s *AgentService) requestShutdown() {
	s.shutdownOnce.Do(func() {
		slog.Info("shutdown requested")
		close(s.shutdown)
	})
}

// State returns a copy of the run state.
func (s *AgentService) State() agent.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// updateState applies fn to a copy of the run state, validates and persists
// it, and only then makes it current. Every run state change goes through
// here.
func (s *AgentService) updateState(fn func(st *agent.RunState)) (agent.RunState, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.RLock()
	next := s.state.Clone()
	s.mu.RUnlock()

	fn(&next)
	next.Normalize()
	if err := next.Validate(); err != nil {
		return agent.RunState{}, err
	}
	if err := s.store.Save(agent.StateFile{AgentID: s.agentID, AgentConfiguration: next}); err != nil {
		return agent.RunState{}, fmt.Errorf("persist agent state: %w", err)
	}

	s.mu.Lock()
	s.state = next
	s.identity.DisplayName = displayName(next, s.identity.URLHostname)
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *AgentService) saveIntents(_ context.Context, saved []intent.Saved) error {
	_, err := s.updateState(func(st *agent.RunState) {
		st.Intents = saved
	})
	return err
}

// UpdateConfiguration validates every touched server delta, persists the
// new run state, reconfigures the touched servers and starts or stops all
// servers when the enabled flag flipped.
func (s *AgentService) UpdateConfiguration(ctx context.Context, p *command.UpdateConfigurationParams) (agent.RunState, error) {
	if err := s.servers.ValidateDeltas(p.ServerConfigurations); err != nil {
		return agent.RunState{}, err
	}

	var wasEnabled bool
	next, err := s.updateState(func(st *agent.RunState) {
		wasEnabled = st.Enabled
		if p.Enabled != nil {
			st.Enabled = *p.Enabled
		}
		if p.DisplayName != nil {
			st.DisplayName = *p.DisplayName
		}
		for name, delta := range p.ServerConfigurations {
			st.ServerConfigurations[name] = maps.Clone(delta)
		}
	})
	if err != nil {
		return agent.RunState{}, err
	}

	var errs []error
	if len(p.ServerConfigurations) > 0 {
		if err := s.servers.ApplyDeltas(ctx, p.ServerConfigurations); err != nil {
			errs = append(errs, err)
		}
	}
	switch {
	case next.Enabled && !wasEnabled:
		slog.Info("agent enabled")
		if err := s.servers.StartAll(ctx); err != nil {
			errs = append(errs, err)
		}
	case !next.Enabled && wasEnabled:
		slog.Info("agent disabled")
		if err := s.servers.StopAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.publishStatus(ctx)

	if err := errors.Join(errs...); err != nil {
		return agent.RunState{}, err
	}
	return next, nil
}

func (s *AgentService) handleAgent(ctx context.Context, inv *command.Invocation) (any, error) {
	switch inv.CommandID {
	case command.IDGetStatus:
		return s.StatusRecord(), nil

	case command.IDReportStatus, command.IDReportContact:
		return nil, s.Report(ctx, inv)

	case command.IDGetAgentConfiguration:
		return agent.StateFile{AgentID: s.agentID, AgentConfiguration: s.State()}, nil

	case command.IDUpdateAgentConfiguration:
		p, _ := command.ParamsAs[command.UpdateConfigurationParams](inv)
		st, err := s.UpdateConfiguration(ctx, p)
		if err != nil {
			return nil, err
		}
		return agent.StateFile{AgentID: s.agentID, AgentConfiguration: st}, nil

	case command.IDStartServers:
		if !s.State().Enabled {
			return nil, fmt.Errorf("%w: agent is disabled", domain.ErrConflict)
		}
		if err := s.servers.StartAll(ctx); err != nil {
			return nil, err
		}
		s.publishStatus(ctx)
		return s.StatusRecord(), nil

	case command.IDStopServers:
		if err := s.servers.StopAll(ctx); err != nil {
			return nil, err
		}
		s.publishStatus(ctx)
		return s.StatusRecord(), nil

	case command.IDShutdownAgent:
		s.requestShutdown()
		return nil, nil

	case command.IDListTasks:
		return map[string]any{"tasks": s.tasks.List()}, nil

	case command.IDCancelTask:
		p, _ := command.ParamsAs[command.TaskParams](inv)
		return nil, s.tasks.Cancel(p.TaskID)

	case command.IDRunIntent:
		p, _ := command.ParamsAs[command.RunIntentParams](inv)
		info, err := s.intents.RunIntent(ctx, intent.Saved{
			Type:          p.Type,
			Name:          p.Name,
			DisplayName:   p.DisplayName,
			Group:         p.Group,
			Configuration: p.Configuration,
			Active:        true,
		})
		if err != nil {
			return nil, err
		}
		return info, nil

	case command.IDRemoveIntent:
		p, _ := command.ParamsAs[command.IntentParams](inv)
		return nil, s.intents.RemoveIntent(ctx, p.IntentID)

	case command.IDActivateIntent, command.IDDeactivateIntent:
		p, _ := command.ParamsAs[command.IntentParams](inv)
		set := s.intents.DeactivateIntent
		if inv.CommandID == command.IDActivateIntent {
			set = s.intents.ActivateIntent
		}
		info, err := set(ctx, p.IntentID)
		if err != nil {
			return nil, err
		}
		return info, nil

	case command.IDListIntents:
		list, err := s.intents.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"intents": list}, nil
	}
	return nil, fmt.Errorf("%s is not an agent command: %w", inv.CommandName, domain.ErrNotFound)
}

// handleLink accepts coordinator announcements. Other link commands are
// records meant for coordinators and are ignored.
func (s *AgentService) handleLink(_ context.Context, inv *command.Invocation) (any, error) {
	if inv.CommandID != command.IDLinkAnnounce {
		return nil, nil
	}
	p, _ := command.ParamsAs[command.LinkAnnounceParams](inv)
	if s.link.Static() {
		slog.Debug("ignoring link announcement, url is static", "url", p.URL)
		return nil, nil
	}
	if s.link.Connected() && s.link.URL() == p.URL {
		return nil, nil
	}
	slog.Info("link announced", "url", p.URL)
	s.link.Announce(p.URL)
	return nil, nil
}

// ContactRecord returns the identity fields a coordinator needs to reach
// the agent.
func (s *AgentService) ContactRecord() map[string]any {
	s.mu.RLock()
	id := s.identity
	s.mu.RUnlock()
	return map[string]any{
		"agentId":         id.AgentID,
		"urlHostname":     id.URLHostname,
		"tcpPort":         id.TCPPort,
		"udpPort":         id.UDPPort,
		"displayName":     id.DisplayName,
		"applicationName": id.ApplicationName,
		"platform":        id.Platform,
		"startTime":       id.StartTime,
	}
}

// StatusRecord returns the contact record plus the run status.
func (s *AgentService) StatusRecord() map[string]any {
	rec := s.ContactRecord()

	s.mu.RLock()
	enabled := s.state.Enabled
	usage := s.disk
	s.mu.RUnlock()

	rec["status"] = s.servers.Status(enabled)
	rec["enabled"] = enabled
	rec["servers"] = s.servers.Infos()
	rec["runningTasks"] = s.tasks.RunningCount()
	rec["linkConnected"] = s.link.Connected()
	if u := s.link.URL(); u != "" {
		rec["linkUrl"] = u
	}
	if usage != nil {
		rec["disk"] = *usage
	}
	return rec
}

// HealthStatus is served on GET /health.
func (s *AgentService) HealthStatus() map[string]any {
	enabled := s.State().Enabled
	return map[string]any{
		"agentId":       s.agentID,
		"running":       s.servers.IsRunning(),
		"status":        s.servers.Status(enabled),
		"linkConnected": s.link.Connected(),
	}
}

// Report pushes the status or contact record to the destination named by a
// ReportStatus or ReportContact invocation.
func (s *AgentService) Report(ctx context.Context, inv *command.Invocation) error {
	p, ok := command.ParamsAs[command.ReportParams](inv)
	if !ok {
		return fmt.Errorf("%w: %s is not a report command", domain.ErrValidation, inv.CommandName)
	}

	var (
		id  command.ID
		rec map[string]any
	)
	switch inv.CommandID {
	case command.IDReportStatus:
		id, rec = command.IDAgentStatus, s.StatusRecord()
	case command.IDReportContact:
		id, rec = command.IDAgentContact, s.ContactRecord()
	default:
		return fmt.Errorf("%w: %s is not a report command", domain.ErrValidation, inv.CommandName)
	}

	data, err := s.encode(id, command.Prefix{AgentID: s.agentID, Record: inv.Prefix.Record}, &command.RecordParams{Record: rec})
	if err != nil {
		return err
	}

	s.mu.RLock()
	pusher := s.pusher
	s.mu.RUnlock()
	if pusher == nil {
		return errors.New("agent transports are not bound")
	}
	return pusher.Push(ctx, p.Destination, data)
}

// BroadcastEvent publishes an engine event on the coordinator link. Events
// raised while the link is down are dropped.
func (s *AgentService) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	rec, err := toRecord(payload)
	if err != nil {
		slog.Warn("unencodable event", "event", eventType, "error", err)
		return
	}

	id := command.IDAgentStatus
	if eventType == broadcast.EventTaskRecord {
		id = command.IDTaskRecord
	}
	prefix := command.Prefix{AgentID: s.agentID, Record: map[string]any{"event": eventType}}
	data, err := s.encode(id, prefix, &command.RecordParams{Record: rec})
	if err != nil {
		slog.Warn("encode event failed", "event", eventType, "error", err)
		return
	}
	s.publish(ctx, eventType, data)
}

func (s *AgentService) publishStatus(ctx context.Context) {
	s.BroadcastEvent(ctx, broadcast.EventAgentStatus, s.StatusRecord())
}

func (s *AgentService) publish(ctx context.Context, what string, data []byte) {
	if err := s.link.Publish(ctx, data); err != nil {
		if errors.Is(err, link.ErrNotConnected) {
			slog.Debug("link down, dropping message", "message", what)
			return
		}
		slog.Warn("link publish failed", "message", what, "error", err)
	}
}

func (s *AgentService) onLinkConnect(ctx context.Context) {
	s.publishStatus(ctx)
	data, err := s.encode(command.IDAgentContact, command.Prefix{AgentID: s.agentID},
		&command.RecordParams{Record: s.ContactRecord()})
	if err != nil {
		slog.Warn("encode contact failed", "error", err)
		return
	}
	s.publish(ctx, "contact", data)
}

// handleLinkMessage runs a command received from the coordinator and
// answers with a CommandResponse echoing the request's prefix record.
func (s *AgentService) handleLinkMessage(ctx context.Context, data []byte) {
	inv, err := s.transport.Parse(data)
	if err != nil {
		slog.Debug("discarding invalid link message", "error", err)
		return
	}

	result, err := s.transport.Dispatch(ctx, "link", "/", inv)
	if inv.CommandType == command.TypeLink {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("link command failed", "command", inv.CommandName, "error", err)
		}
		return
	}

	resp := map[string]any{
		"commandId":   int(inv.CommandID),
		"commandName": inv.CommandName,
		"success":     err == nil,
	}
	if err != nil {
		resp["error"] = err.Error()
	} else if result != nil {
		rec, encErr := toRecord(result)
		if encErr != nil {
			resp["success"] = false
			resp["error"] = encErr.Error()
		} else {
			resp["result"] = rec
		}
	}

	out, err := s.encode(command.IDCommandResponse, command.Prefix{AgentID: s.agentID, Record: inv.Prefix.Record},
		&command.RecordParams{Record: resp})
	if err != nil {
		slog.Warn("encode command response failed", "command", inv.CommandName, "error", err)
		return
	}
	s.publish(ctx, inv.CommandName+" response", out)
}

// discover broadcasts DiscoverLink while no coordinator is connected.
func (s *AgentService) discover(_ context.Context) error {
	if s.link.Connected() {
		return nil
	}
	s.mu.RLock()
	datagrams := s.datagrams
	hostname := s.identity.URLHostname
	port := s.identity.UDPPort
	s.mu.RUnlock()
	if datagrams == nil {
		return nil
	}

	replyTo := "udp://" + net.JoinHostPort(hostname, strconv.Itoa(port))
	data, err := s.encode(command.IDDiscoverLink, command.Prefix{AgentID: s.agentID},
		&command.DiscoverLinkParams{ReplyTo: replyTo})
	if err != nil {
		return err
	}
	slog.Debug("looking for a coordinator", "reply_to", replyTo)
	return datagrams.Broadcast(data, s.cfg.UDP.Port)
}

// pollDisk samples free space of the data dir.
func (s *AgentService) pollDisk(ctx context.Context) error {
	u, err := disk.UsageWithContext(ctx, s.cfg.Paths.DataDir)
	if err != nil {
		return fmt.Errorf("disk usage %s: %w", s.cfg.Paths.DataDir, err)
	}
	usage := &DiskUsage{
		Path:        u.Path,
		Total:       u.Total,
		Free:        u.Free,
		UsedPercent: u.UsedPercent,
		CheckedAt:   time.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.disk = usage
	s.mu.Unlock()
	return nil
}

// Disk returns the last disk sample, nil before the first poll.
func (s *AgentService) Disk() *DiskUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disk
}

func (s *AgentService) encode(id command.ID, prefix command.Prefix, params any) ([]byte, error) {
	inv, err := s.transport.Schema().New(id, prefix, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(inv)
}

// toRecord converts a payload to a JSON object.
func toRecord(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("payload is not an object: %w", err)
	}
	return out, nil
}
