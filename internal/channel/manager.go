package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// InboundProcessor handles one inbound message end to end.
type InboundProcessor interface {
	HandleInbound(ctx context.Context, msg InboundMessage) error
}

// ConnectionStatus describes runtime status for one channel connection.
type ConnectionStatus struct {
	ChannelType ChannelType `json:"channel_type"`
	Running     bool        `json:"running"`
	LastError   string      `json:"last_error,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type inboundTask struct {
	ctx context.Context
	msg InboundMessage
}

// Manager connects every registered receiver, feeds inbound messages through a
// bounded worker pool and routes outbound messages to the right sender.
type Manager struct {
	registry  *Registry
	processor InboundProcessor
	logger    *slog.Logger

	inboundQueue   chan inboundTask
	inboundWorkers int
	workersWG      sync.WaitGroup
	inboundCancel  context.CancelFunc

	mu          sync.Mutex
	connections map[ChannelType]Connection
	status      map[ChannelType]ConnectionStatus
}

func NewManager(log *slog.Logger, registry *Registry, processor InboundProcessor) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{
		registry:       registry,
		processor:      processor,
		logger:         log.With(slog.String("component", "channel")),
		inboundQueue:   make(chan inboundTask, 256),
		inboundWorkers: 4,
		connections:    map[ChannelType]Connection{},
		status:         map[ChannelType]ConnectionStatus{},
	}
}

// Registry returns the adapter registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Start launches the inbound workers and connects every receiver. A failing
// adapter is logged and recorded but does not stop the others.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	workerCtx, cancel := context.WithCancel(ctx)
	m.inboundCancel = cancel
	for i := 0; i < m.inboundWorkers; i++ {
		m.workersWG.Add(1)
		go m.runWorker(workerCtx)
	}
	for _, adapter := range m.registry.List() {
		receiver, ok := adapter.(Receiver)
		if !ok {
			continue
		}
		ct := adapter.Type()
		conn, err := receiver.Connect(workerCtx, m.enqueue)
		if err != nil {
			m.logger.Error("adapter start failed", slog.String("channel", ct.String()), slog.Any("error", err))
			m.markStatus(ct, false, err)
			continue
		}
		m.mu.Lock()
		m.connections[ct] = conn
		m.mu.Unlock()
		m.markStatus(ct, true, nil)
		m.logger.Info("adapter connected", slog.String("channel", ct.String()))
	}
}

func (m *Manager) enqueue(ctx context.Context, msg InboundMessage) error {
	select {
	case m.inboundQueue <- inboundTask{ctx: ctx, msg: msg}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) runWorker(ctx context.Context) {
	defer m.workersWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-m.inboundQueue:
			m.process(task)
		}
	}
}

func (m *Manager) process(task inboundTask) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("inbound handler panic", slog.String("channel", task.msg.Channel.String()), slog.Any("panic", r))
		}
	}()
	if m.processor == nil {
		return
	}
	if err := m.processor.HandleInbound(task.ctx, task.msg); err != nil {
		m.logger.Error("handle inbound failed",
			slog.String("channel", task.msg.Channel.String()),
			slog.String("message_id", task.msg.Message.ID),
			slog.Any("error", err),
		)
	}
}

// Send delivers an outbound message to the specified channel.
func (m *Manager) Send(ctx context.Context, channelType ChannelType, msg OutboundMessage) (SendResult, error) {
	sender, ok := m.registry.GetSender(channelType)
	if !ok {
		return SendResult{}, fmt.Errorf("unsupported channel type: %s", channelType)
	}
	if strings.TrimSpace(msg.Target) == "" {
		return SendResult{}, fmt.Errorf("target is required")
	}
	if msg.Message.IsEmpty() {
		return SendResult{}, fmt.Errorf("message is required")
	}
	res, err := sender.Send(ctx, msg)
	if err != nil {
		m.logger.Error("send outbound failed", slog.String("channel", channelType.String()), slog.Any("error", err))
		return SendResult{}, err
	}
	return res, nil
}

// Descriptor returns the descriptor of a registered channel.
func (m *Manager) Descriptor(channelType ChannelType) (Descriptor, bool) {
	return m.registry.GetDescriptor(channelType)
}

// Shutdown cancels the inbound worker pool and stops all active connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.inboundCancel != nil {
		m.inboundCancel()
	}
	m.mu.Lock()
	conns := make(map[ChannelType]Connection, len(m.connections))
	for ct, c := range m.connections {
		conns[ct] = c
	}
	m.connections = map[ChannelType]Connection{}
	m.mu.Unlock()

	var errs []error
	for ct, conn := range conns {
		if err := conn.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn("adapter stop failed", slog.String("channel", ct.String()), slog.Any("error", err))
			errs = append(errs, err)
		}
		m.markStatus(ct, false, nil)
	}
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	m.logger.Info("manager stop")
	return errors.Join(errs...)
}

func (m *Manager) markStatus(ct ChannelType, running bool, err error) {
	status := ConnectionStatus{ChannelType: ct, Running: running, UpdatedAt: time.Now()}
	if err != nil {
		status.LastError = err.Error()
	}
	m.mu.Lock()
	m.status[ct] = status
	m.mu.Unlock()
}

// Statuses returns observed connection statuses sorted by channel.
func (m *Manager) Statuses() []ConnectionStatus {
	m.mu.Lock()
	items := make([]ConnectionStatus, 0, len(m.status))
	for ct, s := range m.status {
		if conn, ok := m.connections[ct]; ok {
			s.Running = conn.Running()
		}
		items = append(items, s)
	}
	m.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].ChannelType < items[j].ChannelType })
	return items
}
