package tabs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/snaprelay/snaprelay/internal/browser"
	"github.com/snaprelay/snaprelay/internal/cdp"
	"github.com/snaprelay/snaprelay/internal/navigator"
	"github.com/snaprelay/snaprelay/pkg/models"
)

// tabState pairs the public tab record with its live browser connection
type tabState struct {
	tab        *models.Tab
	client     *cdp.Client
	stopEvents func()
}

// Manager owns the managed tabs: it launches their containers, holds
// their DevTools connections, and fans their load-lifecycle events in
// to subscribers. It implements the navigation and capture primitives
// the workflow orchestrator depends on.
type Manager struct {
	tabs           sync.Map // tabID -> *tabState
	sem            *semaphore.Weighted
	pool           *browser.Pool
	defaultTimeout int

	mu      sync.Mutex
	subs    map[int64]chan navigator.LifecycleEvent
	nextSub int64
}

// NewManager creates a tab manager with a global concurrency cap and a
// default tab lifetime in seconds
func NewManager(pool *browser.Pool, maxTabs, defaultTimeout int) *Manager {
	if maxTabs <= 0 {
		maxTabs = 10
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 3600
	}
	return &Manager{
		sem:            semaphore.NewWeighted(int64(maxTabs)),
		pool:           pool,
		defaultTimeout: defaultTimeout,
		subs:           make(map[int64]chan navigator.LifecycleEvent),
	}
}

// CreateTab launches a Chrome container and connects its debugger
func (m *Manager) CreateTab(ctx context.Context, req models.CreateTabRequest) (*models.Tab, error) {
	if req.Timeout == 0 {
		req.Timeout = m.defaultTimeout
	}
	if req.Timeout < 60 || req.Timeout > 21600 {
		return nil, fmt.Errorf("timeout must be between 60 and 21600 seconds")
	}

	if !m.sem.TryAcquire(1) {
		return nil, fmt.Errorf("tab limit reached")
	}

	tabID := uuid.New().String()
	now := time.Now()

	instance, err := m.pool.Launch(ctx, tabID)
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	client, err := cdp.Dial(ctx, instance.ConnectURL)
	if err != nil {
		m.teardownContainer(instance.ContainerID)
		m.sem.Release(1)
		return nil, fmt.Errorf("failed to connect debugger: %w", err)
	}

	if err := client.EnablePageEvents(ctx); err != nil {
		client.Close()
		m.teardownContainer(instance.ContainerID)
		m.sem.Release(1)
		return nil, fmt.Errorf("failed to enable page events: %w", err)
	}

	tab := &models.Tab{
		ID:          tabID,
		Status:      models.TabRunning,
		StartedAt:   now,
		ExpiresAt:   now.Add(time.Duration(req.Timeout) * time.Second),
		Timeout:     req.Timeout,
		ConnectURL:  instance.ConnectURL,
		ContainerID: instance.ContainerID,
	}

	events, stop := client.Subscribe()
	state := &tabState{tab: tab, client: client, stopEvents: stop}
	m.tabs.Store(tabID, state)

	go m.pumpLifecycle(tabID, events)
	go m.handleTimeout(tab)

	return tab, nil
}

// pumpLifecycle translates debugger notifications into the lifecycle
// events the navigator consumes
func (m *Manager) pumpLifecycle(tabID string, events <-chan cdp.Event) {
	for ev := range events {
		if ev.Method == "Page.loadEventFired" {
			m.broadcast(navigator.LifecycleEvent{TabID: tabID, Status: navigator.LifecycleComplete})
		}
	}
}

func (m *Manager) broadcast(ev navigator.LifecycleEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Update issues a navigation command for the tab (navigator primitive)
func (m *Manager) Update(ctx context.Context, tabID, url string) error {
	state, err := m.state(tabID)
	if err != nil {
		return err
	}
	return state.client.Navigate(ctx, url)
}

// Lifecycle subscribes to load-lifecycle events across all tabs
// (navigator primitive)
func (m *Manager) Lifecycle() (<-chan navigator.LifecycleEvent, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSub++
	id := m.nextSub
	ch := make(chan navigator.LifecycleEvent, 16)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

// Capture grabs the tab's visible viewport as PNG bytes
func (m *Manager) Capture(ctx context.Context, tabID string) ([]byte, error) {
	state, err := m.state(tabID)
	if err != nil {
		return nil, err
	}
	return state.client.CaptureScreenshot(ctx)
}

// GetTab retrieves a tab by ID
func (m *Manager) GetTab(id string) (*models.Tab, error) {
	state, err := m.state(id)
	if err != nil {
		return nil, err
	}
	return state.tab, nil
}

// ListTabs returns all tabs, optionally filtered by status
func (m *Manager) ListTabs(status models.TabStatus) []*models.Tab {
	var tabs []*models.Tab
	m.tabs.Range(func(_, value interface{}) bool {
		tab := value.(*tabState).tab
		if status != "" && tab.Status != status {
			return true
		}
		tabs = append(tabs, tab)
		return true
	})
	return tabs
}

// CloseTab shuts down a running tab and its container
func (m *Manager) CloseTab(id string) error {
	state, err := m.state(id)
	if err != nil {
		return err
	}
	if state.tab.Status != models.TabRunning {
		return fmt.Errorf("tab is not running")
	}

	m.shutdown(state, models.TabCompleted)
	return nil
}

func (m *Manager) state(id string) (*tabState, error) {
	value, ok := m.tabs.Load(id)
	if !ok {
		return nil, fmt.Errorf("tab not found")
	}
	return value.(*tabState), nil
}

func (m *Manager) shutdown(state *tabState, status models.TabStatus) {
	state.stopEvents()
	state.client.Close()
	m.teardownContainer(state.tab.ContainerID)
	state.tab.Status = status
	m.sem.Release(1)
}

func (m *Manager) teardownContainer(containerID string) {
	if containerID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.pool.Stop(ctx, containerID); err != nil {
		log.Printf("Warning: failed to stop container %s: %v", containerID, err)
	}
}

// handleTimeout tears a tab down after its configured lifetime
func (m *Manager) handleTimeout(tab *models.Tab) {
	timer := time.NewTimer(time.Duration(tab.Timeout) * time.Second)
	defer timer.Stop()

	<-timer.C

	state, err := m.state(tab.ID)
	if err != nil {
		return
	}
	if state.tab.Status != models.TabRunning {
		return
	}

	log.Printf("Tab %s timed out after %ds", tab.ID[:8], tab.Timeout)
	m.shutdown(state, models.TabTimedOut)
}
