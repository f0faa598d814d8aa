package statemanager

import (
	"fmt"
	"sync"
	"time"

	"macd-grid-bot-go/internal/models"
	"macd-grid-bot-go/internal/persistence"

	"go.uber.org/zap"
)

// EventType defines the type of a normalized event
type EventType int

const (
	// SnapshotEvent carries the ledger orders and the status computed by one tick.
	SnapshotEvent EventType = iota
	// StatusUpdateEvent only refreshes the published status.
	StatusUpdateEvent
	// StateResetEvent replaces the whole state (used after loading from disk).
	StateResetEvent
)

// NormalizedEvent is a standardized internal representation of an event
type NormalizedEvent struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// SnapshotEventData is the payload of a SnapshotEvent.
type SnapshotEventData struct {
	Status models.GridStatus
	Orders []models.TrackedOrder
}

// StateManager owns the persisted BotState. All mutations run on one goroutine;
// writes to the repository happen on a second one and are coalesced, so a slow
// disk only ever delays the newest snapshot.
type StateManager struct {
	mu    sync.RWMutex
	state *models.BotState

	repo            persistence.StateRepository
	eventChannel    chan NormalizedEvent
	persistenceChan chan *models.BotState
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *zap.Logger
	now             func() time.Time
}

// NewStateManager creates a new StateManager.
func NewStateManager(initialState *models.BotState, repo persistence.StateRepository, logger *zap.Logger) *StateManager {
	if initialState == nil {
		initialState = &models.BotState{Version: models.BotStateVersion}
	}
	return &StateManager{
		state:           initialState,
		repo:            repo,
		eventChannel:    make(chan NormalizedEvent, 1024),
		persistenceChan: make(chan *models.BotState, 1), // 只保留最新的一个待写快照
		stopChan:        make(chan struct{}),
		logger:          logger.Named("state"),
		now:             time.Now,
	}
}

// Start begins the state manager's event processing and persistence loops.
func (sm *StateManager) Start() {
	sm.wg.Add(2)
	go sm.eventLoop()
	go sm.persistenceLoop()
	sm.logger.Info("StateManager started")
}

// Stop drains queued events, stops both loops and writes the final state synchronously.
func (sm *StateManager) Stop() error {
	var err error
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		err = sm.Flush()
		sm.logger.Info("StateManager stopped")
	})
	return err
}

// DispatchEvent sends an event to the StateManager. Events sent after Stop are dropped.
func (sm *StateManager) DispatchEvent(event NormalizedEvent) bool {
	select {
	case <-sm.stopChan:
		return false
	default:
	}
	select {
	case sm.eventChannel <- event:
		return true
	case <-sm.stopChan:
		return false
	}
}

// GetStateSnapshot returns a deep copy of the current state for safe, concurrent reading.
func (sm *StateManager) GetStateSnapshot() *models.BotState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return deepCopy(sm.state)
}

// Flush writes the current state to the repository immediately.
func (sm *StateManager) Flush() error {
	if sm.repo == nil {
		return nil
	}
	return sm.repo.SaveState(sm.GetStateSnapshot())
}

func deepCopy(state *models.BotState) *models.BotState {
	if state == nil {
		return nil
	}
	stateCopy := *state
	if state.Orders != nil {
		stateCopy.Orders = make([]models.TrackedOrder, len(state.Orders))
		copy(stateCopy.Orders, state.Orders)
	}
	return &stateCopy
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (sm *StateManager) eventLoop() {
	defer sm.wg.Done()
	for {
		select {
		case event := <-sm.eventChannel:
			sm.processEvent(event)
		case <-sm.stopChan:
			// 处理停止前已排队的事件，最终快照由 Stop 写入
			for {
				select {
				case event := <-sm.eventChannel:
					sm.apply(event)
				default:
					return
				}
			}
		}
	}
}

// persistenceLoop handles the asynchronous saving of state snapshots.
func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			if sm.repo == nil {
				continue
			}
			if err := sm.repo.SaveState(stateToSave); err != nil {
				// 快照只是缓存，下一次事件会再写一次
				sm.logger.Error("保存状态快照失败", zap.Error(err))
			}
		case <-sm.stopChan:
			return
		}
	}
}

func (sm *StateManager) processEvent(event NormalizedEvent) {
	if !sm.apply(event) {
		return
	}
	sm.enqueue(sm.GetStateSnapshot())
}

// apply mutates the state and reports whether anything changed.
func (sm *StateManager) apply(event NormalizedEvent) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch event.Type {
	case SnapshotEvent:
		data, ok := event.Data.(SnapshotEventData)
		if !ok {
			sm.logger.Warn("SnapshotEvent 数据类型错误", zap.String("type", fmt.Sprintf("%T", event.Data)))
			return false
		}
		sm.state.Status = data.Status
		sm.state.Orders = data.Orders
	case StatusUpdateEvent:
		status, ok := event.Data.(models.GridStatus)
		if !ok {
			sm.logger.Warn("StatusUpdateEvent 数据类型错误", zap.String("type", fmt.Sprintf("%T", event.Data)))
			return false
		}
		sm.state.Status = status
	case StateResetEvent:
		newState, ok := event.Data.(*models.BotState)
		if !ok || newState == nil {
			sm.logger.Warn("StateResetEvent 数据类型错误", zap.String("type", fmt.Sprintf("%T", event.Data)))
			return false
		}
		sm.state = deepCopy(newState)
		sm.logger.Info("State has been reset", zap.Int("orders", len(newState.Orders)))
	default:
		return false
	}

	sm.state.Version = models.BotStateVersion
	sm.state.LastUpdateTime = sm.now()
	return true
}

// enqueue replaces any snapshot still waiting to be written with the newer one.
func (sm *StateManager) enqueue(s *models.BotState) {
	for {
		select {
		case sm.persistenceChan <- s:
			return
		default:
		}
		select {
		case <-sm.persistenceChan:
		default:
		}
	}
}
