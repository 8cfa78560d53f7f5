package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tarsy-run/tarsy/pkg/agent"
	"github.com/tarsy-run/tarsy/pkg/config"
	"github.com/tarsy-run/tarsy/pkg/events"
	"github.com/tarsy-run/tarsy/pkg/history"
	"github.com/tarsy-run/tarsy/pkg/models"
)

// activeSession tracks the running state of one session's processing
// goroutine: the cancel func drives Pause/Cancel, and paused records that
// Pause already wrote the session's terminal PAUSED status so process()
// must not overwrite it once the cancelled executor run returns.
type activeSession struct {
	cancel context.CancelFunc
	paused bool
}

// Manager is the session manager (C12): it admits alerts into new sessions,
// deduplicates in-flight alerts by key, bounds concurrent chain processing
// with a counting semaphore, stamps pod ownership and heartbeats, and
// drives pause/resume/cancel and startup orphan recovery. One Manager runs
// per pod/replica.
type Manager struct {
	podID    string
	repo     history.Repository
	chains   *config.ChainRegistry
	executor ChainExecutor
	events   agent.EventPublisher
	cfg      *config.QueueConfig

	mu       sync.Mutex
	inFlight map[string]string // alertKey -> sessionID
	active   map[string]*activeSession

	sem chan struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewPodID generates a stable-for-this-process identity to stamp onto every
// session this Manager processes, so a later restart of this same pod (same
// hostname) can tell its own abandoned sessions apart from another pod's.
func NewPodID(hostname string) string {
	if hostname == "" {
		hostname = "pod"
	}
	return hostname + "-" + uuid.NewString()[:8]
}

// NewManager constructs a session manager. podID must be unique per running
// process; see NewPodID.
func NewManager(podID string, repo history.Repository, chains *config.ChainRegistry, executor ChainExecutor, publisher agent.EventPublisher, cfg *config.QueueConfig) *Manager {
	if cfg == nil {
		cfg = config.DefaultQueueConfig()
	}
	return &Manager{
		podID:    podID,
		repo:     repo,
		chains:   chains,
		executor: executor,
		events:   publisher,
		cfg:      cfg,
		inFlight: make(map[string]string),
		active:   make(map[string]*activeSession),
		sem:      make(chan struct{}, cfg.MaxConcurrentSessions),
		stopCh:   make(chan struct{}),
	}
}

// Start runs the startup orphan scan once (recovering sessions abandoned by
// a pod that died with this one's identity, per spec property 12) and then
// launches the periodic orphan-detection loop. Submit may be called as soon
// as Start returns.
func (m *Manager) Start(ctx context.Context) error {
	orphaned, err := m.repo.MarkOrphanedSessions(ctx, m.podID, m.cfg.OrphanThreshold)
	if err != nil {
		return fmt.Errorf("startup orphan scan: %w", err)
	}
	if len(orphaned) > 0 {
		slog.Warn("Recovered orphaned sessions on startup", "count", len(orphaned), "pod_id", m.podID)
	}

	m.wg.Add(1)
	go m.runOrphanScanLoop()
	return nil
}

func (m *Manager) runOrphanScanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.OrphanDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			orphaned, err := m.repo.MarkOrphanedSessions(context.Background(), m.podID, m.cfg.OrphanThreshold)
			if err != nil {
				slog.Error("Orphan scan failed", "error", err)
				continue
			}
			if len(orphaned) > 0 {
				slog.Warn("Recovered orphaned sessions", "count", len(orphaned), "pod_id", m.podID)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Stop signals every background loop to exit and waits for in-flight
// sessions to finish, up to cfg.GracefulShutdownTimeout, then cancels
// whatever is still running.
func (m *Manager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() { close(m.stopCh) })

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.GracefulShutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	for _, ctrl := range m.active {
		ctrl.cancel()
	}
	m.mu.Unlock()

	<-done
}

// Submit admits alert into a new session or rejects it. A duplicate alert
// (same dedup key as an already in-flight session) is rejected without
// creating a session record; an alert whose type has no registered chain is
// rejected the same way. Every other alert gets a session record (status
// PENDING) immediately — admission to the session table is unbounded, only
// admission to processing is gated by the concurrency semaphore. Submit
// returns as soon as the session record exists; processing happens in the
// background.
func (m *Manager) Submit(ctx context.Context, alert models.Alert) (*SubmitResult, error) {
	key := alertKey(alert)

	m.mu.Lock()
	if sid, exists := m.inFlight[key]; exists {
		m.mu.Unlock()
		return &SubmitResult{SessionID: sid, Admitted: false, Reason: RejectionDuplicate}, nil
	}

	chainID, err := m.chains.GetIDByAlertType(alert.AlertType)
	if err != nil {
		m.mu.Unlock()
		return &SubmitResult{Admitted: false, Reason: RejectionNoChain}, nil
	}

	created, err := m.repo.CreateSession(ctx, &models.Session{
		Alert:   alert,
		ChainID: chainID,
		Status:  models.SessionStatusPending,
	})
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("creating session: %w", err)
	}
	m.inFlight[key] = created.SessionID
	m.mu.Unlock()

	chain, err := m.chains.Get(chainID)
	if err != nil {
		return nil, fmt.Errorf("chain %q resolved by alert type but missing from registry: %w", chainID, err)
	}

	m.dispatch(created, chain, key, 0)
	return &SubmitResult{SessionID: created.SessionID, Admitted: true}, nil
}

// Pause externally requests that sessionID pause: it records pause_metadata
// and status PAUSED, then cancels the session's processing context so the
// chain executor unwinds at its next safe point. currentIteration and
// message describe where the pause landed, for Resume to pick back up from.
func (m *Manager) Pause(ctx context.Context, sessionID, reason, message string, currentIteration int) error {
	m.mu.Lock()
	ctrl, ok := m.active[sessionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s is not active", sessionID)
	}
	ctrl.paused = true
	cancel := ctrl.cancel
	m.mu.Unlock()

	meta := &models.PauseMetadata{
		Reason:           reason,
		CurrentIteration: currentIteration,
		Message:          message,
		PausedAtUs:       time.Now().UnixMicro(),
	}
	if err := m.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusPaused, models.UpdateSessionStatusOptions{PauseMetadata: meta}); err != nil {
		return fmt.Errorf("marking session %s paused: %w", sessionID, err)
	}
	m.publishSessionStatus(ctx, sessionID, string(models.SessionStatusPaused))

	cancel()
	return nil
}

// Resume reloads a paused session and re-dispatches it, skipping stages the
// chain already completed and resuming from the first incomplete one. The
// session stays registered in the in-flight dedup set the entire time it is
// paused, since a paused session is not terminal — a duplicate alert arriving
// while paused is still rejected.
func (m *Manager) Resume(ctx context.Context, sessionID string) (*SubmitResult, error) {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if sess.Status != models.SessionStatusPaused {
		return nil, fmt.Errorf("session %s is not paused (status=%s)", sessionID, sess.Status)
	}

	chain, err := m.chains.Get(sess.ChainID)
	if err != nil {
		return nil, fmt.Errorf("resolving chain %q: %w", sess.ChainID, err)
	}

	fromStage := m.resumeStageIndex(ctx, sessionID)

	if err := m.repo.UpdateSessionStatus(ctx, sessionID, models.SessionStatusPending, models.UpdateSessionStatusOptions{}); err != nil {
		return nil, fmt.Errorf("clearing pause state for session %s: %w", sessionID, err)
	}

	m.dispatch(sess, chain, alertKey(sess.Alert), fromStage)
	return &SubmitResult{SessionID: sessionID, Admitted: true}, nil
}

// resumeStageIndex returns the index of the first stage that has not
// recorded a COMPLETED stage execution — the stage a resumed run should
// start from. Stage-granularity only: it does not replay the paused stage's
// partial iteration history, it reruns that stage from scratch.
func (m *Manager) resumeStageIndex(ctx context.Context, sessionID string) int {
	execs, err := m.repo.GetStageExecutionsForSession(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load stage executions for resume, restarting from stage 0", "session_id", sessionID, "error", err)
		return 0
	}
	resumeIdx := 0
	for _, ex := range execs {
		if ex.Status == models.StageStatusCompleted && ex.StageIndex+1 > resumeIdx {
			resumeIdx = ex.StageIndex + 1
		}
	}
	return resumeIdx
}

// Cancel requests that sessionID's processing stop. The cancelled context
// propagates into the chain executor, which reports SessionStatusCancelled;
// process() then records that status itself.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.Lock()
	ctrl, ok := m.active[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("session %s is not active", sessionID)
	}
	ctrl.cancel()
	return nil
}

// dispatch spawns the background goroutine that processes session: it
// blocks on the concurrency semaphore until a processing slot is free (or
// shutdown begins), matching the spec's PENDING-until-slot-frees behavior,
// then runs the chain from fromStageIndex.
func (m *Manager) dispatch(sess *models.Session, chain *config.ChainConfig, key string, fromStageIndex int) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case m.sem <- struct{}{}:
		case <-m.stopCh:
			return
		}
		defer func() { <-m.sem }()
		m.process(sess, chain, key, fromStageIndex)
	}()
}

// process owns one session's full processing lifecycle: stamping pod
// ownership, heartbeating, invoking the chain executor, and recording the
// terminal outcome (unless Pause already recorded one).
func (m *Manager) process(sess *models.Session, chain *config.ChainConfig, key string, fromStageIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SessionTimeout)
	defer cancel()

	m.mu.Lock()
	m.active[sess.SessionID] = &activeSession{cancel: cancel}
	m.mu.Unlock()

	pod := m.podID
	if err := m.repo.UpdateSessionStatus(ctx, sess.SessionID, models.SessionStatusInProgress, models.UpdateSessionStatusOptions{PodID: &pod}); err != nil {
		slog.Error("Failed to mark session in_progress", "session_id", sess.SessionID, "error", err)
	}
	m.publishSessionStatus(ctx, sess.SessionID, string(models.SessionStatusInProgress))

	stopHeartbeat := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.runHeartbeat(ctx, sess.SessionID, stopHeartbeat, &hbWG)

	var result *models.ChainExecutionResult
	if fromStageIndex > 0 {
		result = m.executor.Resume(ctx, sess, chain, fromStageIndex)
	} else {
		result = m.executor.Execute(ctx, sess, chain)
	}

	close(stopHeartbeat)
	hbWG.Wait()

	if result == nil {
		result = &models.ChainExecutionResult{Status: models.SessionStatusFailed, ErrorMessage: "chain executor returned no result"}
	}

	m.mu.Lock()
	paused := false
	if ctrl, ok := m.active[sess.SessionID]; ok {
		paused = ctrl.paused
	}
	delete(m.active, sess.SessionID)
	if result.Status.IsTerminal() {
		delete(m.inFlight, key)
	}
	m.mu.Unlock()

	if paused {
		// Pause already wrote the PAUSED status and published its event;
		// the cancelled executor run above is just its unwind, not a new
		// outcome to record.
		return
	}

	opts := models.UpdateSessionStatusOptions{
		Error:         result.ErrorMessage,
		FinalAnalysis: result.FinalAnalysis,
		PauseMetadata: result.PauseMetadata,
	}
	if err := m.repo.UpdateSessionStatus(context.Background(), sess.SessionID, result.Status, opts); err != nil {
		slog.Error("Failed to record session outcome", "session_id", sess.SessionID, "status", result.Status, "error", err)
	}
	m.publishSessionStatus(context.Background(), sess.SessionID, string(result.Status))
}

func (m *Manager) runHeartbeat(ctx context.Context, sessionID string, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if err := m.repo.UpdateSessionStatus(context.Background(), sessionID, models.SessionStatusInProgress, models.UpdateSessionStatusOptions{}); err != nil {
				slog.Warn("Heartbeat update failed", "session_id", sessionID, "error", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) publishSessionStatus(ctx context.Context, sessionID, status string) {
	if m.events == nil {
		return
	}
	err := m.events.PublishSessionStatus(ctx, sessionID, events.SessionStatusPayload{
		BasePayload: events.BasePayload{
			Type:      events.EventTypeSessionStatus,
			SessionID: sessionID,
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		},
		Status: status,
	})
	if err != nil {
		slog.Warn("Failed to publish session status", "session_id", sessionID, "status", status, "error", err)
	}
}
