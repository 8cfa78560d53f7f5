package mcp

import (
	"sync"
	"time"
)

// WarningCategoryMCPHealth is the category HealthMonitor uses when reporting
// a server transitioning to unhealthy.
const WarningCategoryMCPHealth = "mcp_health"

// Warning is a single system-level warning surfaced to operators. Not
// persisted — cleared on process restart.
type Warning struct {
	Category  string
	Message   string
	Detail    string
	ServerID  string
	CreatedAt time.Time
}

// WarningsService is an in-memory collector of system warnings. HealthMonitor
// uses it to report MCP server outages without coupling to any particular
// delivery mechanism (dashboard API, logs, alerting).
type WarningsService struct {
	mu       sync.Mutex
	warnings []Warning
}

// NewWarningsService creates an empty warnings service.
func NewWarningsService() *WarningsService {
	return &WarningsService{}
}

// AddWarning records a new warning, replacing any existing warning with the
// same category and server ID.
func (s *WarningsService) AddWarning(category, message, detail, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.warnings {
		if w.Category == category && w.ServerID == serverID {
			s.warnings[i] = Warning{Category: category, Message: message, Detail: detail, ServerID: serverID, CreatedAt: time.Now()}
			return
		}
	}
	s.warnings = append(s.warnings, Warning{
		Category: category, Message: message, Detail: detail, ServerID: serverID, CreatedAt: time.Now(),
	})
}

// ClearByServerID removes any warning matching the given category and server ID.
func (s *WarningsService) ClearByServerID(category, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.warnings[:0]
	for _, w := range s.warnings {
		if w.Category == category && w.ServerID == serverID {
			continue
		}
		kept = append(kept, w)
	}
	s.warnings = kept
}

// GetWarnings returns a snapshot of all current warnings.
func (s *WarningsService) GetWarnings() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Warning, len(s.warnings))
	copy(result, s.warnings)
	return result
}
