package relay

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stanstork/fieldnotify/internal/models"
)

type AlertKind string

const (
	AlertStationary AlertKind = "stationary"
	AlertLowBattery AlertKind = "low_battery"
	AlertOffline    AlertKind = "offline"
)

// lowBatteryHysteresis is how far above the threshold the battery must climb
// before the low battery latch clears.
const lowBatteryHysteresis = 10

// AlertLatch suppresses repeats of one alert kind until its reset condition.
type AlertLatch struct {
	Kind   AlertKind  `json:"type"`
	Active bool       `json:"active"`
	SetAt  *time.Time `json:"setAt,omitempty"`
}

type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Address   string    `json:"address,omitempty"`
}

type EmployeeStatus struct {
	EmployeeID       int64        `json:"employeeId"`
	LastMovementTime time.Time    `json:"lastMovementTime"`
	LastLocation     Location     `json:"lastLocation"`
	BatteryLevel     int          `json:"batteryLevel"`
	IsOnline         bool         `json:"isOnline"`
	LastOnlineTime   time.Time    `json:"lastOnlineTime"`
	Alerts           []AlertLatch `json:"alerts"`
}

func newEmployeeStatus(id int64, now time.Time) *EmployeeStatus {
	return &EmployeeStatus{
		EmployeeID:       id,
		LastMovementTime: now,
		LastOnlineTime:   now,
		Alerts: []AlertLatch{
			{Kind: AlertStationary},
			{Kind: AlertLowBattery},
			{Kind: AlertOffline},
		},
	}
}

func (s *EmployeeStatus) latch(kind AlertKind) *AlertLatch {
	for i := range s.Alerts {
		if s.Alerts[i].Kind == kind {
			return &s.Alerts[i]
		}
	}
	s.Alerts = append(s.Alerts, AlertLatch{Kind: kind})
	return &s.Alerts[len(s.Alerts)-1]
}

func (s *EmployeeStatus) Latched(kind AlertKind) bool {
	for _, l := range s.Alerts {
		if l.Kind == kind {
			return l.Active
		}
	}
	return false
}

func (s *EmployeeStatus) setLatch(kind AlertKind, now time.Time) {
	l := s.latch(kind)
	l.Active = true
	at := now
	l.SetAt = &at
}

func (s *EmployeeStatus) clearLatch(kind AlertKind) {
	l := s.latch(kind)
	l.Active = false
	l.SetAt = nil
}

func (s *EmployeeStatus) clone() EmployeeStatus {
	cp := *s
	cp.Alerts = append([]AlertLatch(nil), s.Alerts...)
	return cp
}

// Alert is one condition raised by Evaluate.
type Alert struct {
	Kind       AlertKind
	EmployeeID int64
	Type       string
	Message    string
	Priority   models.Priority
	Status     EmployeeStatus
}

// Monitor tracks per-employee status and the alert settings the sweep uses.
type Monitor struct {
	mu       sync.Mutex
	statuses map[int64]*EmployeeStatus
	settings AlertSettings
	now      func() time.Time
}

func NewMonitor(settings AlertSettings) *Monitor {
	return &Monitor{
		statuses: make(map[int64]*EmployeeStatus),
		settings: settings,
		now:      time.Now,
	}
}

func (m *Monitor) Settings() AlertSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

func (m *Monitor) UpdateSettings(p AlertSettingsPatch) AlertSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = m.settings.Apply(p)
	return m.settings
}

// Ingest applies a location ping and clears the latches it resolves.
func (m *Monitor) Ingest(ping LocationPing) EmployeeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st, ok := m.statuses[ping.EmployeeID]
	if !ok {
		st = newEmployeeStatus(ping.EmployeeID, now)
		m.statuses[ping.EmployeeID] = st
	}

	ts := ping.Timestamp
	if ts.IsZero() {
		ts = now
	}
	st.LastLocation = Location{
		Latitude:  ping.Latitude,
		Longitude: ping.Longitude,
		Timestamp: ts,
		Address:   ping.Address,
	}
	st.BatteryLevel = ping.BatteryLevel
	st.IsOnline = true
	st.LastOnlineTime = now
	st.clearLatch(AlertOffline)

	if ping.IsMoving {
		st.LastMovementTime = now
		st.clearLatch(AlertStationary)
	}
	if ping.BatteryLevel > m.settings.LowBatteryThreshold+lowBatteryHysteresis {
		st.clearLatch(AlertLowBattery)
	}
	return st.clone()
}

// MarkOnline is called when an employee socket connects. Employees with no
// status yet are left alone until their first ping.
func (m *Monitor) MarkOnline(employeeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[employeeID]; ok {
		st.IsOnline = true
		st.LastOnlineTime = m.now()
		st.clearLatch(AlertOffline)
	}
}

// MarkOffline keeps lastOnlineTime so the offline threshold counts from the
// last sign of life.
func (m *Monitor) MarkOffline(employeeID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[employeeID]; ok {
		st.IsOnline = false
	}
}

func (m *Monitor) Status(employeeID int64) (EmployeeStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[employeeID]
	if !ok {
		return EmployeeStatus{}, false
	}
	return st.clone(), true
}

func (m *Monitor) Statuses() []EmployeeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmployeeStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EmployeeID < out[j].EmployeeID })
	return out
}

// Evaluate runs one sweep and latches every alert it raises. Each latched
// condition is reported once until its reset condition is observed.
func (m *Monitor) Evaluate() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cfg := m.settings
	var alerts []Alert

	ids := make([]int64, 0, len(m.statuses))
	for id := range m.statuses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		st := m.statuses[id]
		if st.IsOnline {
			stationary := now.Sub(st.LastMovementTime)
			if cfg.StationaryAlertsEnabled && !st.Latched(AlertStationary) &&
				stationary > minutes(cfg.StationaryAlertThreshold) {
				st.setLatch(AlertStationary, now)
				alerts = append(alerts, Alert{
					Kind:       AlertStationary,
					EmployeeID: id,
					Type:       "admin_employee_stationary",
					Message:    fmt.Sprintf("Employee #%d has been stationary for %d minutes", id, int(stationary.Minutes())),
					Priority:   models.PriorityNormal,
					Status:     st.clone(),
				})
			}
			if cfg.LowBatteryAlertsEnabled && !st.Latched(AlertLowBattery) &&
				st.BatteryLevel <= cfg.LowBatteryThreshold {
				st.setLatch(AlertLowBattery, now)
				alerts = append(alerts, Alert{
					Kind:       AlertLowBattery,
					EmployeeID: id,
					Type:       "admin_employee_low_battery",
					Message:    fmt.Sprintf("Employee #%d battery is low (%d%%)", id, st.BatteryLevel),
					Priority:   models.PriorityHigh,
					Status:     st.clone(),
				})
			}
			continue
		}

		offline := now.Sub(st.LastOnlineTime)
		if cfg.OfflineAlertsEnabled && !st.Latched(AlertOffline) &&
			offline > minutes(cfg.OfflineAlertThreshold) {
			st.setLatch(AlertOffline, now)
			alerts = append(alerts, Alert{
				Kind:       AlertOffline,
				EmployeeID: id,
				Type:       "admin_employee_offline",
				Message:    fmt.Sprintf("Employee #%d has been offline for %d minutes", id, int(offline.Minutes())),
				Priority:   models.PriorityHigh,
				Status:     st.clone(),
			})
		}
	}
	return alerts
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}
