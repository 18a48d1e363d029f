package relay

import (
	"encoding/json"
	"time"

	"github.com/stanstork/fieldnotify/internal/models"
)

// Server to client events.
const (
	EventNotification    = "notification"
	EventLocationUpdate  = "location-update"
	EventHeartbeatAck    = "heartbeat_ack"
	EventSettingsUpdated = "settings-updated"
	EventDashboardData   = "dashboard-data"
)

// Client to server events. The product and dashboard events are legacy
// shortcuts: they are rebroadcast as-is and never persisted.
const (
	EventHeartbeat       = "heartbeat"
	EventProductAssigned = "product-assigned"
	EventProductUpdate   = "product-update"
	EventStockUpdate     = "stock-update"
	EventProductDelete   = "product-delete"
	EventDashboardUpdate = "dashboard-update"
)

// Envelope is the frame format on the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NotificationPayload is what the relay fans out for a stored notification.
// Recipients lists the user ids addressed when the employee audience is
// targeted without AllEmployees.
type NotificationPayload struct {
	models.Notification
	BroadcastAll   bool     `json:"broadcastAll"`
	IsAdminMessage bool     `json:"isAdminMessage"`
	Recipients     []string `json:"recipients,omitempty"`
}

type BroadcastRequest struct {
	Event string              `json:"event"`
	Data  NotificationPayload `json:"data"`
	Token string              `json:"token,omitempty"`
}

type BroadcastResponse struct {
	Status            string `json:"status"`
	NotificationsSent int    `json:"notificationsSent"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type LocationPing struct {
	EmployeeID   int64     `json:"employeeId" validate:"required,gt=0"`
	Latitude     float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude    float64   `json:"longitude" validate:"gte=-180,lte=180"`
	BatteryLevel int       `json:"batteryLevel" validate:"gte=0,lte=100"`
	IsMoving     bool      `json:"isMoving"`
	Timestamp    time.Time `json:"timestamp"`
	Address      string    `json:"address,omitempty"`
}

type HeartbeatAck struct {
	ServerTime      time.Time       `json:"serverTime"`
	ClientTimestamp json.RawMessage `json:"clientTimestamp,omitempty"`
}

// AlertSettings are the runtime-mutable thresholds of the status sweep.
// Stationary and offline thresholds are minutes, low battery is a percentage.
type AlertSettings struct {
	StationaryAlertThreshold int  `json:"stationaryAlertThreshold"`
	LowBatteryThreshold      int  `json:"lowBatteryThreshold"`
	OfflineAlertThreshold    int  `json:"offlineAlertThreshold"`
	StationaryAlertsEnabled  bool `json:"stationaryAlertsEnabled"`
	LowBatteryAlertsEnabled  bool `json:"lowBatteryAlertsEnabled"`
	OfflineAlertsEnabled     bool `json:"offlineAlertsEnabled"`
}

func DefaultAlertSettings() AlertSettings {
	return AlertSettings{
		StationaryAlertThreshold: 10,
		LowBatteryThreshold:      20,
		OfflineAlertThreshold:    5,
		StationaryAlertsEnabled:  true,
		LowBatteryAlertsEnabled:  true,
		OfflineAlertsEnabled:     true,
	}
}

// AlertSettingsPatch carries only the fields a settings update changes.
type AlertSettingsPatch struct {
	StationaryAlertThreshold *int  `json:"stationaryAlertThreshold,omitempty" validate:"omitempty,gte=1"`
	LowBatteryThreshold      *int  `json:"lowBatteryThreshold,omitempty" validate:"omitempty,gte=1,lte=100"`
	OfflineAlertThreshold    *int  `json:"offlineAlertThreshold,omitempty" validate:"omitempty,gte=1"`
	StationaryAlertsEnabled  *bool `json:"stationaryAlertsEnabled,omitempty"`
	LowBatteryAlertsEnabled  *bool `json:"lowBatteryAlertsEnabled,omitempty"`
	OfflineAlertsEnabled     *bool `json:"offlineAlertsEnabled,omitempty"`
}

func (s AlertSettings) Apply(p AlertSettingsPatch) AlertSettings {
	if p.StationaryAlertThreshold != nil {
		s.StationaryAlertThreshold = *p.StationaryAlertThreshold
	}
	if p.LowBatteryThreshold != nil {
		s.LowBatteryThreshold = *p.LowBatteryThreshold
	}
	if p.OfflineAlertThreshold != nil {
		s.OfflineAlertThreshold = *p.OfflineAlertThreshold
	}
	if p.StationaryAlertsEnabled != nil {
		s.StationaryAlertsEnabled = *p.StationaryAlertsEnabled
	}
	if p.LowBatteryAlertsEnabled != nil {
		s.LowBatteryAlertsEnabled = *p.LowBatteryAlertsEnabled
	}
	if p.OfflineAlertsEnabled != nil {
		s.OfflineAlertsEnabled = *p.OfflineAlertsEnabled
	}
	return s
}

type UpdateSettingsRequest struct {
	Settings AlertSettingsPatch `json:"settings"`
}

type HealthResponse struct {
	Status      string    `json:"status"`
	Time        time.Time `json:"time"`
	Connections int       `json:"connections"`
	Uptime      float64   `json:"uptime"`
}

func encodeEnvelope(event string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
