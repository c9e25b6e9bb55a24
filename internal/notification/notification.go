package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyCircuitBreaker NotificationType = "circuit_breaker"
	NotifyEmergencyStop  NotificationType = "emergency_stop"
	NotifyPoolResumed    NotificationType = "pool_resumed"
	NotifyReinvestment   NotificationType = "reinvestment"
	NotifyError          NotificationType = "error"
	NotifyInfo           NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	PoolID    string
	PoolName  string
	Timestamp time.Time
	Extra     map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a new notification manager
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendCircuitBreakerAlert sends a CRITICAL alert when a pool is force-paused.
func (m *Manager) SendCircuitBreakerAlert(poolID, poolName string, reasons []string) error {
	return m.Send(&Notification{
		Type:      NotifyCircuitBreaker,
		Title:     fmt.Sprintf("🚨 Circuit Breaker: %s", poolName),
		Message:   fmt.Sprintf("Circuit breaker activated: %s", strings.Join(reasons, ", ")),
		PoolID:    poolID,
		PoolName:  poolName,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"reasons": reasons,
		},
	})
}

// SendEmergencyStop sends one aggregate CRITICAL alert for an emergency stop.
func (m *Manager) SendEmergencyStop(pausedCount int, actorID string) error {
	return m.Send(&Notification{
		Type:      NotifyEmergencyStop,
		Title:     "🛑 Emergency Stop",
		Message:   fmt.Sprintf("Emergency stop - %d pools paused (by %s)", pausedCount, actorID),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"paused_count": pausedCount,
			"actor_id":     actorID,
		},
	})
}

// SendPoolResumed sends a notification when a paused pool is resumed.
func (m *Manager) SendPoolResumed(poolID, poolName, actorID string) error {
	return m.Send(&Notification{
		Type:      NotifyPoolResumed,
		Title:     fmt.Sprintf("▶️ Pool Resumed: %s", poolName),
		Message:   fmt.Sprintf("Pool manually resumed by %s", actorID),
		PoolID:    poolID,
		PoolName:  poolName,
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     fmt.Sprintf("⚠️ %s", title),
		Message:   message,
		Timestamp: time.Now(),
	})
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// TelegramConfig holds Telegram configuration
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Enabled  bool
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(config TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: config.BotToken,
		chatID:   config.ChatID,
		enabled:  config.Enabled && config.BotToken != "" && config.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}

// =============================================================================
// DISCORD NOTIFIER
// =============================================================================

// DiscordNotifier sends notifications via Discord webhook
type DiscordNotifier struct {
	webhookURL string
	enabled    bool
	client     *http.Client
}

// DiscordConfig holds Discord configuration
type DiscordConfig struct {
	WebhookURL string
	Enabled    bool
}

// NewDiscordNotifier creates a new Discord notifier
func NewDiscordNotifier(config DiscordConfig) *DiscordNotifier {
	return &DiscordNotifier{
		webhookURL: config.WebhookURL,
		enabled:    config.Enabled && config.WebhookURL != "",
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordNotifier) Name() string {
	return "discord"
}

func (d *DiscordNotifier) IsEnabled() bool {
	return d.enabled
}

func (d *DiscordNotifier) Send(notification *Notification) error {
	if !d.enabled {
		return nil
	}

	color := 0x00FF00 // Green
	switch notification.Type {
	case NotifyCircuitBreaker, NotifyEmergencyStop, NotifyError:
		color = 0xFF0000 // Red
	case NotifyInfo, NotifyReinvestment:
		color = 0x3498DB // Blue
	}

	embed := map[string]interface{}{
		"title":       notification.Title,
		"description": notification.Message,
		"color":       color,
		"timestamp":   notification.Timestamp.Format(time.RFC3339),
	}

	if notification.PoolName != "" {
		embed["fields"] = []map[string]interface{}{
			{"name": "Pool", "value": notification.PoolName, "inline": true},
		}
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{embed},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord payload: %w", err)
	}

	resp, err := d.client.Post(d.webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("discord API returned status %d", resp.StatusCode)
	}

	return nil
}
