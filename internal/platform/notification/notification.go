// Package notification tells staff over WhatsApp when a study has been
// fully delivered to the national exchange. It holds the messaging provider
// client, an in-memory delivery history with retry, and Echo handlers to
// inspect that history.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/dicomrouter/router/internal/platform/apperr"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// TemplateMessage is a pre-approved provider template with its header
// parameters.
type TemplateMessage struct {
	To       string
	Template string
	Language string
	Header   []string
}

// Sender delivers template messages.
type Sender interface {
	SendTemplate(ctx context.Context, msg TemplateMessage) error
}

// StudyNotice describes a study that reached SUCCESS.
type StudyNotice struct {
	PatientID       string
	PatientName     string
	StudyUID        string
	AccessionNumber string
	RecordID        string
}

func (n StudyNotice) displayName() string {
	if n.PatientName != "" {
		return n.PatientName
	}
	return n.PatientID
}

// ---------------------------------------------------------------------------
// WhatsApp provider client
// ---------------------------------------------------------------------------

type ProviderConfig struct {
	BaseURL  string
	Email    string
	Password string
	// TokenTTL is used when the provider omits token_expired_at.
	TokenTTL time.Duration
}

const tokenKey = "long_lived_token"

// WhatsAppSender logs in with email and password, trades the refresh token
// for a long-lived token, and caches that token until it expires.
type WhatsAppSender struct {
	cfg    ProviderConfig
	client *http.Client
	tokens *cache.Cache
	logger zerolog.Logger
}

func NewWhatsAppSender(cfg ProviderConfig, client *http.Client, logger zerolog.Logger) *WhatsAppSender {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &WhatsAppSender{
		cfg:    cfg,
		client: client,
		tokens: cache.New(cfg.TokenTTL, 10*time.Minute),
		logger: logger.With().Str("component", "notification").Logger(),
	}
}

type messagePayload struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string             `json:"name"`
	Language   languagePayload    `json:"language"`
	Components []componentPayload `json:"components,omitempty"`
}

type languagePayload struct {
	Code string `json:"code"`
}

type componentPayload struct {
	Type       string             `json:"type"`
	Parameters []parameterPayload `json:"parameters"`
}

type parameterPayload struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

var errUnauthorized = errors.New("provider rejected token")

// SendTemplate posts msg to /v1/messages. A rejected cached token is
// dropped and the send is tried once more with a fresh one.
func (s *WhatsAppSender) SendTemplate(ctx context.Context, msg TemplateMessage) error {
	const op = "notification.send"
	payload := messagePayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             "template",
		Template: templatePayload{
			Name:     msg.Template,
			Language: languagePayload{Code: msg.Language},
		},
	}
	if len(msg.Header) > 0 {
		c := componentPayload{Type: "header"}
		for _, h := range msg.Header {
			c.Parameters = append(c.Parameters, parameterPayload{Type: "text", Text: h})
		}
		payload.Template.Components = []componentPayload{c}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := s.token(ctx)
		if err != nil {
			return apperr.RemoteCallError(op, err)
		}
		err = s.post(ctx, "/v1/messages", token, body, nil)
		if errors.Is(err, errUnauthorized) {
			s.tokens.Delete(tokenKey)
			continue
		}
		if err != nil {
			return apperr.RemoteCallError(op, err)
		}
		s.logger.Info().Str("template", msg.Template).Msg("whatsapp message sent")
		return nil
	}
	return apperr.RemoteCallError(op, errUnauthorized)
}

type loginResponse struct {
	RefreshToken string `json:"refresh_token"`
}

type accessTokenResponse struct {
	LongLivedToken string `json:"long_lived_token"`
	TokenExpiredAt string `json:"token_expired_at"`
}

func (s *WhatsAppSender) token(ctx context.Context) (string, error) {
	if v, ok := s.tokens.Get(tokenKey); ok {
		return v.(string), nil
	}

	creds, _ := json.Marshal(map[string]string{"email": s.cfg.Email, "password": s.cfg.Password})
	var login loginResponse
	if err := s.post(ctx, "/v1/login", "", creds, &login); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if login.RefreshToken == "" {
		return "", errors.New("login: no refresh_token in response")
	}

	refresh, _ := json.Marshal(map[string]string{"refresh_token": login.RefreshToken})
	var access accessTokenResponse
	if err := s.post(ctx, "/v1/access-token", "", refresh, &access); err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}
	if access.LongLivedToken == "" {
		return "", errors.New("access token: no long_lived_token in response")
	}

	ttl := s.cfg.TokenTTL
	if exp, ok := parseExpiry(access.TokenExpiredAt); ok {
		ttl = time.Until(exp) - time.Minute
	}
	if ttl > 0 {
		s.tokens.Set(tokenKey, access.LongLivedToken, ttl)
	}
	return access.LongLivedToken, nil
}

func parseExpiry(v string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (s *WhatsAppSender) post(ctx context.Context, path, token string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode == http.StatusUnauthorized && token != "" {
		return errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Manager
// ---------------------------------------------------------------------------

// Notification is one delivery attempt record.
type Notification struct {
	ID              string     `json:"id"`
	Recipient       string     `json:"recipient"`
	Template        string     `json:"template"`
	StudyUID        string     `json:"study_uid"`
	AccessionNumber string     `json:"accession_number"`
	Header          []string   `json:"header,omitempty"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

type ManagerConfig struct {
	Recipient string
	Template  string
	Language  string
}

// Manager renders study notices into template messages and keeps the
// outcome of every send.
type Manager struct {
	sender Sender
	cfg    ManagerConfig
	logger zerolog.Logger

	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewManager(sender Sender, cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Language == "" {
		cfg.Language = "id"
	}
	return &Manager{
		sender:        sender,
		cfg:           cfg,
		logger:        logger.With().Str("component", "notification").Logger(),
		notifications: make(map[string]*Notification),
	}
}

// StudyReady sends the configured template for a delivered study. The
// attempt is recorded whether or not it succeeds.
func (m *Manager) StudyReady(ctx context.Context, notice StudyNotice) error {
	n := &Notification{
		ID:              uuid.New().String(),
		Recipient:       m.cfg.Recipient,
		Template:        m.cfg.Template,
		StudyUID:        notice.StudyUID,
		AccessionNumber: notice.AccessionNumber,
		Header:          []string{notice.displayName()},
		CreatedAt:       time.Now().UTC(),
	}
	err := m.deliver(ctx, n)

	m.mu.Lock()
	m.notifications[n.ID] = n
	m.mu.Unlock()
	return err
}

func (m *Manager) deliver(ctx context.Context, n *Notification) error {
	n.Attempts++
	err := m.sender.SendTemplate(ctx, TemplateMessage{
		To:       n.Recipient,
		Template: n.Template,
		Language: m.cfg.Language,
		Header:   n.Header,
	})
	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		m.logger.Error().Err(err).Str("study_uid", n.StudyUID).Msg("study notification failed")
		return err
	}
	sentAt := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

func (m *Manager) Get(id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, apperr.NotFoundError("notification.get", fmt.Sprintf("notification %q not found", id))
	}
	cp := *n
	return &cp, nil
}

// List returns the most recent notifications first, up to limit.
func (m *Manager) List(limit int) []*Notification {
	m.mu.RLock()
	out := make([]*Notification, 0, len(m.notifications))
	for _, n := range m.notifications {
		cp := *n
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification.
func (m *Manager) Retry(ctx context.Context, id string) (*Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, apperr.NotFoundError("notification.retry", fmt.Sprintf("notification %q not found", id))
	}
	if n.Status != StatusFailed {
		return nil, apperr.ValidationError("notification.retry", fmt.Sprintf("notification %q is not in failed status (current: %s)", id, n.Status))
	}
	err := m.deliver(ctx, n)
	cp := *n
	return &cp, err
}

// Stats counts notifications by status.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}

// ---------------------------------------------------------------------------
// HTTP Handler
// ---------------------------------------------------------------------------

type Handler struct {
	manager *Manager
}

func NewHandler(mgr *Manager) *Handler {
	return &Handler{manager: mgr}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/notifications/stats", h.HandleStats)
	g.GET("/notifications/:id", h.HandleGet)
	g.GET("/notifications", h.HandleList)
	g.POST("/notifications/:id/retry", h.HandleRetry)
}

func (h *Handler) HandleGet(c echo.Context) error {
	n, err := h.manager.Get(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleList(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.List(100))
}

func (h *Handler) HandleRetry(c echo.Context) error {
	n, err := h.manager.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case apperr.IsNotFound(err):
		return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
	case apperr.IsValidation(err):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusBadGateway, n)
	}
	return c.JSON(http.StatusOK, n)
}

func (h *Handler) HandleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.manager.Stats())
}
