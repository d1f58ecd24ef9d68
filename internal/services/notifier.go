package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"asset-monitor/internal/models"
)

const (
	KindRiskAlert       = "risk_alert"
	KindAutoSellNotice  = "auto_sell_notice"
	KindApprovalRequest = "approval_request"
)

// ApprovalRequest asks the user to confirm a sell proposed by the agent.
type ApprovalRequest struct {
	UserID         string
	ExecutionID    string
	Symbol         string
	Action         string
	Details        string
	Recommendation string
	ApprovalLink   string
}

// AutoSellNotice announces a sell the agent executed, or will execute at
// ScheduledFor.
type AutoSellNotice struct {
	UserID       string
	ExecutionID  string
	Symbol       string
	Quantity     float64
	Price        float64
	Loss         float64
	LossPercent  float64
	ScheduledFor *time.Time
}

func (n AutoSellNotice) Executed() bool { return n.ScheduledFor == nil }

// Notifier delivers user-facing messages. Calls return immediately and
// failures are handled by the implementation.
type Notifier interface {
	SendRiskAlert(ctx context.Context, alert models.RiskAlert)
	SendAutoSellNotice(ctx context.Context, notice AutoSellNotice)
	SendApprovalRequest(ctx context.Context, req ApprovalRequest)
}

// Message is the rendered notification handed to every channel.
type Message struct {
	Kind    string `json:"kind"`
	UserID  string `json:"userId"`
	Symbol  string `json:"symbol,omitempty"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	Payload any    `json:"payload,omitempty"`
}

type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Dispatcher renders notifications and fans them out to its channels on
// background goroutines.
type Dispatcher struct {
	channels []Channel
	currency string
	timeout  time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(currency string, timeout time.Duration, log *zap.Logger, channels ...Channel) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if currency == "" {
		currency = money.USD
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{channels: channels, currency: currency, timeout: timeout, log: log}
}

func (d *Dispatcher) SendRiskAlert(ctx context.Context, a models.RiskAlert) {
	d.dispatch(ctx, Message{
		Kind:    KindRiskAlert,
		UserID:  a.UserID,
		Symbol:  a.Symbol,
		Subject: fmt.Sprintf("[%s] %s risk on %s", strings.ToUpper(string(a.Severity)), a.RiskLevel, a.Symbol),
		Text: fmt.Sprintf("%s is trading at %s against a cost basis of %s (%s, %.2f%%).\n%s\nRecommendation: %s",
			a.Symbol, d.amount(a.CurrentPrice), d.amount(a.BoughtPrice), d.amount(a.ProfitLoss),
			a.ProfitLossPercent, a.Reason, a.Recommendation),
		Payload: a,
	})
}

func (d *Dispatcher) SendAutoSellNotice(ctx context.Context, n AutoSellNotice) {
	var subject, text string
	if n.Executed() {
		subject = fmt.Sprintf("Sold %s", n.Symbol)
		text = fmt.Sprintf("The agent sold %s units of %s at %s. Realized loss: %s (%.2f%%).",
			decimal.NewFromFloat(n.Quantity).String(), n.Symbol, d.amount(n.Price), d.amount(n.Loss), n.LossPercent)
	} else {
		subject = fmt.Sprintf("%s will be sold automatically", n.Symbol)
		text = fmt.Sprintf("The agent will sell %s units of %s at %s UTC unless the position is closed first. Current price: %s (%.2f%%).",
			decimal.NewFromFloat(n.Quantity).String(), n.Symbol, n.ScheduledFor.UTC().Format(time.RFC822),
			d.amount(n.Price), n.LossPercent)
	}
	d.dispatch(ctx, Message{
		Kind:    KindAutoSellNotice,
		UserID:  n.UserID,
		Symbol:  n.Symbol,
		Subject: subject,
		Text:    text,
		Payload: n,
	})
}

func (d *Dispatcher) SendApprovalRequest(ctx context.Context, r ApprovalRequest) {
	d.dispatch(ctx, Message{
		Kind:    KindApprovalRequest,
		UserID:  r.UserID,
		Symbol:  r.Symbol,
		Subject: fmt.Sprintf("Approval needed: %s", r.Action),
		Text: fmt.Sprintf("%s\n%s\nRecommendation: %s\nApprove: %s",
			r.Action, r.Details, r.Recommendation, r.ApprovalLink),
		Payload: r,
	})
}

// Wait blocks until every in-flight delivery finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) {
	for _, ch := range d.channels {
		ch := ch
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, msg); err != nil {
				d.log.Warn("notification failed",
					zap.String("channel", ch.Name()),
					zap.String("kind", msg.Kind),
					zap.String("user_id", msg.UserID),
					zap.Error(err))
			}
		}()
	}
}

func (d *Dispatcher) amount(v float64) string {
	return FormatAmount(v, d.currency)
}

// FormatAmount renders v in the currency's own notation, e.g. $1,234.50.
func FormatAmount(v float64, currency string) string {
	cur := money.New(0, currency).Currency()
	minor := decimal.NewFromFloat(v).Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

// LogChannel writes notifications to the structured log.
type LogChannel struct {
	Log *zap.Logger
}

func (LogChannel) Name() string { return "log" }

func (c LogChannel) Send(_ context.Context, msg Message) error {
	c.Log.Info("notification",
		zap.String("kind", msg.Kind),
		zap.String("user_id", msg.UserID),
		zap.String("symbol", msg.Symbol),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text))
	return nil
}

// WebhookChannel POSTs the message as JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (WebhookChannel) Name() string { return "webhook" }

func (c WebhookChannel) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doNotify(c.Client, req, "webhook")
}

// TelegramChannel sends the subject and text to a chat through the bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Client   *http.Client
	Retries  int
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		BaseURL:  "https://api.telegram.org",
		Client:   &http.Client{Timeout: 15 * time.Second},
		Retries:  3,
	}
}

func (*TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	if t.BotToken == "" || t.ChatID == "" {
		return errors.New("telegram bot token and chat id are required")
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.BaseURL, "/"), t.BotToken)
	body, _ := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       "*" + msg.Subject + "*\n" + msg.Text,
		"parse_mode": "Markdown",
	})

	attempts := t.Retries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if lastErr = doNotify(t.Client, req, "telegram"); lastErr == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(i+1) * time.Second):
		}
	}
	return lastErr
}

func doNotify(client *http.Client, req *http.Request, name string) error {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s status=%d", name, resp.StatusCode)
	}
	return nil
}
