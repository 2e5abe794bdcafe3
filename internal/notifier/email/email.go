// Package email delivers verdict change notifications through an SMTP relay.
package email

import (
	"context"
	"fmt"
	htmltpl "html/template"
	"strings"
	texttpl "text/template"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/JakeFAU/restock-monitor/internal/clock/system"
	"github.com/JakeFAU/restock-monitor/internal/metrics"
	"github.com/JakeFAU/restock-monitor/internal/monitor"
)

// ErrNotConfigured is returned when no relay host or sender is set.
var ErrNotConfigured = fmt.Errorf("mail relay: %w", monitor.ErrNotConfigured)

// Config describes the SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	// TLS is one of "mandatory", "opportunistic", or "none".
	TLS     string
	Timeout time.Duration
}

// client is the subset of *mail.Client used here.
type client interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
	DialWithContext(ctx context.Context) error
	Close() error
}

// Notifier sends availability change emails.
type Notifier struct {
	cfg       Config
	clock     monitor.Clock
	logger    *zap.Logger
	newClient func() (client, error)
}

// New builds a Notifier. A Notifier with an empty Host is valid but reports
// Configured() == false and refuses to send. A nil clock uses the system clock.
func New(cfg Config, clk monitor.Clock, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = system.New()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	n := &Notifier{cfg: cfg, clock: clk, logger: logger.Named("email")}
	n.newClient = n.dial
	return n
}

func (n *Notifier) dial() (client, error) {
	opts := []mail.Option{
		mail.WithTimeout(n.cfg.Timeout),
		mail.WithTLSPolicy(tlsPolicy(n.cfg.TLS)),
	}
	if n.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(n.cfg.Port))
	}
	if n.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(n.cfg.Username),
			mail.WithPassword(n.cfg.Password),
		)
	}
	c, err := mail.NewClient(n.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return c, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch strings.ToLower(s) {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}

// Configured reports whether the relay settings allow sending.
func (n *Notifier) Configured() bool {
	return n.cfg.Host != "" && n.cfg.From != ""
}

// Notify emails the task owner about a verdict change. Tasks without an email
// are skipped, as are all tasks while the relay is unconfigured; both report
// false. A failed send is retried once before a DeliveryError is returned.
func (n *Notifier) Notify(ctx context.Context, task monitor.Task, candidate monitor.Candidate, previous, current monitor.Verdict) (bool, error) {
	if !task.HasEmail() {
		metrics.ObserveNotification("skipped")
		return false, nil
	}
	if !n.Configured() {
		metrics.ObserveNotification("skipped")
		n.logger.Warn("mail not configured; dropping notification",
			zap.String("task_id", task.ID), zap.String("url", candidate.URL))
		return false, nil
	}

	data := changeData{
		Keyword:  task.Keyword,
		Title:    displayTitle(candidate, current),
		URL:      candidate.URL,
		Site:     candidate.SourceSite,
		Previous: string(previous.Availability),
		Current:  string(current.Availability),
		Price:    formatPrice(current.Price),
		Checked:  current.CheckedAt.Format(time.RFC3339),
	}
	msg, err := n.message(task.NotificationEmail, subjectFor(current.Availability, data.Title), data)
	if err != nil {
		metrics.ObserveNotification("failed")
		return false, err
	}
	if err := n.send(ctx, task.NotificationEmail, msg); err != nil {
		metrics.ObserveNotification("failed")
		n.logger.Error("notification dropped",
			zap.String("task_id", task.ID),
			zap.String("url", candidate.URL),
			zap.Error(err))
		return false, err
	}
	metrics.ObserveNotification("sent")
	n.logger.Info("notification sent",
		zap.String("task_id", task.ID),
		zap.String("url", candidate.URL),
		zap.String("current", data.Current))
	return true, nil
}

// SendTest sends a fixed message to confirm relay settings.
func (n *Notifier) SendTest(ctx context.Context, to string) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	msg, err := n.message(to, "Restock monitor test email", changeData{
		Title:   "Test message",
		Current: "test",
		Checked: n.clock.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return n.send(ctx, to, msg)
}

// Ping dials the relay without sending.
func (n *Notifier) Ping(ctx context.Context) error {
	if !n.Configured() {
		return ErrNotConfigured
	}
	c, err := n.newClient()
	if err != nil {
		return err
	}
	if err := c.DialWithContext(ctx); err != nil {
		return fmt.Errorf("dial smtp relay: %w", err)
	}
	if err := c.Close(); err != nil {
		return fmt.Errorf("close smtp relay: %w", err)
	}
	return nil
}

const maxAttempts = 2

func (n *Notifier) send(ctx context.Context, to string, msg *mail.Msg) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		c, err := n.newClient()
		if err != nil {
			return &monitor.DeliveryError{To: to, Attempts: attempt, Err: err}
		}
		sendCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
		lastErr = c.DialAndSendWithContext(sendCtx, msg)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return &monitor.DeliveryError{To: to, Attempts: attempt, Err: ctx.Err()}
		}
		n.logger.Warn("smtp send failed",
			zap.String("to", to),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return &monitor.DeliveryError{To: to, Attempts: maxAttempts, Err: lastErr}
}

func (n *Notifier) message(to, subject string, data changeData) (*mail.Msg, error) {
	msg := mail.NewMsg()
	var err error
	if n.cfg.FromName != "" {
		err = msg.FromFormat(n.cfg.FromName, n.cfg.From)
	} else {
		err = msg.From(n.cfg.From)
	}
	if err != nil {
		return nil, fmt.Errorf("set sender %q: %w", n.cfg.From, err)
	}
	if err := msg.To(to); err != nil {
		return nil, &monitor.DeliveryError{To: to, Attempts: 0, Err: fmt.Errorf("invalid recipient: %w", err)}
	}
	msg.Subject(subject)
	if err := msg.SetBodyTextTemplate(textBody, data); err != nil {
		return nil, fmt.Errorf("render text body: %w", err)
	}
	if err := msg.AddAlternativeHTMLTemplate(htmlBody, data); err != nil {
		return nil, fmt.Errorf("render html body: %w", err)
	}
	return msg, nil
}

type changeData struct {
	Keyword  string
	Title    string
	URL      string
	Site     string
	Previous string
	Current  string
	Price    string
	Checked  string
}

func subjectFor(a monitor.Availability, title string) string {
	switch a {
	case monitor.Available:
		return "Back in stock: " + title
	case monitor.Unavailable:
		return "Out of stock: " + title
	default:
		return "Availability unknown: " + title
	}
}

func displayTitle(c monitor.Candidate, v monitor.Verdict) string {
	switch {
	case strings.TrimSpace(c.Title) != "":
		return strings.TrimSpace(c.Title)
	case strings.TrimSpace(v.Title) != "":
		return strings.TrimSpace(v.Title)
	default:
		return c.URL
	}
}

func formatPrice(p *float64) string {
	if p == nil {
		return ""
	}
	return fmt.Sprintf("%.0f", *p)
}

var textBody = texttpl.Must(texttpl.New("text").Parse(`{{.Title}}
{{- if .Keyword}}
Keyword: {{.Keyword}}{{end}}
Status: {{if .Previous}}{{.Previous}} -> {{end}}{{.Current}}
{{- if .Price}}
Price: {{.Price}}{{end}}
{{- if .URL}}
Link: {{.URL}}{{end}}
Checked at: {{.Checked}}
`))

var htmlBody = htmltpl.Must(htmltpl.New("html").Parse(`<html><body>
<h2>{{.Title}}</h2>
<table>
{{- if .Keyword}}<tr><td>Keyword</td><td>{{.Keyword}}</td></tr>{{end}}
{{- if .Site}}<tr><td>Site</td><td>{{.Site}}</td></tr>{{end}}
<tr><td>Status</td><td>{{if .Previous}}{{.Previous}} &rarr; {{end}}<strong>{{.Current}}</strong></td></tr>
{{- if .Price}}<tr><td>Price</td><td>{{.Price}}</td></tr>{{end}}
<tr><td>Checked at</td><td>{{.Checked}}</td></tr>
</table>
{{- if .URL}}
<p><a href="{{.URL}}">View product</a></p>{{end}}
</body></html>
`))
