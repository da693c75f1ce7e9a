package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"ttslo/internal/core"
	"ttslo/internal/exchange"
	"ttslo/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
)

const sendTimeout = 10 * time.Second

var kindPresentation = map[core.EventKind]struct{ icon, title string }{
	core.EventConfigChanged:        {"ℹ️", "Config changed"},
	core.EventValidationError:      {"⚠️", "Validation error"},
	core.EventTriggerReached:       {"🎯", "Trigger reached"},
	core.EventTSLCreated:           {"📈", "Trailing stop created"},
	core.EventTSLFilled:            {"💰", "Trailing stop filled"},
	core.EventAppExit:              {"🛑", "Daemon exiting"},
	core.EventAPIError:             {"❌", "API error"},
	core.EventInsufficientBalance:  {"💸", "Insufficient balance"},
	core.EventOrderFailed:          {"❌", "Order failed"},
	core.EventLinkedOrderActivated: {"🔗", "Linked order activated"},
}

func render(kind core.EventKind, body string) string {
	p, ok := kindPresentation[kind]
	if !ok {
		return body
	}
	return fmt.Sprintf("%s *%s*\n\n%s", p.icon, p.title, body)
}

// Notifier implements core.INotifier. Delivery is synchronous
// best-effort: a send that fails because the chat service is
// unreachable lands in the disk-backed queue, and every later
// successful send drains the queue in enqueue order and announces the
// restoration with the outage duration.
type Notifier struct {
	routing *Routing
	sender  Sender
	logger  core.ILogger
	dryRun  bool

	mu          sync.Mutex
	queue       *Queue
	unreachable bool
	downSince   time.Time

	sent   metric.Int64Counter
	queued metric.Int64Counter
	depth  metric.Int64UpDownCounter
}

// NewNotifier loads any queued backlog from a previous run. A non-empty
// backlog starts the notifier in the unreachable state, dated from the
// oldest queued item.
func NewNotifier(routing *Routing, sender Sender, queuePath string, dryRun bool, logger core.ILogger) (*Notifier, error) {
	queue, err := LoadQueue(queuePath)
	if err != nil {
		return nil, err
	}

	n := &Notifier{
		routing: routing,
		sender:  sender,
		logger:  logger.WithField("component", "notifier"),
		dryRun:  dryRun,
		queue:   queue,
	}

	meter := telemetry.GetMeter("notify")
	n.sent, _ = meter.Int64Counter("notify_sent_total",
		metric.WithDescription("Notifications delivered to the chat service"))
	n.queued, _ = meter.Int64Counter("notify_queued_total",
		metric.WithDescription("Notifications diverted to the disk queue"))
	n.depth, _ = meter.Int64UpDownCounter("notify_queue_depth",
		metric.WithDescription("Notifications currently waiting in the disk queue"))

	if oldest, ok := queue.Oldest(); ok {
		n.unreachable = true
		n.downSince = oldest
		n.depth.Add(context.Background(), int64(queue.Len()))
		n.logger.Warn("Notification queue carried over from previous run",
			"pending", queue.Len(), "oldest", oldest.UTC().Format(time.RFC3339))
	}
	return n, nil
}

// Notify routes one event to its subscribed recipients. Kinds with no
// recipients are dropped silently.
func (n *Notifier) Notify(ctx context.Context, kind core.EventKind, body string) {
	recipients := n.routing.Recipients(kind)
	if len(recipients) == 0 {
		n.logger.Debug("No recipients for event", "kind", string(kind))
		return
	}

	if n.dryRun {
		for _, rcpt := range recipients {
			n.logger.Info("[dry-run] Would send notification",
				"kind", string(kind), "recipient", rcpt.Name, "body", body)
		}
		return
	}
	if n.sender == nil {
		n.logger.Debug("No sender configured, dropping notification", "kind", string(kind))
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, rcpt := range recipients {
		n.deliverLocked(ctx, rcpt, kind, body)
	}
}

// Flush retries the queued backlog without a new message. Called at
// startup and before exit.
func (n *Notifier) Flush(ctx context.Context) {
	if n.dryRun || n.sender == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.queue.Len() == 0 {
		return
	}
	n.drainLocked(ctx)
}

// QueueDepth reports how many notifications are waiting on disk.
func (n *Notifier) QueueDepth() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.queue.Len()
}

func (n *Notifier) deliverLocked(ctx context.Context, rcpt Recipient, kind core.EventKind, body string) {
	err := n.send(ctx, rcpt.ChatID, render(kind, body))
	if err == nil {
		n.sent.Add(ctx, 1)
		n.logger.Debug("Notification sent", "kind", string(kind), "recipient", rcpt.Name)
		if n.queue.Len() > 0 {
			n.drainLocked(ctx)
		}
		return
	}

	classified := exchange.Classify("telegram.sendMessage", err)
	if exchange.IsReachability(classified) {
		n.enqueueLocked(ctx, rcpt, kind, body, classified)
		return
	}
	n.logger.Error("Notification rejected, dropping",
		"kind", string(kind), "recipient", rcpt.Name, "error", classified.Error())
}

func (n *Notifier) enqueueLocked(ctx context.Context, rcpt Recipient, kind core.EventKind, body string, cause error) {
	now := time.Now().UTC()
	if !n.unreachable {
		n.unreachable = true
		n.downSince = now
		n.logger.Warn("Notification service unreachable, queueing", "error", cause.Error())
	}

	item := core.QueueItem{
		Recipient:  rcpt.Name,
		EventKind:  kind,
		Body:       body,
		EnqueuedAt: now,
	}
	if err := n.queue.Enqueue(ctx, item); err != nil {
		n.logger.Error("Failed to persist notification queue", "error", err.Error())
		return
	}
	n.queued.Add(ctx, 1)
	n.depth.Add(ctx, 1)
	n.logger.Info("Notification queued",
		"kind", string(kind), "recipient", rcpt.Name, "pending", n.queue.Len())
}

// drainLocked delivers the backlog in enqueue order, each message
// carrying a [Queued from <ts>] prefix, then announces the restoration
// to every active recipient.
func (n *Notifier) drainLocked(ctx context.Context) {
	wasDown := n.unreachable
	downSince := n.downSince

	delivered, err := n.queue.Drain(ctx, func(item core.QueueItem) error {
		chatID, ok := n.routing.ChatID(item.Recipient)
		if !ok {
			n.logger.Warn("Queued recipient no longer routed, dropping", "recipient", item.Recipient)
			return nil
		}
		text := fmt.Sprintf("[Queued from %s] %s",
			item.EnqueuedAt.UTC().Format(time.RFC3339), render(item.EventKind, item.Body))
		return n.send(ctx, chatID, text)
	})

	if delivered > 0 {
		n.sent.Add(ctx, int64(delivered))
		n.depth.Add(ctx, int64(-delivered))
	}
	if err != nil {
		n.logger.Warn("Queue drain interrupted",
			"delivered", delivered, "remaining", n.queue.Len(), "error", err.Error())
		return
	}

	n.unreachable = false
	n.downSince = time.Time{}
	if wasDown {
		n.announceRestoredLocked(ctx, downSince, delivered)
	}
}

func (n *Notifier) announceRestoredLocked(ctx context.Context, downSince time.Time, delivered int) {
	downtime := time.Since(downSince).Round(time.Second)
	text := fmt.Sprintf("🔔 *Notifications restored*\n\nService was unreachable for %s; %d queued message(s) delivered.",
		downtime, delivered)

	for _, rcpt := range n.routing.ActiveRecipients() {
		if err := n.send(ctx, rcpt.ChatID, text); err != nil {
			n.logger.Warn("Restoration announcement failed", "recipient", rcpt.Name, "error", err.Error())
		}
	}
	n.logger.Info("Notification service restored",
		"downtime", downtime.String(), "delivered", delivered)
}

func (n *Notifier) send(ctx context.Context, chatID, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return n.sender.Send(sendCtx, chatID, text)
}
