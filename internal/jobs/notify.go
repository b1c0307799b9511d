package jobs

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"

	"invtasks/internal/task/dispatch"
	"invtasks/internal/task/registry"
	logx "invtasks/pkg/logx"
)

//go:embed templates/*.html
var templateFS embed.FS

var lowStockTmpl = template.Must(template.ParseFS(templateFS, "templates/low_stock_notification.html"))

type emailOptions struct {
	from     string
	html     string
	dispatch []dispatch.Option
}

type EmailOption func(*emailOptions)

func WithFrom(addr string) EmailOption { return func(o *emailOptions) { o.from = addr } }

func WithHTML(html string) EmailOption { return func(o *emailOptions) { o.html = html } }

// WithDispatch forwards dispatcher options, e.g. dispatch.ForceSync().
func WithDispatch(opts ...dispatch.Option) EmailOption {
	return func(o *emailOptions) { o.dispatch = append(o.dispatch, opts...) }
}

// SendEmail offloads notify.mail.send_mail. Delivery failures are not
// silenced.
func SendEmail(ctx context.Context, d Dispatcher, subject, body string, recipients []string, opts ...EmailOption) error {
	if d == nil {
		return errors.New("send email: no dispatcher")
	}
	var o emailOptions
	for _, opt := range opts {
		opt(&o)
	}
	args := registry.NewArgs(subject, body, o.from, recipients).
		With("fail_silently", false).
		With("html_message", o.html)
	return d.Dispatch(ctx, SendMail, args, o.dispatch...)
}

// StockItem is the part of a stock record the low-stock notice needs.
type StockItem struct {
	PartID       int64
	PartName     string
	Quantity     string
	MinimumStock string
	PartURL      string
}

// NotifyLowStock e-mails every user subscribed to the item's part.
func (j *Jobs) NotifyLowStock(ctx context.Context, item StockItem) error {
	if !j.ready("notify_low_stock") {
		return nil
	}
	recipients, err := j.store.Subscribers(ctx, item.PartID)
	if err != nil {
		return j.storeSkipped("notify_low_stock", err)
	}
	if len(recipients) == 0 {
		return nil
	}
	j.log.Info(fmt.Sprintf("notify users regarding low stock of %s", item.PartName),
		logx.Int64("part", item.PartID), logx.Int("recipients", len(recipients)))

	var html bytes.Buffer
	if err := lowStockTmpl.Execute(&html, item); err != nil {
		return fmt.Errorf("render low stock notification: %w", err)
	}
	subject := fmt.Sprintf("Attention! %s is low on stock", item.PartName)
	return SendEmail(ctx, j.dispatcher(), subject, "", recipients, WithHTML(html.String()))
}

// NotifyLowStockTask is part.tasks.notify_low_stock. Named args: part_id,
// part_name, quantity, minimum_stock, part_url.
func (j *Jobs) NotifyLowStockTask(ctx context.Context, args registry.Args) error {
	item := StockItem{
		PartName:     args.NamedString("part_name"),
		Quantity:     args.NamedString("quantity"),
		MinimumStock: args.NamedString("minimum_stock"),
		PartURL:      args.NamedString("part_url"),
	}
	v, ok := args.Get("part_id")
	if !ok {
		return errors.New("notify_low_stock: part_id required")
	}
	id, err := toInt64(v)
	if err != nil {
		return fmt.Errorf("notify_low_stock: %w", err)
	}
	item.PartID = id
	return j.NotifyLowStock(ctx, item)
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		return int64(x), nil
	default:
		var n int64
		if _, err := fmt.Sscan(fmt.Sprint(x), &n); err != nil {
			return 0, fmt.Errorf("invalid part id %v", v)
		}
		return n, nil
	}
}
