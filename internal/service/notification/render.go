package notification

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
)

const (
	displayDatetimeLayout = "02.01.06 15:04:05"
	displayDateLayout     = "02.01.06"
	displayTimeLayout     = "15:04:05"

	// feePercent — ставка НДС, которая печатается отдельной строкой чека.
	feePercent = 20
)

//go:embed templates/*.html
var templateFS embed.FS

// Renderer собирает письма из встроенных HTML-шаблонов.
type Renderer struct {
	receipt *template.Template
	report  *template.Template
}

// NewRenderer разбирает шаблоны. Ошибка означает повреждённую сборку.
func NewRenderer() (*Renderer, error) {
	receipt, err := template.ParseFS(templateFS, "templates/receipt.html")
	if err != nil {
		return nil, fmt.Errorf("parse receipt template: %w", err)
	}
	report, err := template.ParseFS(templateFS, "templates/zreport.html")
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Renderer{receipt: receipt, report: report}, nil
}

// MustNewRenderer паникует, если шаблоны не разбираются.
func MustNewRenderer() *Renderer {
	r, err := NewRenderer()
	if err != nil {
		panic(err)
	}
	return r
}

type receiptLine struct {
	Name  string
	Count string
	Price domain.Money
	Sum   domain.Money
}

type receiptView struct {
	Subject      string
	ID           string
	Shop         domain.ShopSnapshot
	Seller       domain.User
	Lines        []receiptLine
	Sum          domain.Money
	Fee          domain.Money
	Payment      domain.PaymentKind
	FiscalNumber int64
	Datetime     string
}

type reportView struct {
	Subject      string
	Seller       domain.User
	ChecksCount  int
	CardSum      domain.Money
	CashSum      domain.Money
	CashGiven    domain.Money
	Sum          domain.Money
	FiscalNumber int64
	Datetime     string
	Date         string
	Time         string
}

// Render возвращает письмо для задания. Ошибка рендера не исправится повторной доставкой.
func (r *Renderer) Render(job domain.NotificationJob) (domain.Email, error) {
	switch job.Kind {
	case domain.NotificationReceipt:
		if job.Receipt == nil {
			return domain.Email{}, fmt.Errorf("%w: receipt payload is missing", domain.ErrPoisonMessage)
		}
		return r.renderReceipt(job.Recipient, *job.Receipt)
	case domain.NotificationReport:
		if job.Report == nil {
			return domain.Email{}, fmt.Errorf("%w: report payload is missing", domain.ErrPoisonMessage)
		}
		return r.renderReport(job.Recipient, *job.Report)
	default:
		return domain.Email{}, fmt.Errorf("%w: unknown notification kind %q", domain.ErrPoisonMessage, job.Kind)
	}
}

func (r *Renderer) renderReceipt(to string, receipt domain.ReceiptNotification) (domain.Email, error) {
	view := receiptView{
		Subject:      fmt.Sprintf("Чек у %s №%s", receipt.Shop.Name, receipt.ID),
		ID:           receipt.ID,
		Shop:         receipt.Shop,
		Seller:       receipt.Seller,
		Lines:        make([]receiptLine, 0, len(receipt.Items)),
		Sum:          receipt.Sum,
		Fee:          receipt.Sum.Percent(feePercent),
		Payment:      receipt.SellType,
		FiscalNumber: receipt.FiscalNumber,
		Datetime:     receipt.Datetime.Format(displayDatetimeLayout),
	}
	for _, item := range receipt.Items {
		view.Lines = append(view.Lines, receiptLine{
			Name:  item.Name,
			Count: strconv.FormatFloat(item.Quantity, 'f', -1, 64),
			Price: item.Price,
			Sum:   item.Sum(),
		})
	}

	body, err := execute(r.receipt, view)
	if err != nil {
		return domain.Email{}, err
	}
	return domain.Email{To: to, Subject: view.Subject, HTMLBody: body}, nil
}

func (r *Renderer) renderReport(to string, report domain.ReportNotification) (domain.Email, error) {
	view := reportView{
		Subject:      "Z-звіт за " + report.Datetime.Format(displayDatetimeLayout),
		Seller:       report.Seller,
		ChecksCount:  report.ChecksCount,
		CardSum:      report.CardSum,
		CashSum:      report.CashSum,
		CashGiven:    report.CashGiven,
		Sum:          report.Sum,
		FiscalNumber: report.FiscalNumber,
		Datetime:     report.Datetime.Format(displayDatetimeLayout),
		Date:         report.Datetime.Format(displayDateLayout),
		Time:         report.Datetime.Format(displayTimeLayout),
	}

	body, err := execute(r.report, view)
	if err != nil {
		return domain.Email{}, err
	}
	return domain.Email{To: to, Subject: view.Subject, HTMLBody: body}, nil
}

func execute(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}
