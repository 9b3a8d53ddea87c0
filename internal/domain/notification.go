package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Очереди уведомлений.
const (
	QueueReceipts = "receipt_queue"
	QueueReports  = "report_queue"
)

// NotificationQueues — все durable очереди, которые объявляет пул.
var NotificationQueues = []string{QueueReceipts, QueueReports}

type NotificationKind string

const (
	NotificationReceipt NotificationKind = "receipt"
	NotificationReport  NotificationKind = "report"
)

// Queue возвращает очередь для типа уведомления.
func (k NotificationKind) Queue() string {
	switch k {
	case NotificationReceipt:
		return QueueReceipts
	case NotificationReport:
		return QueueReports
	default:
		return ""
	}
}

// KindForQueue определяет тип уведомления по имени очереди.
func KindForQueue(queue string) (NotificationKind, bool) {
	switch queue {
	case QueueReceipts:
		return NotificationReceipt, true
	case QueueReports:
		return NotificationReport, true
	default:
		return "", false
	}
}

// ReceiptNotification — чек, отправляемый покупателю.
type ReceiptNotification struct {
	ID            string       `json:"_id"`
	Items         []LineItem   `json:"items"`
	Seller        User         `json:"seller"`
	Shop          ShopSnapshot `json:"shop"`
	Sum           Money        `json:"sum"`
	Datetime      Timestamp    `json:"datetime"`
	SellType      PaymentKind  `json:"sell_type"`
	FiscalNumber  int64        `json:"fn"`
	ReceiverEmail string       `json:"receiver_email,omitempty"`
}

// ReportNotification — Z-отчёт за смену.
type ReportNotification struct {
	FiscalNumber  int64     `json:"fn"`
	Datetime      Timestamp `json:"datetime"`
	Seller        User      `json:"seller"`
	ChecksCount   int       `json:"checks_count"`
	CardSum       Money     `json:"card_sum"`
	CashSum       Money     `json:"cash_sum"`
	Sum           Money     `json:"sum"`
	CashGiven     Money     `json:"cash_given"`
	ReceiverEmail string    `json:"receiver_email,omitempty"`
}

// NotificationJob получается из тела сообщения очереди.
type NotificationJob struct {
	Kind      NotificationKind
	ObjectID  string
	Recipient string
	Receipt   *ReceiptNotification
	Report    *ReportNotification
}

// DedupKey — ключ в Dedup Store, после записи которого задание больше не отправляется.
func (j NotificationJob) DedupKey() string {
	return string(j.Kind) + ":" + j.ObjectID
}

// DecodeNotificationJob разбирает тело сообщения. Любая ошибка оборачивает ErrPoisonMessage.
func DecodeNotificationJob(kind NotificationKind, body []byte) (NotificationJob, error) {
	job := NotificationJob{Kind: kind}

	switch kind {
	case NotificationReceipt:
		var receipt ReceiptNotification
		if err := json.Unmarshal(body, &receipt); err != nil {
			return NotificationJob{}, fmt.Errorf("%w: decode receipt: %v", ErrPoisonMessage, err)
		}
		job.ObjectID = strings.TrimSpace(receipt.ID)
		job.Recipient = strings.TrimSpace(receipt.ReceiverEmail)
		job.Receipt = &receipt
	case NotificationReport:
		var report ReportNotification
		if err := json.Unmarshal(body, &report); err != nil {
			return NotificationJob{}, fmt.Errorf("%w: decode report: %v", ErrPoisonMessage, err)
		}
		if report.FiscalNumber > 0 {
			job.ObjectID = strconv.FormatInt(report.FiscalNumber, 10)
		}
		job.Recipient = strings.TrimSpace(report.ReceiverEmail)
		job.Report = &report
	default:
		return NotificationJob{}, fmt.Errorf("%w: unknown notification kind %q", ErrPoisonMessage, kind)
	}

	if job.ObjectID == "" {
		return NotificationJob{}, fmt.Errorf("%w: %w", ErrPoisonMessage, ErrNotificationIDEmpty)
	}
	if job.Recipient == "" || !strings.Contains(job.Recipient, "@") {
		return NotificationJob{}, fmt.Errorf("%w: %w", ErrPoisonMessage, ErrRecipientRequired)
	}

	return job, nil
}

type Email struct {
	To       string
	Subject  string
	HTMLBody string
}

// DeliveryDecision говорит консьюмеру, что сделать с сообщением.
type DeliveryDecision int

const (
	// DecisionAck подтверждает сообщение.
	DecisionAck DeliveryDecision = iota
	// DecisionReject отбрасывает сообщение без повторной доставки.
	DecisionReject
	// DecisionRequeue возвращает сообщение в очередь.
	DecisionRequeue
)

func (d DeliveryDecision) String() string {
	switch d {
	case DecisionAck:
		return "ack"
	case DecisionReject:
		return "reject"
	case DecisionRequeue:
		return "requeue"
	default:
		return "unknown"
	}
}
