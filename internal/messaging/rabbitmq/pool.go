package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/ostrich/internal/domain"
	"github.com/vladislavdragonenkov/ostrich/internal/metrics"
)

const (
	defaultPoolSize        = 5
	defaultAcquireInterval = 100 * time.Millisecond
	tracerName             = "github.com/vladislavdragonenkov/ostrich/internal/messaging/rabbitmq"
)

var (
	ErrPoolClosed    = errors.New("rabbitmq pool is closed")
	ErrPublishNacked = errors.New("message was nacked by broker")
)

// State — состояние подключения пула.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// PoolConfig задаёт параметры пула.
type PoolConfig struct {
	URL             string
	Size            int
	Reconnect       ReconnectPolicy
	AcquireInterval time.Duration
	// PublishTimeout ограничивает Publish целиком, включая ожидание канала
	// и переподключение; 0 — без ограничения.
	PublishTimeout time.Duration
	// Queues объявляются durable на каждом канале. По умолчанию — очереди уведомлений.
	Queues []string
}

// PoolOption настраивает Pool.
type PoolOption func(*Pool)

func WithPoolLogger(logger *log.Entry) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPoolMetrics подключает метрики пула.
func WithPoolMetrics(m *metrics.PoolMetrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithDialer подменяет функцию подключения (в тестах — фейковый брокер).
func WithDialer(dial Dialer) PoolOption {
	return func(p *Pool) {
		if dial != nil {
			p.dial = dial
		}
	}
}

// pooledChannel — канал пула, помеченный поколением подключения.
type pooledChannel struct {
	ch         Channel
	generation uint64
}

// Pool держит одно подключение и фиксированный набор каналов в confirm mode.
// Одна публикация занимает один канал; свободные каналы лежат в free.
type Pool struct {
	cfg     PoolConfig
	dial    Dialer
	logger  *log.Entry
	metrics *metrics.PoolMetrics
	tracer  trace.Tracer

	// connectMu сериализует EnsureConnected.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       Connection
	generation uint64
	free       []*pooledChannel
	closed     bool
}

// NewPool создаёт пул. Подключение выполняется лениво или явным EnsureConnected.
func NewPool(cfg PoolConfig, opts ...PoolOption) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = defaultPoolSize
	}
	if cfg.AcquireInterval <= 0 {
		cfg.AcquireInterval = defaultAcquireInterval
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = domain.NotificationQueues
	}
	cfg.Reconnect = cfg.Reconnect.normalized()

	p := &Pool{
		cfg:    cfg,
		dial:   Dial,
		logger: log.WithField("component", "rabbitmq-pool"),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State возвращает текущее состояние подключения.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// FreeChannels возвращает число свободных каналов.
func (p *Pool) FreeChannels() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Ping сообщает, подключён ли пул. Используется readiness-проверкой.
func (p *Pool) Ping(context.Context) error {
	if state := p.State(); state != StateConnected {
		return fmt.Errorf("%w: rabbitmq pool is %s", domain.ErrTransport, state)
	}
	return nil
}

// EnsureConnected подключается к брокеру, если пул не подключён.
// Повторы идут по ReconnectPolicy; после исчерпания возвращается domain.ErrCannotConnect.
func (p *Pool) EnsureConnected(ctx context.Context) error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if p.state == StateConnected && p.conn != nil && !p.conn.IsClosed() {
		p.mu.Unlock()
		return nil
	}
	p.state = StateConnecting
	p.mu.Unlock()

	var (
		conn     Connection
		channels []Channel
	)
	err := p.cfg.Reconnect.Do(ctx, p.logger, func(int) error {
		var err error
		conn, channels, err = p.connect()
		p.metrics.RecordConnectAttempt(err == nil)
		return err
	})
	if err != nil {
		p.mu.Lock()
		p.state = StateDisconnected
		p.mu.Unlock()
		p.logger.WithError(err).Error("cannot connect to rabbitmq")
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		closeAll(conn, channels)
		return ErrPoolClosed
	}

	p.generation++
	p.conn = conn
	p.state = StateConnected
	p.free = make([]*pooledChannel, 0, len(channels))
	for _, ch := range channels {
		p.free = append(p.free, &pooledChannel{ch: ch, generation: p.generation})
	}
	p.metrics.SetFreeChannels(len(p.free))

	go p.watch(p.generation, conn.NotifyClose(make(chan *amqp.Error, 1)))

	p.logger.WithFields(log.Fields{
		"channels":   len(channels),
		"generation": p.generation,
	}).Info("connected to rabbitmq")
	return nil
}

// connect открывает подключение и Size каналов; каждый канал в confirm mode
// и с объявленными durable-очередями.
func (p *Pool) connect() (Connection, []Channel, error) {
	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return nil, nil, err
	}

	channels := make([]Channel, 0, p.cfg.Size)
	for range p.cfg.Size {
		ch, err := p.openChannel(conn)
		if err != nil {
			closeAll(conn, channels)
			return nil, nil, err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			closeAll(conn, channels)
			return nil, nil, fmt.Errorf("enable publisher confirms: %w", err)
		}
		channels = append(channels, ch)
	}
	return conn, channels, nil
}

func (p *Pool) openChannel(conn Connection) (Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	for _, queue := range p.cfg.Queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	return ch, nil
}

// watch сбрасывает подключение, если брокер его закрыл.
func (p *Pool) watch(generation uint64, notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	if !ok || amqpErr == nil {
		// штатное закрытие через Close или discard
		return
	}
	p.logger.WithField("reason", amqpErr.Reason).Warn("rabbitmq connection closed by broker")
	p.discard(generation)
}

// discard закрывает подключение поколения generation и все его свободные каналы.
// Каналы этого поколения, занятые публикациями, закрываются при возврате.
func (p *Pool) discard(generation uint64) {
	p.mu.Lock()
	if p.generation != generation || p.conn == nil {
		p.mu.Unlock()
		return
	}
	conn := p.conn
	free := p.free
	p.conn = nil
	p.free = nil
	p.state = StateDisconnected
	p.mu.Unlock()

	p.metrics.SetFreeChannels(0)
	for _, pc := range free {
		_ = pc.ch.Close()
	}
	if !conn.IsClosed() {
		_ = conn.Close()
	}
}

// OpenChannel открывает отдельный канал вне пула (для consumer) с объявленными очередями.
func (p *Pool) OpenChannel(ctx context.Context) (Channel, error) {
	if err := p.EnsureConnected(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	conn, generation := p.conn, p.generation
	p.mu.Unlock()
	if conn == nil {
		return nil, domain.NewTransportError("open consumer channel", errors.New("connection discarded"))
	}

	ch, err := p.openChannel(conn)
	if err != nil {
		p.discard(generation)
		return nil, domain.NewTransportError("open consumer channel", err)
	}
	return ch, nil
}

// acquire берёт свободный канал. Если свободных нет, опрашивает пул с интервалом
// AcquireInterval до появления канала или отмены ctx.
func (p *Pool) acquire(ctx context.Context) (*pooledChannel, error) {
	started := time.Now()
	defer func() { p.metrics.ObserveAcquireWait(time.Since(started)) }()

	var ticker *time.Ticker
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		connected := p.state == StateConnected
		if connected && len(p.free) > 0 {
			last := len(p.free) - 1
			pc := p.free[last]
			p.free = p.free[:last]
			p.metrics.SetFreeChannels(len(p.free))
			p.mu.Unlock()
			if ticker != nil {
				ticker.Stop()
			}
			return pc, nil
		}
		p.mu.Unlock()

		if !connected {
			if err := p.EnsureConnected(ctx); err != nil {
				if ticker != nil {
					ticker.Stop()
				}
				return nil, err
			}
			continue
		}

		if ticker == nil {
			ticker = time.NewTicker(p.cfg.AcquireInterval)
		}
		select {
		case <-ctx.Done():
			ticker.Stop()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// release возвращает канал в пул. Канал отброшенного подключения закрывается.
func (p *Pool) release(pc *pooledChannel) {
	p.mu.Lock()
	if p.closed || pc.generation != p.generation || p.state != StateConnected {
		p.mu.Unlock()
		_ = pc.ch.Close()
		return
	}
	p.free = append(p.free, pc)
	p.metrics.SetFreeChannels(len(p.free))
	p.mu.Unlock()
}

// channelError — сбой транспорта на занятом канале; после него подключение сбрасывается.
type channelError struct {
	err error
}

func (e *channelError) Error() string { return e.err.Error() }
func (e *channelError) Unwrap() error { return e.err }

// Publish публикует payload в очередь routingKey через default exchange и ждёт
// подтверждения брокера. При сбое транспорта подключение сбрасывается,
// пул переподключается и публикация повторяется ровно один раз.
func (p *Pool) Publish(ctx context.Context, routingKey string, payload []byte, durable bool) error {
	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	ctx, span := p.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", routingKey),
			attribute.Int("messaging.message.body.size", len(payload)),
		))
	defer span.End()

	err := p.publishOnce(ctx, routingKey, payload, durable)
	var chErr *channelError
	if errors.As(err, &chErr) {
		p.logger.WithError(err).WithField("queue", routingKey).Warn("publish failed on transport, reconnecting and retrying once")
		err = p.publishOnce(ctx, routingKey, payload, durable)
		if errors.As(err, &chErr) {
			err = domain.NewTransportError("publish to "+routingKey, chErr.err)
		}
	}

	p.metrics.RecordPublish(routingKey, err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (p *Pool) publishOnce(ctx context.Context, routingKey string, payload []byte, durable bool) error {
	pc, err := p.acquire(ctx)
	if err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{},
		Body:         payload,
	}
	if durable {
		msg.DeliveryMode = amqp.Persistent
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Headers))

	acked, err := pc.ch.PublishConfirmed(ctx, "", routingKey, msg)
	if err != nil {
		if ctx.Err() != nil {
			p.release(pc)
			return ctx.Err()
		}
		_ = pc.ch.Close()
		p.discard(pc.generation)
		return &channelError{err: err}
	}

	p.release(pc)
	if !acked {
		return fmt.Errorf("%w: queue %s", ErrPublishNacked, routingKey)
	}
	return nil
}

// Close закрывает все каналы и подключение. После Close пул не переподключается.
func (p *Pool) Close() error {
	p.connectMu.Lock()
	defer p.connectMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conn := p.conn
	free := p.free
	p.conn = nil
	p.free = nil
	p.state = StateDisconnected
	p.mu.Unlock()

	for _, pc := range free {
		_ = pc.ch.Close()
	}
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

func closeAll(conn Connection, channels []Channel) {
	for _, ch := range channels {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

var _ domain.JobPublisher = (*Pool)(nil)
