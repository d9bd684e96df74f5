package tube

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// amqpMaxPriority is the x-max-priority declared on every tube queue.
	amqpMaxPriority = 9

	headerPriority = "x-odr-priority"
	headerReserves = "x-odr-reserves"
)

// AMQP runs tubes on RabbitMQ. Each tube is a durable priority queue; delayed
// jobs wait in a per-delay TTL queue that dead-letters back into the tube.
// A reservation is an unacknowledged delivery, so its lease is the channel:
// if the process dies the broker requeues the job.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared map[string]bool
	held     map[string]amqp.Delivery
	poll     time.Duration
	seq      uint64
}

var _ Client = (*AMQP)(nil)

// DialAMQP connects to the broker at url.
func DialAMQP(url string, pollInterval time.Duration) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if pollInterval == 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &AMQP{
		conn:     conn,
		ch:       ch,
		declared: make(map[string]bool),
		held:     make(map[string]amqp.Delivery),
		poll:     pollInterval,
	}, nil
}

func (a *AMQP) Name() string { return "amqp" }

// amqpPriority maps a beanstalk-style priority (lower is more urgent) onto
// the 0-9 AMQP range (higher is more urgent). DefaultPriority lands in the
// middle and LowPriority near the bottom.
func amqpPriority(p uint32) uint8 {
	band := p / 256
	if band > amqpMaxPriority {
		band = amqpMaxPriority
	}
	return uint8(amqpMaxPriority - band)
}

func delayQueue(tube string, delay time.Duration) string {
	return fmt.Sprintf("%s.delay.%dms", tube, delay.Milliseconds())
}

// declareLocked declares the tube queue once per connection.
func (a *AMQP) declareLocked(tube string) error {
	if a.declared[tube] {
		return nil
	}
	_, err := a.ch.QueueDeclare(tube, true, false, false, false, amqp.Table{
		"x-max-priority": int32(amqpMaxPriority),
	})
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", tube, err)
	}
	a.declared[tube] = true
	return nil
}

func (a *AMQP) declareDelayLocked(tube string, delay time.Duration) (string, error) {
	name := delayQueue(tube, delay)
	if a.declared[name] {
		return name, nil
	}
	_, err := a.ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": tube,
		"x-message-ttl":             delay.Milliseconds(),
		// Unused delay queues disappear after a while.
		"x-expires": (delay + time.Hour).Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to declare delay queue %s: %w", name, err)
	}
	a.declared[name] = true
	return name, nil
}

func (a *AMQP) publishLocked(ctx context.Context, tube string, body []byte, priority uint32, delay time.Duration, reserves int) (string, error) {
	if err := a.declareLocked(tube); err != nil {
		return "", err
	}
	route := tube
	if delay > 0 {
		q, err := a.declareDelayLocked(tube, delay)
		if err != nil {
			return "", err
		}
		route = q
	}

	a.seq++
	id := fmt.Sprintf("%d-%d", time.Now().UnixNano(), a.seq)
	err := a.ch.PublishWithContext(ctx, "", route, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Priority:     amqpPriority(priority),
		Headers: amqp.Table{
			headerPriority: int64(priority),
			headerReserves: int64(reserves),
		},
		Body: body,
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", tube, err)
	}
	return id, nil
}

func (a *AMQP) Put(ctx context.Context, tube string, body []byte, priority uint32, delay time.Duration) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publishLocked(ctx, tube, body, priority, delay, 0)
}

func headerInt(h amqp.Table, key string) int64 {
	switch v := h[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func (a *AMQP) jobFrom(tube string, d amqp.Delivery) *Job {
	pri := uint32(headerInt(d.Headers, headerPriority))
	if _, ok := d.Headers[headerPriority]; !ok {
		pri = DefaultPriority
	}
	return &Job{
		ID:       d.MessageId,
		Tube:     tube,
		Body:     d.Body,
		Priority: pri,
		Reserves: int(headerInt(d.Headers, headerReserves)) + 1,
		token:    strconv.FormatUint(d.DeliveryTag, 10),
	}
}

func (a *AMQP) Reserve(ctx context.Context, tube string) (*Job, error) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		if err := a.declareLocked(tube); err != nil {
			a.mu.Unlock()
			return nil, err
		}
		d, ok, err := a.ch.Get(tube, false)
		if err != nil {
			a.mu.Unlock()
			return nil, fmt.Errorf("failed to get from %s: %w", tube, err)
		}
		if ok {
			job := a.jobFrom(tube, d)
			a.held[job.token] = d
			a.mu.Unlock()
			return job, nil
		}
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *AMQP) takeLocked(job *Job) (amqp.Delivery, error) {
	d, ok := a.held[job.token]
	if !ok {
		return amqp.Delivery{}, ErrNotReserved
	}
	delete(a.held, job.token)
	return d, nil
}

func (a *AMQP) Delete(ctx context.Context, job *Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.takeLocked(job)
	if err != nil {
		return err
	}
	return d.Ack(false)
}

// Release republishes the job with its new priority and delay, then acks the
// original delivery. AMQP cannot change a queued message in place.
func (a *AMQP) Release(ctx context.Context, job *Job, priority uint32, delay time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.takeLocked(job)
	if err != nil {
		return err
	}
	if priority == 0 {
		priority = job.Priority
	}
	if _, err := a.publishLocked(ctx, job.Tube, job.Body, priority, delay, job.Reserves); err != nil {
		// Put the original back so the job is not lost.
		_ = d.Nack(false, true)
		return err
	}
	return d.Ack(false)
}

// Touch is a no-op: an unacknowledged delivery stays reserved for as long as
// the channel is open.
func (a *AMQP) Touch(ctx context.Context, job *Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.held[job.token]; !ok {
		return ErrNotReserved
	}
	return nil
}

func (a *AMQP) PeekReady(ctx context.Context, tube string) (*Job, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.declareLocked(tube); err != nil {
		return nil, err
	}
	d, ok, err := a.ch.Get(tube, false)
	if err != nil {
		return nil, fmt.Errorf("failed to peek %s: %w", tube, err)
	}
	if !ok {
		return nil, ErrEmpty
	}
	job := a.jobFrom(tube, d)
	job.token = ""
	job.Reserves--
	if err := d.Nack(false, true); err != nil {
		return nil, fmt.Errorf("failed to return peeked job to %s: %w", tube, err)
	}
	return job, nil
}

// Stats reports ready and held counts. Jobs waiting in delay queues are not
// visible per tube and are reported as zero.
func (a *AMQP) Stats(ctx context.Context, tube string) (Stats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, err := a.ch.QueueDeclarePassive(tube, true, false, false, false, amqp.Table{
		"x-max-priority": int32(amqpMaxPriority),
	})
	if err != nil {
		return Stats{}, fmt.Errorf("failed to inspect %s: %w", tube, err)
	}
	var reserved int64
	for _, d := range a.held {
		if d.RoutingKey == tube {
			reserved++
		}
	}
	return Stats{Ready: int64(q.Messages), Reserved: reserved}, nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch != nil {
		a.ch.Close()
	}
	if a.conn != nil {
		return a.conn.Close()
	}
	return nil
}
