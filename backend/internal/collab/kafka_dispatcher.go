package collab

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// KafkaDispatcher publishes revision events through bounded local queues,
// one per worker, with limited retry. An object always maps to the same
// worker, so its events are sent in commit order. Enqueue never blocks the
// commit path for longer than its ctx allows; when Kafka stalls the queues
// absorb the backlog and drop once full.
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queues []chan RevisionEvent
	wg     sync.WaitGroup
	once   sync.Once

	// sem bounds concurrent SendMessage calls.
	kafkaSem *SemaphoreControl

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queues:      make([]chan RevisionEvent, opt.Workers),
		kafkaSem:    kafkaSem,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}
	for i := range d.queues {
		d.queues[i] = make(chan RevisionEvent, opt.QueueSize)
	}

	d.start()
	return d
}

// Enqueue puts evt on its object's queue, waiting at most until ctx is
// done. Events are best effort; a timeout only loses the notification.
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt RevisionEvent) error {
	select {
	case d.queues[d.shard(evt.ObjectID)] <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shard picks the worker queue for objectID.
func (d *KafkaDispatcher) shard(objectID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(objectID))
	return int(h.Sum32() % uint32(len(d.queues)))
}

func (d *KafkaDispatcher) start() {
	for i := range d.queues {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close stops accepting events and waits for the queues to drain.
func (d *KafkaDispatcher) Close() {
	d.once.Do(func() {
		for _, q := range d.queues {
			close(q)
		}
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queues[workerID] {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt RevisionEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// workers may wait here indefinitely; this is off the commit path
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			log.Printf("kafka send failed, drop event object=%s rev=%d worker=%d err=%v",
				evt.ObjectID, evt.RevID, workerID, err)
			return
		}

		// exponential backoff, capped
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt RevisionEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		// keyed by object so one document's revisions stay in one partition, in order
		Key:   sarama.StringEncoder(evt.ObjectID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
