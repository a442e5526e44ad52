// Package kafka records Kafka topics into a journal. Each topic is one
// logical stream: the first record seen for a topic opens a recording
// session (SUBSCRIBE), and every record after that is appended as a
// NEXT emission carrying the record value.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"rxjournal/internal/hashroute"
	"rxjournal/internal/recorder"
)

// Recorder opens a recording session per filter. Satisfied by
// *recorder.Recorder.
type Recorder interface {
	Subscribe(ctx context.Context, filter string) (*recorder.Session, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	LaneCount      int
	MaxPollRecords int
	QueueCapacity  int
	Auth           AuthConfig
	Fetch          FetchConfig
}

type AuthConfig struct {
	TLS TLSConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

// Adapter consumes topics and appends their records to the journal.
// Offsets are committed only after the append is durable, so a crash
// replays uncommitted records instead of losing them.
type Adapter struct {
	cfg Config
	log *zap.Logger

	client *kgo.Client
	lanes  []chan *kgo.Record
	acks   chan recordAck
	closed atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	rec            Recorder
	markCommit     func(*kgo.Record)
	commitMarked   func(context.Context) error
	pauseFetch     func(...string)
	resumeFetch    func(...string)
	poll           func(context.Context, int) kgo.Fetches
	allowRebalance func()
	closeClient    func()
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, rec Recorder, log *zap.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:    cfg,
		log:    log,
		client: cl,
		rec:    rec,
		lanes:  make([]chan *kgo.Record, cfg.LaneCount),
		acks:   make(chan recordAck, cfg.QueueCapacity),
	}
	for i := range a.lanes {
		a.lanes[i] = make(chan *kgo.Record, cfg.QueueCapacity)
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	a.poll = func(ctx context.Context, n int) kgo.Fetches { return cl.PollRecords(ctx, n) }
	a.allowRebalance = cl.AllowRebalance
	a.closeClient = cl.Close
	return a, nil
}

func (c *Config) withDefaults() {
	if c.LaneCount <= 0 {
		c.LaneCount = hashroute.DefaultLaneCount
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

// Start polls the brokers until ctx is cancelled or Stop is called.
// Records are routed to lanes by topic, so the journal preserves each
// topic's broker order while topics interleave freely.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.closeClient()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ackWG, laneWG sync.WaitGroup
	ackWG.Add(1)
	go func() {
		defer ackWG.Done()
		a.handleAcks(ctx)
	}()

	for i := range a.lanes {
		laneWG.Add(1)
		go func(lane <-chan *kgo.Record) {
			defer laneWG.Done()
			a.runLane(ctx, lane)
		}(a.lanes[i])
	}

	// Every exit path closes the lanes and waits for them, so open
	// sessions get their UNSUBSCRIBE appended. The ack loop is stopped
	// only after the lanes drain.
	shutdown := func() {
		for _, lane := range a.lanes {
			close(lane)
		}
		laneWG.Wait()
		cancel()
		ackWG.Wait()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			shutdown()
			return ctx.Err()
		}
		fetches := a.poll(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			shutdown()
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				lane := a.lanes[hashroute.LaneForFilter(rec.Topic, a.cfg.LaneCount)]
				for {
					select {
					case lane <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.allowRebalance()
	}
}

// Stop makes Start return after the in-flight records drain.
func (a *Adapter) Stop() {
	a.closed.Store(true)
}

func (a *Adapter) runLane(ctx context.Context, lane <-chan *kgo.Record) {
	sessions := make(map[string]*recorder.Session)
	defer func() {
		for _, s := range sessions {
			if !s.Done() {
				_ = s.Unsubscribe(context.WithoutCancel(ctx))
			}
		}
	}()
	for rec := range lane {
		s, ok := sessions[rec.Topic]
		if !ok {
			var err error
			s, err = a.rec.Subscribe(ctx, rec.Topic)
			if err != nil {
				a.log.Error("subscribe failed", zap.String("topic", rec.Topic), zap.Error(err))
				a.acks <- recordAck{record: rec, err: err}
				continue
			}
			sessions[rec.Topic] = s
		}
		err := s.Next(ctx, rec.Value)
		if s.Done() {
			// A failed session rejects everything after the first bad
			// append. Drop it so the broker's redelivery of the
			// uncommitted record reopens the stream.
			delete(sessions, rec.Topic)
		}
		a.acks <- recordAck{record: rec, err: err}
	}
}

func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil {
				a.log.Warn("record not committed",
					zap.String("topic", ack.record.Topic),
					zap.Int64("offset", ack.record.Offset),
					zap.Error(ack.err))
				continue
			}
			a.markCommit(ack.record)
			_ = a.commitMarked(ctx)
		}
	}
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
