package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"guardian/pkg/cmdqueue"
	"guardian/pkg/custody"
	"guardian/pkg/httpx"
	"guardian/pkg/incident"
	"guardian/pkg/metrics"
	"guardian/pkg/models"
	"guardian/pkg/policy"
	"guardian/pkg/store"
	"guardian/pkg/stream"
	"guardian/pkg/telemetry"
	"guardian/pkg/threatbus"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
)

// Worker drains the classifier's threat topic and runs each event
// through the same ingestion pipeline the gateway uses for device
// reports, so both entry points produce identical incidents, chains
// and commands.
type Worker struct {
	Bus      threatbus.Consumer
	Pipeline *incident.Pipeline
	Metrics  *metrics.Registry
	Ledger   custody.Ledger

	RetryDelay time.Duration

	HTTPClient     *http.Client
	PushWebhookURL string
	PushRetries    int
	PushRetryDelay time.Duration
}

type workerDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type workerDBCloser interface {
	workerDB
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

type workerInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type workerOpenDBFunc func(ctx context.Context) (workerDBCloser, error)
type workerOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type workerNewConsumerFunc func() (threatbus.Consumer, error)
type workerListenFunc func(server *http.Server) error

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryW = telemetry.Init
	openDBFnW      = func(ctx context.Context) (workerDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnW   = store.NewRedis
	newConsumerFnW = func() (threatbus.Consumer, error) {
		return threatbus.NewKafkaConsumer(threatbus.ConfigFromEnv())
	}
	listenFnW = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runWorker(context.Background(), initTelemetryW, openDBFnW, openRedisFnW, newConsumerFnW, listenFnW); err != nil {
		logFatalf("threatworker: %v", err)
	}
}

func runWorker(
	ctx context.Context,
	initTelemetry workerInitTelemetryFunc,
	openDB workerOpenDBFunc,
	openRedis workerOpenRedisFunc,
	newConsumer workerNewConsumerFunc,
	listen workerListenFunc,
) error {
	shutdown, err := initTelemetry(ctx, "guardian-threatworker")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory dedup: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	consumer, err := newConsumer()
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}
	defer consumer.Close()

	ledger := &custody.Postgres{DB: pool}
	queue := &cmdqueue.Postgres{DB: pool}
	incidents := &incident.PostgresStore{DB: pool}
	protocols := &policy.PostgresStore{DB: pool}
	engine := policy.NewEngine(protocols, policy.Config{
		TieBreak: policy.TieBreak(env("POLICY_TIE_BREAK", string(policy.TieBreakHighestSeverity))),
	})

	unit := &incident.PostgresUnit{DB: pool}
	pipeline := incident.NewPipeline(unit, incidents, ledger, queue, engine, store.NewCache(ctx, redisClient))
	pipeline.CommandTTL = time.Second * time.Duration(envInt("COMMAND_TTL_SEC", 300))
	if window := envInt("INCIDENT_DEDUP_WINDOW_SEC", 0); window > 0 {
		pipeline.DedupWindow = time.Second * time.Duration(window)
	}

	w := &Worker{
		Bus:            consumer,
		Pipeline:       pipeline,
		Metrics:        metrics.NewRegistry(),
		Ledger:         ledger,
		RetryDelay:     time.Millisecond * time.Duration(envInt("BUS_RETRY_DELAY_MS", 500)),
		HTTPClient:     telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("PUSH_TIMEOUT_MS", 3000))}),
		PushWebhookURL: env("PUSH_WEBHOOK_URL", ""),
		PushRetries:    envInt("PUSH_RETRIES", 1),
		PushRetryDelay: time.Millisecond * time.Duration(envInt("PUSH_RETRY_DELAY_MS", 50)),
	}
	pipeline.Metrics = w.Metrics
	if w.PushWebhookURL != "" {
		pipeline.Notify = w.notifyDevice
	}

	go w.consume(ctx)

	r := chi.NewRouter()
	r.Get("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(rw, 200, map[string]string{"status": "ok", "service": "threatworker"})
	})
	r.Get("/metricsz", w.Metrics.Handler())
	r.Get("/metrics/prometheus", w.Metrics.PrometheusHandler())

	addr := env("ADDR", ":8081")
	log.Printf("threatworker listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// consume is the worker's main loop. Read errors back off and retry;
// undecodable messages are poison and are logged and skipped, never
// retried.
func (w *Worker) consume(ctx context.Context) {
	delay := w.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	for {
		msg, err := w.Bus.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("threat bus read error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg threatbus.Message) {
	evt, err := threatbus.DecodeThreatEvent(msg)
	if err != nil {
		log.Printf("threat bus poison message: %v", err)
		return
	}
	w.Metrics.IncThreatEventsConsumed()
	out, err := w.Pipeline.Ingest(ctx, incident.Report{
		FamilyID:     evt.FamilyID,
		DeviceID:     evt.DeviceID,
		IncidentType: evt.IncidentType,
		Severity:     evt.Severity,
		Confidence:   evt.Confidence,
		Actor:        "classifier",
	})
	if err != nil {
		log.Printf("threat ingest failed family=%s device=%s: %v", evt.FamilyID, evt.DeviceID, err)
		return
	}
	if out.Deduped {
		log.Printf("threat deduped incident=%s device=%s", out.Incident.IncidentID, evt.DeviceID)
		return
	}
	log.Printf("threat ingested incident=%s device=%s commands=%d", out.Incident.IncidentID, evt.DeviceID, len(out.Commands))
}

// notifyDevice nudges the device over the push webhook so bus-sourced
// incidents are picked up as fast as gateway-sourced ones. The worker
// holds no stream connections, so the webhook is the only channel.
func (w *Worker) notifyDevice(inc models.Incident) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	payload, _ := json.Marshal(map[string]string{
		"device_id": inc.DeviceID,
		"family_id": inc.FamilyID,
		"hint":      stream.EventCommandsPending,
	})
	status, _, err := httpx.RequestJSON(ctx, w.HTTPClient, http.MethodPost, w.PushWebhookURL, payload, nil, w.PushRetries, w.PushRetryDelay)
	if err == nil && status < 300 {
		w.recordPushOutcome(ctx, inc, custody.KeyPushSignalSent)
		return
	}
	w.recordPushOutcome(ctx, inc, custody.KeyPushSignalFailed)
}

func (w *Worker) recordPushOutcome(ctx context.Context, inc models.Incident, key string) {
	outcome := "delivered"
	if key == custody.KeyPushSignalFailed {
		outcome = "failed"
	}
	w.Metrics.IncPushSignal(outcome)
	body, _ := json.Marshal(map[string]string{"channel": "push"})
	if _, err := w.Ledger.Append(ctx, custody.Event{
		FamilyID:   inc.FamilyID,
		IncidentID: inc.IncidentID,
		DeviceID:   inc.DeviceID,
		Actor:      "threatworker",
		EventKey:   key,
		EventJSON:  body,
	}); err == nil {
		w.Metrics.IncCustodyEvent(key)
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
