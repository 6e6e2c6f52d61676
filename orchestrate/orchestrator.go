// Package orchestrate implements the Orchestrator of SPEC_FULL.md §4.2: it
// formats prompts, drives the rate limiter and retry policy, correlates
// per-request telemetry, and tracks batch progress milestones.
package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/codes"

	"github.com/flowmesh/orchestrator/config"
	"github.com/flowmesh/orchestrator/inference"
	"github.com/flowmesh/orchestrator/pricing"
	"github.com/flowmesh/orchestrator/progress"
	"github.com/flowmesh/orchestrator/ratelimit"
	"github.com/flowmesh/orchestrator/retrypolicy"
	"github.com/flowmesh/orchestrator/stats"
	"github.com/flowmesh/orchestrator/telemetry"
)

// ErrJSONSchemaUnsupported is returned when a caller requests a JSON
// schema for a model that does not declare json_schema support, per spec
// §4.2 "JSON schema compatibility".
var ErrJSONSchemaUnsupported = errors.New("orchestrate: model does not support json schema responses")

// Config configures a new Orchestrator.
type Config struct {
	// MaxTPM seeds the rate limiter's tokens-per-minute budget.
	MaxTPM int
	// InitialConcurrency seeds the rate limiter's starting capacity.
	InitialConcurrency int
	// RetryPolicy overrides the default fixed-attempt retry policy.
	RetryPolicy retrypolicy.Policy
	// Logger receives structured log lines. Defaults to a no-op logger.
	Logger telemetry.Logger
	// Metrics receives per-request counters and timers. Defaults to a
	// no-op recorder.
	Metrics telemetry.Metrics
	// Tracer opens a span around each remote request. Defaults to a
	// no-op tracer.
	Tracer telemetry.Tracer
}

// Orchestrator exposes ProcessSingle and ProcessBatch, per spec §4.2/§6.3.
type Orchestrator struct {
	client  inference.Client
	limiter *ratelimit.Limiter
	stats   *stats.Manager
	models  config.Models
	prices  pricing.Table
	policy  retrypolicy.Policy
	log     telemetry.Logger
	metrics telemetry.Metrics
	tracer  telemetry.Tracer

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// New constructs an Orchestrator. The rate limiter it builds internally is
// wired to statsManager via an Observer bridge so limiter events reach the
// global stats scope, per spec §4.3 "record_rate_limiter_event".
func New(client inference.Client, models config.Models, statsManager *stats.Manager, cfg Config) (*Orchestrator, error) {
	if client == nil {
		return nil, errors.New("orchestrate: client is required")
	}
	if statsManager == nil {
		return nil, errors.New("orchestrate: stats manager is required")
	}
	log := cfg.Logger
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		MaxTPM:             cfg.MaxTPM,
		InitialConcurrency: cfg.InitialConcurrency,
		Observer:           &rateLimiterStatsBridge{stats: statsManager},
	})
	if err != nil {
		return nil, err
	}

	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 && policy.Wait == 0 {
		policy = retrypolicy.DefaultPolicy()
	}

	return &Orchestrator{
		client:  client,
		limiter: limiter,
		stats:   statsManager,
		models:  models,
		prices:  pricing.NewTable(models),
		policy:  policy,
		log:     log,
		metrics: metrics,
		tracer:  tracer,
		schemas: make(map[string]*jsonschema.Schema),
	}, nil
}

// Close releases the orchestrator's rate limiter resources.
func (o *Orchestrator) Close() { o.limiter.Close() }

// GetStatsManager returns the stats manager backing this orchestrator, per
// spec §6.3 "get_stats_manager()".
func (o *Orchestrator) GetStatsManager() *stats.Manager { return o.stats }

// Option configures one call to ProcessSingle or ProcessBatch.
type Option func(*callOptions)

type callOptions struct {
	model       string
	jsonSchema  any
	customID    *string
	customIDs   []*string
	batchID     string
	kwargs      map[string]string
	temperature float32
	maxTokens   int
}

// WithModel selects the model identifier for the call. Required.
func WithModel(model string) Option { return func(o *callOptions) { o.model = model } }

// WithJSONSchema requests JSON-mode output validated against schema.
func WithJSONSchema(schema any) Option { return func(o *callOptions) { o.jsonSchema = schema } }

// WithCustomID sets the caller-chosen id for a ProcessSingle call.
func WithCustomID(id string) Option { return func(o *callOptions) { o.customID = &id } }

// WithCustomIDs sets per-item caller-chosen ids for a ProcessBatch call.
// Must be nil or exactly len(texts) long; nil entries are synthesized.
func WithCustomIDs(ids []*string) Option { return func(o *callOptions) { o.customIDs = ids } }

// WithBatchID overrides the batch id prefix for ProcessBatch.
func WithBatchID(id string) Option { return func(o *callOptions) { o.batchID = id } }

// WithTemplateArgs supplies additional named substitutions for the prompt
// template, beyond the mandatory {{text}} placeholder.
func WithTemplateArgs(kwargs map[string]string) Option {
	return func(o *callOptions) { o.kwargs = kwargs }
}

// WithTemperature sets the sampling temperature for the remote call.
func WithTemperature(t float32) Option { return func(o *callOptions) { o.temperature = t } }

// WithMaxTokens caps output tokens for the remote call.
func WithMaxTokens(n int) Option { return func(o *callOptions) { o.maxTokens = n } }

// ProcessSingle formats the prompt, executes one end-to-end request with
// retry, and emits per-request telemetry to the global scope only, per
// spec §4.2.
func (o *Orchestrator) ProcessSingle(ctx context.Context, text, template string, opts ...Option) (Outcome, error) {
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}

	if err := o.checkJSONSchemaCompatibility(co); err != nil {
		return Outcome{}, err
	}

	id := ""
	if co.customID != nil {
		id = *co.customID
	} else {
		id = "req_" + uuid.NewString()
	}

	prompt := formatPrompt(template, text, co.kwargs)
	outcome := o.executeItem(ctx, "", id, prompt, co)
	return outcome, nil
}

// BatchResult is the return value of ProcessBatch, per spec §4.2/§6.3.
type BatchResult struct {
	Results    []Outcome
	BatchStats stats.Snapshot
	BatchID    string
}

// ProcessBatch fans out one task per item, gated by the rate limiter, and
// awaits completion of all tasks before returning ordered results, per
// spec §4.2.
func (o *Orchestrator) ProcessBatch(ctx context.Context, texts []string, template string, opts ...Option) (BatchResult, error) {
	co := &callOptions{}
	for _, opt := range opts {
		opt(co)
	}

	if err := o.checkJSONSchemaCompatibility(co); err != nil {
		return BatchResult{}, err
	}

	items, err := buildItems(texts, co.customIDs)
	if err != nil {
		return BatchResult{}, err
	}

	batchID := mangleBatchID(co.batchID, time.Now().Unix())
	o.stats.StartBatch(batchID)

	if len(items) == 0 {
		snap, _ := o.stats.EndBatch(batchID)
		return BatchResult{Results: nil, BatchStats: snap, BatchID: batchID}, nil
	}

	tracker := progress.New(batchID, len(items), o.log)

	results := make([]Outcome, len(items))
	var wg sync.WaitGroup
	wg.Add(len(items))
	for _, item := range items {
		go func(item Item) {
			defer wg.Done()
			customID := resolveCustomID(batchID, item)
			prompt := formatPrompt(template, item.Text, co.kwargs)
			results[item.Index] = o.executeItem(ctx, batchID, customID, prompt, co)
			tracker.IncrementAndLog(ctx)
		}(item)
	}
	wg.Wait()

	snap, _ := o.stats.EndBatch(batchID)
	o.log.Info(ctx, "batch complete",
		"action", "batch_complete",
		"batch_id", batchID,
		"total", snap.TotalRequests,
		"successful", snap.SuccessfulRequests,
		"failed", snap.FailedRequests,
	)

	return BatchResult{Results: results, BatchStats: snap, BatchID: batchID}, nil
}

// checkJSONSchemaCompatibility performs the fail-fast check of spec §4.2:
// if a JSON schema was requested, the configured model must declare
// json_schema support, checked before any remote call is issued.
func (o *Orchestrator) checkJSONSchemaCompatibility(co *callOptions) error {
	if co.jsonSchema == nil {
		return nil
	}
	if !o.models.SupportsJSONSchema(co.model) {
		return ErrJSONSchemaUnsupported
	}
	return nil
}

// executeItem runs the per-item execution steps of spec §4.2 (1-8).
func (o *Orchestrator) executeItem(ctx context.Context, batchID, id, prompt string, co *callOptions) Outcome {
	start := time.Now()
	outcome := Outcome{ID: id, StartTimestamp: start}

	// traceID correlates this item's log lines across the rate limiter
	// wait, retry attempts, and final stats record, independent of the
	// caller-chosen id (which may repeat or be absent).
	traceID := uuid.NewString()

	if err := o.limiter.AwaitPermissionToProceed(ctx); err != nil {
		outcome.Success = false
		outcome.Error = err.Error()
		outcome.ErrorDetails = &ErrorDetails{Kind: "Canceled", Message: err.Error()}
		outcome.Attempts = 0
		return outcome
	}

	o.stats.RecordConcurrentStart(batchID)
	defer o.stats.RecordConcurrentEnd(batchID)

	o.log.Debug(ctx, "request started", "action", "request_start", "trace_id", traceID, "batch_id", batchID, "id", id, "model", co.model)

	ctx, span := o.tracer.Start(ctx, "orchestrate.request")
	defer span.End()

	var responseFormat *inference.ResponseFormat
	if co.jsonSchema != nil {
		responseFormat = &inference.ResponseFormat{Type: "json_object", JSONSchema: co.jsonSchema}
	}

	var (
		content     string
		usage       inference.Usage
		apiRespTime float64
	)

	attempts, retryErr := retrypolicy.Do(ctx, o.policy, func(ctx context.Context, attempt int) error {
		reqStart := time.Now()
		resp, callErr := o.client.Submit(ctx, inference.Request{
			Model:          co.model,
			Messages:       []inference.Message{{Role: "user", Content: prompt}},
			Temperature:    co.temperature,
			MaxTokens:      co.maxTokens,
			ResponseFormat: responseFormat,
		})
		apiRespTime = time.Since(reqStart).Seconds()

		if callErr != nil {
			if isRateLimit, wait := classifyRateLimit(callErr); isRateLimit {
				o.limiter.RecordAPIRateLimit(wait)
			}
			return callErr
		}

		content = resp.Content
		usage = resp.Usage
		return nil
	})

	outcome.Attempts = attempts
	outcome.APIResponseTime = apiRespTime

	success := retryErr == nil
	totalTokens := 0
	if success {
		outcome.Success = true
		outcome.Content = content
		outcome.InputTokens = usage.PromptTokens
		outcome.OutputTokens = usage.CompletionTokens
		outcome.CachedTokens = usage.CachedTokens
		outcome.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		outcome.Cost = o.prices.Cost(co.model, usage.PromptTokens, usage.CompletionTokens, usage.CachedTokens)
		totalTokens = outcome.TotalTokens

		if co.jsonSchema != nil {
			o.attachParsedContent(&outcome, co.model, co.jsonSchema)
		}
	} else {
		outcome.Success = false
		errType, errOutcome := classifyFailure(retryErr)
		outcome.Error = errOutcome
		outcome.ErrorDetails = &ErrorDetails{Kind: errType, Message: errOutcome, Stack: string(debug.Stack())}
	}

	o.limiter.RecordRequestCompletion(totalTokens, success)

	o.metrics.RecordTimer("orchestrate.request.duration", time.Duration(apiRespTime*float64(time.Second)), "model", co.model)
	if success {
		o.metrics.IncCounter("orchestrate.request.success", 1, "model", co.model)
		span.SetStatus(codes.Ok, "")
	} else {
		o.metrics.IncCounter("orchestrate.request.failure", 1, "model", co.model, "error_type", errorTypeOf(outcome.ErrorDetails))
		span.RecordError(retryErr)
		span.SetStatus(codes.Error, outcome.Error)
	}

	o.stats.RecordRequest(batchID, stats.RequestFields{
		Model:        co.model,
		Success:      success,
		ErrorType:    errorTypeOf(outcome.ErrorDetails),
		InputTokens:  outcome.InputTokens,
		OutputTokens: outcome.OutputTokens,
		CachedTokens: outcome.CachedTokens,
		APIRespTime:  apiRespTime,
		Attempts:     attempts,
	})

	o.log.Debug(ctx, "request finished", "action", "request_finish", "trace_id", traceID, "batch_id", batchID, "id", id, "success", success, "attempts", attempts)

	return outcome
}

func errorTypeOf(d *ErrorDetails) string {
	if d == nil {
		return ""
	}
	return d.Kind
}

// classifyFailure maps a retrypolicy error to an (error_type, message)
// pair, per spec §7: exhausted retries surface as "RetryError"; context
// cancellation surfaces as "Canceled".
func classifyFailure(err error) (kind, message string) {
	var exhausted *retrypolicy.ExhaustedError
	if errors.As(err, &exhausted) {
		last := exhausted.LastErr
		msg := ""
		if last != nil {
			msg = last.Error()
		}
		return "RetryError", msg
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled", err.Error()
	}
	return "UnknownError", err.Error()
}

// tryAgainPattern extracts a wait-time in seconds from messages of the
// form "... try again in 2s", per spec §4.2 step 4c.
var tryAgainPattern = regexp.MustCompile(`(?i)try again in\s*([0-9]+(?:\.[0-9]+)?)\s*s`)

// classifyRateLimit reports whether err represents a provider rate-limit
// rejection and, if so, the wait time to honor, per spec §4.2 step 4c.
func classifyRateLimit(err error) (bool, float64) {
	msg := err.Error()
	lower := strings.ToLower(msg)
	ie, hasTypedError := inference.AsError(err)

	isRateLimit := strings.Contains(lower, "rate limit")
	if hasTypedError && ie.Kind == inference.KindRateLimited {
		isRateLimit = true
	}
	if !isRateLimit {
		return false, 0
	}

	if hasTypedError && ie.RetryAfter > 0 {
		return true, ie.RetryAfter
	}
	if m := tryAgainPattern.FindStringSubmatch(msg); len(m) == 2 {
		if v, parseErr := strconv.ParseFloat(m[1], 64); parseErr == nil {
			return true, v
		}
	}
	return true, 60
}

// formatPrompt substitutes {{text}} and any named kwargs into template. A
// minimal named-placeholder substitution is used rather than the stdlib
// text/template engine, since the spec requires only single-value
// substitution and nothing here needs control flow or escaping rules.
func formatPrompt(template, text string, kwargs map[string]string) string {
	pairs := make([]string, 0, 2+2*len(kwargs))
	pairs = append(pairs, "{{text}}", text)
	for k, v := range kwargs {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// attachParsedContent attempts to parse outcome.Content as JSON when the
// caller requested a JSON schema. Parse failure is non-fatal: raw content
// is retained and the outcome stays successful, per spec §4.2 step 4b.
// When parsing succeeds, the parsed value is further checked against
// schema; the result of that check is discarded, so a mismatch neither
// fails the outcome nor is recorded on it.
func (o *Orchestrator) attachParsedContent(outcome *Outcome, model string, schema any) {
	var parsed any
	if err := json.Unmarshal([]byte(outcome.Content), &parsed); err != nil {
		return
	}
	outcome.ParsedContent = parsed

	compiled, err := o.compileSchema(schema)
	if err != nil {
		return
	}
	_ = compiled.Validate(parsed)
}

// compileSchema compiles and caches schema by its canonical JSON form, so
// repeated calls with the same schema across a batch compile it once.
func (o *Orchestrator) compileSchema(schema any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	o.schemaMu.Lock()
	defer o.schemaMu.Unlock()
	if compiled, ok := o.schemas[key]; ok {
		return compiled, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("mem://schema/%d", len(o.schemas))
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}
	o.schemas[key] = compiled
	return compiled, nil
}

// rateLimiterStatsBridge forwards ratelimit.Limiter events to the global
// stats scope, per spec §4.3. It is delivered via the limiter's own
// detached dispatcher goroutine, never from inside the limiter's lock.
type rateLimiterStatsBridge struct {
	stats *stats.Manager
}

func (b *rateLimiterStatsBridge) OnRateLimiterEvent(ev ratelimit.Event) {
	switch ev.Kind {
	case ratelimit.EventProactivePause:
		b.stats.RecordRateLimiterEvent(stats.EventProactivePause, "", ev.WaitTime, 0)
	case ratelimit.EventAPIRateLimitDetected:
		b.stats.RecordRateLimiterEvent(stats.EventAPIRateLimitDetected, "", ev.WaitTime, 0)
	case ratelimit.EventTokenUsageUpdate:
		b.stats.RecordRateLimiterEvent(stats.EventTokenUsageUpdate, "", 0, ev.TPM)
	case ratelimit.EventConcurrencyUpdate:
		b.stats.RecordRateLimiterEvent(stats.EventConcurrencyUpdate, "", 0, ev.Capacity)
	}
}

func (b *rateLimiterStatsBridge) OnDroppedEvent() {
	b.stats.RecordDroppedTelemetry("")
}
