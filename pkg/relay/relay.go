package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sipeed/larkrelay/pkg/bus"
	"github.com/sipeed/larkrelay/pkg/channels"
	"github.com/sipeed/larkrelay/pkg/config"
	"github.com/sipeed/larkrelay/pkg/logger"
	"github.com/sipeed/larkrelay/pkg/metrics"
)

const (
	StageClassify = "classify"
	StageGenerate = "generate"
	StageDispatch = "dispatch"
)

// Generator produces reply text for a prompt.
type Generator interface {
	GenerateReply(ctx context.Context, prompt string) (string, error)
}

// Dispatcher delivers a reply to the originating conversation.
type Dispatcher interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Ack is the HTTP acknowledgement for one webhook call.
type Ack struct {
	Status int
	Body   json.RawMessage
}

type StageResult struct {
	Stage    string
	Err      error
	Skipped  bool
	Duration time.Duration
}

func (s StageResult) result() string {
	switch {
	case s.Skipped:
		return "skipped"
	case s.Err != nil:
		return "error"
	default:
		return "ok"
	}
}

// Outcome records what happened while handling one webhook call.
type Outcome struct {
	CorrelationID string
	Event         channels.Event
	Prompt        string
	Reply         string
	Stages        []StageResult
}

// Stage returns the result recorded for name, if any.
func (o Outcome) Stage(name string) (StageResult, bool) {
	for _, s := range o.Stages {
		if s.Stage == name {
			return s, true
		}
	}
	return StageResult{}, false
}

// Relay runs classify, generate and dispatch for each inbound webhook body.
type Relay struct {
	config     config.RelayConfig
	normalizer *channels.EventNormalizer
	generator  Generator
	dispatcher Dispatcher
}

func New(cfg config.RelayConfig, normalizer *channels.EventNormalizer, generator Generator, dispatcher Dispatcher) *Relay {
	return &Relay{
		config:     cfg,
		normalizer: normalizer,
		generator:  generator,
		dispatcher: dispatcher,
	}
}

// Handle processes one webhook body. Every body that parses as JSON is
// acknowledged with 200, whatever happens downstream.
func (r *Relay) Handle(ctx context.Context, body []byte) (Ack, Outcome) {
	out := Outcome{CorrelationID: uuid.NewString()}

	start := time.Now()
	ev, err := r.normalizer.Classify(body)
	out.record(StageResult{Stage: StageClassify, Err: err, Duration: time.Since(start)})
	out.Event = ev

	if err != nil {
		metrics.IncWebhookEvent("malformed")
		logger.ErrorCF("relay", "Malformed webhook body", map[string]interface{}{
			"correlation_id": out.CorrelationID,
			"error":          err.Error(),
		})
		return acknowledge(ev, err), out
	}

	metrics.IncWebhookEvent(ev.Kind.String())
	logger.InfoCF("relay", "Webhook received", map[string]interface{}{
		"correlation_id": out.CorrelationID,
		"kind":           ev.Kind.String(),
		"reason":         ev.Reason,
		"message_id":     ev.Message.MessageID,
	})

	if ev.Kind != channels.EventMessage {
		out.record(StageResult{Stage: StageGenerate, Skipped: true})
		out.record(StageResult{Stage: StageDispatch, Skipped: true})
		return acknowledge(ev, nil), out
	}

	msg := ev.Message
	msg.CorrelationID = out.CorrelationID
	r.process(ctx, msg, &out)

	return acknowledge(ev, nil), out
}

// process runs generation and dispatch. Both stages outlive the inbound
// request and are bounded only by the configured stage timeout.
func (r *Relay) process(ctx context.Context, msg bus.InboundMessage, out *Outcome) {
	ctx = context.WithoutCancel(ctx)

	out.Prompt = msg.Content
	if out.Prompt == "" {
		out.Prompt = r.config.DefaultPrompt
	}

	fields := map[string]interface{}{
		"correlation_id": out.CorrelationID,
		"message_id":     msg.MessageID,
		"schema":         msg.Schema,
	}
	logger.DebugCF("relay", "User text", merge(fields, map[string]interface{}{"text": msg.Content}))

	reply, gen := r.runStage(ctx, StageGenerate, func(ctx context.Context) (string, error) {
		return r.generator.GenerateReply(ctx, out.Prompt)
	})
	out.record(gen)
	if gen.Err != nil {
		logger.ErrorCF("relay", "Completion failed, replying with apology", merge(fields, map[string]interface{}{
			"error": gen.Err.Error(),
		}))
		reply = r.config.ApologyText
	}
	out.Reply = reply

	_, disp := r.runStage(ctx, StageDispatch, func(ctx context.Context) (string, error) {
		return "", r.dispatcher.Send(ctx, bus.OutboundMessage{
			Channel:       msg.Channel,
			MessageID:     msg.MessageID,
			Content:       reply,
			CorrelationID: out.CorrelationID,
		})
	})
	out.record(disp)
	if disp.Err != nil {
		f := merge(fields, map[string]interface{}{"error": disp.Err.Error()})
		var de *channels.DispatchError
		if errors.As(disp.Err, &de) {
			f["code"] = de.Code
			f["log_id"] = de.LogID
		}
		logger.ErrorCF("relay", "Reply dispatch failed", f)
		return
	}

	logger.InfoCF("relay", "Reply sent", merge(fields, map[string]interface{}{
		"generate_ms": gen.Duration.Milliseconds(),
		"dispatch_ms": disp.Duration.Milliseconds(),
	}))
}

func (r *Relay) runStage(ctx context.Context, stage string, fn func(context.Context) (string, error)) (string, StageResult) {
	if t := r.config.StageTimeout(); t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	start := time.Now()
	v, err := fn(ctx)
	return v, StageResult{Stage: stage, Err: err, Duration: time.Since(start)}
}

func (o *Outcome) record(s StageResult) {
	o.Stages = append(o.Stages, s)
	metrics.ObserveStage(s.Stage, s.result(), s.Duration)
}

// acknowledge is the single place the HTTP answer is decided. It depends on
// the classification only, never on generation or dispatch.
func acknowledge(ev channels.Event, classifyErr error) Ack {
	if classifyErr != nil {
		return Ack{Status: http.StatusInternalServerError, Body: json.RawMessage(`{"code":-1}`)}
	}
	if ev.Kind == channels.EventChallenge {
		body, err := json.Marshal(map[string]json.RawMessage{"challenge": ev.Challenge})
		if err == nil {
			return Ack{Status: http.StatusOK, Body: body}
		}
	}
	return Ack{Status: http.StatusOK, Body: json.RawMessage(`{"code":0}`)}
}

func merge(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
