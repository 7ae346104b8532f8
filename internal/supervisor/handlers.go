package supervisor

import (
	"context"

	"github.com/tars-project/router-core/internal/dispatcher"
	"github.com/tars-project/router-core/internal/envelope"
	"github.com/tars-project/router-core/internal/policy"
	"github.com/tars-project/router-core/internal/stream"
	"github.com/tars-project/router-core/internal/wake"
)

// bindHandlers registers the core dispatcher bindings: transcript
// intake, wake input, stream assembly, and TTS status. Health
// observation is not a dispatcher binding (see below).
func (s *Supervisor) bindHandlers() {
	s.dispatcher.Bind("stt/final", s.handleSTTFinal)
	s.dispatcher.Bind("stt/partial", s.handleSTTPartial)
	s.dispatcher.Bind("wake/event", s.handleWakeEvent)
	s.dispatcher.Bind("llm/stream", s.handleLLMStream)
	s.dispatcher.Bind("llm/response", s.handleLLMResponse)
	s.dispatcher.Bind("llm/cancel", s.handleLLMCancel)
	s.dispatcher.Bind("tts/status", s.handleTTSStatus)
	// system/health/+ is deliberately not bound here: it is routed
	// directly from the broker handler in New, bypassing the
	// dispatcher's dedup cache entirely, because retained-message
	// redelivery on reconnect is exactly the signal the health
	// registry needs to see, not noise to suppress.
}

func (s *Supervisor) handleSTTFinal(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	var data envelope.STTFinal
	if err := envelope.UnmarshalData(env, &data); err != nil {
		dctx.Logger.Warn("supervisor: decode stt.final", "error", err)
		return
	}

	s.machine.Send(wake.Event{Kind: wake.EventSTTFinal})

	wakeView := policy.WakeView{Open: s.machine.State() != wake.Idle}
	healthView := policy.HealthView{
		LLMHealthy: s.registry.IsHealthy("llm"),
		TTSHealthy: s.registry.IsHealthy("tts"),
	}

	decision := s.engine.Route(env.ID, data.Text, wakeView, healthView)
	dctx.Logger.Debug("supervisor: routing decision", "action", decision.Action, "reason", decision.Reason)

	switch decision.Action {
	case policy.ActionDrop:
		return
	case policy.ActionDirectTTS:
		s.publishTTSSay(ctx, dctx, env.Correlate, decision.Payload, true)
		if decision.AlsoCancel {
			s.cancelActiveResponse(ctx)
		}
	case policy.ActionForwardLLM:
		s.setActiveCorrelate(env.Correlate)
		s.publishLLMRequest(ctx, dctx, env.Correlate, data.Text)
	}
}

func (s *Supervisor) handleSTTPartial(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	s.machine.Send(wake.Event{Kind: wake.EventSTTFinal})
}

func (s *Supervisor) handleWakeEvent(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	var data envelope.WakeEvent
	if err := envelope.UnmarshalData(env, &data); err != nil {
		dctx.Logger.Warn("supervisor: decode wake.event", "error", err)
		return
	}
	if data.Type != envelope.WakeEventWake {
		return
	}
	if s.cfg.WakeAlwaysListen {
		return
	}
	if s.machine.State() == wake.Responding && s.machine.InterruptWindowOpen() {
		s.machine.Send(wake.Event{Kind: wake.EventInterruptSpeech})
		return
	}
	s.machine.Send(wake.Event{Kind: wake.EventWake})
}

func (s *Supervisor) handleLLMStream(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	var data envelope.LLMStream
	if err := envelope.UnmarshalData(env, &data); err != nil {
		dctx.Logger.Warn("supervisor: decode llm.stream", "error", err)
		return
	}
	if s.machine.State() == wake.Listening {
		s.machine.Send(wake.Event{Kind: wake.EventResponseStart})
	}
	s.assembler.Feed(ctx, env.Correlate, data.Seq, data.Delta, data.Final)
	if data.Final {
		s.setActiveCorrelate("")
	}
}

func (s *Supervisor) handleLLMResponse(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	var data envelope.LLMMessage
	if err := envelope.UnmarshalData(env, &data); err != nil {
		dctx.Logger.Warn("supervisor: decode llm.response", "error", err)
		return
	}
	if s.machine.State() == wake.Listening {
		s.machine.Send(wake.Event{Kind: wake.EventResponseStart})
	}
	s.assembler.Feed(ctx, env.Correlate, 0, data.Content, true)
	s.setActiveCorrelate("")
}

func (s *Supervisor) handleLLMCancel(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	if s.assembler.Cancel(env.Correlate) {
		s.publishTTSControlStop(ctx, env.Correlate)
	}
	if s.activeCorrelate() == env.Correlate {
		s.setActiveCorrelate("")
	}
}

func (s *Supervisor) handleTTSStatus(ctx context.Context, dctx dispatcher.Ctx, topic string, env envelope.Envelope) {
	var data envelope.TTSStatus
	if err := envelope.UnmarshalData(env, &data); err != nil {
		dctx.Logger.Warn("supervisor: decode tts.status", "error", err)
		return
	}
	switch data.Event {
	case "speaking_start":
		s.machine.Send(wake.Event{Kind: wake.EventResponseStart})
	case "speaking_end":
		s.machine.Send(wake.Event{Kind: wake.EventResponseDone})
	}
}

// dispatchHealthDirect handles every system/health/+ publish straight
// off the broker callback, never through dispatcher.Dispatch: the
// dispatcher's dedup cache would suppress a retained message
// redelivered with its original envelope id on reconnect, which is
// exactly the arrival the health registry must not miss.
func (s *Supervisor) dispatchHealthDirect(topic string, payload []byte) {
	if s.metrics != nil {
		s.metrics.MessagesReceived.WithLabelValues(topic).Inc()
	}
	service := serviceFromHealthTopic(topic)
	if service == "" || service == "router" {
		return
	}
	env, err := envelope.Decode(payload)
	if err != nil {
		s.logger.Warn("supervisor: decode health.status envelope", "topic", topic, "error", err)
		return
	}
	var data envelope.HealthStatus
	if err := envelope.UnmarshalData(env, &data); err != nil {
		s.logger.Warn("supervisor: decode health.status data", "topic", topic, "error", err)
		return
	}
	s.registry.Observe(service, data.OK, data.Event, data.Err)
	if s.metrics != nil {
		s.metrics.MessagesDispatched.WithLabelValues(topic).Inc()
	}
}

func (s *Supervisor) publishLLMRequest(ctx context.Context, dctx dispatcher.Ctx, correlate, text string) {
	payload, _, err := envelope.Encode(envelope.TypeLLMRequest, envelope.LLMRequest{
		Messages: []envelope.LLMMessage{{Role: "user", Content: text}},
	}, correlate)
	if err != nil {
		dctx.Logger.Error("supervisor: encode llm.request", "error", err)
		return
	}
	if err := s.publish(ctx, "llm/request", payload, 1, false); err != nil {
		dctx.Logger.Warn("supervisor: publish llm.request", "error", err)
	}
}

func (s *Supervisor) publishTTSSay(ctx context.Context, dctx dispatcher.Ctx, correlate, text string, isLast bool) {
	payload, _, err := envelope.Encode(envelope.TypeTTSSay, envelope.TTSSay{
		Text:        text,
		IsLast:      isLast,
		UtteranceID: envelope.NewID(),
	}, correlate)
	if err != nil {
		dctx.Logger.Error("supervisor: encode tts.say", "error", err)
		return
	}
	if err := s.publish(ctx, "tts/say", payload, 1, false); err != nil {
		dctx.Logger.Warn("supervisor: publish tts.say", "error", err)
	}
}

// ttsSink adapts the stream assembler's flushed chunks onto tts/say
// publishes, implementing stream.Sink without the assembler package
// needing to know about the broker.
type ttsSink struct {
	s *Supervisor
}

func (t *ttsSink) Send(ctx context.Context, c stream.Chunk) error {
	payload, _, err := envelope.Encode(envelope.TypeTTSSay, envelope.TTSSay{
		Text:        c.Text,
		IsLast:      c.IsLast,
		UtteranceID: c.UtteranceID,
	}, c.Correlate)
	if err != nil {
		return err
	}
	return t.s.publish(ctx, "tts/say", payload, 1, false)
}
