package observability

const (
	AttrServiceName  = "service.name"
	AttrTenantID     = "tenant.id"
	AttrSessionID    = "session.id"
	AttrAgentName    = "agent.name"
	AttrToolName     = "tool.name"
	AttrInvocationID = "invocation.id"
	AttrModelName    = "model.name"
	AttrStepIndex    = "step.index"
	AttrStateFrom    = "state.from"
	AttrStateTo      = "state.to"
	AttrTokensInput  = "model.tokens.input"
	AttrTokensOutput = "model.tokens.output"
	AttrErrorType    = "error.type"

	SpanTransition     = "session.transition"
	SpanAgentTurn      = "agent.turn"
	SpanModelRequest   = "model.request"
	SpanToolInvocation = "tool.invoke"
	SpanCheckpointSave = "checkpoint.save"
	SpanMemorySearch   = "memory.search"

	DefaultServiceName  = "priam"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"
)
