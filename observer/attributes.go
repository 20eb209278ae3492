package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")

	AttrTokensInput    = attribute.Key("llm.tokens.input")
	AttrTokensOutput   = attribute.Key("llm.tokens.output")
	AttrTokensThinking = attribute.Key("llm.tokens.thinking")
	AttrCostUSD        = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrEmbedDimensions = attribute.Key("llm.embed.dimensions")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrRunSource = attribute.Key("run.source")
	AttrRunStatus = attribute.Key("run.status")
)
