package config

// IterationStrategy selects the loop pattern a stage or agent uses to reach
// completion: a ReAct-style text loop, a native function-calling loop, or a
// single-shot synthesis/analysis call.
type IterationStrategy string

const (
	// IterationStrategyReact drives the agent through a full Reason-Act-Observe
	// loop with tools, terminating on a parsed Final Answer.
	IterationStrategyReact IterationStrategy = "react"

	// IterationStrategyReactTools is identical to react but terminates by
	// emitting a structured data summary instead of a final answer. Used for
	// non-final pipeline stages that hand off to a later stage.
	IterationStrategyReactTools IterationStrategy = "react-tools"

	// IterationStrategyReactFinalAnalysis receives no tools; it reads the
	// accumulated prior-stage outputs and produces the session's final
	// analysis directly.
	IterationStrategyReactFinalAnalysis IterationStrategy = "react-final-analysis"

	// IterationStrategyNativeThinking uses the LLM provider's native
	// function-calling and thinking support instead of text-parsed ReAct.
	IterationStrategyNativeThinking IterationStrategy = "native-thinking"

	// IterationStrategyLangChain routes LLM calls through the LangChain
	// multi-provider backend instead of a provider-native SDK.
	IterationStrategyLangChain IterationStrategy = "langchain"

	// IterationStrategySynthesis is a single-shot call that merges parallel
	// sub-agent or stage results into one analysis, without tools.
	IterationStrategySynthesis IterationStrategy = "synthesis"

	// IterationStrategySynthesisNativeThinking is IterationStrategySynthesis
	// routed through the native-thinking backend.
	IterationStrategySynthesisNativeThinking IterationStrategy = "synthesis-native-thinking"
)

// IsValid reports whether the strategy is one of the recognized values.
func (s IterationStrategy) IsValid() bool {
	switch s {
	case IterationStrategyReact,
		IterationStrategyReactTools,
		IterationStrategyReactFinalAnalysis,
		IterationStrategyNativeThinking,
		IterationStrategyLangChain,
		IterationStrategySynthesis,
		IterationStrategySynthesisNativeThinking:
		return true
	default:
		return false
	}
}

// ResolveBackend maps an iteration strategy to the LLM backend it runs on.
// native-thinking and its synthesis variant use the Google-native SDK path;
// everything else uses LangChain's multi-provider path.
func ResolveBackend(strategy IterationStrategy) string {
	switch strategy {
	case IterationStrategyNativeThinking, IterationStrategySynthesisNativeThinking:
		return "google-native"
	default:
		return "langchain"
	}
}
