// Package controller provides agent type implementations for controllers.
package controller

import (
	"fmt"

	"github.com/tarsy-run/tarsy/pkg/agent"
	"github.com/tarsy-run/tarsy/pkg/config"
)

// Factory creates controllers by agent type.
// Implements agent.ControllerFactory.
type Factory struct{}

// NewFactory creates a new controller factory.
func NewFactory() *Factory {
	return &Factory{}
}

// CreateController builds a Controller for the given agent type, routing
// primarily on the resolved iteration strategy. Scoring agents always get
// the dedicated ScoringController regardless of strategy.
func (f *Factory) CreateController(agentType config.AgentType, execCtx *agent.ExecutionContext) (agent.Controller, error) {
	if agentType == config.AgentTypeScoring {
		return NewScoringController(), nil
	}

	switch execCtx.Config.IterationStrategy {
	case config.IterationStrategyReact, config.IterationStrategyReactTools, config.IterationStrategyReactFinalAnalysis:
		return NewReActController(), nil
	case config.IterationStrategyNativeThinking:
		return NewNativeThinkingController(), nil
	case config.IterationStrategyLangChain:
		return NewIteratingController(), nil
	case config.IterationStrategySynthesis, config.IterationStrategySynthesisNativeThinking:
		return NewSynthesisController(execCtx.PromptBuilder), nil
	default:
		return nil, fmt.Errorf("unknown iteration strategy: %q", execCtx.Config.IterationStrategy)
	}
}
