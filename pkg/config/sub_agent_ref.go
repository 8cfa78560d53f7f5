package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// SubAgentRef names an agent eligible for orchestrator dispatch, with
// optional per-reference overrides layered on top of the referenced agent's
// own AgentConfig when it is dispatched as a sub-agent.
type SubAgentRef struct {
	Name          string
	LLMProvider   string
	LLMBackend    LLMBackend
	MaxIterations *int
	MCPServers    []string
}

// SubAgentRefs is a sub_agents list attached to a chain, stage, or
// stage-agent. Each entry is either a bare agent name (short form) or a
// mapping with a required "name" and optional overrides (long form).
type SubAgentRefs []SubAgentRef

// Names returns the referenced agent names, in declaration order.
func (r SubAgentRefs) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, len(r))
	for i, ref := range r {
		names[i] = ref.Name
	}
	return names
}

// UnmarshalYAML decodes a sub_agents sequence, accepting plain strings and
// override mappings interchangeably within the same list.
func (r *SubAgentRefs) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("sub_agents must be a sequence, got %s", node.Tag)
	}

	refs := make(SubAgentRefs, 0, len(node.Content))
	for i, item := range node.Content {
		ref, err := decodeSubAgentRef(item)
		if err != nil {
			return fmt.Errorf("sub_agents[%d]: %w", i, err)
		}
		refs = append(refs, ref)
	}
	*r = refs
	return nil
}

func decodeSubAgentRef(node *yaml.Node) (SubAgentRef, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag != "!!str" {
			return SubAgentRef{}, fmt.Errorf("expected string, got %s", node.Tag)
		}
		return SubAgentRef{Name: node.Value}, nil

	case yaml.MappingNode:
		var ref SubAgentRef
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			val := node.Content[i+1]

			switch key.Value {
			case "name":
				if err := val.Decode(&ref.Name); err != nil {
					return SubAgentRef{}, fmt.Errorf("name: %w", err)
				}
			case "llm_provider":
				if err := val.Decode(&ref.LLMProvider); err != nil {
					return SubAgentRef{}, fmt.Errorf("llm_provider: %w", err)
				}
			case "llm_backend":
				var backend string
				if err := val.Decode(&backend); err != nil {
					return SubAgentRef{}, fmt.Errorf("llm_backend: %w", err)
				}
				ref.LLMBackend = LLMBackend(backend)
			case "max_iterations":
				var n int
				if err := val.Decode(&n); err != nil {
					return SubAgentRef{}, fmt.Errorf("max_iterations: %w", err)
				}
				ref.MaxIterations = &n
			case "mcp_servers":
				if err := val.Decode(&ref.MCPServers); err != nil {
					return SubAgentRef{}, fmt.Errorf("mcp_servers: %w", err)
				}
			default:
				return SubAgentRef{}, fmt.Errorf("unknown field %q", key.Value)
			}
		}
		if ref.Name == "" {
			return SubAgentRef{}, fmt.Errorf("name is required")
		}
		return ref, nil

	default:
		return SubAgentRef{}, fmt.Errorf("expected string or mapping, got %s", node.Tag)
	}
}
