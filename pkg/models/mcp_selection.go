package models

import "fmt"

// MCPServerSelection represents a selected MCP server with optional tool filtering
type MCPServerSelection struct {
	Name  string   `json:"name"`            // MCP server ID
	Tools []string `json:"tools,omitempty"` // Specific tools, empty = all tools
}

// NativeToolsConfig configures native LLM provider tools
type NativeToolsConfig struct {
	GoogleSearch  *bool `json:"google_search,omitempty"`   // nil = provider default
	CodeExecution *bool `json:"code_execution,omitempty"`  // nil = provider default
	URLContext    *bool `json:"url_context,omitempty"`     // nil = provider default
}

// MCPSelectionConfig is the per-alert MCP override configuration
type MCPSelectionConfig struct {
	Servers     []MCPServerSelection `json:"servers"`
	NativeTools *NativeToolsConfig   `json:"native_tools,omitempty"`
}

// ParseMCPSelectionConfig decodes the raw alert-payload "mcp_selection" map
// into a typed MCPSelectionConfig. A nil or empty map means no override was
// requested and returns (nil, nil). A map that names no servers is rejected:
// an override with zero servers would silently disable all tool access.
func ParseMCPSelectionConfig(raw map[string]interface{}) (*MCPSelectionConfig, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	cfg := &MCPSelectionConfig{}

	rawServers, _ := raw["servers"].([]interface{})
	for _, item := range rawServers {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := m["name"].(string)
		sel := MCPServerSelection{Name: name}
		if rawTools, ok := m["tools"].([]interface{}); ok {
			for _, t := range rawTools {
				if s, ok := t.(string); ok {
					sel.Tools = append(sel.Tools, s)
				}
			}
		}
		cfg.Servers = append(cfg.Servers, sel)
	}

	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("MCP selection must have at least one server")
	}

	if rawNative, ok := raw["native_tools"].(map[string]interface{}); ok {
		native := &NativeToolsConfig{}
		if v, ok := rawNative["google_search"].(bool); ok {
			native.GoogleSearch = &v
		}
		if v, ok := rawNative["code_execution"].(bool); ok {
			native.CodeExecution = &v
		}
		if v, ok := rawNative["url_context"].(bool); ok {
			native.URLContext = &v
		}
		cfg.NativeTools = native
	}

	return cfg, nil
}
