// Package automation publishes workflow graphs, matches telemetry to workflows and executes runs.
package automation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Node types understood by the executor.
const (
	NodeTelemetryTrigger = "telemetry-trigger"
	NodeScheduleTrigger  = "schedule-trigger"
	NodeCondition        = "condition"
	NodeCommand          = "command"
	NodeQuery            = "query"
	NodeAlert            = "alert"
)

// Command payload modes.
const (
	PayloadModeJSON       = "json"
	PayloadModeSchemaForm = "schema_form"
)

var ErrInvalidGraph = errors.New("automation: invalid workflow graph")

// Graph is the node/edge document stored on a workflow version.
type Graph struct {
	Version  int            `json:"version"`
	Nodes    []Node         `json:"nodes"`
	Edges    []Edge         `json:"edges"`
	Viewport map[string]any `json:"viewport,omitempty"`
}

// Node is one graph vertex. Config is decoded lazily by node type.
type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

type NodeData struct {
	Label  string          `json:"label,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

type Edge struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// ID is a positive identifier that may be written as a number or a digit string.
type ID uint64

func (id *ID) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if raw == "" || raw == "null" {
		*id = 0
		return nil
	}
	parsed, errParse := strconv.ParseUint(raw, 10, 64)
	if errParse != nil {
		if f, errFloat := strconv.ParseFloat(raw, 64); errFloat == nil && f > 0 && f == float64(uint64(f)) {
			*id = ID(uint64(f))
			return nil
		}
		*id = 0
		return nil
	}
	*id = ID(parsed)
	return nil
}

// TriggerConfig is the config of telemetry-trigger and schedule-trigger nodes.
type TriggerConfig struct {
	Mode   string `json:"mode"`
	Source struct {
		DeviceID              ID `json:"device_id"`
		TopicID               ID `json:"topic_id"`
		ParameterDefinitionID ID `json:"parameter_definition_id"`
	} `json:"source"`
	Filter   json.RawMessage `json:"filter,omitempty"`
	Cron     string          `json:"cron,omitempty"`
	Timezone string          `json:"timezone,omitempty"`
}

// ConditionConfig holds the expression of a condition node.
type ConditionConfig struct {
	JSONLogic json.RawMessage `json:"json_logic"`
}

// CommandConfig describes the device command sent by a command node.
type CommandConfig struct {
	Target struct {
		DeviceID ID `json:"device_id"`
		TopicID  ID `json:"topic_id"`
	} `json:"target"`
	PayloadMode string         `json:"payload_mode,omitempty"`
	Payload     map[string]any `json:"payload"`
	RawPayload  string         `json:"raw_payload,omitempty"`
}

// QueryConfig aggregates one telemetry parameter over a window ending at the trigger time.
type QueryConfig struct {
	Aggregate string `json:"aggregate"`
	Window    struct {
		Size int    `json:"size"`
		Unit string `json:"unit"`
	} `json:"window"`
	Source struct {
		DeviceID              ID `json:"device_id"`
		TopicID               ID `json:"topic_id"`
		ParameterDefinitionID ID `json:"parameter_definition_id"`
	} `json:"source"`
}

// AlertConfig describes the alert raised by an alert node. Subject and body may
// reference the execution context with {{ path }} placeholders.
type AlertConfig struct {
	Channel    string   `json:"channel"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Cooldown   *struct {
		Value int    `json:"value"`
		Unit  string `json:"unit"`
	} `json:"cooldown,omitempty"`
}

// ParseGraph decodes a stored graph document.
func ParseGraph(data []byte) (*Graph, error) {
	graph := &Graph{Version: 1}
	if len(bytes.TrimSpace(data)) == 0 {
		return graph, nil
	}
	if errUnmarshal := json.Unmarshal(data, graph); errUnmarshal != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGraph, errUnmarshal)
	}
	return graph, nil
}

// Validate checks node ids, trigger presence, edge endpoints and acyclicity.
func (g *Graph) Validate() error {
	nodes := make(map[string]struct{}, len(g.Nodes))
	triggers := 0
	for _, node := range g.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return fmt.Errorf("%w: every node must have a non-empty id", ErrInvalidGraph)
		}
		nodes[node.ID] = struct{}{}
		if IsTriggerType(node.Type) {
			triggers++
		}
	}
	if len(nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidGraph)
	}
	if triggers == 0 {
		return fmt.Errorf("%w: at least one trigger node is required", ErrInvalidGraph)
	}
	adjacency := map[string][]string{}
	for _, edge := range g.Edges {
		if edge.Source == "" || edge.Target == "" {
			return fmt.Errorf("%w: every edge needs a source and a target", ErrInvalidGraph)
		}
		_, sourceOK := nodes[edge.Source]
		_, targetOK := nodes[edge.Target]
		if !sourceOK || !targetOK {
			return fmt.Errorf("%w: edge %s -> %s references a missing node", ErrInvalidGraph, edge.Source, edge.Target)
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	const (
		unvisited = iota
		inStack
		done
	)
	state := make(map[string]int, len(nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case inStack:
			return false
		case done:
			return true
		}
		state[id] = inStack
		for _, next := range adjacency[id] {
			if !visit(next) {
				return false
			}
		}
		state[id] = done
		return true
	}
	for _, node := range g.Nodes {
		if !visit(node.ID) {
			return fmt.Errorf("%w: the graph contains a cycle", ErrInvalidGraph)
		}
	}
	return nil
}

// IsTriggerType reports whether nodeType starts a run.
func IsTriggerType(nodeType string) bool {
	return nodeType == NodeTelemetryTrigger || nodeType == NodeScheduleTrigger
}

// Checksum is the sha256 of the canonical JSON encoding.
func (g *Graph) Checksum() (string, error) {
	canonical, errMarshal := canonicalJSON(g)
	if errMarshal != nil {
		return "", errMarshal
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(v any) ([]byte, error) {
	data, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return nil, errMarshal
	}
	var generic any
	if errUnmarshal := json.Unmarshal(data, &generic); errUnmarshal != nil {
		return nil, errUnmarshal
	}
	return json.Marshal(generic)
}

// index returns nodes by id and the outgoing edges of each node in declaration order.
func (g *Graph) index() (map[string]Node, map[string][]string) {
	nodes := make(map[string]Node, len(g.Nodes))
	for _, node := range g.Nodes {
		if node.ID != "" {
			nodes[node.ID] = node
		}
	}
	edges := map[string][]string{}
	for _, edge := range g.Edges {
		if _, ok := nodes[edge.Source]; !ok {
			continue
		}
		if _, ok := nodes[edge.Target]; !ok {
			continue
		}
		edges[edge.Source] = append(edges[edge.Source], edge.Target)
	}
	return nodes, edges
}

func decodeConfig[T any](node Node) (T, bool) {
	var cfg T
	if len(bytes.TrimSpace(node.Data.Config)) == 0 {
		return cfg, false
	}
	if errUnmarshal := json.Unmarshal(node.Data.Config, &cfg); errUnmarshal != nil {
		return cfg, false
	}
	return cfg, true
}
