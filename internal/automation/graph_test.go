package automation

import (
	"errors"
	"strings"
	"testing"
)

func TestGraphValidate(t *testing.T) {
	cases := []struct {
		name    string
		graph   string
		wantErr string
	}{
		{
			name:  "valid chain",
			graph: `{"nodes":[{"id":"a","type":"telemetry-trigger"},{"id":"b","type":"condition"}],"edges":[{"source":"a","target":"b"}]}`,
		},
		{
			name:    "empty",
			graph:   `{"nodes":[],"edges":[]}`,
			wantErr: "at least one node",
		},
		{
			name:    "blank id",
			graph:   `{"nodes":[{"id":" ","type":"telemetry-trigger"}]}`,
			wantErr: "non-empty id",
		},
		{
			name:    "no trigger",
			graph:   `{"nodes":[{"id":"a","type":"condition"}]}`,
			wantErr: "trigger node",
		},
		{
			name:    "dangling edge",
			graph:   `{"nodes":[{"id":"a","type":"schedule-trigger"}],"edges":[{"source":"a","target":"missing"}]}`,
			wantErr: "missing node",
		},
		{
			name:    "cycle",
			graph:   `{"nodes":[{"id":"a","type":"telemetry-trigger"},{"id":"b","type":"condition"},{"id":"c","type":"command"}],"edges":[{"source":"a","target":"b"},{"source":"b","target":"c"},{"source":"c","target":"b"}]}`,
			wantErr: "cycle",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			graph, errParse := ParseGraph([]byte(tc.graph))
			if errParse != nil {
				t.Fatalf("parse: %v", errParse)
			}
			errValidate := graph.Validate()
			if tc.wantErr == "" {
				if errValidate != nil {
					t.Fatalf("expected valid graph, got %v", errValidate)
				}
				return
			}
			if !errors.Is(errValidate, ErrInvalidGraph) || !strings.Contains(errValidate.Error(), tc.wantErr) {
				t.Fatalf("expected %q, got %v", tc.wantErr, errValidate)
			}
		})
	}
}

func TestParseGraphRejectsMalformedJSON(t *testing.T) {
	if _, errParse := ParseGraph([]byte(`{"nodes":`)); !errors.Is(errParse, ErrInvalidGraph) {
		t.Fatalf("expected ErrInvalidGraph, got %v", errParse)
	}
	graph, errParse := ParseGraph(nil)
	if errParse != nil || len(graph.Nodes) != 0 {
		t.Fatalf("expected empty graph, got %+v %v", graph, errParse)
	}
}

func TestGraphChecksumIgnoresFormatting(t *testing.T) {
	compact, _ := ParseGraph([]byte(`{"version":1,"nodes":[{"id":"a","type":"schedule-trigger","data":{"config":{"cron":"* * * * *","timezone":"UTC"}}}],"edges":[]}`))
	spaced, _ := ParseGraph([]byte(`{
		"version": 1,
		"nodes": [{"id": "a", "type": "schedule-trigger", "data": {"config": {"timezone": "UTC", "cron": "* * * * *"}}}],
		"edges": []
	}`))
	first, errFirst := compact.Checksum()
	second, errSecond := spaced.Checksum()
	if errFirst != nil || errSecond != nil {
		t.Fatalf("checksum errors: %v %v", errFirst, errSecond)
	}
	if first != second || len(first) != 64 {
		t.Fatalf("expected equal sha256 checksums, got %s and %s", first, second)
	}

	changed, _ := ParseGraph([]byte(`{"version":1,"nodes":[{"id":"b","type":"schedule-trigger"}],"edges":[]}`))
	third, _ := changed.Checksum()
	if third == first {
		t.Fatalf("expected different checksum for a different graph")
	}
}

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	node := Node{ID: "cmd", Type: NodeCommand}
	node.Data.Config = []byte(`{"target":{"device_id":"12","topic_id":4.0},"payload":{}}`)
	cfg, ok := decodeConfig[CommandConfig](node)
	if !ok || cfg.Target.DeviceID != 12 || cfg.Target.TopicID != 4 {
		t.Fatalf("unexpected target %+v ok=%v", cfg.Target, ok)
	}

	node.Data.Config = []byte(`{"target":{"device_id":"abc","topic_id":-3},"payload":{}}`)
	cfg, ok = decodeConfig[CommandConfig](node)
	if !ok || cfg.Target.DeviceID != 0 || cfg.Target.TopicID != 0 {
		t.Fatalf("expected invalid ids to decode as zero, got %+v", cfg.Target)
	}
}
