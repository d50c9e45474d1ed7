package inventory

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"bomagent/internal/protocol"
	"bomagent/internal/sysinfo"
)

func TestNew_DefaultAgentID(t *testing.T) {
	c, err := New("", "0.1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.AgentID() == "" {
		t.Error("default agent id is empty")
	}

	c, err = New("edge-7", "0.1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.AgentID() != "edge-7" {
		t.Errorf("AgentID: got %s, want edge-7", c.AgentID())
	}
}

func TestCollectBOM_Shape(t *testing.T) {
	c, err := New("edge-7", "0.1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	bom, err := c.CollectBOM(context.Background(), false)
	if err != nil {
		t.Fatalf("CollectBOM failed: %v", err)
	}

	scanID, ok := bom["scan_id"].(string)
	if !ok {
		t.Fatalf("scan_id: got %T, want string", bom["scan_id"])
	}
	if _, err := uuid.Parse(scanID); err != nil {
		t.Errorf("scan_id %q is not a uuid: %v", scanID, err)
	}

	components, ok := bom["components"].([]any)
	if !ok {
		t.Fatalf("components: got %T, want []any", bom["components"])
	}
	var sawOS, sawKernel bool
	for _, raw := range components {
		comp := raw.(map[string]any)
		for _, key := range []string{"name", "version", "type", "purl", "metadata"} {
			if _, ok := comp[key]; !ok {
				t.Errorf("component %v missing %s", comp["name"], key)
			}
		}
		if !strings.HasPrefix(comp["purl"].(string), "pkg:generic/") {
			t.Errorf("purl: got %s", comp["purl"])
		}
		switch comp["type"] {
		case TypeOperatingSystem:
			sawOS = true
		case TypeApplication:
			t.Errorf("shallow scan listed executable %v", comp["name"])
		}
		if comp["name"] == "kernel" {
			sawKernel = true
		}
	}
	if !sawOS || !sawKernel {
		t.Errorf("expected operating system and kernel components (os=%v kernel=%v)", sawOS, sawKernel)
	}

	meta := bom["metadata"].(map[string]any)
	if meta["agent_id"] != "edge-7" {
		t.Errorf("metadata agent_id: got %v", meta["agent_id"])
	}
	if meta["deep_scan"] != false {
		t.Errorf("metadata deep_scan: got %v, want false", meta["deep_scan"])
	}
	if _, err := protocol.ParseTimestamp(meta["scan_timestamp"].(string)); err != nil {
		t.Errorf("scan_timestamp: %v", err)
	}
}

func TestCollectBOM_Encodable(t *testing.T) {
	c, err := New("edge-7", "0.1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	bom, err := c.CollectBOM(context.Background(), true)
	if err != nil {
		t.Fatalf("CollectBOM failed: %v", err)
	}

	msg := protocol.NewMessage(protocol.TypeBOMData, c.AgentID(), bom)
	frame, err := protocol.EncodeFrame(msg)
	if err != nil {
		t.Fatalf("encoding BOM: %v", err)
	}
	decoded, _, err := protocol.DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decoding BOM: %v", err)
	}
	if decoded.Data["scan_id"] != bom["scan_id"] {
		t.Errorf("scan_id: got %v, want %v", decoded.Data["scan_id"], bom["scan_id"])
	}
}

func TestCollectBOM_Canceled(t *testing.T) {
	c, err := New("edge-7", "0.1.0", zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.CollectBOM(ctx, false); err == nil {
		t.Error("expected an error from a canceled scan")
	}
}

func TestComponentPURL(t *testing.T) {
	c := Component{Name: "Ubuntu Linux", Version: "24.04"}
	if got := c.PURL(); got != "pkg:generic/ubuntu-linux@24.04" {
		t.Errorf("PURL: got %s", got)
	}
	c = Component{Name: "cpu"}
	if got := c.PURL(); got != "pkg:generic/cpu@unknown" {
		t.Errorf("PURL without version: got %s", got)
	}
}

func TestOSComponents_Kernel(t *testing.T) {
	info := &sysinfo.SystemInfo{
		Platform:        "ubuntu",
		PlatformVersion: "24.04",
		Kernel:          "6.8.0",
		Architecture:    "amd64",
	}

	comps := osComponents(context.Background(), info)
	if len(comps) != 2 {
		t.Fatalf("components: got %d, want 2", len(comps))
	}
	if comps[0].Type != TypeOperatingSystem || comps[0].Version != "24.04" {
		t.Errorf("os component: got %+v", comps[0])
	}
	kernel := comps[1]
	if kernel.Name != "kernel" || kernel.Version != "6.8.0" || kernel.Type != TypeFirmware {
		t.Errorf("kernel component: got %+v", kernel)
	}
	if arch, ok := kernel.Metadata["arch"].(string); ok && arch == "" {
		t.Error("kernel arch recorded as empty string")
	}
}
