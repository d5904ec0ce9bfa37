package agent

import (
	"testing"

	"github.com/remoteagent/gateway/internal/config"
)

func testPolicy(level string) *SecurityPolicy {
	cfg := config.Default()
	cfg.Autonomy.Level = level
	return NewSecurityPolicy(cfg)
}

func TestPolicyAllowsLowRisk(t *testing.T) {
	p := testPolicy("supervised")
	err := p.ValidateBashInput(`{"command":"ls -la"}`)
	if err != nil {
		t.Fatalf("expected low-risk command to be allowed, got error: %v", err)
	}
}

func TestPolicyBlocksHighRiskNetworkByDefault(t *testing.T) {
	p := testPolicy("supervised")
	err := p.ValidateBashInput(`{"command":"curl -s wttr.in/Singapore?format=v2"}`)
	if err == nil {
		t.Fatal("expected curl to be blocked by default high-risk policy")
	}
}

func TestPolicyAllowsMediumRiskWithoutAPolicyLevelApprovalFlag(t *testing.T) {
	// Medium-risk commands are gated by the gateway's own tool-confirmation
	// step upstream of ExecuteJSON, not by a field inside the bash
	// arguments a model controls, so the policy itself must not reject them.
	p := testPolicy("supervised")
	err := p.ValidateBashInput(`{"command":"git commit -m test"}`)
	if err != nil {
		t.Fatalf("expected medium-risk command to pass policy, got error: %v", err)
	}
}

func TestPolicyBlocksCommandExecutionInReadOnlyMode(t *testing.T) {
	p := testPolicy("readonly")
	err := p.ValidateBashInput(`{"command":"ls -la"}`)
	if err == nil {
		t.Fatal("expected command execution to be blocked in readonly autonomy")
	}
}
