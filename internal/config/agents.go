package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/user/stagehand/internal/types"
)

// agentSpec is one entry of the agents.yaml file.
type agentSpec struct {
	Name           string `yaml:"name"`
	Model          string `yaml:"model"`
	Workspace      string `yaml:"workspace"`
	SandboxPolicy  string `yaml:"sandbox_policy"`
	ApprovalPolicy string `yaml:"approval_policy"`
}

type agentsFile struct {
	Agents []agentSpec `yaml:"agents"`
}

// LoadAgents parses the agents.yaml file into agent records. A missing
// file yields a single "default" agent so the system works out of the
// box; a malformed file is an error.
func LoadAgents(path string) ([]*types.Agent, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return []*types.Agent{defaultAgent()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(file.Agents) == 0 {
		return []*types.Agent{defaultAgent()}, nil
	}

	seen := make(map[string]bool)
	agents := make([]*types.Agent, 0, len(file.Agents))
	for _, spec := range file.Agents {
		if spec.Name == "" {
			return nil, fmt.Errorf("agents file: entry with empty name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("agents file: duplicate agent %q", spec.Name)
		}
		seen[spec.Name] = true

		sandbox := types.SandboxPolicy(spec.SandboxPolicy)
		switch sandbox {
		case "":
			sandbox = types.SandboxWorkspaceWrite
		case types.SandboxReadOnly, types.SandboxWorkspaceWrite, types.SandboxFullAccess:
		default:
			return nil, fmt.Errorf("agents file: agent %q has unknown sandbox policy %q", spec.Name, spec.SandboxPolicy)
		}

		agents = append(agents, &types.Agent{
			Name:           spec.Name,
			Model:          spec.Model,
			WorkspacePath:  spec.Workspace,
			SandboxPolicy:  sandbox,
			ApprovalPolicy: spec.ApprovalPolicy,
			CreatedAt:      time.Now().UTC(),
		})
	}
	return agents, nil
}

func defaultAgent() *types.Agent {
	return &types.Agent{
		Name:          "default",
		SandboxPolicy: types.SandboxWorkspaceWrite,
		CreatedAt:     time.Now().UTC(),
	}
}
