// Package descriptor generates per-service devcontainer manifests consumed by
// the container supervisor's build/up commands.
package descriptor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/devdeck/devdeck/internal/domain"
)

const manifestDir = ".devdeck"

// Manifest mirrors the subset of devcontainer.json this engine writes.
type Manifest struct {
	Name              string   `json:"name"`
	Image             string   `json:"image"`
	WorkspaceFolder   string   `json:"workspaceFolder"`
	WorkspaceMount    string   `json:"workspaceMount"`
	ForwardPorts      []int    `json:"forwardPorts,omitempty"`
	PostCreateCommand string   `json:"postCreateCommand,omitempty"`
	RunArgs           []string `json:"runArgs,omitempty"`
}

// Generator writes manifests under a project's checkout.
type Generator struct{}

// NewGenerator returns a Generator.
func NewGenerator() *Generator {
	return &Generator{}
}

// Path reports where the manifest for a service lives inside the project.
func (g *Generator) Path(projectPath string, serviceID string) string {
	return filepath.Join(projectPath, manifestDir, serviceID, "devcontainer.json")
}

// Write renders and persists the manifest for one service, returning the
// config path to hand to the devcontainer CLI.
func (g *Generator) Write(project *domain.Project, svc domain.Service) (string, error) {
	manifest := Build(project, svc)
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest for %s: %w", svc.ID, err)
	}
	path := g.Path(project.Path, svc.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create manifest dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("replace manifest: %w", err)
	}
	return path, nil
}

// Build assembles the manifest content without touching the filesystem.
func Build(project *domain.Project, svc domain.Service) Manifest {
	workspace := "/workspaces/" + svc.ID
	m := Manifest{
		Name:              project.Name + " / " + svc.Name,
		Image:             baseImage(svc.Command),
		WorkspaceFolder:   workspace,
		WorkspaceMount:    fmt.Sprintf("source=%s,target=%s,type=bind", filepath.Join(project.Path, svc.Path), workspace),
		PostCreateCommand: installCommand(svc.Command),
	}
	if svc.Port > 0 {
		m.ForwardPorts = append(m.ForwardPorts, svc.Port)
	}
	if hp := svc.HardcodedPort; hp != nil && hp.Value != svc.Port {
		m.ForwardPorts = append(m.ForwardPorts, hp.Value)
	}
	if svc.DebugPort > 0 {
		m.ForwardPorts = append(m.ForwardPorts, svc.DebugPort)
	}
	return m
}

// baseImage picks a devcontainer base image from the toolchain the command
// implies, falling back to the universal image.
func baseImage(command string) string {
	tool := firstWord(command)
	switch tool {
	case "npm", "npx", "yarn", "pnpm", "node", "bun", "next", "vite":
		return "mcr.microsoft.com/devcontainers/javascript-node:20"
	case "python", "python3", "pip", "uvicorn", "flask", "gunicorn":
		return "mcr.microsoft.com/devcontainers/python:3.12"
	case "go":
		return "mcr.microsoft.com/devcontainers/go:1.23"
	case "cargo":
		return "mcr.microsoft.com/devcontainers/rust:1"
	case "ruby", "bundle", "rails":
		return "mcr.microsoft.com/devcontainers/ruby:3.3"
	case "java", "mvn", "gradle":
		return "mcr.microsoft.com/devcontainers/java:21"
	default:
		return "mcr.microsoft.com/devcontainers/universal:2"
	}
}

// installCommand returns the dependency-install step matching the toolchain,
// or empty when none is known.
func installCommand(command string) string {
	switch firstWord(command) {
	case "npm", "npx", "node", "next", "vite":
		return "npm install"
	case "yarn":
		return "yarn install"
	case "pnpm":
		return "pnpm install"
	case "python", "python3", "uvicorn", "flask", "gunicorn":
		return "pip install -r requirements.txt"
	case "bundle", "rails":
		return "bundle install"
	case "go":
		return "go mod download"
	default:
		return ""
	}
}

func firstWord(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return filepath.Base(fields[0])
}
