// Package userdata builds the boot script that turns a freshly launched
// instance into a GitHub Actions runner.  The script is plain bash and is
// executed once by cloud-init on first boot.
package userdata

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// DefaultRunnerVersion is the actions/runner release downloaded when the
// image does not ship a pre-installed runner.
const DefaultRunnerVersion = "2.321.0"

// LogFile is where the boot script output is captured on the instance.
const LogFile = "/var/log/user-data.log"

// Config describes how the runner is installed and started on the instance.
type Config struct {
	// GitHubURL is the repository or organization URL the runner
	// registers against (e.g. https://github.com/org/repo).
	GitHubURL string

	// HomeDir points at a pre-installed runner.  When empty the runner
	// release is downloaded into ./actions-runner.
	HomeDir string

	// PreRunnerScript is written to pre-runner-script.sh and sourced
	// before the runner is configured.
	PreRunnerScript string

	// RunAsUser, when set, owns the runner directory and runs the runner.
	RunAsUser string

	// RunAsService installs the runner as a systemd service via svc.sh.
	RunAsService bool

	// RunnerVersion pins the downloaded release.  Default: DefaultRunnerVersion.
	RunnerVersion string
}

// Build returns the boot script as an ordered list of shell commands.
func Build(token, label string, cfg Config) []string {
	version := cfg.RunnerVersion
	if version == "" {
		version = DefaultRunnerVersion
	}

	lines := []string{
		"#!/bin/bash",
		fmt.Sprintf("exec > >(tee %s | logger -t user-data -s 2>/dev/console) 2>&1", LogFile),
	}

	if cfg.HomeDir != "" {
		lines = append(lines, "cd "+shellquote.Join(cfg.HomeDir))
		lines = append(lines, preRunner(cfg.PreRunnerScript)...)
	} else {
		lines = append(lines, "mkdir -p actions-runner && cd actions-runner")
		lines = append(lines, preRunner(cfg.PreRunnerScript)...)
		archive := fmt.Sprintf("actions-runner-linux-${RUNNER_ARCH}-%s.tar.gz", version)
		lines = append(lines,
			`case $(uname -m) in aarch64) ARCH="arm64" ;; amd64|x86_64) ARCH="x64" ;; esac && export RUNNER_ARCH=${ARCH}`,
			fmt.Sprintf("curl -O -L https://github.com/actions/runner/releases/download/v%s/%s && tar xzf ./%s", version, archive, archive),
		)
	}

	lines = append(lines,
		"export RUNNER_ALLOW_RUNASROOT=1",
		"./config.sh "+shellquote.Join(
			"--url", cfg.GitHubURL,
			"--token", token,
			"--labels", label,
			"--name", label,
			"--unattended",
		),
	)

	if cfg.RunAsUser != "" {
		lines = append(lines, "chown -R "+shellquote.Join(cfg.RunAsUser)+" .")
	}

	switch {
	case cfg.RunAsService && cfg.RunAsUser != "":
		lines = append(lines, "./svc.sh install "+shellquote.Join(cfg.RunAsUser), "./svc.sh start")
	case cfg.RunAsService:
		lines = append(lines, "./svc.sh install", "./svc.sh start")
	case cfg.RunAsUser != "":
		lines = append(lines, "su "+shellquote.Join(cfg.RunAsUser)+" -c ./run.sh")
	default:
		lines = append(lines, "./run.sh")
	}

	return lines
}

// Encode joins the script lines and base64-encodes them in the form EC2
// expects for launch template user data.
func Encode(lines []string) string {
	return base64.StdEncoding.EncodeToString([]byte(strings.Join(lines, "\n") + "\n"))
}

// preRunner writes the pre-runner script to disk and sources it.
func preRunner(script string) []string {
	return []string{
		"echo " + shellquote.Join(script) + " > pre-runner-script.sh",
		"source pre-runner-script.sh",
	}
}
