package workflow

import (
	"errors"
	"path/filepath"
)

// CWL runs a CWL workflow through the engine. It needs the workflow and
// inputs values.
type CWL struct {
	hookRunner
	params Params
}

func (c *CWL) Name() string { return "cwl" }

func (c *CWL) Configure(p Params) error {
	if p.Values["workflow"] == "" {
		return errors.New("workflow.params.workflow is required")
	}
	if p.Values["inputs"] == "" {
		return errors.New("workflow.params.inputs is required")
	}
	if p.JobStore == "" {
		return errors.New("paths.job_store is required")
	}
	c.params = p
	c.configureHooks(p)
	return nil
}

func (c *CWL) Command() ([]string, error) {
	p := c.params
	argv := []string{p.EngineBinary,
		"--jobStore", p.JobStore,
		"--batchSystem", p.BatchSystem,
		"--stats",
	}
	if p.WorkDir != "" {
		argv = append(argv, "--workDir", p.WorkDir)
	}
	if p.OutputDir != "" {
		argv = append(argv, "--outdir", p.OutputDir)
	}
	if p.LogDir != "" {
		argv = append(argv,
			"--writeLogs", p.LogDir,
			"--logFile", filepath.Join(p.LogDir, "engine.log"))
	}
	if p.RunUUID != "" && p.BatchSystem != "singleMachine" {
		argv = append(argv, "--jobName", p.RunUUID)
	}
	if p.Restart {
		argv = append(argv, "--restart")
	}
	argv = append(argv, p.ExtraArgs...)
	argv = append(argv, p.Values["workflow"], p.Values["inputs"])
	return argv, nil
}

// Shell runs an arbitrary shell command as the engine, for engines that
// are not driven by CWL.
type Shell struct {
	hookRunner
	command string
}

func (c *Shell) Name() string { return "command" }

func (c *Shell) Configure(p Params) error {
	c.command = p.Values["command"]
	if c.command == "" {
		return errors.New("workflow.params.command is required")
	}
	c.configureHooks(p)
	return nil
}

func (c *Shell) Command() ([]string, error) {
	return []string{"sh", "-c", c.command}, nil
}
