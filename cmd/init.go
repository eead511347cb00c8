package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunInit handles the logic for the 'init' command. Settings of an existing
// config file are kept; the given flags are merged over them.
func RunInit(ctx context.Context, flagMap map[string]interface{}) error {
	configPath, _ := flagMap["config"].(string)

	force := false
	if f, ok := flagMap["force"]; ok {
		force = f.(bool)
	}

	// Note: config.Load returns NewDefault() if the file simply doesn't exist.
	baseConfig, err := config.Load(configPath)
	if err != nil {
		plog.Warn("Could not load existing configuration, starting with defaults.", "reason", err)
		baseConfig = config.NewDefault()
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Init, baseConfig, flagMap)
	if runConfig.Path == "" {
		runConfig.Path = config.ConfigFileName
	}

	if err := runConfig.Validate(false); err != nil {
		return err
	}

	if runConfig.Runtime.DryRun {
		plog.Info("[DRY RUN] Initialization complete. No changes made.", "path", runConfig.Path)
		return nil
	}

	err = config.Generate(runConfig, force)
	if errors.Is(err, config.ErrConfigExists) {
		fmt.Printf("WARNING: Configuration file already exists at %s.\n", runConfig.Path)
		if !PromptForConfirmation("Overwrite it with the merged settings?", false) {
			plog.Info(buildinfo.Name + " init operation canceled.")
			return nil
		}
		err = config.Generate(runConfig, true)
	}
	if err != nil {
		return fmt.Errorf("failed to generate config file: %w", err)
	}
	plog.Info(buildinfo.Name+" configuration initialized.", "path", runConfig.Path)
	return nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
