package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
	"github.com/paulschiretz/pgl-mirror/pkg/config"
	"github.com/paulschiretz/pgl-mirror/pkg/engine"
	"github.com/paulschiretz/pgl-mirror/pkg/flagparse"
	"github.com/paulschiretz/pgl-mirror/pkg/plog"
)

// RunMirror handles the logic for the 'run' command.
func RunMirror(ctx context.Context, flagMap map[string]interface{}) error {
	runConfig, err := runConfigFromFlags(flagMap)
	if err != nil {
		return err
	}

	// Set the global log level based on the final configuration.
	plog.SetLevel(plog.LevelFromString(runConfig.LogLevel))

	runConfig.LogSummary()

	e, err := engine.New(runConfig)
	if err != nil {
		return err
	}

	startTime := time.Now()
	err = e.Execute(ctx)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		return err // The error will be logged with full details by main()
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// runConfigFromFlags loads the config file named by -config, or the default
// file in the working directory, and merges the flags over it.
func runConfigFromFlags(flagMap map[string]interface{}) (config.Config, error) {
	configPath, _ := flagMap["config"].(string)
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load configuration: %w", err)
	}

	runConfig := config.MergeConfigWithFlags(flagparse.Run, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(true); err != nil {
		return config.Config{}, err
	}
	return runConfig, nil
}
