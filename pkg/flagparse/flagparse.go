package flagparse

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-mirror/pkg/buildinfo"
)

// ErrMissingPaths is returned when 'run' is not given at least one source and a destination.
var ErrMissingPaths = errors.New("run requires at least one source and a destination")

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	DryRun   *bool
	Metrics  *bool

	// Shared: Run / Init
	Config           *string
	Threads          *int
	BufferSizeKB     *int
	StagingMemoryMB  *int
	ListingCacheSize *int
	Codec            *string
	CompressionLevel *string
	Suffix           *string
	Extensions       *string
	IgnoreNames      *string
	ExcludeDirs      *string
	Rescan           *string
	Watcher          *string

	// Run specific
	Reverse *bool
	Verbose *bool
	Once    *bool

	// Init specific
	Force *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.DryRun = fs.Bool("dry-run", false, "Log the jobs that would run without touching the destination.")
	f.Metrics = fs.Bool("metrics", false, "Enable job counters and periodic progress reporting.")
}

func registerSharedFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Config = fs.String("config", "", "Path to the configuration file (default: ./pgl-mirror.config.json).")
	f.Threads = fs.Int("threads", 1, "Number of worker goroutines executing mirror jobs.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes used while compressing.")
	f.StagingMemoryMB = fs.Int("staging-memory-mb", 0, "Memory in megabytes shared by all workers for staging remote uploads.")
	f.ListingCacheSize = fs.Int("listing-cache-size", 0, "Number of remote directory listings cached per connection.")
	f.Codec = fs.String("codec", "", "Compression codec: 'bz2', 'gz' or 'zst'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.Suffix = fs.String("suffix", "", "Override the mirror file suffix (default: the codec's extension, e.g. '.bz2').")
	f.Extensions = fs.String("extensions", "", "Comma-separated list of tracked file extensions without the dot (replaces the configured list).")
	f.IgnoreNames = fs.String("ignore-names", "", "Comma-separated list of case-insensitive file names never mirrored (supports glob patterns).")
	f.ExcludeDirs = fs.String("exclude-dirs", "", "Comma-separated list of case-insensitive directory names skipped entirely (supports glob patterns).")
	f.Rescan = fs.String("rescan", "", "Cron schedule for periodic forward rescans, e.g. '@hourly' or '*/30 * * * *'.")
	f.Watcher = fs.String("watcher", "", "Watch source: 'inotify' (Linux) or 'fsnotify'.")
}

func registerRunFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Reverse = fs.Bool("reverse", false, "Scan the destination and delete mirror files whose source is gone, then exit.")
	f.Verbose = fs.Bool("verbose", false, "Shorthand for -log-level=debug.")
	f.Once = fs.Bool("once", false, "Run the forward reconciliation, drain the queue and exit without watching.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Overwrite an existing configuration file.")
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the action and config map.
// For 'run' the map also carries the positional paths under "sources" and "destination".
func Parse(args []string) (Command, map[string]interface{}, error) {
	// Handle top-level help
	// If no arguments provided, print help and exit.
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])

	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	f := &cliFlags{}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}

	switch command {
	case Init:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSharedFlags(fs, f)
		registerInitFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "[flags]", "Write a configuration file, seeded with defaults and any given flags.", fs)
		}

		if err := fs.Parse(args[1:]); err != nil {
			return command, nil, err
		}
		if fs.NArg() > 0 {
			return command, nil, fmt.Errorf("init takes no positional arguments, got %q", fs.Args())
		}
		flagMap, err := flagsToMap(fs, f)
		return command, flagMap, err

	case Run:
		fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
		registerGlobalFlags(fs, f)
		registerSharedFlags(fs, f)
		registerRunFlags(fs, f)

		fs.Usage = func() {
			printSubcommandUsage(command, "[flags] source... destination", "Mirror the source trees into the destination and keep it in sync.", fs)
		}

		positional, err := parseInterleaved(fs, args[1:])
		if err != nil {
			return command, nil, err
		}
		if len(positional) < 2 {
			return command, nil, ErrMissingPaths
		}
		flagMap, err := flagsToMap(fs, f)
		if err != nil {
			return command, nil, err
		}
		flagMap["sources"] = positional[:len(positional)-1]
		flagMap["destination"] = positional[len(positional)-1]
		return command, flagMap, nil

	case Version:
		return command, nil, nil

	default:
		return None, nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

// parseInterleaved parses fs over args and collects positional arguments, allowing flags
// to follow them ("run src dest -threads 4"). Everything after "--" is positional.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		// flag stops at "--" and drops it, so look for it before handing args over.
		before, after, hasTerminator := cutTerminator(args)
		if err := fs.Parse(before); err != nil {
			return nil, err
		}
		rest := fs.Args()
		if len(rest) == 0 {
			if hasTerminator {
				positional = append(positional, after...)
			}
			return positional, nil
		}
		positional = append(positional, rest[0])
		args = rest[1:]
		if hasTerminator {
			args = append(append(args, "--"), after...)
		}
	}
}

func cutTerminator(args []string) (before, after []string, found bool) {
	for i, a := range args {
		if a == "--" {
			return args[:i], args[i+1:], true
		}
	}
	return args, nil, false
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]interface{}, error) {
	// Create a map of the flags that were explicitly set by the user, along with their values.
	// This map is used to selectively override the base configuration.
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "dry-run", f.DryRun)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)

	addIfUsed(flagMap, usedFlags, "config", f.Config)
	addIfUsed(flagMap, usedFlags, "threads", f.Threads)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "staging-memory-mb", f.StagingMemoryMB)
	addIfUsed(flagMap, usedFlags, "listing-cache-size", f.ListingCacheSize)
	addIfUsed(flagMap, usedFlags, "codec", f.Codec)
	addIfUsed(flagMap, usedFlags, "compression-level", f.CompressionLevel)
	addIfUsed(flagMap, usedFlags, "suffix", f.Suffix)
	addIfUsed(flagMap, usedFlags, "rescan", f.Rescan)
	addIfUsed(flagMap, usedFlags, "watcher", f.Watcher)

	addIfUsed(flagMap, usedFlags, "reverse", f.Reverse)
	addIfUsed(flagMap, usedFlags, "verbose", f.Verbose)
	addIfUsed(flagMap, usedFlags, "once", f.Once)
	addIfUsed(flagMap, usedFlags, "force", f.Force)

	// Handle flags that require parsing/validation.
	addParsedIfUsed(flagMap, usedFlags, "extensions", f.Extensions, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "ignore-names", f.IgnoreNames, ParseExcludeList)
	addParsedIfUsed(flagMap, usedFlags, "exclude-dirs", f.ExcludeDirs, ParseExcludeList)

	if usedFlags["threads"] && *f.Threads < 1 {
		return nil, fmt.Errorf("invalid -threads %d: must be at least 1", *f.Threads)
	}

	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]interface{}, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

// printTopLevelUsage prints the main help message.
func printTopLevelUsage(fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Keeps a compressed mirror of game server content in sync.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  run         Mirror source trees into a destination and watch for changes\n")
	fmt.Fprintf(fs.Output(), "  init        Write a configuration file\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nDestinations: a local path, ftp://host[:port]/path, sftp://host[:port]/path or s3://bucket/prefix\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

// printSubcommandUsage prints the help message for a specific subcommand.
func printSubcommandUsage(command Command, synopsis, desc string, fs *flag.FlagSet) {

	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Keeps a compressed mirror of game server content in sync.\n\n")
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s %s\n\n", command, execName, command, synopsis)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseExcludeList parses a comma-separated list of names or patterns. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// Quotes are removed, as they are only used for grouping. Backslashes are literal
// characters for Windows path compatibility.
func ParseExcludeList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		switch {
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r)
			}
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
