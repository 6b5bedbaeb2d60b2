package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Version information for all CLI tools
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-19"
	CommitSHA = "unknown" // Will be set during build
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	CommitSHA string `json:"commit_sha"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	BuildTags string `json:"build_tags,omitempty"`
}

// GetVersionInfo returns structured version information
func GetVersionInfo() *VersionInfo {
	return &VersionInfo{
		Version:   Version,
		BuildDate: BuildDate,
		CommitSHA: CommitSHA,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
	}
}

// PrintVersion prints version information in a consistent format
func PrintVersion(toolName string, jsonOutput bool) {
	info := GetVersionInfo()

	if jsonOutput {
		data, err := json.MarshalIndent(map[string]interface{}{
			"tool":         toolName,
			"version_info": info,
		}, "", "  ")
		if err == nil {
			fmt.Println(string(data))
			return
		}

		fmt.Fprintf(os.Stderr, "Error: Failed to marshal version info to JSON: %v\n", err)
	}

	fmt.Printf("%s v%s\n", toolName, info.Version)
	fmt.Printf("Build Date: %s\n", info.BuildDate)
	if info.CommitSHA != "unknown" && info.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", info.CommitSHA)
	}
	fmt.Printf("Go Version: %s\n", info.GoVersion)
	fmt.Printf("Platform: %s/%s\n", info.Platform, info.Arch)
}

// ExitWithError prints an error message and exits with code 1
func ExitWithError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// Logger provides leveled logging for CLI tools. Info messages need Verbose,
// Debug messages need DebugMode; warnings and errors are always written.
type Logger struct {
	Verbose   bool
	DebugMode bool

	z *zap.Logger
}

// NewLogger creates a logger writing to stdout.
func NewLogger(verbose, debug bool) *Logger {
	return NewLoggerTo(os.Stdout, verbose, debug)
}

// NewLoggerTo creates a logger writing "15:04:05 [LEVEL] message" lines to w.
func NewLoggerTo(w io.Writer, verbose, debug bool) *Logger {
	level := zapcore.WarnLevel
	switch {
	case debug:
		level = zapcore.DebugLevel
	case verbose:
		level = zapcore.InfoLevel
	}

	enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		LevelKey:   "level",
		TimeKey:    "time",
		MessageKey: "msg",
		EncodeLevel: func(l zapcore.Level, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString("[" + l.CapitalString() + "]")
		},
		EncodeTime: func(t time.Time, pae zapcore.PrimitiveArrayEncoder) {
			pae.AppendString(t.Format("15:04:05"))
		},
		ConsoleSeparator: " ",
	})

	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), level)

	return &Logger{Verbose: verbose, DebugMode: debug, z: zap.New(core)}
}

// Zap exposes the underlying logger for structured fields.
func (l *Logger) Zap() *zap.Logger { return l.z }

// Sync flushes buffered entries.
func (l *Logger) Sync() { _ = l.z.Sync() }

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.z.Info(fmt.Sprintf(format, args...))
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.z.Debug(fmt.Sprintf(format, args...))
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.z.Warn(fmt.Sprintf(format, args...))
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.z.Error(fmt.Sprintf(format, args...))
}

// Duration is a time.Duration read from "1m30s" style strings in config files.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}

	return d.parse(s)
}

func (d Duration) MarshalYAML() (interface{}, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}

	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

// FuzzConfig holds campaign settings shared by the fuzzing tools.
type FuzzConfig struct {
	Seed        int64    `json:"seed" yaml:"seed"`
	Workers     int      `json:"workers" yaml:"workers"`
	Duration    Duration `json:"duration" yaml:"duration"`
	MaxExecs    uint64   `json:"max_execs" yaml:"max_execs"`
	Iterations  int      `json:"iterations" yaml:"iterations"`
	Generators  []string `json:"generators,omitempty" yaml:"generators,omitempty"`
	ContextFile string   `json:"context_file" yaml:"context_file"`
	CorpusDir   string   `json:"corpus_dir" yaml:"corpus_dir"`
	CrashDir    string   `json:"crash_dir" yaml:"crash_dir"`
	Backend     string   `json:"backend" yaml:"backend"`
	Agent       string   `json:"agent,omitempty" yaml:"agent,omitempty"`
	AgentCert   string   `json:"agent_cert,omitempty" yaml:"agent_cert,omitempty"`
	MinBudget   Duration `json:"min_budget" yaml:"min_budget"`
	AutoTune    bool     `json:"autotune" yaml:"autotune"`
}

// Config represents common configuration for CLI tools
type Config struct {
	Verbose    bool       `json:"verbose" yaml:"verbose"`
	Debug      bool       `json:"debug" yaml:"debug"`
	ConfigFile string     `json:"config_file" yaml:"config_file"`
	WorkDir    string     `json:"work_dir" yaml:"work_dir"`
	Fuzz       FuzzConfig `json:"fuzz" yaml:"fuzz"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		WorkDir: ".",
		Fuzz: FuzzConfig{
			Workers:    1,
			Duration:   Duration(time.Minute),
			Iterations: 20,
			CorpusDir:  "corpus",
			CrashDir:   "crashes",
			Backend:    "wire",
			MinBudget:  Duration(10 * time.Second),
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}

	return false
}

// LoadConfig loads configuration from a JSON or YAML file, chosen by
// extension. A missing file yields the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if isYAML(configPath) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ConfigFile = configPath

	return config, nil
}

// SaveConfig saves configuration to file
func (c *Config) SaveConfig(configPath string) error {
	var (
		data []byte
		err  error
	)

	if isYAML(configPath) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// CommandInfo represents information about a CLI command
type CommandInfo struct {
	Name        string
	Usage       string
	Description string
	Examples    []string
	Flags       []FlagInfo
}

// FlagInfo represents information about a command flag
type FlagInfo struct {
	Name     string
	Short    string
	Usage    string
	Default  string
	Required bool
}

// PrintUsage prints a standardized usage message
func PrintUsage(tool string, commands []CommandInfo) {
	fmt.Printf("%s - Fuzzamoto IR Tools\n\n", tool)
	fmt.Printf("USAGE:\n")
	fmt.Printf("    %s <command> [OPTIONS]\n\n", tool)

	if len(commands) > 0 {
		fmt.Printf("COMMANDS:\n")
		for _, cmd := range commands {
			fmt.Printf("    %-12s %s\n", cmd.Name, cmd.Description)
		}
		fmt.Printf("\n")
	}

	fmt.Printf("GLOBAL OPTIONS:\n")
	fmt.Printf("    --help, -h     Show help information\n")
	fmt.Printf("    --version, -v  Show version information\n")
	fmt.Printf("    --json         Output version in JSON format\n")
	fmt.Printf("\n")
	fmt.Printf("Use '%s <command> --help' for more information about a command.\n", tool)
}

// PrintCommandUsage prints usage for a specific command
func PrintCommandUsage(tool string, cmd CommandInfo) {
	fmt.Printf("%s %s - %s\n\n", tool, cmd.Name, cmd.Description)
	fmt.Printf("USAGE:\n")
	fmt.Printf("    %s\n\n", cmd.Usage)

	if len(cmd.Flags) > 0 {
		fmt.Printf("OPTIONS:\n")
		for _, flag := range cmd.Flags {
			flagStr := fmt.Sprintf("    --%s", flag.Name)
			if flag.Short != "" {
				flagStr += fmt.Sprintf(", -%s", flag.Short)
			}

			required := ""
			if flag.Required {
				required = " (required)"
			}

			fmt.Printf("%-20s %s%s\n", flagStr, flag.Usage, required)
			if flag.Default != "" {
				fmt.Printf("%-20s Default: %s\n", "", flag.Default)
			}
		}
		fmt.Printf("\n")
	}

	if len(cmd.Examples) > 0 {
		fmt.Printf("EXAMPLES:\n")
		for _, example := range cmd.Examples {
			fmt.Printf("    %s\n", example)
		}
		fmt.Printf("\n")
	}
}

// HandleError handles errors in a consistent way
func HandleError(err error, logger *Logger) {
	if err != nil {
		if logger != nil {
			logger.Error("%v", err)
			logger.Sync()
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
