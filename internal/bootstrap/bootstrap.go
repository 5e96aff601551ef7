// Package bootstrap turns command-line arguments into a StartupConfiguration.
//
// Arguments are persisted to MCpal.cfg in the root directory so a later
// start without arguments (e.g. an updater relaunching the binary) picks
// them up once. Reserved flags select directories and startup commands;
// every other --key=value is a server.properties override.
package bootstrap

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/yourusername/mcpal/internal/config"
	"github.com/yourusername/mcpal/internal/properties"
)

const (
	ConfigFileName = "MCpal.cfg"

	flagBackupLocation  = "backup-location"
	flagServerLocation  = "server-location"
	flagBedrockCommands = "bedrock-commands"
	flagConfig          = "config"

	defaultBackupLocation = "backup"
)

// ErrInvalidParameters carries the usage text shown when no arguments can be found
var ErrInvalidParameters = errors.New("Invalid Input Parameters. Please start MCpal like this:\n" +
	"mcpal --backup-location=PATH_TO_BACKUP_FOLDER --server-location=PATH_TO_MINECRAFT_BEDROCK_SERVER\n" +
	"Example: mcpal --backup-location=\"/srv/minecraft/backup\" --server-location=\"/srv/minecraft/bedrock-1.18.0\"")

// Arguments are the parsed command line
type Arguments struct {
	ConfigPath      string
	BackupDir       string
	ServerDir       string
	BedrockCommands []string
	Overrides       map[string]string

	backupSet   bool
	serverSet   bool
	commandsSet bool
}

// Resolve picks the argument source and parses it. Given arguments are
// written to rootDir/MCpal.cfg; without arguments MCpal.cfg is read and deleted.
func Resolve(rootDir string, args []string) (*Arguments, error) {
	cfgPath := filepath.Join(rootDir, ConfigFileName)

	switch {
	case len(args) > 0:
		parsed, err := Parse(args)
		if err != nil {
			return nil, err
		}
		if err := writeArgs(cfgPath, args); err != nil {
			return nil, err
		}
		return parsed, nil
	default:
		stored, err := readArgs(cfgPath)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrInvalidParameters
		}
		if err != nil {
			return nil, err
		}
		if err := os.Remove(cfgPath); err != nil {
			return nil, fmt.Errorf("failed to remove %s: %w", ConfigFileName, err)
		}
		log.Printf("[Bootstrap] Loaded %d arguments from %s", len(stored), ConfigFileName)
		return Parse(stored)
	}
}

// Parse splits reserved flags from property overrides
func Parse(args []string) (*Arguments, error) {
	parsed := &Arguments{Overrides: make(map[string]string)}

	flags := pflag.NewFlagSet("mcpal", pflag.ContinueOnError)
	flags.StringVar(&parsed.BackupDir, flagBackupLocation, defaultBackupLocation, "backup directory")
	flags.StringVar(&parsed.ServerDir, flagServerLocation, "", "bedrock server directory")
	flags.StringArrayVar(&parsed.BedrockCommands, flagBedrockCommands, nil, "console command sent once the server is up (repeatable)")
	flags.StringVar(&parsed.ConfigPath, flagConfig, "", "path to config.yaml")
	flags.SetOutput(io.Discard)

	var reserved []string
	for i := 0; i < len(args); i++ {
		arg := strings.TrimSpace(args[i])
		if arg == "" {
			continue
		}
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("%w\nunexpected argument %q", ErrInvalidParameters, arg)
		}

		name, value, hasValue := strings.Cut(arg[2:], "=")
		if isReserved(name) {
			reserved = append(reserved, arg)
			if !hasValue && i+1 < len(args) {
				i++
				reserved = append(reserved, args[i])
			}
			continue
		}

		if name == "" || !hasValue {
			return nil, fmt.Errorf("%w\nproperty overrides take the form --key=value, got %q", ErrInvalidParameters, arg)
		}
		parsed.Overrides[name] = value
	}

	if err := flags.Parse(reserved); err != nil {
		return nil, fmt.Errorf("%w\n%v", ErrInvalidParameters, err)
	}

	parsed.backupSet = flags.Changed(flagBackupLocation)
	parsed.serverSet = flags.Changed(flagServerLocation)
	parsed.commandsSet = flags.Changed(flagBedrockCommands)

	if strings.TrimSpace(parsed.BackupDir) == "" {
		return nil, ErrInvalidParameters
	}
	return parsed, nil
}

// Startup merges the arguments over cfg, regenerates server.properties and
// returns the configuration the supervisor is built from.
func (a *Arguments) Startup(rootDir string, cfg *config.Config) (config.StartupConfiguration, *properties.Result, error) {
	serverDir := cfg.Server.Dir
	if a.serverSet {
		serverDir = a.ServerDir
	}
	backupDir := cfg.Backup.Dir
	if a.backupSet || backupDir == "" {
		backupDir = a.BackupDir
	}
	commands := cfg.Server.StartupCommands
	if a.commandsSet {
		commands = a.BedrockCommands
	}

	serverDir, err := absolute(serverDir)
	if err != nil {
		return config.StartupConfiguration{}, nil, err
	}
	backupDir, err = absolute(backupDir)
	if err != nil {
		return config.StartupConfiguration{}, nil, err
	}

	cfg.Server.Dir = serverDir
	cfg.Backup.Dir = backupDir

	result, err := properties.Apply(serverDir, a.Overrides)
	if err != nil {
		return config.StartupConfiguration{}, nil, err
	}

	startup := config.NewStartupConfiguration(rootDir, backupDir, serverDir, commands, result.AppliedMap())
	return startup, result, nil
}

func isReserved(name string) bool {
	switch name {
	case flagBackupLocation, flagServerLocation, flagBedrockCommands, flagConfig:
		return true
	}
	return false
}

func absolute(path string) (string, error) {
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	return abs, nil
}

func writeArgs(path string, args []string) error {
	var b strings.Builder
	for _, arg := range args {
		b.WriteString(arg)
		b.WriteString("\n")
	}
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", ConfigFileName, err)
	}
	return nil
}

func readArgs(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var args []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			args = append(args, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ConfigFileName, err)
	}
	return args, nil
}
