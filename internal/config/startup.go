package config

// StartupConfiguration is the immutable record a supervisor is constructed with.
// Accessors return copies so callers cannot mutate it after construction.
type StartupConfiguration struct {
	rootDir              string
	backupDir            string
	serverDir            string
	startupCommands      []string
	overriddenProperties map[string]string
}

// NewStartupConfiguration copies its inputs into a new StartupConfiguration
func NewStartupConfiguration(rootDir, backupDir, serverDir string, startupCommands []string, overrides map[string]string) StartupConfiguration {
	commands := make([]string, len(startupCommands))
	copy(commands, startupCommands)

	props := make(map[string]string, len(overrides))
	for k, v := range overrides {
		props[k] = v
	}

	return StartupConfiguration{
		rootDir:              rootDir,
		backupDir:            backupDir,
		serverDir:            serverDir,
		startupCommands:      commands,
		overriddenProperties: props,
	}
}

func (s StartupConfiguration) RootDir() string   { return s.rootDir }
func (s StartupConfiguration) BackupDir() string { return s.backupDir }
func (s StartupConfiguration) ServerDir() string { return s.serverDir }

// StartupCommands returns the ordered commands sent once the server is up
func (s StartupConfiguration) StartupCommands() []string {
	commands := make([]string, len(s.startupCommands))
	copy(commands, s.startupCommands)
	return commands
}

// OverriddenProperties returns the validated property overrides
func (s StartupConfiguration) OverriddenProperties() map[string]string {
	props := make(map[string]string, len(s.overriddenProperties))
	for k, v := range s.overriddenProperties {
		props[k] = v
	}
	return props
}

// IsZero reports whether the configuration was never constructed
func (s StartupConfiguration) IsZero() bool {
	return s.serverDir == "" && s.backupDir == "" && s.rootDir == ""
}
