package types

// Job represents a recurring invocation of an external command
type Job struct {
	Name        string   `json:"name" yaml:"name"`
	Schedule    string   `json:"schedule" yaml:"schedule"`
	Command     string   `json:"command" yaml:"command"`
	Args        []string `json:"args" yaml:"args"`
	LogPath     string   `json:"log_path" yaml:"log_path"`
	Timeout     string   `json:"timeout" yaml:"timeout"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Description string   `json:"description" yaml:"description"`
}

// JobConfig represents the job scheduler configuration
type JobConfig struct {
	MaxConcurrent int   `json:"max_concurrent" yaml:"max_concurrent"`
	HistorySize   int   `json:"history_size" yaml:"history_size"`
	Predefined    []Job `json:"predefined" yaml:"predefined"`
}
