package config

// Profile is the content of a profile file. Nil pointers and empty
// collections mean "not set", so a profile only overrides what it names.
type Profile struct {
	LogLevel    *string
	LogFormat   *string
	KeepStack   *bool
	PreserveAll *bool
	NoPause     *bool
	SearchPaths []string
	// Stages toggles stages by key. Unknown keys are ignored.
	Stages   map[string]bool
	Artifact *Artifact
}

// Artifact locates the object store the saved module is archived to.
type Artifact struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Settings is the effective, merged configuration of one invocation.
type Settings struct {
	LogLevel    string
	LogFormat   string
	ProfilePath string

	KeepOldMaxStack bool
	PreserveAll     bool
	NoPause         bool

	SearchPaths []string
	Stages      map[string]bool
	Artifact    *Artifact
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		LogLevel:  "info",
		LogFormat: "text",
		Stages:    map[string]bool{},
	}
}

// ApplyProfile overlays the values p sets.
func (s *Settings) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	if p.LogLevel != nil {
		s.LogLevel = *p.LogLevel
	}
	if p.LogFormat != nil {
		s.LogFormat = *p.LogFormat
	}
	if p.KeepStack != nil {
		s.KeepOldMaxStack = *p.KeepStack
	}
	if p.PreserveAll != nil {
		s.PreserveAll = *p.PreserveAll
	}
	if p.NoPause != nil {
		s.NoPause = *p.NoPause
	}
	if len(p.SearchPaths) > 0 {
		s.SearchPaths = append([]string(nil), p.SearchPaths...)
	}
	if s.Stages == nil {
		s.Stages = map[string]bool{}
	}
	for k, v := range p.Stages {
		s.Stages[k] = v
	}
	if p.Artifact != nil {
		a := *p.Artifact
		s.Artifact = &a
	}
}

// Switch names accepted on the command line and in profiles.
const (
	SwitchKeepStack   = "keep-stack"
	SwitchPreserveAll = "preserve-all"
	SwitchNoPause     = "no-pause"
)

// SetSwitch sets one of the fixed switches. It reports false when name is
// not a fixed switch.
func (s *Settings) SetSwitch(name string, value bool) bool {
	switch name {
	case SwitchKeepStack:
		s.KeepOldMaxStack = value
	case SwitchPreserveAll:
		s.PreserveAll = value
	case SwitchNoPause:
		s.NoPause = value
	default:
		return false
	}
	return true
}
