package weave

import "github.com/kolkov/classweave/cmd/classweave/runtime"

// Version information for the classweave engine.
const (
	// Version is the current engine version. Rule files may require a
	// minimum engine version with their "engine" key.
	Version = "0.3.0"

	// VersionMajor is the major version number.
	VersionMajor = 0

	// VersionMinor is the minor version number.
	VersionMinor = 3

	// VersionPatch is the patch version number.
	VersionPatch = 0
)

// Info describes the engine build.
type Info struct {
	// Version is the engine version string.
	Version string

	// Hooks is the hook class of the built-in rules.
	Hooks string
}

// GetInfo returns information about the engine.
//
// Example:
//
//	info := weave.GetInfo()
//	fmt.Printf("classweave %s (hooks %s)\n", info.Version, info.Hooks)
func GetInfo() Info {
	return Info{
		Version: Version,
		Hooks:   runtime.Default().Class,
	}
}
