// Package steamcmd drives the SteamCMD updater: it spawns the process,
// streams its raw output to a client and turns recognised lines into
// structured progress events.
package steamcmd

const (
	DefaultExecutable = "/home/steam/steamcmd/steamcmd.sh"
	DefaultInstallDir = "/home/steam/palserver"
	DefaultAppID      = "2394010"
)

// DefaultUnbuffer disables stdout buffering of the updater so progress
// lines arrive as they are printed.
var DefaultUnbuffer = []string{"/bin/stdbuf", "--output=0"}

// Target is the game installation an update applies to.
type Target struct {
	InstallDir string
	AppID      string
}

// DefaultTarget is the Palworld dedicated server in its container layout.
func DefaultTarget() Target {
	return Target{
		InstallDir: DefaultInstallDir,
		AppID:      DefaultAppID,
	}
}

// UpdateKind selects what an update session refreshes.
type UpdateKind struct {
	game     bool
	validate bool
}

// SteamRuntimeUpdate refreshes SteamCMD itself.
func SteamRuntimeUpdate() UpdateKind {
	return UpdateKind{}
}

// GameUpdate installs or updates the game, optionally verifying every file.
func GameUpdate(validate bool) UpdateKind {
	return UpdateKind{game: true, validate: validate}
}

func (k UpdateKind) IsGame() bool {
	return k.game
}

func (k UpdateKind) Validate() bool {
	return k.game && k.validate
}

// Args returns the updater argument vector for k.
func (k UpdateKind) Args(t Target) []string {
	if !k.game {
		return []string{"+login", "anonymous", "+quit"}
	}

	args := []string{
		"+force_install_dir", t.InstallDir,
		"+login", "anonymous",
		"+app_update", t.AppID,
	}
	if k.validate {
		args = append(args, "validate")
	}
	return append(args, "+quit")
}

func (k UpdateKind) String() string {
	switch {
	case !k.game:
		return "steam_runtime"
	case k.validate:
		return "game_validate"
	default:
		return "game"
	}
}
