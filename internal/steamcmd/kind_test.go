package steamcmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateKindArgs(t *testing.T) {
	target := DefaultTarget()

	assert.Equal(t, []string{"+login", "anonymous", "+quit"}, SteamRuntimeUpdate().Args(target))

	assert.Equal(t, []string{
		"+force_install_dir", "/home/steam/palserver",
		"+login", "anonymous",
		"+app_update", "2394010", "validate",
		"+quit",
	}, GameUpdate(true).Args(target))

	assert.Equal(t, []string{
		"+force_install_dir", "/srv/pal",
		"+login", "anonymous",
		"+app_update", "2394010",
		"+quit",
	}, GameUpdate(false).Args(Target{InstallDir: "/srv/pal", AppID: DefaultAppID}))
}

func TestUpdateKindString(t *testing.T) {
	assert.Equal(t, "steam_runtime", SteamRuntimeUpdate().String())
	assert.Equal(t, "game", GameUpdate(false).String())
	assert.Equal(t, "game_validate", GameUpdate(true).String())
	assert.False(t, SteamRuntimeUpdate().Validate())
	assert.True(t, GameUpdate(true).IsGame())
}

func TestRunnerCommand(t *testing.T) {
	r := NewRunner("", nil)
	assert.Equal(t, []string{
		"/bin/stdbuf", "--output=0", "/home/steam/steamcmd/steamcmd.sh", "+login", "anonymous", "+quit",
	}, r.Command(SteamRuntimeUpdate().Args(DefaultTarget())))
}
