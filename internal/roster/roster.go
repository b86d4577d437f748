// Package roster maps teams to the principals holding their authority roles.
package roster

import "govline/internal/config"

// Directory answers who holds an authority role for a team. Implementations
// return "" when the team or role is not staffed.
type Directory interface {
	ManagerFor(team string) string
	ChiefOfStaffFor(team string) string
}

// ConfigDirectory is a Directory backed by the roster section of govline.yml.
type ConfigDirectory struct {
	Teams map[string]config.TeamEntry
}

func FromConfig(cfg *config.Config) ConfigDirectory {
	return ConfigDirectory{Teams: cfg.Roster.Teams}
}

func (d ConfigDirectory) ManagerFor(team string) string {
	return d.Teams[team].Manager
}

func (d ConfigDirectory) ChiefOfStaffFor(team string) string {
	return d.Teams[team].ChiefOfStaff
}
