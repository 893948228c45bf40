// Package gate filters incoming chat events down to the ones eligible to
// become tracker issues: right channel, authorized author.
package gate

import "github.com/jmaddaus/issuebridge/internal/model"

// Gate applies the channel and role policy to incoming events. It is a pure
// filter: rejection has no side effects and is not an error.
type Gate struct {
	channelID string
	roles     map[string]struct{} // empty means no role restriction
}

// New builds a Gate for the given channel. An empty authorizedRoles slice
// means every author in the channel is authorized.
func New(channelID string, authorizedRoles []string) *Gate {
	g := &Gate{
		channelID: channelID,
		roles:     make(map[string]struct{}, len(authorizedRoles)),
	}
	for _, r := range authorizedRoles {
		if r != "" {
			g.roles[r] = struct{}{}
		}
	}
	return g
}

// Accept reports whether the event qualifies for issue creation.
func (g *Gate) Accept(ev *model.ChatEvent) bool {
	if ev.ChannelID != g.channelID {
		return false
	}
	if len(g.roles) == 0 {
		return true
	}
	for _, r := range ev.AuthorRoles {
		if _, ok := g.roles[r]; ok {
			return true
		}
	}
	return false
}
