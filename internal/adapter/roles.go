package adapter

import "github.com/nerrad567/beamline-core/internal/channel"

// Roles maps role names to the channel and command handles of one device.
// It is filled at construction and read-only afterwards.
type Roles struct {
	channels map[string]*channel.Channel
	commands map[string]*channel.Command
	byName   map[string]string
}

func newRoles() *Roles {
	return &Roles{
		channels: make(map[string]*channel.Channel),
		commands: make(map[string]*channel.Command),
		byName:   make(map[string]string),
	}
}

func (r *Roles) addChannel(role string, ch *channel.Channel) {
	r.channels[role] = ch
	r.byName[ch.Name()] = role
}

func (r *Roles) addCommand(role string, cmd *channel.Command) {
	r.commands[role] = cmd
}

// Channel returns the channel bound to role.
func (r *Roles) Channel(role string) (*channel.Channel, bool) {
	ch, ok := r.channels[role]
	return ch, ok
}

// Command returns the command bound to role.
func (r *Roles) Command(role string) (*channel.Command, bool) {
	cmd, ok := r.commands[role]
	return cmd, ok
}

// ChannelRoles returns the channel role names, sorted.
func (r *Roles) ChannelRoles() []string {
	return sortedKeys(r.channels)
}

// CommandRoles returns the command role names, sorted.
func (r *Roles) CommandRoles() []string {
	return sortedKeys(r.commands)
}

// roleOf resolves a channel name from an event back to its role.
func (r *Roles) roleOf(channelName string) (string, bool) {
	role, ok := r.byName[channelName]
	return role, ok
}

func (r *Roles) allChannels() []*channel.Channel {
	roles := r.ChannelRoles()
	out := make([]*channel.Channel, 0, len(roles))
	for _, role := range roles {
		out = append(out, r.channels[role])
	}
	return out
}

func (r *Roles) allCommands() []*channel.Command {
	roles := r.CommandRoles()
	out := make([]*channel.Command, 0, len(roles))
	for _, role := range roles {
		out = append(out, r.commands[role])
	}
	return out
}
